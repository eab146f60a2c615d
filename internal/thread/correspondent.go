package thread

import (
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bradenaw/juniper/xslices"
	"github.com/jaytaylor/html2text"

	"github.com/brandon/mailsync/pkg/types"
)

const snippetLength = 120

// BodyLookup returns the hydrated body of a header, when one is available
type BodyLookup func(h types.MessageHeader) (*types.MessageBody, bool)

// Summary describes the most recent message exchanged with a correspondent
type Summary struct {
	UID      uint32    `json:"uid"`
	Mailbox  string    `json:"mailbox"`
	Subject  string    `json:"subject"`
	Date     time.Time `json:"date"`
	Snippet  string    `json:"snippet,omitempty"`
	FromSelf bool      `json:"from_self"`
}

// Correspondent groups every message exchanged with one other party
type Correspondent struct {
	Key         string                `json:"key"`
	Name        string                `json:"name"`
	Messages    []types.MessageHeader `json:"messages"`
	UnreadCount int                   `json:"unread_count"`
	Last        Summary               `json:"last"`
}

// isHumanName reports whether name is a display name rather than an address
func isHumanName(name, address string) bool {
	name = strings.TrimSpace(name)
	if name == "" || strings.Contains(name, "@") {
		return false
	}
	return !strings.EqualFold(name, strings.TrimSpace(address))
}

// counterpart returns the other party of a message: the first recipient when
// the local user sent it, otherwise the sender.
func counterpart(h *types.MessageHeader, self map[string]bool) (types.Address, bool) {
	if !self[h.From.Key()] {
		return h.From, false
	}
	if len(h.To) > 0 {
		return h.To[0], true
	}
	if len(h.Cc) > 0 {
		return h.Cc[0], true
	}
	return types.Address{}, true
}

// Snippet returns a short single-line preview of a body
func Snippet(body *types.MessageBody) string {
	if body == nil {
		return ""
	}

	text := body.Text
	if strings.TrimSpace(text) == "" && body.HTML != "" {
		converted, err := html2text.FromString(body.HTML)
		if err == nil {
			text = converted
		}
	}

	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= snippetLength {
		return text
	}
	runes := []rune(text)
	return string(runes[:snippetLength]) + "…"
}

// GroupByCorrespondent partitions headers by the other party's lowercased
// address, most recently active first. Messages with no resolvable other
// party are left out.
func GroupByCorrespondent(headers []types.MessageHeader, self []string, bodies BodyLookup) []Correspondent {
	selfSet := make(map[string]bool, len(self))
	for _, key := range xslices.Map(self, func(addr string) string {
		return types.Address{Address: addr}.Key()
	}) {
		if key != "" {
			selfSet[key] = true
		}
	}

	var order []string
	groups := make(map[string]*Correspondent)

	for i := range headers {
		h := headers[i]
		other, fromSelf := counterpart(&h, selfSet)
		key := other.Key()
		if key == "" {
			continue
		}

		c, ok := groups[key]
		if !ok {
			c = &Correspondent{Key: key, Name: key}
			groups[key] = c
			order = append(order, key)
		}
		if isHumanName(other.Name, other.Address) && !isHumanName(c.Name, key) {
			c.Name = strings.TrimSpace(other.Name)
		}

		c.Messages = append(c.Messages, h)
		if !fromSelf && h.IsUnread() {
			c.UnreadCount++
		}

		if len(c.Messages) == 1 || !h.Date.Before(c.Last.Date) {
			c.Last = Summary{
				UID:      h.UID,
				Mailbox:  h.Mailbox,
				Subject:  h.Subject,
				Date:     h.Date,
				FromSelf: fromSelf,
			}
			if bodies != nil {
				if body, ok := bodies(h); ok {
					c.Last.Snippet = Snippet(body)
				}
			}
		}
	}

	out := make([]Correspondent, 0, len(order))
	for _, key := range order {
		c := groups[key]
		sort.SliceStable(c.Messages, func(i, j int) bool {
			return c.Messages[i].Date.Before(c.Messages[j].Date)
		})
		out = append(out, *c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Last.Date.After(out[j].Last.Date)
	})
	return out
}
