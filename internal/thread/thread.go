// Package thread derives conversations from flat header lists: reply-chain
// threads and per-correspondent groups for the chat view.
package thread

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bradenaw/juniper/xslices"

	"github.com/brandon/mailsync/pkg/types"
)

// Thread is a conversation reconstructed from reply-chain headers
type Thread struct {
	ID              string                `json:"id"`
	Subject         string                `json:"subject"`
	OriginalSubject string                `json:"original_subject"`
	Messages        []types.MessageHeader `json:"messages"`
	FirstDate       time.Time             `json:"first_date"`
	LastDate        time.Time             `json:"last_date"`
	Participants    []string              `json:"participants"`
	UnreadCount     int                   `json:"unread_count"`
}

// syntheticID identifies a message that carries no Message-ID
func syntheticID(h *types.MessageHeader) string {
	return fmt.Sprintf("<uid-%s-%d>", h.Mailbox, h.UID)
}

func cleanID(id string) string {
	return strings.TrimSpace(id)
}

type resolver struct {
	byID  map[string]*types.MessageHeader
	roots map[*types.MessageHeader]string
}

// root returns the thread root of h: the oldest References entry, else the
// root of a locally known In-Reply-To parent, else the In-Reply-To value
// itself, else the message's own id.
func (r *resolver) root(h *types.MessageHeader, seen map[*types.MessageHeader]bool) string {
	if root, ok := r.roots[h]; ok {
		return root
	}

	var root string
	switch {
	case len(h.References) > 0 && cleanID(h.References[0]) != "":
		root = cleanID(h.References[0])
	case cleanID(h.InReplyTo) != "":
		parentID := cleanID(h.InReplyTo)
		if parent, ok := r.byID[parentID]; ok && parent != h && !seen[parent] {
			seen[h] = true
			root = r.root(parent, seen)
		} else {
			root = parentID
		}
	case cleanID(h.MessageID) != "":
		root = cleanID(h.MessageID)
	default:
		root = syntheticID(h)
	}

	r.roots[h] = root
	return root
}

// Build groups headers into threads, newest activity first. Every header ends
// up in exactly one thread.
func Build(headers []types.MessageHeader) []Thread {
	if len(headers) == 0 {
		return nil
	}

	msgs := make([]*types.MessageHeader, len(headers))
	r := &resolver{
		byID:  make(map[string]*types.MessageHeader, len(headers)),
		roots: make(map[*types.MessageHeader]string, len(headers)),
	}
	for i := range headers {
		h := headers[i]
		msgs[i] = &h
		if id := cleanID(h.MessageID); id != "" {
			if _, dup := r.byID[id]; !dup {
				r.byID[id] = msgs[i]
			}
		}
	}

	// Group by root, keeping first-appearance order
	var order []string
	groups := make(map[string][]types.MessageHeader)
	for _, h := range msgs {
		root := r.root(h, map[*types.MessageHeader]bool{})
		if _, ok := groups[root]; !ok {
			order = append(order, root)
		}
		groups[root] = append(groups[root], *h)
	}

	order = mergeOrphans(order, groups)

	threads := xslices.Map(order, func(id string) Thread {
		return newThread(id, groups[id])
	})
	sort.SliceStable(threads, func(i, j int) bool {
		if !threads[i].LastDate.Equal(threads[j].LastDate) {
			return threads[i].LastDate.After(threads[j].LastDate)
		}
		return threads[i].ID < threads[j].ID
	})
	return threads
}

// isOrphan reports whether a group is a lone message without reply headers
func isOrphan(group []types.MessageHeader) bool {
	return len(group) == 1 && !group[0].HasThreadingHeaders()
}

// mergeOrphans attaches each orphan to the first thread with the same
// normalized subject. Real threads claim a subject before orphans do, so an
// orphan only starts a subject group when no threaded conversation has it.
func mergeOrphans(order []string, groups map[string][]types.MessageHeader) []string {
	targets := make(map[string]string)
	for _, id := range order {
		if isOrphan(groups[id]) {
			continue
		}
		for _, h := range groups[id] {
			key := subjectKey(h.Subject)
			if key == "" {
				continue
			}
			if _, ok := targets[key]; !ok {
				targets[key] = id
			}
		}
	}

	merged := make(map[string]bool)
	for _, id := range order {
		group := groups[id]
		if !isOrphan(group) {
			continue
		}
		key := subjectKey(group[0].Subject)
		if key == "" {
			continue
		}
		target, ok := targets[key]
		if !ok {
			targets[key] = id
			continue
		}
		groups[target] = append(groups[target], group[0])
		delete(groups, id)
		merged[id] = true
	}

	return xslices.Filter(order, func(id string) bool {
		return !merged[id]
	})
}

func newThread(id string, msgs []types.MessageHeader) Thread {
	sorted := append([]types.MessageHeader(nil), msgs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].Date.Equal(sorted[j].Date) {
			return sorted[i].Date.Before(sorted[j].Date)
		}
		return sorted[i].UID < sorted[j].UID
	})

	t := Thread{
		ID:        id,
		Messages:  sorted,
		FirstDate: sorted[0].Date,
		LastDate:  sorted[len(sorted)-1].Date,
	}

	seen := make(map[string]bool)
	addParticipant := func(a types.Address) {
		key := a.Key()
		if key == "" || seen[key] {
			return
		}
		seen[key] = true
		t.Participants = append(t.Participants, key)
	}

	for i := range sorted {
		h := &sorted[i]
		if t.OriginalSubject == "" && strings.TrimSpace(h.Subject) != "" {
			t.OriginalSubject = h.Subject
		}
		if h.IsUnread() {
			t.UnreadCount++
		}
		addParticipant(h.From)
		for _, a := range h.To {
			addParticipant(a)
		}
		for _, a := range h.Cc {
			addParticipant(a)
		}
	}
	t.Subject = NormalizeSubject(t.OriginalSubject)
	return t
}
