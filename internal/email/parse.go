package email

import (
	"bufio"
	"errors"
	"io"
	"strings"

	"github.com/bradenaw/juniper/xslices"
	"github.com/emersion/go-imap"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"github.com/brandon/mailsync/pkg/types"
)

// threadingSection fetches the reply-chain headers the envelope lacks
var threadingSection = &imap.BodySectionName{
	BodyPartName: imap.BodyPartName{
		Specifier: imap.HeaderSpecifier,
		Fields:    []string{"References", "In-Reply-To"},
	},
	Peek: true,
}

func parseHeader(msg *imap.Message, mailbox string) (types.MessageHeader, error) {
	if msg.Uid == 0 {
		return types.MessageHeader{}, errors.New("no UID in fetch response")
	}
	env := msg.Envelope
	if env == nil {
		return types.MessageHeader{}, errors.New("no envelope in fetch response")
	}

	h := types.MessageHeader{
		UID:            msg.Uid,
		Mailbox:        mailbox,
		MessageID:      env.MessageId,
		InReplyTo:      env.InReplyTo,
		Subject:        env.Subject,
		Date:           env.Date,
		Flags:          append([]string(nil), msg.Flags...),
		Size:           msg.Size,
		HasAttachments: hasAttachments(msg.BodyStructure),
		To:             convertAddresses(env.To),
		Cc:             convertAddresses(env.Cc),
	}
	if h.Date.IsZero() {
		h.Date = msg.InternalDate
	}
	if len(env.From) > 0 {
		h.From = convertAddress(env.From[0])
	}

	if literal := threadingLiteral(msg); literal != nil {
		inReplyTo, refs := threadingHeaders(literal)
		if inReplyTo != "" {
			h.InReplyTo = inReplyTo
		}
		h.References = refs
	}
	return h, nil
}

func threadingLiteral(msg *imap.Message) imap.Literal {
	if literal := msg.GetBody(threadingSection); literal != nil {
		return literal
	}
	for section, literal := range msg.Body {
		if section != nil && section.Specifier == imap.HeaderSpecifier {
			return literal
		}
	}
	return nil
}

// threadingHeaders reads In-Reply-To and References from a header block
func threadingHeaders(r io.Reader) (string, []string) {
	th, err := textproto.ReadHeader(bufio.NewReader(r))
	if err != nil {
		return "", nil
	}
	h := mail.Header{Header: message.Header{Header: th}}

	var inReplyTo string
	if ids, err := h.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
		inReplyTo = bracket(ids[0])
	}
	refs, err := h.MsgIDList("References")
	if err != nil || len(refs) == 0 {
		return inReplyTo, nil
	}
	return inReplyTo, xslices.Map(refs, bracket)
}

func bracket(id string) string {
	return "<" + id + ">"
}

func convertAddress(a *imap.Address) types.Address {
	return types.Address{Name: a.PersonalName, Address: a.Address()}
}

func convertAddresses(addrs []*imap.Address) []types.Address {
	if len(addrs) == 0 {
		return nil
	}
	return xslices.Map(addrs, convertAddress)
}

// hasAttachments walks a body structure looking for real attachments.
// Inline parts with a Content-ID are embedded images and do not count, and
// neither do inline parts without a filename.
func hasAttachments(bs *imap.BodyStructure) bool {
	if bs == nil {
		return false
	}
	if len(bs.Parts) > 0 {
		return xslices.Any(bs.Parts, hasAttachments)
	}

	disposition := strings.ToLower(bs.Disposition)
	if disposition == "attachment" {
		return true
	}

	mimeType := strings.ToLower(bs.MIMEType)
	if mimeType == "text" || mimeType == "multipart" {
		return false
	}

	if disposition == "inline" {
		if bs.Id != "" {
			return false
		}
		_, named := bs.DispositionParams["filename"]
		return named
	}
	return true
}

// buildMailboxTree nests LIST results under their parents by delimiter
func buildMailboxTree(infos []*imap.MailboxInfo) []types.Mailbox {
	nodes := make(map[string]types.Mailbox, len(infos))
	order := make([]string, 0, len(infos))
	for _, info := range infos {
		if _, dup := nodes[info.Name]; dup {
			continue
		}
		nodes[info.Name] = types.Mailbox{
			Name:       shortName(info.Name, info.Delimiter),
			Path:       info.Name,
			Delimiter:  info.Delimiter,
			SpecialUse: specialUse(info.Attributes, info.Name),
			Flags:      info.Attributes,
			NoSelect:   noSelect(info.Attributes),
		}
		order = append(order, info.Name)
	}

	children := make(map[string][]string)
	var roots []string
	for _, path := range order {
		parent := parentPath(path, nodes[path].Delimiter)
		if _, ok := nodes[parent]; ok && parent != "" {
			children[parent] = append(children[parent], path)
			continue
		}
		roots = append(roots, path)
	}

	var build func(path string) types.Mailbox
	build = func(path string) types.Mailbox {
		m := nodes[path]
		for _, child := range children[path] {
			m.Children = append(m.Children, build(child))
		}
		return m
	}
	return xslices.Map(roots, build)
}

func shortName(path, delim string) string {
	if delim == "" {
		return path
	}
	if i := strings.LastIndex(path, delim); i >= 0 {
		return path[i+len(delim):]
	}
	return path
}

func parentPath(path, delim string) string {
	if delim == "" {
		return ""
	}
	if i := strings.LastIndex(path, delim); i > 0 {
		return path[:i]
	}
	return ""
}

func noSelect(attrs []string) bool {
	return xslices.Any(attrs, func(a string) bool {
		lower := strings.ToLower(a)
		return strings.Contains(lower, "noselect") || strings.Contains(lower, "nonexistent")
	})
}

// specialUse resolves the role of a mailbox from its attributes, falling
// back to well-known names
func specialUse(attrs []string, path string) string {
	for _, attr := range attrs {
		lower := strings.ToLower(attr)
		switch {
		case strings.Contains(lower, "sent"):
			return `\Sent`
		case strings.Contains(lower, "trash"), strings.Contains(lower, "deleted"):
			return `\Trash`
		case strings.Contains(lower, "draft"):
			return `\Drafts`
		case strings.Contains(lower, "junk"), strings.Contains(lower, "spam"):
			return `\Junk`
		case strings.Contains(lower, "archive"):
			return `\Archive`
		}
	}

	p := strings.ToLower(path)
	switch {
	case p == "inbox":
		return `\Inbox`
	case strings.Contains(p, "sent"):
		return `\Sent`
	case strings.Contains(p, "trash"), strings.Contains(p, "deleted"):
		return `\Trash`
	case strings.Contains(p, "draft"):
		return `\Drafts`
	}
	return ""
}
