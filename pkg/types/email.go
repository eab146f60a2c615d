package types

import (
	"strings"
	"time"
)

// Standard IMAP flags used by the sync engine
const (
	FlagSeen     = `\Seen`
	FlagFlagged  = `\Flagged`
	FlagDeleted  = `\Deleted`
	FlagAnswered = `\Answered`
	FlagDraft    = `\Draft`
)

var systemFlags = map[string]string{
	"seen":     FlagSeen,
	"answered": FlagAnswered,
	"flagged":  FlagFlagged,
	"deleted":  FlagDeleted,
	"draft":    FlagDraft,
}

// NormalizeFlag turns "seen" into \Seen. Keywords pass through.
func NormalizeFlag(flag string) string {
	name := strings.TrimPrefix(flag, `\`)
	if f, ok := systemFlags[strings.ToLower(name)]; ok {
		return f
	}
	return flag
}

// Address represents a mailbox address with an optional display name
type Address struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

// Key returns the lowercased address used for grouping
func (a Address) Key() string {
	return strings.ToLower(strings.TrimSpace(a.Address))
}

// MessageHeader represents the metadata of a message, enough for list display.
// UID is only unique within (account, mailbox).
type MessageHeader struct {
	UID            uint32    `json:"uid"`
	Mailbox        string    `json:"mailbox"`
	MessageID      string    `json:"message_id,omitempty"`
	InReplyTo      string    `json:"in_reply_to,omitempty"`
	References     []string  `json:"references,omitempty"`
	From           Address   `json:"from"`
	To             []Address `json:"to,omitempty"`
	Cc             []Address `json:"cc,omitempty"`
	Subject        string    `json:"subject"`
	Date           time.Time `json:"date"`
	Flags          []string  `json:"flags,omitempty"`
	Size           uint32    `json:"size,omitempty"`
	HasAttachments bool      `json:"has_attachments"`
	DisplayIndex   int       `json:"display_index"`
}

// HasFlag reports whether the header carries the given flag (case-insensitive)
func (h *MessageHeader) HasFlag(flag string) bool {
	for _, f := range h.Flags {
		if strings.EqualFold(f, flag) {
			return true
		}
	}
	return false
}

// IsUnread reports whether the message lacks the \Seen flag
func (h *MessageHeader) IsUnread() bool {
	return !h.HasFlag(FlagSeen)
}

// HasThreadingHeaders reports whether the message carries RFC reply-chain headers
func (h *MessageHeader) HasThreadingHeaders() bool {
	return h.InReplyTo != "" || len(h.References) > 0
}

// Attachment represents attachment metadata, with content only on full fetches
type Attachment struct {
	Filename    string `json:"filename,omitempty"`
	ContentType string `json:"content_type"`
	Disposition string `json:"disposition,omitempty"`
	ContentID   string `json:"content_id,omitempty"`
	Size        int    `json:"size"`
	Content     []byte `json:"content,omitempty"`
}

// MessageBody represents a fully hydrated message: the header plus content
type MessageBody struct {
	MessageHeader
	ReplyTo     []Address    `json:"reply_to,omitempty"`
	Text        string       `json:"text,omitempty"`
	HTML        string       `json:"html,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	RawSource   []byte       `json:"raw_source,omitempty"`
	CachedAt    time.Time    `json:"cached_at"`
}

// Mailbox represents a node of the remote mailbox tree
type Mailbox struct {
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	Delimiter  string    `json:"delimiter,omitempty"`
	SpecialUse string    `json:"special_use,omitempty"`
	Flags      []string  `json:"flags,omitempty"`
	NoSelect   bool      `json:"noselect"`
	Children   []Mailbox `json:"children,omitempty"`
}

// HeaderPage is one page of a newest-first header listing
type HeaderPage struct {
	Emails      []MessageHeader `json:"emails"`
	Total       int             `json:"total"`
	HasMore     bool            `json:"has_more"`
	SkippedUIDs []uint32        `json:"skipped_uids,omitempty"`
}

// RangePage is the result of a display-index range fetch. Every email carries
// its DisplayIndex.
type RangePage struct {
	Emails      []MessageHeader `json:"emails"`
	Total       int             `json:"total"`
	SkippedUIDs []uint32        `json:"skipped_uids,omitempty"`
}

// MailboxStatus is what a SELECT reports about a mailbox. Two equal
// statuses with the same UIDValidity mean nothing was added or expunged.
type MailboxStatus struct {
	Exists      int    `json:"exists"`
	UIDValidity uint32 `json:"uid_validity"`
	UIDNext     uint32 `json:"uid_next"`
}

// HeaderCache is the persisted header list of one mailbox
type HeaderCache struct {
	AccountID string          `json:"account_id"`
	Mailbox   string          `json:"mailbox"`
	Emails    []MessageHeader `json:"emails"`
	Total     int             `json:"total"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// EmailSummary represents a summary of an email (for search results)
type EmailSummary struct {
	AccountID   string    `json:"account_id"`
	Mailbox     string    `json:"mailbox"`
	UID         uint32    `json:"uid"`
	Subject     string    `json:"subject"`
	SenderName  string    `json:"sender_name"`
	SenderEmail string    `json:"sender_email"`
	Date        time.Time `json:"date"`
	Snippet     string    `json:"snippet"`
}
