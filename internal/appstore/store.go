// Package appstore holds the in-memory application state shared by the sync
// pipelines and the tools: the bounded body cache and one sparse index per
// mailbox.
package appstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/bradenaw/juniper/xslices"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/cache"
	"github.com/brandon/mailsync/internal/mailbox"
	"github.com/brandon/mailsync/internal/pipeline"
	"github.com/brandon/mailsync/internal/thread"
	"github.com/brandon/mailsync/pkg/types"
)

// Persistence is the part of the local database the store reads through
type Persistence interface {
	GetEmail(ctx context.Context, accountID, mailbox string, uid uint32) (*types.MessageBody, error)
	SaveEmail(ctx context.Context, accountID, mailbox string, body *types.MessageBody) error
	GetEmailHeaders(ctx context.Context, accountID, mailbox string) (*types.HeaderCache, error)
	DeleteEmailHeaders(ctx context.Context, accountID, mailbox string, uids []uint32) error
	DeleteEmail(ctx context.Context, accountID, mailbox string, uid uint32) error
	GetEmails(ctx context.Context, accountID, mailbox string, uids []uint32) (map[uint32]*types.MessageBody, error)
}

// Options configures a Store
type Options struct {
	Remote   pipeline.Remote
	DB       Persistence
	Accounts pipeline.AccountDirectory
	Cache    *cache.EmailCache
	// CacheLimitMB bounds the body cache; 0 means unbounded
	CacheLimitMB int
	PageSize     int
	Logger       *logrus.Logger
	// OnChange is called whenever the headers of a mailbox change
	OnChange func(accountID, mailbox string)
}

type indexKey struct {
	accountID string
	mailbox   string
}

// Store owns the body cache and the mailbox indexes. Pipelines write to it
// through the pipeline.Sink methods; everything else goes through the
// operations below.
type Store struct {
	opts   Options
	logger *logrus.Logger

	mu      sync.Mutex
	indexes map[indexKey]*mailbox.Index
	closed  bool
}

var _ pipeline.Sink = (*Store)(nil)

// New creates an empty store
func New(opts Options) *Store {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Cache == nil {
		opts.Cache = cache.NewEmailCache(opts.Logger)
	}
	return &Store{
		opts:    opts,
		logger:  opts.Logger,
		indexes: make(map[indexKey]*mailbox.Index),
	}
}

func (s *Store) account(id string) (*types.Account, error) {
	acct, ok := s.opts.Accounts.Account(id)
	if !ok {
		return nil, fmt.Errorf("account not found: %s", id)
	}
	return acct, nil
}

// index returns the index of a mailbox, creating an empty one on first use.
// The second result is true when the index was just created.
func (s *Store) index(accountID, mbox string) (*mailbox.Index, bool) {
	key := indexKey{accountID: accountID, mailbox: mbox}

	s.mu.Lock()
	defer s.mu.Unlock()

	if idx, ok := s.indexes[key]; ok {
		return idx, false
	}

	source := mailbox.SourceFunc(func(ctx context.Context, start, end int) (*types.RangePage, error) {
		acct, err := s.account(accountID)
		if err != nil {
			return nil, err
		}
		return s.opts.Remote.FetchEmailsRange(ctx, acct, mbox, start, end)
	})
	purger := mailbox.PurgerFunc(func(ctx context.Context, uids []uint32) error {
		return s.purge(ctx, accountID, mbox, uids)
	})

	idx := mailbox.New(accountID, mbox, source, mailbox.Options{
		PageSize: s.opts.PageSize,
		Purger:   purger,
		Logger:   s.logger,
		OnChange: func() {
			if s.opts.OnChange != nil {
				s.opts.OnChange(accountID, mbox)
			}
		},
	})
	s.indexes[key] = idx
	return idx, true
}

// purge drops deleted messages from the body cache and the header cache
func (s *Store) purge(ctx context.Context, accountID, mbox string, uids []uint32) error {
	for _, uid := range uids {
		s.opts.Cache.Remove(cache.Key{AccountID: accountID, Mailbox: mbox, UID: uid})
	}
	return s.opts.DB.DeleteEmailHeaders(ctx, accountID, mbox, uids)
}

// existing returns the index of a mailbox without creating one
func (s *Store) existing(accountID, mbox string) (*mailbox.Index, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.indexes[indexKey{accountID: accountID, mailbox: mbox}]
	return idx, ok
}

// Open returns the index of a mailbox. A new index is seeded from the
// persisted header cache so the mailbox is browsable before any fetch.
func (s *Store) Open(ctx context.Context, accountID, mbox string) (*mailbox.Index, error) {
	idx, created := s.index(accountID, mbox)
	if !created {
		return idx, nil
	}

	hc, err := s.opts.DB.GetEmailHeaders(ctx, accountID, mbox)
	if err != nil {
		return nil, fmt.Errorf("failed to read header cache: %w", err)
	}
	if len(hc.Emails) > 0 {
		idx.Seed(hc.Emails, hc.Total)
		s.logger.WithFields(logrus.Fields{
			"account": accountID,
			"mailbox": mbox,
			"count":   len(hc.Emails),
		}).Debug("Seeded mailbox from header cache")
		s.warm(ctx, accountID, mbox, hc.Emails)
	}
	return idx, nil
}

// warm loads the saved bodies of the first page into the cache
func (s *Store) warm(ctx context.Context, accountID, mbox string, headers []types.MessageHeader) {
	n := s.opts.PageSize
	if n <= 0 {
		n = mailbox.DefaultPageSize
	}
	if n > len(headers) {
		n = len(headers)
	}
	uids := xslices.Map(headers[:n], func(h types.MessageHeader) uint32 { return h.UID })

	bodies, err := s.opts.DB.GetEmails(ctx, accountID, mbox, uids)
	if err != nil {
		s.logger.WithError(err).WithField("mailbox", mbox).Warn("Failed to warm body cache")
		return
	}
	for _, uid := range uids {
		if body, ok := bodies[uid]; ok {
			s.opts.Cache.Add(cache.Key{AccountID: accountID, Mailbox: mbox, UID: uid}, body, s.opts.CacheLimitMB)
		}
	}
}

// AddEmail stores a hydrated body in the cache
func (s *Store) AddEmail(accountID, mbox string, body *types.MessageBody) {
	key := cache.Key{AccountID: accountID, Mailbox: mbox, UID: body.UID}
	if evicted := s.opts.Cache.Add(key, body, s.opts.CacheLimitMB); evicted > 0 {
		s.logger.WithFields(logrus.Fields{
			"account": accountID,
			"evicted": evicted,
			"size":    humanize.IBytes(uint64(s.opts.Cache.Size())),
		}).Debug("Body cache full, evicted old emails")
	}
}

// SetHeaders replaces the loaded headers of a mailbox with a full listing
func (s *Store) SetHeaders(accountID, mbox string, headers []types.MessageHeader, total int) {
	idx, _ := s.index(accountID, mbox)
	idx.Seed(headers, total)
}

// ClearAttachmentMismatch corrects the attachment marker of a header once
// the body shows whether attachments really exist
func (s *Store) ClearAttachmentMismatch(accountID, mbox string, uid uint32, hasAttachments bool) {
	idx, ok := s.existing(accountID, mbox)
	if !ok {
		return
	}
	idx.Update(uid, func(h *types.MessageHeader) {
		h.HasAttachments = hasAttachments
	})
}

// LoadRange makes the display indices [start, end) of a mailbox available and
// returns the loaded headers among them with the server total
func (s *Store) LoadRange(ctx context.Context, accountID, mbox string, start, end int) ([]types.MessageHeader, int, error) {
	idx, err := s.Open(ctx, accountID, mbox)
	if err != nil {
		return nil, 0, err
	}
	if err := idx.LoadRange(ctx, start, end); err != nil {
		return nil, 0, err
	}

	headers := xslices.Filter(idx.Headers(), func(h types.MessageHeader) bool {
		return h.DisplayIndex >= start && h.DisplayIndex < end
	})
	return headers, idx.Total(), nil
}

// Reload refetches the first page of a mailbox, purging deleted messages
func (s *Store) Reload(ctx context.Context, accountID, mbox string) error {
	idx, err := s.Open(ctx, accountID, mbox)
	if err != nil {
		return err
	}
	return idx.Reload(ctx)
}

// Headers returns the loaded headers of a mailbox in display order
func (s *Store) Headers(accountID, mbox string) []types.MessageHeader {
	idx, ok := s.existing(accountID, mbox)
	if !ok {
		return nil
	}
	return idx.Headers()
}

// Ranges returns the loaded display-index ranges of a mailbox
func (s *Store) Ranges(accountID, mbox string) []mailbox.Range {
	idx, ok := s.existing(accountID, mbox)
	if !ok {
		return nil
	}
	return idx.Ranges()
}

// Email returns a body from the memory cache, the local database or, failing
// both, a light fetch from the server. Fetched bodies are cached in memory.
func (s *Store) Email(ctx context.Context, accountID, mbox string, uid uint32) (*types.MessageBody, error) {
	key := cache.Key{AccountID: accountID, Mailbox: mbox, UID: uid}
	if body, ok := s.opts.Cache.Get(key); ok {
		return body, nil
	}

	body, err := s.opts.DB.GetEmail(ctx, accountID, mbox, uid)
	switch {
	case err == nil:
		s.AddEmail(accountID, mbox, body)
		return body, nil
	case !errors.Is(err, cache.ErrNotFound):
		return nil, err
	}

	acct, err := s.account(accountID)
	if err != nil {
		return nil, err
	}
	body, err = s.opts.Remote.FetchEmailLight(ctx, acct, uid, mbox)
	if err != nil {
		return nil, err
	}
	if body.Mailbox == "" {
		body.Mailbox = mbox
	}
	s.AddEmail(accountID, mbox, body)
	s.ClearAttachmentMismatch(accountID, mbox, uid, len(body.Attachments) > 0)
	return body, nil
}

// applyFlags returns flags with changes added or removed, compared after
// normalization
func applyFlags(flags, changes []string, op pipeline.FlagOp) []string {
	drop := make(map[string]bool, len(changes))
	for _, f := range changes {
		drop[strings.ToLower(types.NormalizeFlag(f))] = true
	}

	out := xslices.Filter(append([]string(nil), flags...), func(f string) bool {
		return !drop[strings.ToLower(types.NormalizeFlag(f))]
	})
	if op == pipeline.FlagAdd {
		out = append(out, xslices.Map(changes, types.NormalizeFlag)...)
	}
	return out
}

// SetFlags updates flags on the server, then on every local copy
func (s *Store) SetFlags(ctx context.Context, accountID, mbox string, uid uint32, flags []string, op pipeline.FlagOp) error {
	acct, err := s.account(accountID)
	if err != nil {
		return err
	}
	if err := s.opts.Remote.UpdateEmailFlags(ctx, acct, uid, flags, op, mbox); err != nil {
		return fmt.Errorf("failed to update flags: %w", err)
	}

	if idx, ok := s.existing(accountID, mbox); ok {
		idx.Update(uid, func(h *types.MessageHeader) {
			h.Flags = applyFlags(h.Flags, flags, op)
		})
	}
	s.opts.Cache.Update(cache.Key{AccountID: accountID, Mailbox: mbox, UID: uid}, func(b *types.MessageBody) {
		b.Flags = applyFlags(b.Flags, flags, op)
	})

	saved, err := s.opts.DB.GetEmail(ctx, accountID, mbox, uid)
	switch {
	case errors.Is(err, cache.ErrNotFound):
		return nil
	case err != nil:
		return err
	}
	saved.Flags = applyFlags(saved.Flags, flags, op)
	return s.opts.DB.SaveEmail(ctx, accountID, mbox, saved)
}

// DeleteEmail deletes a message on the server, then drops it from the index,
// the purge path and the saved copies of the mailbox
func (s *Store) DeleteEmail(ctx context.Context, accountID, mbox string, uid uint32, permanent bool) error {
	acct, err := s.account(accountID)
	if err != nil {
		return err
	}
	if err := s.opts.Remote.DeleteEmail(ctx, acct, uid, mbox, permanent); err != nil {
		return fmt.Errorf("failed to delete email: %w", err)
	}

	if idx, ok := s.existing(accountID, mbox); ok {
		idx.Remove(uid)
	}
	if err := s.purge(ctx, accountID, mbox, []uint32{uid}); err != nil {
		return err
	}
	return s.opts.DB.DeleteEmail(ctx, accountID, mbox, uid)
}

// headers concatenates the loaded headers of several mailboxes
func (s *Store) headers(accountID string, mailboxes []string) []types.MessageHeader {
	var out []types.MessageHeader
	for _, mbox := range mailboxes {
		out = append(out, s.Headers(accountID, mbox)...)
	}
	return out
}

// Threads builds reply-chain threads over the loaded headers of mailboxes
func (s *Store) Threads(accountID string, mailboxes ...string) []thread.Thread {
	return thread.Build(s.headers(accountID, mailboxes))
}

// Correspondents groups the loaded headers of mailboxes by the other party.
// Snippets come from bodies already in memory and do not touch recency.
func (s *Store) Correspondents(accountID string, mailboxes ...string) ([]thread.Correspondent, error) {
	acct, err := s.account(accountID)
	if err != nil {
		return nil, err
	}

	self := []string{acct.Email}
	if acct.Username != "" && strings.Contains(acct.Username, "@") {
		self = append(self, acct.Username)
	}

	lookup := func(h types.MessageHeader) (*types.MessageBody, bool) {
		return s.opts.Cache.Peek(cache.Key{AccountID: accountID, Mailbox: h.Mailbox, UID: h.UID})
	}
	return thread.GroupByCorrespondent(s.headers(accountID, mailboxes), self, lookup), nil
}

// RemoveAccount drops every index and cached body of an account
func (s *Store) RemoveAccount(accountID string) {
	s.mu.Lock()
	var closing []*mailbox.Index
	for key, idx := range s.indexes {
		if key.accountID == accountID {
			closing = append(closing, idx)
			delete(s.indexes, key)
		}
	}
	s.mu.Unlock()

	for _, idx := range closing {
		idx.Close()
	}
	s.opts.Cache.RemoveAccount(accountID)
	s.logger.WithField("account", accountID).Info("Dropped account state")
}

// Stats describes the body cache
type Stats struct {
	Emails    int    `json:"emails"`
	Bytes     int64  `json:"bytes"`
	Size      string `json:"size"`
	LimitMB   int    `json:"limit_mb"`
	Mailboxes int    `json:"mailboxes"`
}

// Stats returns the body cache usage
func (s *Store) Stats() Stats {
	s.mu.Lock()
	mailboxes := len(s.indexes)
	s.mu.Unlock()

	size := s.opts.Cache.Size()
	return Stats{
		Emails:    s.opts.Cache.Len(),
		Bytes:     size,
		Size:      humanize.IBytes(uint64(size)),
		LimitMB:   s.opts.CacheLimitMB,
		Mailboxes: mailboxes,
	}
}

// Close stops every index
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	all := make([]*mailbox.Index, 0, len(s.indexes))
	for _, idx := range s.indexes {
		all = append(all, idx)
	}
	s.indexes = make(map[indexKey]*mailbox.Index)
	s.mu.Unlock()

	for _, idx := range all {
		idx.Close()
	}
}
