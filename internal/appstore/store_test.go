package appstore

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailsync/internal/cache"
	"github.com/brandon/mailsync/internal/mailbox"
	"github.com/brandon/mailsync/internal/pipeline"
	"github.com/brandon/mailsync/pkg/types"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

var day = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeAccounts struct {
	accounts map[string]*types.Account
}

func (f *fakeAccounts) Account(id string) (*types.Account, bool) {
	acct, ok := f.accounts[id]
	if !ok {
		return nil, false
	}
	cp := *acct
	return &cp, true
}

func (f *fakeAccounts) Accounts() []*types.Account {
	var out []*types.Account
	for _, acct := range f.accounts {
		cp := *acct
		out = append(out, &cp)
	}
	return out
}

func (f *fakeAccounts) IsHidden(id string) bool {
	return f.accounts[id] != nil && f.accounts[id].Hidden
}

// fakeRemote serves one newest-first header list per mailbox
type fakeRemote struct {
	mu          sync.Mutex
	mailboxes   map[string][]types.MessageHeader
	lightCalls  int
	rangeCalls  int
	flagUpdates []string
}

func (f *fakeRemote) set(mbox string, headers []types.MessageHeader) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mailboxes == nil {
		f.mailboxes = make(map[string][]types.MessageHeader)
	}
	f.mailboxes[mbox] = headers
}

func (f *fakeRemote) TestConnection(context.Context, *types.Account) error { return nil }

func (f *fakeRemote) FetchMailboxes(context.Context, *types.Account) ([]types.Mailbox, error) {
	return nil, nil
}

func (f *fakeRemote) FetchEmails(context.Context, *types.Account, string, int, int) (*types.HeaderPage, error) {
	return &types.HeaderPage{}, nil
}

func (f *fakeRemote) FetchEmailsRange(_ context.Context, _ *types.Account, mbox string, start, end int) (*types.RangePage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rangeCalls++

	all := f.mailboxes[mbox]
	if end > len(all) {
		end = len(all)
	}
	page := &types.RangePage{Total: len(all)}
	for i := start; i < end; i++ {
		h := all[i]
		h.DisplayIndex = i
		page.Emails = append(page.Emails, h)
	}
	return page, nil
}

func (f *fakeRemote) FetchEmail(ctx context.Context, acct *types.Account, uid uint32, mbox string) (*types.MessageBody, error) {
	return f.FetchEmailLight(ctx, acct, uid, mbox)
}

func (f *fakeRemote) FetchEmailLight(_ context.Context, _ *types.Account, uid uint32, mbox string) (*types.MessageBody, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lightCalls++
	return &types.MessageBody{
		MessageHeader: types.MessageHeader{UID: uid, Mailbox: mbox},
		Text:          fmt.Sprintf("remote %d", uid),
		Attachments:   []types.Attachment{{Filename: "a.txt", ContentType: "text/plain", Size: 1}},
	}, nil
}

func (f *fakeRemote) UpdateEmailFlags(_ context.Context, _ *types.Account, uid uint32, flags []string, op pipeline.FlagOp, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flagUpdates = append(f.flagUpdates, fmt.Sprintf("%s %d %v", op, uid, flags))
	return nil
}

func (f *fakeRemote) CheckMailboxStatus(_ context.Context, _ *types.Account, mbox string) (*types.MailboxStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &types.MailboxStatus{Exists: len(f.mailboxes[mbox]), UIDValidity: 1}, nil
}

func (f *fakeRemote) SearchAllUIDs(_ context.Context, _ *types.Account, mbox string) ([]uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.mailboxes[mbox]
	uids := make([]uint32, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		uids = append(uids, all[i].UID)
	}
	return uids, nil
}

func (f *fakeRemote) FetchHeadersByUIDs(context.Context, *types.Account, string, []uint32) (*types.RangePage, error) {
	return &types.RangePage{}, nil
}

func (f *fakeRemote) DeleteEmail(_ context.Context, _ *types.Account, uid uint32, mbox string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.mailboxes[mbox]
	for i, h := range all {
		if h.UID == uid {
			f.mailboxes[mbox] = append(all[:i:i], all[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("uid %d not found", uid)
}

func (f *fakeRemote) lights() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lightCalls
}

// newestFirst returns headers for UIDs n..1 from alice
func newestFirst(mbox string, n int) []types.MessageHeader {
	headers := make([]types.MessageHeader, n)
	for i := range headers {
		uid := uint32(n - i)
		headers[i] = types.MessageHeader{
			UID:          uid,
			Mailbox:      mbox,
			MessageID:    fmt.Sprintf("<%d@example.org>", uid),
			From:         types.Address{Name: "Alice", Address: "alice@example.org"},
			To:           []types.Address{{Address: "me@example.org"}},
			Subject:      fmt.Sprintf("message %d", uid),
			Date:         day.Add(-time.Duration(i) * time.Hour),
			DisplayIndex: i,
		}
	}
	return headers
}

type fixture struct {
	store  *Store
	db     *cache.Store
	remote *fakeRemote
	cache  *cache.EmailCache
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := quietLogger()
	c, err := cache.NewCache(filepath.Join(t.TempDir(), "cache.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	acct := &types.Account{ID: "acc", Email: "me@example.org", IMAPHost: "imap.example.org", IMAPPort: 993, Password: "pw"}
	db := cache.NewStore(c, logger)
	require.NoError(t, db.UpsertAccount(context.Background(), acct))

	remote := &fakeRemote{}
	bodies := cache.NewEmailCache(logger)
	s := New(Options{
		Remote:   remote,
		DB:       db,
		Accounts: &fakeAccounts{accounts: map[string]*types.Account{"acc": acct}},
		Cache:    bodies,
		Logger:   logger,
	})
	t.Cleanup(s.Close)

	return &fixture{store: s, db: db, remote: remote, cache: bodies}
}

func TestSinkFeedsCacheAndIndex(t *testing.T) {
	f := newFixture(t)

	f.store.SetHeaders("acc", "INBOX", newestFirst("INBOX", 3), 3)
	require.Len(t, f.store.Headers("acc", "INBOX"), 3)
	require.Equal(t, []mailbox.Range{{Start: 0, End: 3}}, f.store.Ranges("acc", "INBOX"))

	body := &types.MessageBody{MessageHeader: types.MessageHeader{UID: 2, Mailbox: "INBOX"}, Text: "cached"}
	f.store.AddEmail("acc", "INBOX", body)

	got, err := f.store.Email(context.Background(), "acc", "INBOX", 2)
	require.NoError(t, err)
	require.Equal(t, "cached", got.Text)
	require.Zero(t, f.remote.lights())

	f.store.ClearAttachmentMismatch("acc", "INBOX", 2, true)
	for _, h := range f.store.Headers("acc", "INBOX") {
		require.Equal(t, h.UID == 2, h.HasAttachments)
	}

	// Unknown mailbox: nothing to correct, no index created
	f.store.ClearAttachmentMismatch("acc", "Archive", 2, true)
	require.Nil(t, f.store.Headers("acc", "Archive"))
	require.Equal(t, 1, f.store.Stats().Mailboxes)
}

func TestOpenSeedsFromHeaderCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.db.SaveEmailHeaders(ctx, "acc", "INBOX", newestFirst("INBOX", 4), 10))
	require.NoError(t, f.db.SaveEmail(ctx, "acc", "INBOX", &types.MessageBody{
		MessageHeader: types.MessageHeader{UID: 3, Mailbox: "INBOX", Date: day},
		Text:          "saved",
	}))

	idx, err := f.store.Open(ctx, "acc", "INBOX")
	require.NoError(t, err)
	require.Equal(t, 10, idx.Total())
	require.Equal(t, []mailbox.Range{{Start: 0, End: 4}}, idx.Ranges())

	// saved bodies of the first page are warmed into memory
	body, ok := f.cache.Peek(cache.Key{AccountID: "acc", Mailbox: "INBOX", UID: 3})
	require.True(t, ok)
	require.Equal(t, "saved", body.Text)
	require.False(t, f.cache.Contains(cache.Key{AccountID: "acc", Mailbox: "INBOX", UID: 4}))

	// Opening again reuses the index
	again, err := f.store.Open(ctx, "acc", "INBOX")
	require.NoError(t, err)
	require.Same(t, idx, again)
}

func TestLoadRangeMergesRanges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.remote.set("INBOX", newestFirst("INBOX", 10))

	headers, total, err := f.store.LoadRange(ctx, "acc", "INBOX", 0, 3)
	require.NoError(t, err)
	require.Equal(t, 10, total)
	require.Len(t, headers, 3)
	require.Equal(t, uint32(10), headers[0].UID)

	headers, _, err = f.store.LoadRange(ctx, "acc", "INBOX", 3, 6)
	require.NoError(t, err)
	require.Equal(t, []int{3, 4, 5}, []int{headers[0].DisplayIndex, headers[1].DisplayIndex, headers[2].DisplayIndex})
	require.Equal(t, []mailbox.Range{{Start: 0, End: 6}}, f.store.Ranges("acc", "INBOX"))

	// Covered: no fetch
	calls := f.remote.rangeCalls
	_, _, err = f.store.LoadRange(ctx, "acc", "INBOX", 1, 5)
	require.NoError(t, err)
	require.Equal(t, calls, f.remote.rangeCalls)
}

func TestReloadPurgesDeletedMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cached := newestFirst("INBOX", 5)
	require.NoError(t, f.db.SaveEmailHeaders(ctx, "acc", "INBOX", cached, 5))
	f.store.SetHeaders("acc", "INBOX", cached, 5)
	f.store.AddEmail("acc", "INBOX", &types.MessageBody{MessageHeader: types.MessageHeader{UID: 4, Mailbox: "INBOX"}})
	f.store.AddEmail("acc", "INBOX", &types.MessageBody{MessageHeader: types.MessageHeader{UID: 2, Mailbox: "INBOX"}})

	// UIDs 4 and 2 were deleted elsewhere
	f.remote.set("INBOX", []types.MessageHeader{cached[0], cached[2], cached[4]})

	require.NoError(t, f.store.Reload(ctx, "acc", "INBOX"))

	var uids []uint32
	for _, h := range f.store.Headers("acc", "INBOX") {
		uids = append(uids, h.UID)
	}
	require.Equal(t, []uint32{5, 3, 1}, uids)

	// Only UID 4 lies inside the verified window
	require.False(t, f.cache.Contains(cache.Key{AccountID: "acc", Mailbox: "INBOX", UID: 4}))
	require.True(t, f.cache.Contains(cache.Key{AccountID: "acc", Mailbox: "INBOX", UID: 2}))

	hc, err := f.db.GetEmailHeaders(ctx, "acc", "INBOX")
	require.NoError(t, err)
	var persisted []uint32
	for _, h := range hc.Emails {
		persisted = append(persisted, h.UID)
	}
	require.Equal(t, []uint32{5, 3, 2, 1}, persisted)
}

func TestDeleteEmailDropsLocalCopies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cached := newestFirst("INBOX", 5)
	f.remote.set("INBOX", cached)
	require.NoError(t, f.db.SaveEmailHeaders(ctx, "acc", "INBOX", cached, 5))
	f.store.SetHeaders("acc", "INBOX", cached, 5)
	body := &types.MessageBody{MessageHeader: cached[2], Text: "saved"}
	require.NoError(t, f.db.SaveEmail(ctx, "acc", "INBOX", body))
	f.store.AddEmail("acc", "INBOX", body)

	require.NoError(t, f.store.DeleteEmail(ctx, "acc", "INBOX", 3, false))

	var uids []uint32
	for _, h := range f.store.Headers("acc", "INBOX") {
		uids = append(uids, h.UID)
	}
	require.Equal(t, []uint32{5, 4, 2, 1}, uids)
	require.Equal(t, []mailbox.Range{{Start: 0, End: 4}}, f.store.Ranges("acc", "INBOX"))
	require.False(t, f.cache.Contains(cache.Key{AccountID: "acc", Mailbox: "INBOX", UID: 3}))

	hc, err := f.db.GetEmailHeaders(ctx, "acc", "INBOX")
	require.NoError(t, err)
	require.Len(t, hc.Emails, 4)
	require.Equal(t, 4, hc.Total)

	_, err = f.db.GetEmail(ctx, "acc", "INBOX", 3)
	require.ErrorIs(t, err, cache.ErrNotFound)

	require.Error(t, f.store.DeleteEmail(ctx, "acc", "INBOX", 3, true))
}

func TestEmailFallsBackToDatabaseThenRemote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	saved := &types.MessageBody{
		MessageHeader: types.MessageHeader{UID: 2, Mailbox: "INBOX", Date: day, Subject: "saved"},
		Text:          "from disk",
	}
	require.NoError(t, f.db.SaveEmail(ctx, "acc", "INBOX", saved))

	got, err := f.store.Email(ctx, "acc", "INBOX", 2)
	require.NoError(t, err)
	require.Equal(t, "from disk", got.Text)
	require.Zero(t, f.remote.lights())
	require.True(t, f.cache.Contains(cache.Key{AccountID: "acc", Mailbox: "INBOX", UID: 2}))

	f.store.SetHeaders("acc", "INBOX", newestFirst("INBOX", 3), 3)
	got, err = f.store.Email(ctx, "acc", "INBOX", 3)
	require.NoError(t, err)
	require.Equal(t, "remote 3", got.Text)
	require.Equal(t, 1, f.remote.lights())

	// The light body showed attachments the header did not know about
	idx, created := f.store.index("acc", "INBOX")
	require.False(t, created)
	first, _ := idx.Get(0)
	require.True(t, first.HasAttachments)

	_, err = f.store.Email(ctx, "acc", "INBOX", 3)
	require.NoError(t, err)
	require.Equal(t, 1, f.remote.lights())

	_, err = f.store.Email(ctx, "missing", "INBOX", 3)
	require.Error(t, err)
}

func TestSetFlagsUpdatesLocalCopies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.store.SetHeaders("acc", "INBOX", newestFirst("INBOX", 2), 2)
	saved := &types.MessageBody{MessageHeader: types.MessageHeader{UID: 2, Mailbox: "INBOX", Date: day}}
	require.NoError(t, f.db.SaveEmail(ctx, "acc", "INBOX", saved))
	f.store.AddEmail("acc", "INBOX", &types.MessageBody{MessageHeader: types.MessageHeader{UID: 2, Mailbox: "INBOX"}})

	require.NoError(t, f.store.SetFlags(ctx, "acc", "INBOX", 2, []string{"seen", "flagged"}, pipeline.FlagAdd))
	require.Equal(t, []string{"add 2 [seen flagged]"}, f.remote.flagUpdates)

	header := f.store.Headers("acc", "INBOX")[0]
	require.ElementsMatch(t, []string{types.FlagSeen, types.FlagFlagged}, header.Flags)

	body, _ := f.cache.Peek(cache.Key{AccountID: "acc", Mailbox: "INBOX", UID: 2})
	require.False(t, body.IsUnread())

	disk, err := f.db.GetEmail(ctx, "acc", "INBOX", 2)
	require.NoError(t, err)
	require.True(t, disk.HasFlag(types.FlagFlagged))

	require.NoError(t, f.store.SetFlags(ctx, "acc", "INBOX", 2, []string{`\Seen`}, pipeline.FlagRemove))
	require.Equal(t, []string{types.FlagFlagged}, f.store.Headers("acc", "INBOX")[0].Flags)

	// Not saved locally: server and memory only
	require.NoError(t, f.store.SetFlags(ctx, "acc", "INBOX", 1, []string{"seen"}, pipeline.FlagAdd))
	require.Equal(t, []string{types.FlagSeen}, f.store.Headers("acc", "INBOX")[1].Flags)
}

func TestApplyFlags(t *testing.T) {
	require.Equal(t, []string{`\Seen`, "$Work"}, applyFlags([]string{`\Seen`}, []string{"$Work"}, pipeline.FlagAdd))
	require.Equal(t, []string{`\Seen`}, applyFlags([]string{`\seen`}, []string{"SEEN"}, pipeline.FlagAdd))
	require.Empty(t, applyFlags([]string{`\Seen`}, []string{"seen"}, pipeline.FlagRemove))
}

func TestConversationViews(t *testing.T) {
	f := newFixture(t)

	inbox := []types.MessageHeader{{
		UID:       1,
		Mailbox:   "INBOX",
		MessageID: "<q@example.org>",
		From:      types.Address{Name: "Alice", Address: "Alice@Example.org"},
		To:        []types.Address{{Address: "me@example.org"}},
		Subject:   "Question",
		Date:      day,
	}}
	sent := []types.MessageHeader{{
		UID:        1,
		Mailbox:    "Sent",
		MessageID:  "<a@example.org>",
		InReplyTo:  "<q@example.org>",
		References: []string{"<q@example.org>"},
		From:       types.Address{Address: "me@example.org"},
		To:         []types.Address{{Address: "alice@example.org"}},
		Subject:    "Re: Question",
		Date:       day.Add(time.Hour),
		Flags:      []string{types.FlagSeen},
	}}
	f.store.SetHeaders("acc", "INBOX", inbox, 1)
	f.store.SetHeaders("acc", "Sent", sent, 1)
	f.store.AddEmail("acc", "Sent", &types.MessageBody{MessageHeader: sent[0], Text: "Here is the answer"})

	threads := f.store.Threads("acc", "INBOX", "Sent")
	require.Len(t, threads, 1)
	require.Len(t, threads[0].Messages, 2)
	require.Equal(t, "Question", threads[0].Subject)
	require.Equal(t, 1, threads[0].UnreadCount)

	people, err := f.store.Correspondents("acc", "INBOX", "Sent")
	require.NoError(t, err)
	require.Len(t, people, 1)
	require.Equal(t, "alice@example.org", people[0].Key)
	require.Equal(t, "Alice", people[0].Name)
	require.Equal(t, 1, people[0].UnreadCount)
	require.True(t, people[0].Last.FromSelf)
	require.Equal(t, "Here is the answer", people[0].Last.Snippet)

	_, err = f.store.Correspondents("missing", "INBOX")
	require.Error(t, err)
}

func TestRemoveAccount(t *testing.T) {
	f := newFixture(t)

	f.store.SetHeaders("acc", "INBOX", newestFirst("INBOX", 2), 2)
	f.store.AddEmail("acc", "INBOX", &types.MessageBody{MessageHeader: types.MessageHeader{UID: 1, Mailbox: "INBOX"}})
	require.Equal(t, 1, f.store.Stats().Emails)

	f.store.RemoveAccount("acc")
	require.Nil(t, f.store.Headers("acc", "INBOX"))
	stats := f.store.Stats()
	require.Zero(t, stats.Emails)
	require.Zero(t, stats.Bytes)
	require.Zero(t, stats.Mailboxes)
}
