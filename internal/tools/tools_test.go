package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailsync/internal/appstore"
	"github.com/brandon/mailsync/internal/cache"
	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/internal/connectivity"
	"github.com/brandon/mailsync/internal/email"
	"github.com/brandon/mailsync/internal/pipeline"
	"github.com/brandon/mailsync/pkg/types"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

var day = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeRemote serves five messages in every mailbox of every account
type fakeRemote struct {
	mu          sync.Mutex
	flagUpdates []string
	failFolders bool
	// rejected accounts fail the login check
	rejected map[string]bool
	deleted  map[string]map[uint32]bool
}

func (f *fakeRemote) headers(mbox string) []types.MessageHeader {
	f.mu.Lock()
	gone := f.deleted[mbox]
	f.mu.Unlock()

	const n = 5
	out := make([]types.MessageHeader, 0, n)
	for i := 0; i < n; i++ {
		uid := uint32(n - i)
		if gone[uid] {
			continue
		}
		out = append(out, types.MessageHeader{
			UID:          uid,
			Mailbox:      mbox,
			MessageID:    fmt.Sprintf("<%s-%d@example.org>", mbox, uid),
			From:         types.Address{Name: "Alice", Address: "alice@example.org"},
			To:           []types.Address{{Address: "me@example.org"}},
			Subject:      fmt.Sprintf("message %d", uid),
			Date:         day.Add(-time.Duration(i) * time.Hour),
			DisplayIndex: len(out),
		})
	}
	return out
}

type loginRejected struct{}

func (loginRejected) Error() string     { return "LOGIN failed" }
func (loginRejected) AuthFailure() bool { return true }

func (f *fakeRemote) TestConnection(_ context.Context, acct *types.Account) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rejected[acct.ID] {
		return loginRejected{}
	}
	return nil
}

func (f *fakeRemote) CheckMailboxStatus(_ context.Context, _ *types.Account, mbox string) (*types.MailboxStatus, error) {
	all := f.headers(mbox)
	status := &types.MailboxStatus{Exists: len(all), UIDValidity: 1, UIDNext: 6}
	return status, nil
}

func (f *fakeRemote) SearchAllUIDs(_ context.Context, _ *types.Account, mbox string) ([]uint32, error) {
	all := f.headers(mbox)
	uids := make([]uint32, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		uids = append(uids, all[i].UID)
	}
	return uids, nil
}

func (f *fakeRemote) FetchHeadersByUIDs(_ context.Context, _ *types.Account, mbox string, uids []uint32) (*types.RangePage, error) {
	want := make(map[uint32]bool, len(uids))
	for _, uid := range uids {
		want[uid] = true
	}
	all := f.headers(mbox)
	page := &types.RangePage{Total: len(all)}
	for _, h := range all {
		if want[h.UID] {
			page.Emails = append(page.Emails, h)
		}
	}
	return page, nil
}

func (f *fakeRemote) DeleteEmail(_ context.Context, _ *types.Account, uid uint32, mbox string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleted == nil {
		f.deleted = make(map[string]map[uint32]bool)
	}
	if f.deleted[mbox] == nil {
		f.deleted[mbox] = make(map[uint32]bool)
	}
	if f.deleted[mbox][uid] {
		return fmt.Errorf("uid %d not found", uid)
	}
	f.deleted[mbox][uid] = true
	return nil
}

func (f *fakeRemote) FetchMailboxes(_ context.Context, acct *types.Account) ([]types.Mailbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFolders && acct.ID == "b" {
		return nil, errors.New("connection refused")
	}
	return []types.Mailbox{{Name: "INBOX", Path: "INBOX"}, {Name: "Sent", Path: "Sent"}}, nil
}

func (f *fakeRemote) FetchEmails(_ context.Context, _ *types.Account, mbox string, page, pageSize int) (*types.HeaderPage, error) {
	all := f.headers(mbox)
	start := (page - 1) * pageSize
	if start >= len(all) {
		return &types.HeaderPage{Total: len(all)}, nil
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}
	return &types.HeaderPage{Emails: all[start:end], Total: len(all), HasMore: end < len(all)}, nil
}

func (f *fakeRemote) FetchEmailsRange(_ context.Context, _ *types.Account, mbox string, start, end int) (*types.RangePage, error) {
	all := f.headers(mbox)
	if end > len(all) {
		end = len(all)
	}
	page := &types.RangePage{Total: len(all)}
	if start < end {
		page.Emails = all[start:end]
	}
	return page, nil
}

func (f *fakeRemote) FetchEmail(ctx context.Context, acct *types.Account, uid uint32, mbox string) (*types.MessageBody, error) {
	return f.FetchEmailLight(ctx, acct, uid, mbox)
}

func (f *fakeRemote) FetchEmailLight(_ context.Context, _ *types.Account, uid uint32, mbox string) (*types.MessageBody, error) {
	return &types.MessageBody{
		MessageHeader: types.MessageHeader{UID: uid, Mailbox: mbox, Subject: fmt.Sprintf("message %d", uid), Date: day},
		Text:          fmt.Sprintf("body %d", uid),
		RawSource:     []byte("raw"),
		Attachments:   []types.Attachment{{Filename: "a.txt", ContentType: "text/plain", Size: 3, Content: []byte("abc")}},
	}, nil
}

func (f *fakeRemote) UpdateEmailFlags(_ context.Context, _ *types.Account, uid uint32, flags []string, op pipeline.FlagOp, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flagUpdates = append(f.flagUpdates, fmt.Sprintf("%s %d %v", op, uid, flags))
	return nil
}

func (f *fakeRemote) updates() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.flagUpdates...)
}

type fakeConnections struct {
	mu           sync.Mutex
	disconnected []string
}

func (f *fakeConnections) Disconnect(accountID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = append(f.disconnected, accountID)
}

type fixture struct {
	registry *Registry
	deps     *Deps
	remote   *fakeRemote
	conns    *fakeConnections
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := quietLogger()
	ctx := context.Background()

	cfg := &config.Config{
		SearchResultLimit: 100,
		PrimaryMailbox:    "INBOX",
		ChatMailbox:       "Sent",
		PageSize:          2,
		Accounts: []config.AccountConfig{
			{ID: "a", Email: "me@example.org", IMAPHost: "imap.a.example", IMAPPort: 993, IMAPPassword: "pw", Auth: "password"},
			{ID: "b", Email: "me@b.example", IMAPHost: "imap.b.example", IMAPPort: 993, IMAPPassword: "pw", Auth: "password"},
		},
	}
	accounts := email.NewDirectory(cfg, nil, logger)

	c, err := cache.NewCache(filepath.Join(t.TempDir(), "cache.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	db := cache.NewStore(c, logger)
	for _, acct := range accounts.Accounts() {
		require.NoError(t, db.UpsertAccount(ctx, acct))
	}

	remote := &fakeRemote{}
	store := appstore.New(appstore.Options{
		Remote:   remote,
		DB:       db,
		Accounts: accounts,
		PageSize: cfg.PageSize,
		Logger:   logger,
	})
	t.Cleanup(store.Close)

	pipelines := pipeline.NewManager(pipeline.ManagerOptions{
		Remote:         remote,
		Store:          db,
		Sink:           store,
		Accounts:       accounts,
		Logger:         logger,
		PrimaryMailbox: cfg.PrimaryMailbox,
		ChatMailbox:    cfg.ChatMailbox,
		PageSize:       cfg.PageSize,
		StaggerDelay:   time.Millisecond,
		PacingDelay:    time.Millisecond,
		RetryInitial:   time.Millisecond,
		RetryMax:       10 * time.Millisecond,
	})
	t.Cleanup(pipelines.Shutdown)

	network := connectivity.NewMonitor(
		connectivity.ProberFunc(func(context.Context) bool { return true }),
		pipelines, time.Hour, logger)
	t.Cleanup(network.Stop)

	archiver := pipeline.NewArchiver(pipeline.ArchiverOptions{
		Remote:   remote,
		Store:    db,
		Accounts: accounts,
		Logger:   logger,
	})

	conns := &fakeConnections{}
	deps := &Deps{
		Config:      cfg,
		Accounts:    accounts,
		Remote:      remote,
		Connections: conns,
		Store:       store,
		DB:          db,
		Pipelines:   pipelines,
		Archiver:    archiver,
		Network:     network,
		Logger:      logger,
	}
	registry := NewRegistry(deps)
	t.Cleanup(registry.Close)

	return &fixture{registry: registry, deps: deps, remote: remote, conns: conns}
}

func (f *fixture) call(t *testing.T, name string, params map[string]interface{}) (interface{}, error) {
	t.Helper()
	tool, ok := f.registry.GetTool(name)
	require.True(t, ok, name)
	return tool.Execute(context.Background(), params)
}

func (f *fixture) mustCall(t *testing.T, name string, params map[string]interface{}) interface{} {
	t.Helper()
	res, err := f.call(t, name, params)
	require.NoError(t, err)
	return res
}

func TestRegistryListsToolsSorted(t *testing.T) {
	f := newFixture(t)

	var names []string
	for _, def := range f.registry.GetToolDefinitions() {
		names = append(names, def["name"].(string))
		require.NotEmpty(t, def["description"])
		require.Equal(t, "object", def["inputSchema"].(map[string]interface{})["type"])
	}
	require.Equal(t, []string{
		"activate_account", "archive_email", "archive_emails", "cancel_archive",
		"delete_email", "get_email", "hide_account", "list_correspondents",
		"list_mailboxes", "list_threads", "load_range", "pipeline_status",
		"remove_account", "search_emails", "set_flags", "set_online",
		"switch_account",
	}, names)

	_, ok := f.registry.GetTool("send_email")
	require.False(t, ok)
}

func TestListMailboxesReportsPerAccountErrors(t *testing.T) {
	f := newFixture(t)
	f.remote.failFolders = true

	res := f.mustCall(t, "list_mailboxes", map[string]interface{}{}).([]map[string]interface{})
	require.Len(t, res, 2)
	require.Len(t, res[0]["mailboxes"], 2)
	require.Equal(t, "connection refused", res[1]["error"])

	res = f.mustCall(t, "list_mailboxes", map[string]interface{}{"account_id": "a"}).([]map[string]interface{})
	require.Len(t, res, 1)

	_, err := f.call(t, "list_mailboxes", map[string]interface{}{"account_id": "missing"})
	require.Error(t, err)
}

func TestLoadRangeDefaultsToActiveMailbox(t *testing.T) {
	f := newFixture(t)

	res := f.mustCall(t, "load_range", map[string]interface{}{"start": float64(0), "end": float64(3)}).(map[string]interface{})
	require.Equal(t, "a", res["account_id"])
	require.Equal(t, "INBOX", res["mailbox"])
	require.Equal(t, 5, res["total"])
	require.Len(t, res["emails"], 3)

	// end defaults to one page past start
	res = f.mustCall(t, "load_range", map[string]interface{}{"account_id": "b", "mailbox": "Sent", "start": "3"}).(map[string]interface{})
	require.Len(t, res["emails"], 2)

	_, err := f.call(t, "load_range", map[string]interface{}{"start": float64(4), "end": float64(2)})
	require.Error(t, err)
}

func TestGetEmailStripsAttachmentContent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.mustCall(t, "get_email", map[string]interface{}{"uid": float64(3)}).(*types.MessageBody)
	require.Equal(t, "body 3", res.Text)
	require.Nil(t, res.RawSource)
	require.Len(t, res.Attachments, 1)
	require.Nil(t, res.Attachments[0].Content)

	res = f.mustCall(t, "get_email", map[string]interface{}{"uid": float64(3), "include_raw": true}).(*types.MessageBody)
	require.Equal(t, []byte("raw"), res.RawSource)

	// the cached copy keeps its content
	cached, err := f.deps.Store.Email(ctx, "a", "INBOX", 3)
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), cached.Attachments[0].Content)

	_, err = f.call(t, "get_email", map[string]interface{}{"uid": float64(0)})
	require.Error(t, err)
	_, err = f.call(t, "get_email", map[string]interface{}{})
	require.Error(t, err)
}

func TestSetFlagsTool(t *testing.T) {
	f := newFixture(t)

	f.mustCall(t, "set_flags", map[string]interface{}{"uid": float64(2), "flags": []interface{}{"seen"}})
	f.mustCall(t, "set_flags", map[string]interface{}{"uid": float64(2), "flags": "flagged", "op": "remove"})
	require.Equal(t, []string{"add 2 [seen]", "remove 2 [flagged]"}, f.remote.updates())

	_, err := f.call(t, "set_flags", map[string]interface{}{"uid": float64(2), "flags": []interface{}{"seen"}, "op": "toggle"})
	require.Error(t, err)
	_, err = f.call(t, "set_flags", map[string]interface{}{"uid": float64(2)})
	require.Error(t, err)
}

func TestArchiveAndSearchSavedEmails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.deps.DB.SaveEmails(ctx, "a", "INBOX", []*types.MessageBody{
		{MessageHeader: types.MessageHeader{UID: 1, Subject: "quarterly report", From: types.Address{Address: "alice@example.org"}, Date: day}, Text: "numbers"},
		{MessageHeader: types.MessageHeader{UID: 2, Subject: "lunch", From: types.Address{Address: "bob@example.org"}, Date: day.Add(time.Hour)}, Text: "tacos and report"},
	}))

	f.mustCall(t, "archive_email", map[string]interface{}{"uid": float64(1)})
	archived, err := f.deps.DB.GetArchivedEmailIDs(ctx, "a", "INBOX")
	require.NoError(t, err)
	require.Contains(t, archived, uint32(1))

	f.mustCall(t, "archive_email", map[string]interface{}{"uid": float64(1), "archived": false})
	archived, err = f.deps.DB.GetArchivedEmailIDs(ctx, "a", "INBOX")
	require.NoError(t, err)
	require.Empty(t, archived)

	_, err = f.call(t, "archive_email", map[string]interface{}{"uid": float64(99)})
	require.ErrorIs(t, err, cache.ErrNotFound)

	res := f.mustCall(t, "search_emails", map[string]interface{}{"sender": "bob"}).([]types.EmailSummary)
	require.Len(t, res, 1)
	require.Equal(t, "lunch", res[0].Subject)

	res = f.mustCall(t, "search_emails", map[string]interface{}{"query": "report", "account_id": "a"}).([]types.EmailSummary)
	require.Len(t, res, 2)

	res = f.mustCall(t, "search_emails", map[string]interface{}{"date_from": day.Add(30 * time.Minute).Format(time.RFC3339)}).([]types.EmailSummary)
	require.Len(t, res, 1)

	_, err = f.call(t, "search_emails", map[string]interface{}{"date_to": "yesterday"})
	require.Error(t, err)
}

func TestHideAndRemoveAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.mustCall(t, "hide_account", map[string]interface{}{"account_id": "b"})
	require.True(t, f.deps.Accounts.IsHidden("b"))
	f.mustCall(t, "hide_account", map[string]interface{}{"account_id": "b", "hidden": false})
	require.False(t, f.deps.Accounts.IsHidden("b"))

	require.NoError(t, f.deps.DB.SaveEmail(ctx, "b", "INBOX", &types.MessageBody{MessageHeader: types.MessageHeader{UID: 1, Date: day}}))
	f.mustCall(t, "load_range", map[string]interface{}{"account_id": "b"})

	res := f.mustCall(t, "remove_account", map[string]interface{}{"account_id": "b", "forget_credentials": true}).(map[string]interface{})
	require.Equal(t, true, res["removed"])
	require.Equal(t, false, res["credentials_deleted"])

	require.Equal(t, []string{"a"}, f.deps.Accounts.IDs())
	require.Equal(t, []string{"b"}, f.conns.disconnected)
	require.Empty(t, f.deps.Store.Headers("b", "INBOX"))
	saved, err := f.deps.DB.HasEmails(ctx, "b")
	require.NoError(t, err)
	require.False(t, saved)

	_, err = f.call(t, "remove_account", map[string]interface{}{"account_id": "b"})
	require.Error(t, err)
}

func TestSetOnlineTool(t *testing.T) {
	f := newFixture(t)

	res := f.mustCall(t, "set_online", map[string]interface{}{"online": false}).(map[string]interface{})
	require.Equal(t, false, res["online"])
	require.False(t, f.deps.Network.Online())

	res = f.mustCall(t, "set_online", map[string]interface{}{"online": true}).(map[string]interface{})
	require.Equal(t, true, res["online"])

	_, err := f.call(t, "set_online", map[string]interface{}{})
	require.Error(t, err)
}

func TestActivateAccountSyncsInBackground(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.call(t, "activate_account", map[string]interface{}{"account_id": "missing"})
	require.Error(t, err)

	f.mustCall(t, "activate_account", map[string]interface{}{"account_id": "a"})
	f.registry.Wait()
	require.Equal(t, "a", f.deps.Pipelines.ActiveAccountID())

	require.Eventually(t, func() bool {
		p, ok := f.deps.Pipelines.Snapshots()["a"]
		return ok && p.Phase == pipeline.PhaseDone
	}, 5*time.Second, 10*time.Millisecond)

	saved, err := f.deps.DB.GetSavedEmailIDs(ctx, "a", "INBOX")
	require.NoError(t, err)
	require.Len(t, saved, 5)

	status := f.mustCall(t, "pipeline_status", nil).(map[string]interface{})
	require.Equal(t, "a", status["active_account"])
	require.Equal(t, true, status["online"])
	accounts := status["accounts"].([]map[string]interface{})
	require.Len(t, accounts, 2)
	require.Equal(t, "a", accounts[0]["account_id"])
	require.Equal(t, true, accounts[0]["has_saved_emails"])
	require.Equal(t, pipeline.PhaseDone, accounts[0]["pipeline"].(pipeline.Progress).Phase)

	threads := f.mustCall(t, "list_threads", map[string]interface{}{"limit": float64(3)})
	require.Len(t, threads, 3)

	people := f.mustCall(t, "list_correspondents", map[string]interface{}{})
	require.NotEmpty(t, people)

	f.mustCall(t, "switch_account", map[string]interface{}{"account_id": "b"})
	f.registry.Wait()
	require.Equal(t, "b", f.deps.Pipelines.ActiveAccountID())
}

func TestDeleteEmailTool(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.mustCall(t, "load_range", map[string]interface{}{"start": float64(0), "end": float64(5)})
	require.NoError(t, f.deps.DB.SaveEmail(ctx, "a", "INBOX", &types.MessageBody{MessageHeader: types.MessageHeader{UID: 4, Date: day}}))

	res := f.mustCall(t, "delete_email", map[string]interface{}{"uid": float64(4)}).(map[string]interface{})
	require.Equal(t, true, res["deleted"])
	require.Equal(t, false, res["permanent"])

	var uids []uint32
	for _, h := range f.deps.Store.Headers("a", "INBOX") {
		uids = append(uids, h.UID)
	}
	require.Equal(t, []uint32{5, 3, 2, 1}, uids)

	saved, err := f.deps.DB.GetSavedEmailIDs(ctx, "a", "INBOX")
	require.NoError(t, err)
	require.Empty(t, saved)

	// the index agrees with the server, so a later page needs no reload
	page := f.mustCall(t, "load_range", map[string]interface{}{"start": float64(0), "end": float64(5)}).(map[string]interface{})
	require.Equal(t, 4, page["total"])

	_, err = f.call(t, "delete_email", map[string]interface{}{"uid": float64(4), "permanent": true})
	require.Error(t, err)
}

func TestArchiveEmailsTool(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.mustCall(t, "archive_emails", map[string]interface{}{"uids": []interface{}{float64(1), float64(2), "3"}}).(map[string]interface{})
	require.Equal(t, 3, res["total"])
	f.registry.Wait()

	archived, err := f.deps.DB.GetArchivedEmailIDs(ctx, "a", "INBOX")
	require.NoError(t, err)
	require.Equal(t, map[uint32]struct{}{1: {}, 2: {}, 3: {}}, archived)

	status := f.mustCall(t, "pipeline_status", nil).(map[string]interface{})
	progress := status["archive"].(pipeline.ArchiveProgress)
	require.Equal(t, 3, progress.Completed)
	require.False(t, progress.Active)

	cancelled := f.mustCall(t, "cancel_archive", nil).(map[string]interface{})
	require.Equal(t, false, cancelled["cancelled"])

	_, err = f.call(t, "archive_emails", map[string]interface{}{"uids": []interface{}{float64(0)}})
	require.Error(t, err)
	_, err = f.call(t, "archive_emails", map[string]interface{}{})
	require.Error(t, err)
}

func TestActivateAccountChecksCredentials(t *testing.T) {
	f := newFixture(t)
	f.remote.rejected = map[string]bool{"b": true}

	_, err := f.call(t, "activate_account", map[string]interface{}{"account_id": "b"})
	require.Error(t, err)
	require.True(t, pipeline.IsCredentialError(err))
	require.Contains(t, err.Error(), "re-authentication required")

	f.registry.Wait()
	require.Empty(t, f.deps.Pipelines.ActiveAccountID())
}
