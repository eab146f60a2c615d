package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/brandon/mailsync/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	logger := quietLogger()
	c, err := NewCache(filepath.Join(t.TempDir(), "cache.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	store := NewStore(c, logger)
	require.NoError(t, store.UpsertAccount(context.Background(), &types.Account{
		ID:       "acc",
		Name:     "Work",
		Email:    "me@example.com",
		IMAPHost: "imap.example.com",
		IMAPPort: 993,
	}))
	return store
}

func testBody(uid uint32, from, subject, text string, date time.Time) *types.MessageBody {
	return &types.MessageBody{
		MessageHeader: types.MessageHeader{
			UID:       uid,
			Mailbox:   "INBOX",
			MessageID: "<" + subject + "@example.com>",
			From:      types.Address{Name: "Sender", Address: from},
			Subject:   subject,
			Date:      date,
		},
		Text:      text,
		RawSource: []byte("raw " + subject),
	}
}

func TestStoreSaveAndGetEmail(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	date := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.SaveEmail(ctx, "acc", "INBOX", testBody(7, "Alice@Example.com", "hello", "body text", date)))

	got, err := store.GetEmail(ctx, "acc", "INBOX", 7)
	require.NoError(t, err)
	require.Equal(t, uint32(7), got.UID)
	require.Equal(t, "hello", got.Subject)
	require.Equal(t, "body text", got.Text)
	require.Equal(t, []byte("raw hello"), got.RawSource)
	require.True(t, got.Date.Equal(date))

	_, err = store.GetEmail(ctx, "acc", "INBOX", 8)
	require.ErrorIs(t, err, ErrNotFound)

	saved, err := store.IsEmailSaved(ctx, "acc", "INBOX", 7)
	require.NoError(t, err)
	require.True(t, saved)
}

func TestStoreSaveEmailUpserts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	date := time.Now()

	require.NoError(t, store.SaveEmail(ctx, "acc", "INBOX", testBody(1, "a@example.com", "first", "one", date)))
	require.NoError(t, store.SaveEmail(ctx, "acc", "INBOX", testBody(1, "a@example.com", "second", "two", date)))

	got, err := store.GetEmail(ctx, "acc", "INBOX", 1)
	require.NoError(t, err)
	require.Equal(t, "second", got.Subject)

	ids, err := store.GetSavedEmailIDs(ctx, "acc", "INBOX")
	require.NoError(t, err)
	require.Len(t, ids, 1)
}

func TestStoreGetEmails(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	date := time.Now()

	require.NoError(t, store.SaveEmails(ctx, "acc", "INBOX", []*types.MessageBody{
		testBody(1, "a@example.com", "one", "", date),
		testBody(2, "b@example.com", "two", "", date),
		testBody(3, "c@example.com", "three", "", date),
	}))

	got, err := store.GetEmails(ctx, "acc", "INBOX", []uint32{1, 3, 9})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "one", got[1].Subject)
	require.Equal(t, "three", got[3].Subject)
	require.Nil(t, got[1].RawSource)
}

func TestStoreSavedAndArchivedIDs(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	date := time.Now()

	for uid := uint32(1); uid <= 3; uid++ {
		require.NoError(t, store.SaveEmail(ctx, "acc", "INBOX", testBody(uid, "a@example.com", "s", "", date)))
	}
	require.NoError(t, store.SetArchived(ctx, "acc", "INBOX", 2, true))
	require.ErrorIs(t, store.SetArchived(ctx, "acc", "INBOX", 42, true), ErrNotFound)

	saved, err := store.GetSavedEmailIDs(ctx, "acc", "INBOX")
	require.NoError(t, err)
	require.Equal(t, map[uint32]struct{}{1: {}, 2: {}, 3: {}}, saved)

	archived, err := store.GetArchivedEmailIDs(ctx, "acc", "INBOX")
	require.NoError(t, err)
	require.Equal(t, map[uint32]struct{}{2: {}}, archived)

	other, err := store.GetSavedEmailIDs(ctx, "acc", "Sent")
	require.NoError(t, err)
	require.Empty(t, other)
}

func TestStoreHeaderCache(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	empty, err := store.GetEmailHeaders(ctx, "acc", "INBOX")
	require.NoError(t, err)
	require.Empty(t, empty.Emails)
	require.Zero(t, empty.Total)

	headers := []types.MessageHeader{
		{UID: 3, Mailbox: "INBOX", Subject: "c"},
		{UID: 2, Mailbox: "INBOX", Subject: "b"},
		{UID: 1, Mailbox: "INBOX", Subject: "a"},
	}
	require.NoError(t, store.SaveEmailHeaders(ctx, "acc", "INBOX", headers, 3))

	hc, err := store.GetEmailHeaders(ctx, "acc", "INBOX")
	require.NoError(t, err)
	require.Equal(t, 3, hc.Total)
	require.Len(t, hc.Emails, 3)
	require.False(t, hc.UpdatedAt.IsZero())

	require.NoError(t, store.DeleteEmailHeaders(ctx, "acc", "INBOX", []uint32{2}))

	hc, err = store.GetEmailHeaders(ctx, "acc", "INBOX")
	require.NoError(t, err)
	require.Len(t, hc.Emails, 2)
	require.Equal(t, 2, hc.Total)
	require.Equal(t, uint32(3), hc.Emails[0].UID)
	require.Equal(t, uint32(1), hc.Emails[1].UID)
}

func TestStoreMailboxStatus(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	none, err := store.GetMailboxStatus(ctx, "acc", "INBOX")
	require.NoError(t, err)
	require.Nil(t, none)

	require.NoError(t, store.SaveMailboxStatus(ctx, "acc", "INBOX", &types.MailboxStatus{Exists: 3, UIDValidity: 7, UIDNext: 10}))
	require.NoError(t, store.SaveMailboxStatus(ctx, "acc", "INBOX", &types.MailboxStatus{Exists: 4, UIDValidity: 7, UIDNext: 11}))

	got, err := store.GetMailboxStatus(ctx, "acc", "INBOX")
	require.NoError(t, err)
	require.Equal(t, &types.MailboxStatus{Exists: 4, UIDValidity: 7, UIDNext: 11}, got)

	require.NoError(t, store.DeleteAccount(ctx, "acc"))
	gone, err := store.GetMailboxStatus(ctx, "acc", "INBOX")
	require.NoError(t, err)
	require.Nil(t, gone)
}

func TestStoreDeleteEmail(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.SaveEmail(ctx, "acc", "INBOX", testBody(1, "a@example.com", "s", "", time.Now())))
	require.NoError(t, store.DeleteEmail(ctx, "acc", "INBOX", 1))
	require.NoError(t, store.DeleteEmail(ctx, "acc", "INBOX", 1))

	saved, err := store.IsEmailSaved(ctx, "acc", "INBOX", 1)
	require.NoError(t, err)
	require.False(t, saved)
}

func TestStoreDeleteAccountCascades(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.SaveEmail(ctx, "acc", "INBOX", testBody(1, "a@example.com", "s", "", time.Now())))
	require.NoError(t, store.SaveEmailHeaders(ctx, "acc", "INBOX", []types.MessageHeader{{UID: 1}}, 1))

	require.NoError(t, store.DeleteAccount(ctx, "acc"))

	has, err := store.HasEmails(ctx, "acc")
	require.NoError(t, err)
	require.False(t, has)

	hc, err := store.GetEmailHeaders(ctx, "acc", "INBOX")
	require.NoError(t, err)
	require.Empty(t, hc.Emails)
}

func TestStoreSearch(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.SaveEmails(ctx, "acc", "INBOX", []*types.MessageBody{
		testBody(1, "alice@example.com", "quarterly report", "numbers are up", base),
		testBody(2, "bob@example.com", "lunch", "tacos on friday", base.Add(time.Hour)),
		testBody(3, "alice@example.com", "follow up", "the report numbers again", base.Add(2*time.Hour)),
	}))

	sender := "alice"
	res, err := store.Search(ctx, SearchOptions{Sender: &sender})
	require.NoError(t, err)
	require.Len(t, res, 2)
	require.Equal(t, uint32(3), res[0].UID)

	body := "tacos"
	res, err = store.Search(ctx, SearchOptions{Body: &body})
	require.NoError(t, err)
	require.Len(t, res, 1)
	require.Equal(t, "lunch", res[0].Subject)

	acc := "acc"
	res, err = store.SearchFTS(ctx, "report", &acc, 10)
	require.NoError(t, err)
	require.Len(t, res, 2)

	from := base.Add(90 * time.Minute)
	res, err = store.Search(ctx, SearchOptions{DateFrom: &from})
	require.NoError(t, err)
	require.Len(t, res, 1)
	require.Equal(t, "follow up", res[0].Subject)
}
