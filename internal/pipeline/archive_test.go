package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/brandon/mailsync/pkg/types"
)

func newTestArchiver(h *harness) *Archiver {
	return NewArchiver(ArchiverOptions{
		Remote:   h.remote,
		Store:    h.store,
		Accounts: h.dir,
		Logger:   quietLogger(),
	})
}

func TestArchiverStoresAndMarksEmails(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(account("a"))
	require.NoError(t, h.store.SaveEmail(context.Background(), "a", "INBOX", &types.MessageBody{
		MessageHeader: types.MessageHeader{UID: 1, Mailbox: "INBOX"},
	}))
	a := newTestArchiver(h)

	progress, err := a.Run(context.Background(), "a", "INBOX", []uint32{1, 2, 3})
	require.NoError(t, err)
	require.Equal(t, 3, progress.Total)
	require.Equal(t, 3, progress.Completed)
	require.Zero(t, progress.Errors)
	require.False(t, progress.Active)

	require.Zero(t, h.remote.fetchCount("a", "INBOX", 1))
	require.Equal(t, 1, h.remote.fetchCount("a", "INBOX", 2))
	require.Equal(t, 1, h.remote.fetchCount("a", "INBOX", 3))

	archived, err := h.store.GetArchivedEmailIDs(context.Background(), "a", "INBOX")
	require.NoError(t, err)
	require.Equal(t, map[uint32]struct{}{1: {}, 2: {}, 3: {}}, archived)
	require.Equal(t, progress, a.Progress())
}

func TestArchiverCountsFailures(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(account("a"))
	h.remote.failures[2] = 1
	a := newTestArchiver(h)

	progress, err := a.Run(context.Background(), "a", "INBOX", []uint32{1, 2, 3})
	require.NoError(t, err)
	require.Equal(t, 2, progress.Completed)
	require.Equal(t, 1, progress.Errors)
	require.Contains(t, progress.LastError, errFetch.Error())

	_, err = a.Run(context.Background(), "missing", "INBOX", []uint32{1})
	require.Error(t, err)
}

func TestArchiverCancelStopsQueuing(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(account("a"))
	h.remote.gate = make(chan struct{})
	h.remote.started = make(chan uint32, 10)
	a := newTestArchiver(h)

	done := make(chan ArchiveProgress, 1)
	go func() {
		progress, _ := a.Run(context.Background(), "a", "INBOX", uids(10))
		done <- progress
	}()

	for i := 0; i < DefaultArchiveConcurrency; i++ {
		select {
		case <-h.remote.started:
		case <-time.After(5 * time.Second):
			t.Fatal("archive fetches did not start")
		}
	}
	require.True(t, a.Progress().Active)

	_, err := a.Run(context.Background(), "a", "INBOX", []uint32{1})
	require.ErrorIs(t, err, ErrArchiveRunning)

	require.True(t, a.Cancel())
	close(h.remote.gate)

	var progress ArchiveProgress
	select {
	case progress = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("archive did not stop")
	}
	require.True(t, progress.Cancelled)
	require.False(t, progress.Active)
	require.Equal(t, DefaultArchiveConcurrency, progress.Completed)
	require.Equal(t, DefaultArchiveConcurrency, h.remote.totalFetches())
	require.False(t, a.Cancel())
}
