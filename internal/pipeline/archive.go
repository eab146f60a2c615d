package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/brandon/mailsync/pkg/types"
)

// DefaultArchiveConcurrency bounds the fetches of a bulk archive run
const DefaultArchiveConcurrency = 3

// ErrArchiveRunning is returned when a bulk archive is already in progress
var ErrArchiveRunning = errors.New("an archive run is already in progress")

// ArchiveProgress reports a bulk archive run
type ArchiveProgress struct {
	AccountID string `json:"account_id,omitempty"`
	Mailbox   string `json:"mailbox,omitempty"`
	Total     int    `json:"total"`
	Completed int    `json:"completed"`
	Errors    int    `json:"errors"`
	Active    bool   `json:"active"`
	Cancelled bool   `json:"cancelled,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

// ArchiverOptions configures an Archiver
type ArchiverOptions struct {
	Remote      Remote
	Store       ArchiveStore
	Accounts    AccountDirectory
	Concurrency int
	Logger      *logrus.Logger
}

// Archiver keeps full local copies of chosen messages and marks them
// archived so the content pipelines never refetch them. One run at a time.
type Archiver struct {
	opts   ArchiverOptions
	logger *logrus.Logger

	mu       sync.Mutex
	progress ArchiveProgress
	cancel   context.CancelFunc
}

// NewArchiver creates an idle archiver
func NewArchiver(opts ArchiverOptions) *Archiver {
	if opts.Concurrency < 1 {
		opts.Concurrency = DefaultArchiveConcurrency
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Archiver{opts: opts, logger: opts.Logger}
}

// Progress returns a snapshot of the current or last run
func (a *Archiver) Progress() ArchiveProgress {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.progress
}

// Cancel stops queuing new fetches of the current run. It reports whether a
// run was active.
func (a *Archiver) Cancel() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel == nil {
		return false
	}
	a.cancel()
	a.progress.Cancelled = true
	return true
}

// Run archives every UID. Bodies already saved locally are only marked;
// the rest are fetched in full first. Failures are counted, not returned.
func (a *Archiver) Run(ctx context.Context, accountID, mailbox string, uids []uint32) (ArchiveProgress, error) {
	acct, ok := a.opts.Accounts.Account(accountID)
	if !ok {
		return ArchiveProgress{}, fmt.Errorf("account %s not found", accountID)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.mu.Lock()
	if a.cancel != nil {
		a.mu.Unlock()
		return a.Progress(), ErrArchiveRunning
	}
	a.cancel = cancel
	a.progress = ArchiveProgress{AccountID: accountID, Mailbox: mailbox, Total: len(uids), Active: true}
	a.mu.Unlock()

	log := a.logger.WithFields(logrus.Fields{
		"account": accountID,
		"mailbox": mailbox,
		"total":   len(uids),
	})
	log.Info("Archive started")

	g := new(errgroup.Group)
	g.SetLimit(a.opts.Concurrency)
	for _, uid := range uids {
		if ctx.Err() != nil {
			break
		}
		uid := uid
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			a.record(uid, a.archiveOne(ctx, acct, mailbox, uid))
			return nil
		})
	}
	_ = g.Wait()

	a.mu.Lock()
	a.cancel = nil
	a.progress.Active = false
	if ctx.Err() != nil && a.progress.Completed+a.progress.Errors < a.progress.Total {
		a.progress.Cancelled = true
	}
	final := a.progress
	a.mu.Unlock()

	log.WithFields(logrus.Fields{
		"completed": final.Completed,
		"errors":    final.Errors,
		"cancelled": final.Cancelled,
	}).Info("Archive finished")
	return final, nil
}

func (a *Archiver) record(uid uint32, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		a.progress.Errors++
		a.progress.LastError = err.Error()
		a.logger.WithError(err).WithField("uid", uid).Warn("Failed to archive email")
		return
	}
	a.progress.Completed++
}

func (a *Archiver) archiveOne(ctx context.Context, acct *types.Account, mailbox string, uid uint32) error {
	saved, err := a.opts.Store.IsEmailSaved(ctx, acct.ID, mailbox, uid)
	if err != nil {
		return err
	}
	if !saved {
		body, err := a.opts.Remote.FetchEmail(ctx, acct, uid, mailbox)
		if err != nil {
			return classify(acct.ID, err)
		}
		if err := a.opts.Store.SaveEmail(ctx, acct.ID, mailbox, body); err != nil {
			return fmt.Errorf("failed to save email: %w", err)
		}
	}
	return a.opts.Store.SetArchived(ctx, acct.ID, mailbox, uid, true)
}
