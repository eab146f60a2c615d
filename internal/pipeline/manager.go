package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bradenaw/juniper/xslices"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/brandon/mailsync/pkg/types"
)

// ErrShutdown is returned by a manager that has been shut down
var ErrShutdown = errors.New("pipeline manager shut down")

// ManagerOptions configures a Manager
type ManagerOptions struct {
	Remote    Remote
	Store     Persistence
	Sink      Sink
	Accounts  AccountDirectory
	Scheduler Scheduler
	Logger    *logrus.Logger

	ActiveConcurrency     int
	BackgroundConcurrency int
	PrimaryMailbox        string
	// ChatMailbox is warmed next to the primary mailbox for the chat view
	ChatMailbox string
	PageSize    int
	// CacheDuration skips bodies older than this; zero caches everything
	CacheDuration time.Duration

	StaggerDelay time.Duration
	PacingDelay  time.Duration
	RetryInitial time.Duration
	RetryMax     time.Duration

	OnProgress func(Progress)
	OnError    func(accountID string, err error)
	Now        func() time.Time
}

// Manager owns every account pipeline. It runs the active account at full
// concurrency and cascades through the other accounts, one at a time, once
// the active account is done.
type Manager struct {
	opts   ManagerOptions
	logger *logrus.Logger
	wg     sync.WaitGroup

	mu            sync.Mutex
	pipelines     map[string]*AccountPipeline
	activeID      string
	cascadeCancel context.CancelFunc
	cascadeGen    int
	bgDone        map[string]chan struct{}
	closed        bool
}

// NewManager creates a manager with no pipelines
func NewManager(opts ManagerOptions) *Manager {
	if opts.ActiveConcurrency < 1 {
		opts.ActiveConcurrency = 3
	}
	if opts.BackgroundConcurrency < 1 {
		opts.BackgroundConcurrency = 1
	}
	if opts.PrimaryMailbox == "" {
		opts.PrimaryMailbox = "INBOX"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	return &Manager{
		opts:      opts,
		logger:    opts.Logger,
		pipelines: make(map[string]*AccountPipeline),
		bgDone:    make(map[string]chan struct{}),
	}
}

// newPipelineLocked creates and registers a pipeline, replacing any previous
// one. The caller destroys the replaced pipeline.
func (m *Manager) newPipelineLocked(accountID string, concurrency int) *AccountPipeline {
	var p *AccountPipeline
	p = NewAccountPipeline(Options{
		AccountID:    accountID,
		Concurrency:  concurrency,
		PageSize:     m.opts.PageSize,
		StaggerDelay: m.opts.StaggerDelay,
		PacingDelay:  m.opts.PacingDelay,
		RetryInitial: m.opts.RetryInitial,
		RetryMax:     m.opts.RetryMax,
		Remote:       m.opts.Remote,
		Store:        m.opts.Store,
		Sink:         m.opts.Sink,
		Accounts:     m.opts.Accounts,
		Scheduler:    m.opts.Scheduler,
		Logger:       m.logger,
		OnProgress:   m.opts.OnProgress,
		OnError:      m.opts.OnError,
		OnComplete: func(id string) {
			m.onComplete(id, p)
		},
	})
	m.pipelines[accountID] = p
	return p
}

// onComplete routes a pipeline's completion. The active account starts the
// background cascade, but only while it is still active and still owned by
// this pipeline; background completions wake the cascade.
func (m *Manager) onComplete(accountID string, p *AccountPipeline) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.pipelines[accountID] != p {
		return
	}
	if accountID == m.activeID {
		m.startCascadeLocked()
		return
	}
	if done, ok := m.bgDone[accountID]; ok {
		close(done)
		delete(m.bgDone, accountID)
	}
}

// missingUIDs returns the UIDs among headers with no local copy, newest first,
// skipping mail older than the cache duration
func (m *Manager) missingUIDs(ctx context.Context, accountID, mailbox string, headers []types.MessageHeader) ([]uint32, error) {
	saved, err := m.opts.Store.GetSavedEmailIDs(ctx, accountID, mailbox)
	if err != nil {
		return nil, err
	}
	archived, err := m.opts.Store.GetArchivedEmailIDs(ctx, accountID, mailbox)
	if err != nil {
		return nil, err
	}

	var cutoff time.Time
	if m.opts.CacheDuration > 0 {
		cutoff = m.opts.Now().Add(-m.opts.CacheDuration)
	}

	missing := xslices.Filter(append([]types.MessageHeader(nil), headers...), func(h types.MessageHeader) bool {
		if _, ok := saved[h.UID]; ok {
			return false
		}
		if _, ok := archived[h.UID]; ok {
			return false
		}
		return cutoff.IsZero() || !h.Date.Before(cutoff)
	})
	return xslices.Map(missing, func(h types.MessageHeader) uint32 { return h.UID }), nil
}

// StartActiveAccountPipeline replaces the account's pipeline with a fresh one
// at active concurrency, syncs the primary mailbox while warming the chat
// mailbox, and queues every body not cached yet. With nothing to fetch the
// background cascade starts right away.
func (m *Manager) StartActiveAccountPipeline(ctx context.Context, accountID string) error {
	if _, ok := m.opts.Accounts.Account(accountID); !ok {
		return fmt.Errorf("account %s not found", accountID)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrShutdown
	}
	m.activeID = accountID
	m.cancelCascadeLocked()
	old := m.pipelines[accountID]
	p := m.newPipelineLocked(accountID, m.opts.ActiveConcurrency)
	m.mu.Unlock()

	if old != nil {
		old.Destroy()
	}

	log := m.logger.WithField("account", accountID)
	log.Info("Starting active account pipeline")

	primary := m.opts.PrimaryMailbox
	var headers []types.MessageHeader

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		h, err := p.LoadHeaders(gctx, primary)
		headers = h
		return err
	})
	if chat := m.opts.ChatMailbox; chat != "" && chat != primary {
		g.Go(func() error {
			if _, err := p.LoadHeaders(gctx, chat); err != nil {
				log.WithError(err).WithField("mailbox", chat).Warn("Failed to warm chat mailbox")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	missing, err := m.missingUIDs(ctx, accountID, primary, headers)
	if err != nil {
		err = fmt.Errorf("failed to compute missing emails: %w", err)
		m.report(accountID, err)
		return err
	}

	m.mu.Lock()
	current := !m.closed && m.activeID == accountID && m.pipelines[accountID] == p
	if current && len(missing) == 0 {
		m.startCascadeLocked()
	}
	m.mu.Unlock()

	if !current {
		log.Debug("Active pipeline superseded before content caching")
		return nil
	}
	if len(missing) > 0 {
		p.StartContentCaching(ctx, missing, primary)
	} else {
		log.Info("Nothing to cache, cascading to background accounts")
	}
	return nil
}

// CheckAccount logs in once to verify an account before a sync is started
// for it. Rejected or missing credentials come back as a CredentialError.
func (m *Manager) CheckAccount(ctx context.Context, accountID string) error {
	acct, ok := m.opts.Accounts.Account(accountID)
	if !ok {
		return fmt.Errorf("account %s not found", accountID)
	}
	if !acct.HasCredentials() {
		return &CredentialError{AccountID: acct.ID, Err: ErrNoCredentials}
	}
	if err := m.opts.Remote.TestConnection(ctx, acct); err != nil {
		return classify(acct.ID, fmt.Errorf("connection check failed: %w", err))
	}
	return nil
}

func (m *Manager) report(accountID string, err error) {
	m.logger.WithField("account", accountID).WithError(err).Warn("Pipeline manager error")
	if m.opts.OnError != nil {
		m.opts.OnError(accountID, err)
	}
}

// OnAccountSwitch pauses every other pipeline. An account that was mid-way
// through content caching is promoted in place; otherwise it is started fresh.
func (m *Manager) OnAccountSwitch(ctx context.Context, accountID string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrShutdown
	}
	m.activeID = accountID
	m.cancelCascadeLocked()

	var others []*AccountPipeline
	for id, p := range m.pipelines {
		if id != accountID {
			others = append(others, p)
		}
	}
	p := m.pipelines[accountID]
	m.mu.Unlock()

	for _, o := range others {
		o.Pause()
	}

	if p != nil {
		if progress := p.Progress(); progress.Phase == PhaseContent && !progress.Destroyed {
			m.logger.WithField("account", accountID).Info("Promoting pipeline to active")
			p.SetConcurrency(m.opts.ActiveConcurrency)
			p.Resume(m.opts.PrimaryMailbox)
			return nil
		}
	}
	return m.StartActiveAccountPipeline(ctx, accountID)
}

// SyncAccounts destroys the pipelines of accounts that no longer exist
func (m *Manager) SyncAccounts(accountIDs []string) {
	keep := make(map[string]bool, len(accountIDs))
	for _, id := range accountIDs {
		keep[id] = true
	}

	m.mu.Lock()
	var removed []*AccountPipeline
	for id, p := range m.pipelines {
		if keep[id] {
			continue
		}
		removed = append(removed, p)
		delete(m.pipelines, id)
		if done, ok := m.bgDone[id]; ok {
			close(done)
			delete(m.bgDone, id)
		}
		if id == m.activeID {
			m.activeID = ""
		}
	}
	m.mu.Unlock()

	for _, p := range removed {
		m.logger.WithField("account", p.AccountID()).Info("Dropping pipeline of removed account")
		p.Destroy()
	}
}

// PauseAll stops the cascade and pauses every pipeline
func (m *Manager) PauseAll() {
	m.mu.Lock()
	m.cancelCascadeLocked()
	all := m.allLocked()
	m.mu.Unlock()

	for _, p := range all {
		p.Pause()
	}
	m.logger.WithField("pipelines", len(all)).Info("All pipelines paused")
}

// ResumeAll resets retry delays and resumes the active account. When the
// active account has nothing left to do the background cascade restarts.
func (m *Manager) ResumeAll(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrShutdown
	}
	activeID := m.activeID
	active := m.pipelines[activeID]
	all := m.allLocked()
	m.mu.Unlock()

	for _, p := range all {
		p.ResetBackoff()
	}
	m.logger.WithField("account", activeID).Info("Resuming pipelines")

	switch {
	case activeID == "":
		return nil
	case active == nil:
		return m.StartActiveAccountPipeline(ctx, activeID)
	case active.Progress().Phase == PhaseContent:
		active.Resume(m.opts.PrimaryMailbox)
		return nil
	case active.Progress().Phase == PhaseDone:
		m.mu.Lock()
		if m.activeID == activeID {
			m.startCascadeLocked()
		}
		m.mu.Unlock()
		return nil
	default:
		return m.StartActiveAccountPipeline(ctx, activeID)
	}
}

func (m *Manager) allLocked() []*AccountPipeline {
	all := make([]*AccountPipeline, 0, len(m.pipelines))
	for _, p := range m.pipelines {
		all = append(all, p)
	}
	return all
}

// Shutdown destroys every pipeline and waits for their workers to exit
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.cancelCascadeLocked()
	all := m.allLocked()
	m.pipelines = make(map[string]*AccountPipeline)
	for id, done := range m.bgDone {
		close(done)
		delete(m.bgDone, id)
	}
	m.mu.Unlock()

	for _, p := range all {
		p.Destroy()
	}
	for _, p := range all {
		p.Wait()
	}
	m.wg.Wait()
	m.logger.Info("Pipeline manager shut down")
}

// ActiveAccountID returns the account currently promoted to active
func (m *Manager) ActiveAccountID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeID
}

// Pipeline returns the pipeline of an account, if any
func (m *Manager) Pipeline(accountID string) (*AccountPipeline, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pipelines[accountID]
	return p, ok
}

// Snapshots returns the progress of every pipeline keyed by account
func (m *Manager) Snapshots() map[string]Progress {
	m.mu.Lock()
	all := m.allLocked()
	m.mu.Unlock()

	out := make(map[string]Progress, len(all))
	for _, p := range all {
		out[p.AccountID()] = p.Progress()
	}
	return out
}

func (m *Manager) cancelCascadeLocked() {
	if m.cascadeCancel != nil {
		m.cascadeCancel()
		m.cascadeCancel = nil
	}
}

// startCascadeLocked starts the background cascade unless one is running
func (m *Manager) startCascadeLocked() {
	if m.closed || m.cascadeCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cascadeCancel = cancel
	m.cascadeGen++
	gen := m.cascadeGen
	activeID := m.activeID

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runCascade(ctx, activeID)

		m.mu.Lock()
		if m.cascadeGen == gen && m.cascadeCancel != nil {
			m.cascadeCancel()
			m.cascadeCancel = nil
		}
		m.mu.Unlock()
	}()
}

// runCascade syncs every other visible account with credentials, one after
// the other
func (m *Manager) runCascade(ctx context.Context, activeID string) {
	accounts := xslices.Filter(m.opts.Accounts.Accounts(), func(acct *types.Account) bool {
		return acct.ID != activeID && !m.opts.Accounts.IsHidden(acct.ID) && acct.HasCredentials()
	})

	m.logger.WithFields(logrus.Fields{
		"active":   activeID,
		"accounts": len(accounts),
	}).Info("Starting background cascade")

	for _, acct := range accounts {
		if ctx.Err() != nil {
			m.logger.Debug("Background cascade cancelled")
			return
		}
		m.runBackground(ctx, acct.ID)
	}
	m.logger.Info("Background cascade finished")
}

// runBackground syncs one account at background concurrency and waits for
// its content run to complete or the cascade to be cancelled
func (m *Manager) runBackground(ctx context.Context, accountID string) {
	log := m.logger.WithField("account", accountID)

	m.mu.Lock()
	if ctx.Err() != nil || m.closed {
		m.mu.Unlock()
		return
	}
	p := m.pipelines[accountID]
	resume := p != nil && p.Progress().Phase == PhaseContent
	var old *AccountPipeline
	if !resume {
		old = p
		p = m.newPipelineLocked(accountID, m.opts.BackgroundConcurrency)
	}
	done := make(chan struct{})
	m.bgDone[accountID] = done
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if m.bgDone[accountID] == done {
			delete(m.bgDone, accountID)
		}
		m.mu.Unlock()
	}()

	if old != nil {
		old.Destroy()
	}

	if resume {
		log.Info("Resuming background pipeline")
		p.SetConcurrency(m.opts.BackgroundConcurrency)
		p.Resume(m.opts.PrimaryMailbox)
	} else {
		log.Info("Starting background pipeline")
		headers, err := p.LoadHeaders(context.Background(), m.opts.PrimaryMailbox)
		if err != nil || ctx.Err() != nil {
			return
		}
		missing, err := m.missingUIDs(context.Background(), accountID, m.opts.PrimaryMailbox, headers)
		if err != nil {
			m.report(accountID, fmt.Errorf("failed to compute missing emails: %w", err))
			return
		}
		if len(missing) == 0 {
			return
		}
		p.StartContentCaching(context.Background(), missing, m.opts.PrimaryMailbox)
	}

	select {
	case <-done:
	case <-ctx.Done():
	}
}
