package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/pkg/types"
)

const (
	// DefaultStaggerDelay separates the start of consecutive worker slots
	DefaultStaggerDelay = 500 * time.Millisecond
	// DefaultPacingDelay is the pause a worker takes between fetches
	DefaultPacingDelay = 250 * time.Millisecond
	// DefaultPageSize is the header page size
	DefaultPageSize = 50
)

// Options configures an AccountPipeline
type Options struct {
	AccountID    string
	Concurrency  int
	PageSize     int
	StaggerDelay time.Duration
	PacingDelay  time.Duration
	RetryInitial time.Duration
	RetryMax     time.Duration

	Remote    Remote
	Store     Persistence
	Sink      Sink
	Accounts  AccountDirectory
	Scheduler Scheduler
	Logger    *logrus.Logger

	OnProgress func(Progress)
	OnError    func(accountID string, err error)
	// OnComplete runs at most once per content run, never after Destroy
	OnComplete func(accountID string)
}

// job is one body to hydrate
type job struct {
	UID     uint32
	Mailbox string
}

// AccountPipeline drives one account through header sync and body caching.
// All state lives behind mu, which is never held across a remote call or a
// delay.
type AccountPipeline struct {
	opts   Options
	runID  string
	logger *logrus.Entry

	// base carries fetches; in-flight calls are never cancelled
	base context.Context
	quit chan struct{}
	wg   sync.WaitGroup

	mu            sync.Mutex
	phase         Phase
	mailbox       string
	headerLoads   int
	queue         []job
	retry         []job
	pending       map[job]struct{}
	backoff       *Backoff
	retryTimer    Timer
	retryGen      int
	activeSlots   int
	concurrency   int
	paused        bool
	destroyed     bool
	completeFired bool
	completed     int
	total         int
}

// NewAccountPipeline creates an idle pipeline
func NewAccountPipeline(opts Options) *AccountPipeline {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.PageSize < 1 {
		opts.PageSize = DefaultPageSize
	}
	if opts.StaggerDelay < 0 {
		opts.StaggerDelay = 0
	}
	if opts.PacingDelay < 0 {
		opts.PacingDelay = 0
	}
	if opts.Scheduler == nil {
		opts.Scheduler = SystemScheduler
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	runID := uuid.NewString()
	return &AccountPipeline{
		opts:  opts,
		runID: runID,
		logger: opts.Logger.WithFields(logrus.Fields{
			"account": opts.AccountID,
			"run":     runID,
		}),
		base:        context.Background(),
		quit:        make(chan struct{}),
		phase:       PhaseIdle,
		pending:     make(map[job]struct{}),
		backoff:     NewBackoff(opts.RetryInitial, opts.RetryMax),
		concurrency: opts.Concurrency,
	}
}

// AccountID returns the account this pipeline syncs
func (p *AccountPipeline) AccountID() string {
	return p.opts.AccountID
}

// account resolves the account and checks it can authenticate
func (p *AccountPipeline) account() (*types.Account, error) {
	acct, ok := p.opts.Accounts.Account(p.opts.AccountID)
	if !ok {
		return nil, fmt.Errorf("account %s not found", p.opts.AccountID)
	}
	if !acct.HasCredentials() {
		return nil, &CredentialError{AccountID: acct.ID, Err: ErrNoCredentials}
	}
	return acct, nil
}

func (p *AccountPipeline) reportError(err error) {
	p.logger.WithError(err).Warn("Pipeline error")
	if p.opts.OnError != nil {
		p.opts.OnError(p.opts.AccountID, err)
	}
}

func (p *AccountPipeline) emitProgress() {
	if p.opts.OnProgress != nil {
		p.opts.OnProgress(p.Progress())
	}
}

// stopped reports whether header paging should stop
func (p *AccountPipeline) stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused || p.destroyed
}

func (p *AccountPipeline) isDestroyed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destroyed
}

// StartContentCaching queues bodies that are missing locally and starts
// worker slots for them. UIDs already queued, retrying or in flight are not
// queued twice. Nothing is queued once ctx is done.
func (p *AccountPipeline) StartContentCaching(ctx context.Context, uids []uint32, mailbox string) {
	if err := ctx.Err(); err != nil {
		p.logger.WithError(err).WithField("mailbox", mailbox).Debug("Content caching cancelled before start")
		return
	}
	if _, err := p.account(); err != nil {
		p.reportError(err)
		return
	}

	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}

	added := 0
	for _, uid := range uids {
		j := job{UID: uid, Mailbox: mailbox}
		if _, ok := p.pending[j]; ok {
			continue
		}
		p.pending[j] = struct{}{}
		p.queue = append(p.queue, j)
		added++
	}
	p.mailbox = mailbox
	p.total += added

	var fire bool
	if added > 0 {
		p.completeFired = false
		p.phase = PhaseContent
	} else if p.activeSlots == 0 && len(p.queue) == 0 && len(p.retry) == 0 {
		fire = p.finishLocked()
	}
	n := p.launchLocked()
	p.mu.Unlock()

	p.logger.WithFields(logrus.Fields{
		"mailbox": mailbox,
		"queued":  added,
		"slots":   n,
	}).Info("Content caching started")

	p.startSlots(n)
	p.emitProgress()
	if fire {
		p.complete()
	}
}

// finishLocked moves to done and reports whether the completion callback is due
func (p *AccountPipeline) finishLocked() bool {
	p.phase = PhaseDone
	if p.completeFired {
		return false
	}
	p.completeFired = true
	return true
}

func (p *AccountPipeline) complete() {
	p.logger.WithField("completed", p.Progress().Completed).Info("Content caching complete")
	if p.opts.OnComplete != nil {
		p.opts.OnComplete(p.opts.AccountID)
	}
}

// launchLocked reserves the idle slots that have work to do
func (p *AccountPipeline) launchLocked() int {
	if p.paused || p.destroyed {
		return 0
	}
	n := p.concurrency - p.activeSlots
	if n > len(p.queue) {
		n = len(p.queue)
	}
	if n <= 0 {
		return 0
	}
	p.activeSlots += n
	p.wg.Add(n)
	return n
}

// startSlots runs n reserved slots, staggered by slot index
func (p *AccountPipeline) startSlots(n int) {
	for i := 0; i < n; i++ {
		go p.worker(time.Duration(i) * p.opts.StaggerDelay)
	}
}

// sleep waits for d, returning false if the pipeline was destroyed meanwhile
func (p *AccountPipeline) sleep(d time.Duration) bool {
	if d <= 0 {
		select {
		case <-p.quit:
			return false
		default:
			return true
		}
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-p.quit:
		return false
	}
}

// pop hands the next job to exactly one worker
func (p *AccountPipeline) pop() (job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.paused || p.destroyed || len(p.queue) == 0 {
		return job{}, false
	}
	j := p.queue[0]
	p.queue = p.queue[1:]
	return j, true
}

func (p *AccountPipeline) worker(stagger time.Duration) {
	defer p.slotExited()

	if !p.sleep(stagger) {
		return
	}

	for {
		j, ok := p.pop()
		if !ok {
			return
		}

		body, acctID, err := p.fetch(j)
		if err != nil {
			p.failed(j, err)
		} else {
			p.succeeded(j, acctID, body)
		}

		if !p.sleep(p.opts.PacingDelay) {
			return
		}
	}
}

// fetch downloads and persists one body. The account is resolved per fetch so
// a refreshed token is picked up.
func (p *AccountPipeline) fetch(j job) (*types.MessageBody, string, error) {
	acct, err := p.account()
	if err != nil {
		return nil, "", err
	}

	body, err := p.opts.Remote.FetchEmail(p.base, acct, j.UID, j.Mailbox)
	if err != nil {
		return nil, acct.ID, classify(acct.ID, err)
	}
	if body.Mailbox == "" {
		body.Mailbox = j.Mailbox
	}
	if p.isDestroyed() {
		return body, acct.ID, nil
	}
	if err := p.opts.Store.SaveEmail(p.base, acct.ID, j.Mailbox, body); err != nil {
		return nil, acct.ID, fmt.Errorf("failed to save email: %w", err)
	}
	return body, acct.ID, nil
}

func (p *AccountPipeline) succeeded(j job, accountID string, body *types.MessageBody) {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	delete(p.pending, j)
	p.completed++
	p.backoff.Reset()
	p.mu.Unlock()

	p.logger.WithFields(logrus.Fields{
		"mailbox": j.Mailbox,
		"uid":     j.UID,
	}).Debug("Email cached")

	if p.opts.Sink != nil {
		p.opts.Sink.AddEmail(accountID, j.Mailbox, body)
		p.opts.Sink.ClearAttachmentMismatch(accountID, j.Mailbox, j.UID, len(body.Attachments) > 0)
	}
	p.emitProgress()
}

func (p *AccountPipeline) failed(j job, err error) {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.retry = append(p.retry, j)
	p.mu.Unlock()

	p.logger.WithFields(logrus.Fields{
		"mailbox": j.Mailbox,
		"uid":     j.UID,
	}).WithError(err).Warn("Failed to fetch email, will retry")

	if IsCredentialError(err) && p.opts.OnError != nil {
		p.opts.OnError(p.opts.AccountID, err)
	}
	p.emitProgress()
}

// slotExited releases a slot. The last slot out either schedules a retry
// cycle or finishes the run.
func (p *AccountPipeline) slotExited() {
	defer p.wg.Done()

	p.mu.Lock()
	p.activeSlots--
	if p.destroyed {
		p.mu.Unlock()
		return
	}

	var (
		fire  bool
		delay time.Duration
	)
	if !p.paused && len(p.queue) == 0 && p.activeSlots == 0 {
		if len(p.retry) > 0 {
			if p.retryTimer == nil {
				delay = p.backoff.Next()
				p.retryGen++
				gen := p.retryGen
				p.wg.Add(1)
				p.retryTimer = p.opts.Scheduler.AfterFunc(delay, func() {
					p.retryCycle(gen)
				})
			}
		} else if p.phase == PhaseContent {
			fire = p.finishLocked()
		}
	}
	retrying := len(p.retry)
	p.mu.Unlock()

	if delay > 0 {
		p.logger.WithFields(logrus.Fields{
			"retrying": retrying,
			"delay":    delay,
		}).Info("Scheduling retry cycle")
	}
	p.emitProgress()
	if fire {
		p.complete()
	}
}

// retryCycle puts failed jobs back ahead of any new work and restarts slots
func (p *AccountPipeline) retryCycle(gen int) {
	defer p.wg.Done()

	p.mu.Lock()
	if gen != p.retryGen {
		// Cancelled after the timer had already fired
		p.mu.Unlock()
		return
	}
	p.retryTimer = nil
	if p.destroyed || p.paused {
		p.mu.Unlock()
		return
	}
	retried := len(p.retry)
	p.queue = append(p.retry, p.queue...)
	p.retry = nil
	n := p.launchLocked()
	p.mu.Unlock()

	p.logger.WithField("retrying", retried).Info("Retry cycle started")
	p.startSlots(n)
	p.emitProgress()
}

// stopRetryLocked cancels a pending retry cycle
func (p *AccountPipeline) stopRetryLocked() {
	if p.retryTimer == nil {
		return
	}
	p.retryGen++
	if p.retryTimer.Stop() {
		p.wg.Done()
	}
	p.retryTimer = nil
}

// Pause stops workers after their current fetch. Queued work is kept.
func (p *AccountPipeline) Pause() {
	p.mu.Lock()
	if p.destroyed || p.paused {
		p.mu.Unlock()
		return
	}
	p.paused = true
	p.stopRetryLocked()
	p.mu.Unlock()

	p.logger.Info("Pipeline paused")
	p.emitProgress()
}

// Resume moves failed jobs back to the front of the queue and relaunches only
// the slots that are idle.
func (p *AccountPipeline) Resume(mailbox string) {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.paused = false
	if mailbox != "" {
		p.mailbox = mailbox
	}
	p.stopRetryLocked()
	if len(p.retry) > 0 {
		p.queue = append(p.retry, p.queue...)
		p.retry = nil
	}

	var fire bool
	n := p.launchLocked()
	if n == 0 && p.activeSlots == 0 && len(p.queue) == 0 && p.phase == PhaseContent {
		fire = p.finishLocked()
	}
	p.mu.Unlock()

	p.logger.WithField("slots", n).Info("Pipeline resumed")
	p.startSlots(n)
	p.emitProgress()
	if fire {
		p.complete()
	}
}

// Destroy ends the pipeline for good. Running workers finish their current
// fetch and exit on their own; no callback fires afterwards.
func (p *AccountPipeline) Destroy() {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.destroyed = true
	p.queue = nil
	p.retry = nil
	p.pending = make(map[job]struct{})
	p.stopRetryLocked()
	close(p.quit)
	active := p.activeSlots
	p.mu.Unlock()

	p.logger.WithField("active_slots", active).Info("Pipeline destroyed")
}

// SetConcurrency changes the slot count used by subsequent launches
func (p *AccountPipeline) SetConcurrency(n int) {
	if n < 1 {
		n = 1
	}
	p.mu.Lock()
	p.concurrency = n
	p.mu.Unlock()
}

// ResetBackoff drops the retry delay back to its floor
func (p *AccountPipeline) ResetBackoff() {
	p.mu.Lock()
	p.backoff.Reset()
	p.mu.Unlock()
}

// RetryDelay returns the delay the next retry cycle would wait
func (p *AccountPipeline) RetryDelay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.backoff.Current()
}

// Progress returns a snapshot of the pipeline state
func (p *AccountPipeline) Progress() Progress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Progress{
		AccountID:   p.opts.AccountID,
		RunID:       p.runID,
		Phase:       p.phase,
		Mailbox:     p.mailbox,
		Queued:      len(p.queue),
		Completed:   p.completed,
		Failed:      len(p.retry),
		Total:       p.total,
		Concurrency: p.concurrency,
		ActiveSlots: p.activeSlots,
		Paused:      p.paused,
		Destroyed:   p.destroyed,
	}
}

// Wait blocks until every worker slot and pending retry cycle has ended
func (p *AccountPipeline) Wait() {
	p.wg.Wait()
}
