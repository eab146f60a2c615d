// Package connectivity detects network loss and drives the pipelines'
// pause and resume triggers.
package connectivity

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultInterval is the probe period
	DefaultInterval = 15 * time.Second
	// DefaultTimeout bounds one probe dial
	DefaultTimeout = 5 * time.Second
)

// Prober reports whether the network is reachable
type Prober interface {
	IsOnline(ctx context.Context) bool
}

// ProberFunc adapts a function to Prober
type ProberFunc func(ctx context.Context) bool

// IsOnline calls f
func (f ProberFunc) IsOnline(ctx context.Context) bool {
	return f(ctx)
}

// DialProber considers the network up when any target accepts a TCP
// connection
type DialProber struct {
	Targets []string
	Timeout time.Duration
	Dial    func(ctx context.Context, network, address string) (net.Conn, error)
}

// NewDialProber probes host:port targets, typically the IMAP servers
func NewDialProber(targets []string, timeout time.Duration) *DialProber {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	d := &net.Dialer{}
	return &DialProber{Targets: targets, Timeout: timeout, Dial: d.DialContext}
}

// IsOnline dials the targets in order and stops at the first success. With
// no targets the network is assumed up.
func (p *DialProber) IsOnline(ctx context.Context) bool {
	if len(p.Targets) == 0 {
		return true
	}
	for _, target := range p.Targets {
		dctx, cancel := context.WithTimeout(ctx, p.Timeout)
		conn, err := p.Dial(dctx, "tcp", target)
		cancel()
		if err == nil {
			conn.Close() //nolint:errcheck
			return true
		}
	}
	return false
}

// Controller is driven by connectivity transitions
type Controller interface {
	PauseAll()
	ResumeAll(ctx context.Context) error
}

// Monitor probes the network periodically. Going offline pauses every
// pipeline; coming back resumes them.
type Monitor struct {
	prober Prober
	ctrl   Controller
	logger *logrus.Logger
	ticker *ticker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// applyMu serializes transitions between the ticker and SetOnline
	applyMu sync.Mutex

	mu      sync.Mutex
	online  bool
	forced  bool
	started bool
	stopped bool
}

// NewMonitor creates a monitor that starts out online
func NewMonitor(prober Prober, ctrl Controller, interval time.Duration, logger *logrus.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		prober: prober,
		ctrl:   ctrl,
		logger: logger,
		ticker: newTicker(interval),
		ctx:    ctx,
		cancel: cancel,
		online: true,
	}
}

// Start begins periodic probing
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.stopped {
		return
	}
	m.started = true

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.ticker.tick(func(time.Time) { m.check() })
	}()
}

// Poll probes right away and applies the result. It blocks until done.
func (m *Monitor) Poll() {
	m.ticker.poll()
}

func (m *Monitor) check() {
	m.mu.Lock()
	forced := m.forced
	m.mu.Unlock()
	if forced {
		return
	}

	m.apply(m.prober.IsOnline(m.ctx), "probe")
}

// apply runs the pause or resume trigger when the state changes
func (m *Monitor) apply(online bool, source string) {
	m.applyMu.Lock()
	defer m.applyMu.Unlock()

	m.mu.Lock()
	changed := m.online != online
	m.online = online
	m.mu.Unlock()

	if !changed {
		return
	}

	log := m.logger.WithField("source", source)
	if !online {
		log.Warn("Network offline, pausing pipelines")
		m.ctrl.PauseAll()
		return
	}

	log.Info("Network online, resuming pipelines")
	if err := m.ctrl.ResumeAll(m.ctx); err != nil {
		log.WithError(err).Warn("Failed to resume pipelines")
	}
}

// SetOnline overrides the probe. Going offline holds until SetOnline(true),
// which hands control back to the probe.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	m.forced = !online
	m.mu.Unlock()

	if online {
		m.ticker.resume()
	} else {
		m.ticker.pause()
	}
	m.apply(online, "manual")
}

// Online reports the last known state
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Stop ends probing and waits for a running probe to return
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	m.cancel()
	m.ticker.stop()
	m.wg.Wait()
}
