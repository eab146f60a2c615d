package connectivity

import "time"

// ticker runs a callback at a fixed period or on demand
type ticker struct {
	ticker *time.Ticker
	period time.Duration
	pollCh chan chan struct{}
	stopCh chan struct{}
}

func newTicker(period time.Duration) *ticker {
	return &ticker{
		ticker: time.NewTicker(period),
		period: period,
		pollCh: make(chan chan struct{}),
		stopCh: make(chan struct{}),
	}
}

// pause stops periodic ticks; polls still run.
func (t *ticker) pause() {
	t.ticker.Stop()
}

// resume restarts periodic ticks.
func (t *ticker) resume() {
	t.ticker.Reset(t.period)
}

// poll runs the callback once and blocks until it returned.
func (t *ticker) poll() {
	doneCh := make(chan struct{})
	select {
	case t.pollCh <- doneCh:
		<-doneCh
	case <-t.stopCh:
	}
}

// stop ends tick.
func (t *ticker) stop() {
	t.ticker.Stop()
	close(t.stopCh)
}

// tick calls fn at regular intervals or when polled, until stopped.
func (t *ticker) tick(fn func(time.Time)) {
	for {
		select {
		case now := <-t.ticker.C:
			fn(now)

		case doneCh := <-t.pollCh:
			fn(time.Now())
			close(doneCh)

		case <-t.stopCh:
			return
		}
	}
}
