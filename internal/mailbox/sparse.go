package mailbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/pkg/types"
)

const (
	// DefaultPageSize is the size of the window fetched by a full reload
	DefaultPageSize = 50
	// SkipRetryDelay is the wait before refetching a range with unparsable messages
	SkipRetryDelay = 2 * time.Second
	// MaxSkipRetries bounds the refetches of one range start
	MaxSkipRetries = 3
)

// ErrClosed is returned by operations on a closed index
var ErrClosed = errors.New("mailbox index closed")

// Source fetches a display-index range of one mailbox from the server
type Source interface {
	FetchRange(ctx context.Context, start, end int) (*types.RangePage, error)
}

// SourceFunc adapts a function to Source
type SourceFunc func(ctx context.Context, start, end int) (*types.RangePage, error)

// FetchRange calls f
func (f SourceFunc) FetchRange(ctx context.Context, start, end int) (*types.RangePage, error) {
	return f(ctx, start, end)
}

// Purger removes known-deleted UIDs from persistent storage
type Purger interface {
	PurgeUIDs(ctx context.Context, uids []uint32) error
}

// PurgerFunc adapts a function to Purger
type PurgerFunc func(ctx context.Context, uids []uint32) error

// PurgeUIDs calls f
func (f PurgerFunc) PurgeUIDs(ctx context.Context, uids []uint32) error {
	return f(ctx, uids)
}

// Options configures an Index
type Options struct {
	PageSize       int
	SkipRetryDelay time.Duration
	MaxSkipRetries int
	Purger         Purger
	Logger         *logrus.Logger
	// OnChange is called, without locks held, whenever entries change
	OnChange func()
}

// Index is a sparse, range-addressable view of a mailbox keyed by display
// index (0 is the newest message). Only the loaded ranges are populated.
type Index struct {
	accountID string
	mailbox   string
	source    Source
	opts      Options
	logger    *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	entries     map[int]types.MessageHeader
	ranges      []Range
	total       int
	known       bool
	gen         uint64
	skipRetries map[int]int
	timers      map[int]*time.Timer
	closed      bool
}

// New creates an empty index over one mailbox
func New(accountID, mailbox string, source Source, opts Options) *Index {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.SkipRetryDelay <= 0 {
		opts.SkipRetryDelay = SkipRetryDelay
	}
	if opts.MaxSkipRetries <= 0 {
		opts.MaxSkipRetries = MaxSkipRetries
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Index{
		accountID:   accountID,
		mailbox:     mailbox,
		source:      source,
		opts:        opts,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		entries:     make(map[int]types.MessageHeader),
		skipRetries: make(map[int]int),
		timers:      make(map[int]*time.Timer),
	}
}

func (i *Index) log() *logrus.Entry {
	return i.logger.WithFields(logrus.Fields{
		"account": i.accountID,
		"mailbox": i.mailbox,
	})
}

// Seed fills the index from a persisted header list in newest-first order
func (i *Index) Seed(headers []types.MessageHeader, total int) {
	i.mu.Lock()
	i.gen++
	i.stopTimersLocked()
	i.entries = make(map[int]types.MessageHeader, len(headers))
	for idx, h := range headers {
		h.DisplayIndex = idx
		i.entries[idx] = h
	}
	if total < len(headers) {
		total = len(headers)
	}
	i.total = total
	i.known = true
	i.ranges = MergeRanges([]Range{{Start: 0, End: len(headers)}})
	i.skipRetries = make(map[int]int)
	i.mu.Unlock()

	i.changed()
}

// LoadRange makes [start, end) available. It is a no-op when the range is
// already loaded. When the server total changed since the last fetch the
// result is discarded and the index is reloaded from its first page.
func (i *Index) LoadRange(ctx context.Context, start, end int) error {
	if start < 0 {
		start = 0
	}

	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return ErrClosed
	}
	if i.known && end > i.total {
		end = i.total
	}
	if end <= start || Covered(i.ranges, start, end) {
		i.mu.Unlock()
		return nil
	}
	before, known, gen := i.total, i.known, i.gen
	i.mu.Unlock()

	page, err := i.source.FetchRange(ctx, start, end)
	if err != nil {
		return fmt.Errorf("failed to load range [%d,%d): %w", start, end, err)
	}

	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return ErrClosed
	}
	if gen != i.gen {
		// A reload replaced the index while this fetch was in flight
		i.mu.Unlock()
		return nil
	}
	if known && page.Total != before {
		i.mu.Unlock()
		i.log().WithFields(logrus.Fields{
			"before": before,
			"after":  page.Total,
		}).Info("Mailbox changed during range fetch, reloading")
		return i.Reload(ctx)
	}

	i.placeLocked(page.Emails)
	i.total = page.Total
	i.known = true

	if end > i.total {
		end = i.total
	}
	if len(page.SkippedUIDs) > 0 {
		i.skippedLocked(start, end, page.SkippedUIDs)
	} else {
		delete(i.skipRetries, start)
		i.ranges = MergeRanges(append(i.ranges, Range{Start: start, End: end}))
	}
	i.mu.Unlock()

	i.changed()
	return nil
}

// placeLocked stores fetched headers at their display indices and drops older
// entries elsewhere that carry the same UIDs, which shifted since they loaded
func (i *Index) placeLocked(headers []types.MessageHeader) {
	fresh := make(map[uint32]int, len(headers))
	for _, h := range headers {
		fresh[h.UID] = h.DisplayIndex
	}
	for idx, h := range i.entries {
		if at, ok := fresh[h.UID]; ok && at != idx {
			delete(i.entries, idx)
		}
	}
	for _, h := range headers {
		i.entries[h.DisplayIndex] = h
	}
}

// skippedLocked schedules a refetch of a range whose page reported unparsable
// messages, without marking it loaded. Once the retries are exhausted the
// range is marked loaded with the gaps left in place.
func (i *Index) skippedLocked(start, end int, skipped []uint32) {
	attempts := i.skipRetries[start]
	if attempts >= i.opts.MaxSkipRetries {
		i.log().WithFields(logrus.Fields{
			"range":   Range{Start: start, End: end}.String(),
			"skipped": skipped,
		}).Warn("Giving up on unparsable messages")
		delete(i.skipRetries, start)
		i.ranges = MergeRanges(append(i.ranges, Range{Start: start, End: end}))
		return
	}
	i.skipRetries[start] = attempts + 1

	if _, pending := i.timers[start]; pending {
		return
	}

	i.log().WithFields(logrus.Fields{
		"range":   Range{Start: start, End: end}.String(),
		"skipped": len(skipped),
		"attempt": attempts + 1,
	}).Debug("Scheduling refetch of skipped messages")

	i.wg.Add(1)
	i.timers[start] = time.AfterFunc(i.opts.SkipRetryDelay, func() {
		defer i.wg.Done()

		i.mu.Lock()
		delete(i.timers, start)
		i.mu.Unlock()

		if err := i.LoadRange(i.ctx, start, end); err != nil && !errors.Is(err, ErrClosed) {
			i.log().WithError(err).Warn("Refetch of skipped messages failed")
		}
	})
}

func (i *Index) stopTimersLocked() {
	for start, t := range i.timers {
		if t.Stop() {
			i.wg.Done()
		}
		delete(i.timers, start)
	}
}

// Reload forgets the loaded ranges and fetches the first page again. If the
// server total shrank and the first page was loaded before, cached UIDs at the
// same display indices that the fresh page no longer holds are purged. Entries
// past the first page stay in memory until a range load replaces them.
func (i *Index) Reload(ctx context.Context) error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return ErrClosed
	}
	i.gen++
	gen := i.gen
	oldTotal, known := i.total, i.known
	cached := i.windowLocked()
	i.stopTimersLocked()
	i.mu.Unlock()

	page, err := i.source.FetchRange(ctx, 0, i.opts.PageSize)
	if err != nil {
		return fmt.Errorf("failed to reload mailbox: %w", err)
	}

	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return ErrClosed
	}
	if gen != i.gen {
		i.mu.Unlock()
		return nil
	}

	var stale []uint32
	if known && page.Total < oldTotal {
		stale = StaleUIDs(cached, page.Emails)
	}

	end := i.opts.PageSize
	if end > page.Total {
		end = page.Total
	}
	i.entries = i.reconcileLocked(page, end, stale)
	i.total = page.Total
	i.known = true
	i.ranges = nil
	i.skipRetries = make(map[int]int)

	if len(page.SkippedUIDs) > 0 {
		i.skippedLocked(0, end, page.SkippedUIDs)
	} else {
		i.ranges = MergeRanges([]Range{{Start: 0, End: end}})
	}
	i.mu.Unlock()

	if len(stale) > 0 {
		i.log().WithFields(logrus.Fields{
			"stale":     stale,
			"old_total": oldTotal,
			"total":     page.Total,
		}).Info("Purging deleted messages")
		if i.opts.Purger != nil {
			if err := i.opts.Purger.PurgeUIDs(ctx, stale); err != nil {
				i.log().WithError(err).Warn("Failed to purge deleted messages")
			}
		}
	}

	i.changed()
	return nil
}

// windowLocked returns the UIDs at display indices [0, PageSize) in order, or
// nil unless that window was fully loaded
func (i *Index) windowLocked() []uint32 {
	end := i.opts.PageSize
	if end > i.total {
		end = i.total
	}
	if end <= 0 || !Covered(i.ranges, 0, end) {
		return nil
	}
	uids := make([]uint32, 0, end)
	for idx := 0; idx < end; idx++ {
		if h, ok := i.entries[idx]; ok {
			uids = append(uids, h.UID)
		}
	}
	return uids
}

// reconcileLocked builds the entries after a reload: the fresh first page plus
// the old entries past it, minus UIDs the page now holds, stale UIDs and
// indices beyond the new total
func (i *Index) reconcileLocked(page *types.RangePage, end int, stale []uint32) map[int]types.MessageHeader {
	drop := make(map[uint32]struct{}, len(page.Emails)+len(stale))
	entries := make(map[int]types.MessageHeader, len(i.entries))
	for _, h := range page.Emails {
		entries[h.DisplayIndex] = h
		drop[h.UID] = struct{}{}
	}
	for _, uid := range stale {
		drop[uid] = struct{}{}
	}

	for idx, h := range i.entries {
		if idx < end || idx >= page.Total {
			continue
		}
		if _, ok := drop[h.UID]; ok {
			continue
		}
		if _, taken := entries[idx]; !taken {
			entries[idx] = h
		}
	}
	return entries
}

func (i *Index) changed() {
	if i.opts.OnChange != nil {
		i.opts.OnChange()
	}
}

// uidsLocked returns the loaded UIDs in display order
func (i *Index) uidsLocked() []uint32 {
	headers := i.headersLocked()
	uids := make([]uint32, len(headers))
	for n, h := range headers {
		uids[n] = h.UID
	}
	return uids
}

func (i *Index) headersLocked() []types.MessageHeader {
	headers := make([]types.MessageHeader, 0, len(i.entries))
	for _, h := range i.entries {
		headers = append(headers, h)
	}
	sort.Slice(headers, func(a, b int) bool {
		return headers[a].DisplayIndex < headers[b].DisplayIndex
	})
	return headers
}

// Get returns the header at a display index, if loaded
func (i *Index) Get(displayIndex int) (types.MessageHeader, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	h, ok := i.entries[displayIndex]
	return h, ok
}

// Headers returns the loaded headers in display order
func (i *Index) Headers() []types.MessageHeader {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.headersLocked()
}

// UIDs returns the loaded UIDs in display order
func (i *Index) UIDs() []uint32 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.uidsLocked()
}

// Update applies fn to the loaded header with the given UID
func (i *Index) Update(uid uint32, fn func(*types.MessageHeader)) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	for idx, h := range i.entries {
		if h.UID == uid {
			fn(&h)
			i.entries[idx] = h
			return true
		}
	}
	return false
}

// Remove drops a message deleted through this process. Newer entries keep
// their indices, older ones shift down by one and the loaded ranges shrink
// around the gap. It reports whether the UID was loaded.
func (i *Index) Remove(uid uint32) bool {
	i.mu.Lock()
	at := -1
	for idx, h := range i.entries {
		if h.UID == uid {
			at = idx
			break
		}
	}
	if at < 0 {
		i.mu.Unlock()
		return false
	}

	// fetches in flight were issued against the old numbering
	i.gen++
	entries := make(map[int]types.MessageHeader, len(i.entries))
	for idx, h := range i.entries {
		switch {
		case idx < at:
			entries[idx] = h
		case idx > at:
			h.DisplayIndex = idx - 1
			entries[idx-1] = h
		}
	}
	i.entries = entries
	if i.total > 0 {
		i.total--
	}

	ranges := make([]Range, 0, len(i.ranges))
	for _, r := range i.ranges {
		switch {
		case at < r.Start:
			r.Start--
			r.End--
		case at < r.End:
			r.End--
		}
		if r.End > r.Start {
			ranges = append(ranges, r)
		}
	}
	i.ranges = MergeRanges(ranges)
	i.mu.Unlock()

	i.changed()
	return true
}

// Ranges returns a copy of the loaded ranges
func (i *Index) Ranges() []Range {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]Range(nil), i.ranges...)
}

// Total returns the last server-reported message count
func (i *Index) Total() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.total
}

// Close cancels pending refetches and waits for running ones to return
func (i *Index) Close() {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return
	}
	i.closed = true
	i.stopTimersLocked()
	i.mu.Unlock()

	i.cancel()
	i.wg.Wait()
}
