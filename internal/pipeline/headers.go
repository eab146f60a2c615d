package pipeline

import (
	"context"
	"fmt"
	"sort"

	"github.com/bradenaw/juniper/xslices"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/pkg/types"
)

// headerSync is the outcome of one header listing
type headerSync struct {
	headers []types.MessageHeader
	total   int
	// complete is set when the listing covers the whole mailbox
	complete bool
	// unchanged is set when the server status matched the recorded one
	unchanged bool
}

// LoadHeaders brings the header cache of a mailbox up to date and returns the
// headers. When the recorded mailbox status still matches the server nothing
// is fetched; with the same UIDVALIDITY only UIDs new to the cache are
// fetched. Otherwise it pages through the listing until it is exhausted or
// the pipeline is paused or destroyed. The result is written to the header
// cache in a single write. Credential problems are reported through OnError
// and yield no headers and no error.
func (p *AccountPipeline) LoadHeaders(ctx context.Context, mailbox string) ([]types.MessageHeader, error) {
	acct, err := p.account()
	if err != nil {
		p.reportError(err)
		return nil, nil
	}

	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return nil, nil
	}
	p.headerLoads++
	if p.phase != PhaseContent {
		p.phase = PhaseHeaders
	}
	p.mu.Unlock()
	p.emitProgress()

	defer func() {
		p.mu.Lock()
		p.headerLoads--
		if p.headerLoads == 0 && p.phase == PhaseHeaders {
			p.phase = PhaseIdle
		}
		p.mu.Unlock()
		p.emitProgress()
	}()

	log := p.logger.WithField("mailbox", mailbox)
	log.Info("Syncing headers")

	status, err := p.opts.Remote.CheckMailboxStatus(ctx, acct, mailbox)
	if err != nil {
		err = classify(acct.ID, fmt.Errorf("failed to check status of %s: %w", mailbox, err))
		p.reportError(err)
		return nil, err
	}

	res, err := p.deltaHeaders(ctx, acct, mailbox, status, log)
	if err != nil {
		p.reportError(err)
		return nil, err
	}
	if res == nil {
		if res, err = p.pageHeaders(ctx, acct, mailbox, log); err != nil {
			p.reportError(err)
			return nil, err
		}
	}

	// Paused before the first page: keep the previous header cache
	if res == nil || p.isDestroyed() {
		return nil, nil
	}

	if !res.unchanged {
		if err := p.opts.Store.SaveEmailHeaders(ctx, acct.ID, mailbox, res.headers, res.total); err != nil {
			err = fmt.Errorf("failed to persist headers of %s: %w", mailbox, err)
			p.reportError(err)
			return nil, err
		}
		if res.complete {
			if err := p.opts.Store.SaveMailboxStatus(ctx, acct.ID, mailbox, status); err != nil {
				log.WithError(err).Warn("Failed to record mailbox status")
			}
		}
	}
	if p.opts.Sink != nil {
		p.opts.Sink.SetHeaders(acct.ID, mailbox, res.headers, res.total)
	}

	log.WithFields(logrus.Fields{
		"count":     len(res.headers),
		"total":     res.total,
		"unchanged": res.unchanged,
	}).Info("Headers synced")
	return res.headers, nil
}

// pageHeaders lists the mailbox page by page, newest first. It returns nil
// when the pipeline stopped before the first page.
func (p *AccountPipeline) pageHeaders(ctx context.Context, acct *types.Account, mailbox string, log *logrus.Entry) (*headerSync, error) {
	var (
		res     headerSync
		fetched int
	)
	for page := 1; !p.stopped(); page++ {
		hp, err := p.opts.Remote.FetchEmails(ctx, acct, mailbox, page, p.opts.PageSize)
		if err != nil {
			return nil, classify(acct.ID, fmt.Errorf("failed to fetch headers of %s page %d: %w", mailbox, page, err))
		}
		if len(hp.SkippedUIDs) > 0 {
			log.WithFields(logrus.Fields{
				"page":    page,
				"skipped": hp.SkippedUIDs,
			}).Warn("Server returned unparsable headers")
		}

		res.headers = append(res.headers, hp.Emails...)
		res.total = hp.Total
		fetched++
		if !hp.HasMore {
			res.complete = true
			break
		}
	}

	if fetched == 0 {
		return nil, nil
	}
	return &res, nil
}

// deltaHeaders updates the cached listing against the server's UID list. It
// returns nil when there is no usable baseline: no recorded status, a new
// UIDVALIDITY or an empty cache.
func (p *AccountPipeline) deltaHeaders(ctx context.Context, acct *types.Account, mailbox string, status *types.MailboxStatus, log *logrus.Entry) (*headerSync, error) {
	prev, err := p.opts.Store.GetMailboxStatus(ctx, acct.ID, mailbox)
	if err != nil {
		return nil, fmt.Errorf("failed to read status of %s: %w", mailbox, err)
	}
	if prev == nil || prev.UIDValidity != status.UIDValidity {
		return nil, nil
	}

	cached, err := p.opts.Store.GetEmailHeaders(ctx, acct.ID, mailbox)
	if err != nil {
		return nil, fmt.Errorf("failed to read header cache of %s: %w", mailbox, err)
	}
	if len(cached.Emails) == 0 && status.Exists > 0 {
		return nil, nil
	}

	if *prev == *status && cached.Total == status.Exists {
		log.Debug("Mailbox unchanged, skipping header listing")
		return &headerSync{headers: cached.Emails, total: cached.Total, complete: true, unchanged: true}, nil
	}

	uids, err := p.opts.Remote.SearchAllUIDs(ctx, acct, mailbox)
	if err != nil {
		return nil, classify(acct.ID, fmt.Errorf("failed to list uids of %s: %w", mailbox, err))
	}

	// Display index 0 is the highest UID
	position := make(map[uint32]int, len(uids))
	for i, uid := range uids {
		position[uid] = len(uids) - 1 - i
	}

	have := make(map[uint32]struct{}, len(cached.Emails))
	headers := make([]types.MessageHeader, 0, len(uids))
	for _, h := range cached.Emails {
		at, ok := position[h.UID]
		if !ok {
			continue
		}
		h.DisplayIndex = at
		headers = append(headers, h)
		have[h.UID] = struct{}{}
	}
	removed := len(cached.Emails) - len(headers)

	var added []uint32
	for i := len(uids) - 1; i >= 0; i-- {
		if _, ok := have[uids[i]]; !ok {
			added = append(added, uids[i])
		}
	}

	complete := true
	for _, chunk := range xslices.Chunk(added, p.opts.PageSize) {
		if p.stopped() {
			complete = false
			break
		}
		page, err := p.opts.Remote.FetchHeadersByUIDs(ctx, acct, mailbox, chunk)
		if err != nil {
			return nil, classify(acct.ID, fmt.Errorf("failed to fetch new headers of %s: %w", mailbox, err))
		}
		if len(page.SkippedUIDs) > 0 {
			log.WithField("skipped", page.SkippedUIDs).Warn("Server returned unparsable headers")
		}
		for _, h := range page.Emails {
			at, ok := position[h.UID]
			if !ok {
				continue
			}
			h.DisplayIndex = at
			headers = append(headers, h)
		}
	}

	sort.Slice(headers, func(i, j int) bool {
		return headers[i].DisplayIndex < headers[j].DisplayIndex
	})

	log.WithFields(logrus.Fields{
		"added":   len(added),
		"removed": removed,
	}).Info("Applied mailbox changes")
	return &headerSync{headers: headers, total: len(uids), complete: complete}, nil
}
