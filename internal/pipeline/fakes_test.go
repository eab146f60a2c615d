package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/pkg/types"
)

var errFetch = errors.New("connection reset by peer")

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// newestFirst returns headers for UIDs n..1
func newestFirst(mailbox string, n int, date time.Time) []types.MessageHeader {
	headers := make([]types.MessageHeader, n)
	for i := range headers {
		uid := uint32(n - i)
		headers[i] = types.MessageHeader{
			UID:          uid,
			Mailbox:      mailbox,
			Subject:      fmt.Sprintf("message %d", uid),
			Date:         date.Add(-time.Duration(i) * time.Hour),
			DisplayIndex: i,
		}
	}
	return headers
}

type fakeRemote struct {
	mu        sync.Mutex
	mailboxes map[string]map[string][]types.MessageHeader // account -> mailbox -> newest first
	calls     map[string]int                              // account/mailbox/uid -> fetches
	failures  map[uint32]int                              // uid -> remaining failures
	alwaysErr bool
	pageCalls int
	// uidFetches counts the UIDs requested through FetchHeadersByUIDs
	uidFetches int
	validity   uint32
	deleted    []uint32

	// gate, when set, blocks every body fetch until closed
	gate    chan struct{}
	started chan uint32
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		mailboxes: make(map[string]map[string][]types.MessageHeader),
		calls:     make(map[string]int),
		failures:  make(map[uint32]int),
		validity:  1,
	}
}

func (f *fakeRemote) setMailbox(accountID, mailbox string, headers []types.MessageHeader) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mailboxes[accountID] == nil {
		f.mailboxes[accountID] = make(map[string][]types.MessageHeader)
	}
	f.mailboxes[accountID][mailbox] = headers
}

func (f *fakeRemote) fetchCount(accountID, mailbox string, uid uint32) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[fmt.Sprintf("%s/%s/%d", accountID, mailbox, uid)]
}

func (f *fakeRemote) totalFetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeRemote) TestConnection(context.Context, *types.Account) error {
	return nil
}

func (f *fakeRemote) FetchMailboxes(context.Context, *types.Account) ([]types.Mailbox, error) {
	return []types.Mailbox{{Name: "INBOX", Path: "INBOX"}}, nil
}

func (f *fakeRemote) FetchEmails(_ context.Context, acct *types.Account, mailbox string, page, pageSize int) (*types.HeaderPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pageCalls++

	all := f.mailboxes[acct.ID][mailbox]
	start := (page - 1) * pageSize
	if start > len(all) {
		start = len(all)
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}
	return &types.HeaderPage{
		Emails:  append([]types.MessageHeader(nil), all[start:end]...),
		Total:   len(all),
		HasMore: end < len(all),
	}, nil
}

func (f *fakeRemote) FetchEmailsRange(_ context.Context, acct *types.Account, mailbox string, start, end int) (*types.RangePage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	all := f.mailboxes[acct.ID][mailbox]
	if end > len(all) {
		end = len(all)
	}
	page := &types.RangePage{Total: len(all)}
	for i := start; i < end; i++ {
		h := all[i]
		h.DisplayIndex = i
		page.Emails = append(page.Emails, h)
	}
	return page, nil
}

func (f *fakeRemote) CheckMailboxStatus(_ context.Context, acct *types.Account, mailbox string) (*types.MailboxStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	all := f.mailboxes[acct.ID][mailbox]
	status := &types.MailboxStatus{Exists: len(all), UIDValidity: f.validity, UIDNext: 1}
	for _, h := range all {
		if h.UID >= status.UIDNext {
			status.UIDNext = h.UID + 1
		}
	}
	return status, nil
}

func (f *fakeRemote) SearchAllUIDs(_ context.Context, acct *types.Account, mailbox string) ([]uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	all := f.mailboxes[acct.ID][mailbox]
	uids := make([]uint32, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		uids = append(uids, all[i].UID)
	}
	return uids, nil
}

func (f *fakeRemote) FetchHeadersByUIDs(_ context.Context, acct *types.Account, mailbox string, uids []uint32) (*types.RangePage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uidFetches += len(uids)

	want := make(map[uint32]bool, len(uids))
	for _, uid := range uids {
		want[uid] = true
	}
	all := f.mailboxes[acct.ID][mailbox]
	page := &types.RangePage{Total: len(all)}
	for i, h := range all {
		if want[h.UID] {
			h.DisplayIndex = i
			page.Emails = append(page.Emails, h)
		}
	}
	return page, nil
}

func (f *fakeRemote) DeleteEmail(_ context.Context, acct *types.Account, uid uint32, mailbox string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	all := f.mailboxes[acct.ID][mailbox]
	for i, h := range all {
		if h.UID == uid {
			f.mailboxes[acct.ID][mailbox] = append(all[:i:i], all[i+1:]...)
			f.deleted = append(f.deleted, uid)
			return nil
		}
	}
	return fmt.Errorf("uid %d not found", uid)
}

func (f *fakeRemote) FetchEmail(_ context.Context, acct *types.Account, uid uint32, mailbox string) (*types.MessageBody, error) {
	f.mu.Lock()
	f.calls[fmt.Sprintf("%s/%s/%d", acct.ID, mailbox, uid)]++
	gate, started := f.gate, f.started
	f.mu.Unlock()

	if started != nil {
		started <- uid
	}
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.alwaysErr {
		return nil, errFetch
	}
	if f.failures[uid] > 0 {
		f.failures[uid]--
		return nil, errFetch
	}
	return &types.MessageBody{
		MessageHeader: types.MessageHeader{UID: uid, Mailbox: mailbox, Subject: fmt.Sprintf("message %d", uid)},
		Text:          "body",
	}, nil
}

func (f *fakeRemote) FetchEmailLight(ctx context.Context, acct *types.Account, uid uint32, mailbox string) (*types.MessageBody, error) {
	return f.FetchEmail(ctx, acct, uid, mailbox)
}

func (f *fakeRemote) UpdateEmailFlags(context.Context, *types.Account, uint32, []string, FlagOp, string) error {
	return nil
}

type fakeStore struct {
	mu           sync.Mutex
	saved        map[string]map[uint32]*types.MessageBody
	archived     map[string]map[uint32]struct{}
	headers      map[string]*types.HeaderCache
	status       map[string]*types.MailboxStatus
	headerWrites int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		saved:    make(map[string]map[uint32]*types.MessageBody),
		archived: make(map[string]map[uint32]struct{}),
		headers:  make(map[string]*types.HeaderCache),
		status:   make(map[string]*types.MailboxStatus),
	}
}

func storeKey(accountID, mailbox string) string {
	return accountID + "/" + mailbox
}

func (s *fakeStore) savedCount(accountID, mailbox string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved[storeKey(accountID, mailbox)])
}

func (s *fakeStore) IsEmailSaved(_ context.Context, accountID, mailbox string, uid uint32) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.saved[storeKey(accountID, mailbox)][uid]
	return ok, nil
}

func (s *fakeStore) GetSavedEmailIDs(_ context.Context, accountID, mailbox string) (map[uint32]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uint32]struct{})
	for uid := range s.saved[storeKey(accountID, mailbox)] {
		out[uid] = struct{}{}
	}
	return out, nil
}

func (s *fakeStore) GetArchivedEmailIDs(_ context.Context, accountID, mailbox string) (map[uint32]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uint32]struct{})
	for uid := range s.archived[storeKey(accountID, mailbox)] {
		out[uid] = struct{}{}
	}
	return out, nil
}

func (s *fakeStore) SaveEmail(ctx context.Context, accountID, mailbox string, body *types.MessageBody) error {
	return s.SaveEmails(ctx, accountID, mailbox, []*types.MessageBody{body})
}

func (s *fakeStore) SaveEmails(_ context.Context, accountID, mailbox string, bodies []*types.MessageBody) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := storeKey(accountID, mailbox)
	if s.saved[key] == nil {
		s.saved[key] = make(map[uint32]*types.MessageBody)
	}
	for _, b := range bodies {
		s.saved[key][b.UID] = b
	}
	return nil
}

func (s *fakeStore) SaveEmailHeaders(_ context.Context, accountID, mailbox string, headers []types.MessageHeader, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.headerWrites++
	s.headers[storeKey(accountID, mailbox)] = &types.HeaderCache{
		AccountID: accountID,
		Mailbox:   mailbox,
		Emails:    append([]types.MessageHeader(nil), headers...),
		Total:     total,
	}
	return nil
}

func (s *fakeStore) GetEmailHeaders(_ context.Context, accountID, mailbox string) (*types.HeaderCache, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hc, ok := s.headers[storeKey(accountID, mailbox)]; ok {
		return hc, nil
	}
	return &types.HeaderCache{AccountID: accountID, Mailbox: mailbox}, nil
}

func (s *fakeStore) GetMailboxStatus(_ context.Context, accountID, mailbox string) (*types.MailboxStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.status[storeKey(accountID, mailbox)]; ok {
		cp := *st
		return &cp, nil
	}
	return nil, nil
}

func (s *fakeStore) SaveMailboxStatus(_ context.Context, accountID, mailbox string, status *types.MailboxStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *status
	s.status[storeKey(accountID, mailbox)] = &cp
	return nil
}

func (s *fakeStore) SetArchived(_ context.Context, accountID, mailbox string, uid uint32, archived bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := storeKey(accountID, mailbox)
	if _, ok := s.saved[key][uid]; !ok {
		return fmt.Errorf("uid %d not saved", uid)
	}
	if s.archived[key] == nil {
		s.archived[key] = make(map[uint32]struct{})
	}
	if archived {
		s.archived[key][uid] = struct{}{}
	} else {
		delete(s.archived[key], uid)
	}
	return nil
}

type fakeSink struct {
	mu      sync.Mutex
	added   map[string]int
	headers map[string]int
	cleared int
}

func newFakeSink() *fakeSink {
	return &fakeSink{added: make(map[string]int), headers: make(map[string]int)}
}

func (s *fakeSink) AddEmail(accountID, mailbox string, body *types.MessageBody) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.added[fmt.Sprintf("%s/%s/%d", accountID, mailbox, body.UID)]++
}

func (s *fakeSink) SetHeaders(accountID, mailbox string, headers []types.MessageHeader, _ int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.headers[storeKey(accountID, mailbox)] = len(headers)
}

func (s *fakeSink) ClearAttachmentMismatch(string, string, uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleared++
}

func (s *fakeSink) addedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.added {
		n += c
	}
	return n
}

type fakeDirectory struct {
	accounts []*types.Account
}

func (d *fakeDirectory) Account(id string) (*types.Account, bool) {
	for _, a := range d.accounts {
		if a.ID == id {
			return a, true
		}
	}
	return nil, false
}

func (d *fakeDirectory) Accounts() []*types.Account {
	return d.accounts
}

func (d *fakeDirectory) IsHidden(id string) bool {
	a, ok := d.Account(id)
	return ok && a.Hidden
}

func account(id string) *types.Account {
	return &types.Account{ID: id, Email: id + "@example.com", Password: "secret", Auth: types.AuthPassword}
}

// recordingScheduler runs every task almost immediately and records the
// requested delays
type recordingScheduler struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return time.AfterFunc(time.Millisecond, fn)
}

func (s *recordingScheduler) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}
