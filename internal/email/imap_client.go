package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-sasl"
	"github.com/jhillyerd/enmime"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/pkg/types"
)

// ErrNotFound is returned when a UID no longer exists in the mailbox
var ErrNotFound = errors.New("message not found")

// AuthError is returned when the server rejects an account's credentials
type AuthError struct {
	AccountID string
	Err       error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed for %s: %v", e.AccountID, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// AuthFailure marks the error as a credential problem rather than a
// transient one
func (e *AuthError) AuthFailure() bool {
	return true
}

// DialFunc opens the raw connection to an IMAP server
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

// DialTLS connects with implicit TLS
func DialTLS(ctx context.Context, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	d := &tls.Dialer{Config: &tls.Config{
		ServerName: host,
		MinVersion: tls.VersionTLS12,
	}}
	return d.DialContext(ctx, "tcp", addr)
}

// DialPlain connects without TLS
func DialPlain(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

// headerItems is what a header listing fetches per message
func headerItems() []imap.FetchItem {
	return []imap.FetchItem{
		imap.FetchUid,
		imap.FetchFlags,
		imap.FetchEnvelope,
		imap.FetchInternalDate,
		imap.FetchRFC822Size,
		imap.FetchBodyStructure,
		threadingSection.FetchItem(),
	}
}

// IMAPClient wraps one authenticated IMAP session
type IMAPClient struct {
	account *types.Account
	client  *client.Client
	logger  *logrus.Logger
}

// Connect dials and authenticates a session. token is the bearer token of
// OAuth2 accounts and ignored otherwise.
func Connect(ctx context.Context, acct *types.Account, token string, dial DialFunc, logger *logrus.Logger) (*IMAPClient, error) {
	addr := net.JoinHostPort(acct.IMAPHost, strconv.Itoa(acct.IMAPPort))
	conn, err := dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to IMAP server: %w", err)
	}

	cl, err := client.New(conn)
	if err != nil {
		conn.Close() //nolint:errcheck
		return nil, fmt.Errorf("failed to start IMAP session: %w", err)
	}

	if acct.Auth == types.AuthOAuth2 {
		err = cl.Authenticate(sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: acct.LoginName(),
			Token:    token,
			Host:     acct.IMAPHost,
			Port:     acct.IMAPPort,
		}))
	} else {
		err = cl.Login(acct.LoginName(), acct.Password)
	}
	if err != nil {
		logger.WithError(err).WithField("account", acct.ID).Error("Failed to login to IMAP server")
		cl.Logout() //nolint:errcheck
		return nil, &AuthError{AccountID: acct.ID, Err: err}
	}

	logger.WithField("account", acct.ID).Debug("Connected to IMAP server")
	return &IMAPClient{account: acct, client: cl, logger: logger}, nil
}

// Close logs out and drops the connection
func (c *IMAPClient) Close() error {
	if c.client == nil {
		return nil
	}
	err := c.client.Logout()
	c.client = nil
	return err
}

// Noop checks the session is still alive
func (c *IMAPClient) Noop() error {
	return c.client.Noop()
}

// ListMailboxes lists every mailbox as a tree
func (c *IMAPClient) ListMailboxes() ([]types.Mailbox, error) {
	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)

	go func() {
		done <- c.client.List("", "*", mailboxes)
	}()

	var infos []*imap.MailboxInfo
	for m := range mailboxes {
		infos = append(infos, m)
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to list mailboxes: %w", err)
	}

	return buildMailboxTree(infos), nil
}

func (c *IMAPClient) selectMailbox(mailbox string) (int, error) {
	status, err := c.client.Select(mailbox, false)
	if err != nil {
		return 0, fmt.Errorf("failed to select %s: %w", mailbox, err)
	}
	return int(status.Messages), nil
}

// FetchPage returns page (from 1) of the mailbox, newest first
func (c *IMAPClient) FetchPage(mailbox string, page, pageSize int) (*types.HeaderPage, error) {
	total, err := c.selectMailbox(mailbox)
	if err != nil {
		return nil, err
	}

	res := &types.HeaderPage{Emails: []types.MessageHeader{}, Total: total}
	if page < 1 || pageSize < 1 || (page-1)*pageSize >= total {
		return res, nil
	}

	start := total - page*pageSize + 1
	if start < 1 {
		start = 1
	}
	end := total - (page-1)*pageSize

	seqSet := new(imap.SeqSet)
	seqSet.AddRange(uint32(start), uint32(end))

	messages, err := c.fetch(seqSet, false, headerItems())
	if err != nil {
		return nil, err
	}

	res.Emails, res.SkippedUIDs = c.parseHeaders(messages, mailbox, total)
	sort.Slice(res.Emails, func(i, j int) bool {
		return res.Emails[i].DisplayIndex < res.Emails[j].DisplayIndex
	})
	res.HasMore = start > 1
	return res, nil
}

// FetchRange returns the headers at display indices [start, end), where
// display index 0 is the newest message
func (c *IMAPClient) FetchRange(mailbox string, start, end int) (*types.RangePage, error) {
	total, err := c.selectMailbox(mailbox)
	if err != nil {
		return nil, err
	}

	res := &types.RangePage{Emails: []types.MessageHeader{}, Total: total}
	if total == 0 {
		return res, nil
	}

	if start < 0 {
		start = 0
	}
	if start > total-1 {
		start = total - 1
	}
	if end > total {
		end = total
	}
	if start >= end {
		return res, nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddRange(uint32(total-end+1), uint32(total-start))

	messages, err := c.fetch(seqSet, false, headerItems())
	if err != nil {
		return nil, err
	}

	res.Emails, res.SkippedUIDs = c.parseHeaders(messages, mailbox, total)
	sort.Slice(res.Emails, func(i, j int) bool {
		return res.Emails[i].DisplayIndex < res.Emails[j].DisplayIndex
	})
	return res, nil
}

// Status selects the mailbox and reports its message count and UID state
func (c *IMAPClient) Status(mailbox string) (*types.MailboxStatus, error) {
	status, err := c.client.Select(mailbox, false)
	if err != nil {
		return nil, fmt.Errorf("failed to select %s: %w", mailbox, err)
	}
	return &types.MailboxStatus{
		Exists:      int(status.Messages),
		UIDValidity: status.UidValidity,
		UIDNext:     status.UidNext,
	}, nil
}

// SearchAllUIDs returns every UID in the mailbox in ascending order
func (c *IMAPClient) SearchAllUIDs(mailbox string) ([]uint32, error) {
	if _, err := c.selectMailbox(mailbox); err != nil {
		return nil, err
	}

	uids, err := c.client.UidSearch(imap.NewSearchCriteria())
	if err != nil {
		return nil, fmt.Errorf("failed to search %s: %w", mailbox, err)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

// FetchByUIDs returns the headers of the given UIDs, newest first. UIDs the
// server no longer has are left out.
func (c *IMAPClient) FetchByUIDs(mailbox string, uids []uint32) (*types.RangePage, error) {
	total, err := c.selectMailbox(mailbox)
	if err != nil {
		return nil, err
	}

	res := &types.RangePage{Emails: []types.MessageHeader{}, Total: total}
	if len(uids) == 0 || total == 0 {
		return res, nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	messages, err := c.fetch(seqSet, true, headerItems())
	if err != nil {
		return nil, err
	}

	res.Emails, res.SkippedUIDs = c.parseHeaders(messages, mailbox, total)
	sort.Slice(res.Emails, func(i, j int) bool {
		return res.Emails[i].DisplayIndex < res.Emails[j].DisplayIndex
	})
	return res, nil
}

func (c *IMAPClient) parseHeaders(messages []*imap.Message, mailbox string, total int) ([]types.MessageHeader, []uint32) {
	headers := make([]types.MessageHeader, 0, len(messages))
	var skipped []uint32
	for _, msg := range messages {
		h, err := parseHeader(msg, mailbox)
		if err != nil {
			c.logger.WithFields(logrus.Fields{
				"account": c.account.ID,
				"mailbox": mailbox,
				"uid":     msg.Uid,
			}).WithError(err).Warn("Failed to parse message")
			skipped = append(skipped, msg.Uid)
			continue
		}
		h.DisplayIndex = total - int(msg.SeqNum)
		headers = append(headers, h)
	}
	return headers, skipped
}

// FetchBody downloads and parses one message. A light fetch drops the raw
// source and attachment content.
func (c *IMAPClient) FetchBody(mailbox string, uid uint32, light bool) (*types.MessageBody, error) {
	if _, err := c.selectMailbox(mailbox); err != nil {
		return nil, err
	}

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{
		imap.FetchUid,
		imap.FetchFlags,
		imap.FetchEnvelope,
		imap.FetchInternalDate,
		imap.FetchRFC822Size,
		imap.FetchBodyStructure,
		section.FetchItem(),
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)
	messages, err := c.fetch(seqSet, true, items)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("uid %d in %s: %w", uid, mailbox, ErrNotFound)
	}
	msg := messages[0]

	header, err := parseHeader(msg, mailbox)
	if err != nil {
		return nil, fmt.Errorf("failed to parse uid %d: %w", uid, err)
	}

	literal := msg.GetBody(section)
	if literal == nil {
		return nil, fmt.Errorf("no body returned for uid %d", uid)
	}
	raw, err := io.ReadAll(literal)
	if err != nil {
		return nil, fmt.Errorf("failed to read body of uid %d: %w", uid, err)
	}

	header.InReplyTo, header.References = threadingHeaders(bytes.NewReader(raw))
	body := &types.MessageBody{
		MessageHeader: header,
		RawSource:     raw,
		CachedAt:      time.Now(),
	}

	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		c.logger.WithError(err).WithField("uid", uid).Debug("Failed to parse with enmime, using raw body")
		body.Text = string(raw)
	} else {
		body.Text = env.Text
		body.HTML = env.HTML
		if replyTo, err := env.AddressList("Reply-To"); err == nil {
			for _, a := range replyTo {
				body.ReplyTo = append(body.ReplyTo, types.Address{Name: a.Name, Address: a.Address})
			}
		}
		for _, part := range env.Attachments {
			body.Attachments = append(body.Attachments, types.Attachment{
				Filename:    part.FileName,
				ContentType: part.ContentType,
				Disposition: part.Disposition,
				ContentID:   part.ContentID,
				Size:        len(part.Content),
				Content:     part.Content,
			})
		}
		body.HasAttachments = len(body.Attachments) > 0
	}

	if light {
		body.RawSource = nil
		for i := range body.Attachments {
			body.Attachments[i].Content = nil
		}
	}
	return body, nil
}

// StoreFlags adds or removes flags on one message
func (c *IMAPClient) StoreFlags(mailbox string, uid uint32, flags []string, add bool) error {
	if _, err := c.selectMailbox(mailbox); err != nil {
		return err
	}

	var op imap.FlagsOp = imap.RemoveFlags
	if add {
		op = imap.AddFlags
	}

	values := make([]interface{}, len(flags))
	for i, f := range flags {
		values[i] = types.NormalizeFlag(f)
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)
	if err := c.client.UidStore(seqSet, imap.FormatFlagsOp(op, true), values, nil); err != nil {
		return fmt.Errorf("failed to store flags on uid %d: %w", uid, err)
	}
	return nil
}

// trashMailboxes are tried in order when a deletion moves a message to trash
var trashMailboxes = []string{"Trash", "[Gmail]/Trash", "Deleted Items", "Deleted"}

// Delete removes one message. A permanent delete flags it \Deleted and
// expunges the mailbox, which also removes any other message already flagged
// \Deleted. Otherwise the message moves to the first trash mailbox that
// exists, falling back to the \Deleted flag alone.
func (c *IMAPClient) Delete(mailbox string, uid uint32, permanent bool) error {
	if _, err := c.selectMailbox(mailbox); err != nil {
		return err
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	if !permanent {
		for _, trash := range trashMailboxes {
			if trash == mailbox {
				break
			}
			if err := c.client.UidMove(seqSet, trash); err == nil {
				return nil
			}
		}
	}

	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := c.client.UidStore(seqSet, item, []interface{}{imap.DeletedFlag}, nil); err != nil {
		return fmt.Errorf("failed to flag uid %d deleted: %w", uid, err)
	}
	if !permanent {
		return nil
	}
	if err := c.client.Expunge(nil); err != nil {
		return fmt.Errorf("failed to expunge %s: %w", mailbox, err)
	}
	return nil
}

func (c *IMAPClient) fetch(seqSet *imap.SeqSet, byUID bool, items []imap.FetchItem) ([]*imap.Message, error) {
	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)

	go func() {
		if byUID {
			done <- c.client.UidFetch(seqSet, items, messages)
		} else {
			done <- c.client.Fetch(seqSet, items, messages)
		}
	}()

	var out []*imap.Message
	for msg := range messages {
		out = append(out, msg)
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	return out, nil
}
