package email

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/salesops-cli/internal/config"
)

// IMAPFetcher reads messages from one mailbox folder over IMAP.
type IMAPFetcher struct {
	addr     string
	username string
	password string
	folder   string
	timeout  time.Duration
	dial     func(addr string) (*client.Client, error)
}

// IMAPOption configures an IMAPFetcher.
type IMAPOption func(*IMAPFetcher)

// WithInsecureDial connects without TLS. Only for local servers.
func WithInsecureDial() IMAPOption {
	return func(f *IMAPFetcher) {
		f.dial = func(addr string) (*client.Client, error) { return client.Dial(addr) }
	}
}

// NewIMAPFetcher returns a fetcher for cfg, or nil when the server or
// credentials are missing.
func NewIMAPFetcher(cfg config.EmailConfig, opts ...IMAPOption) *IMAPFetcher {
	if cfg.IMAPServer == "" || cfg.IMAPUsername == "" || cfg.IMAPPassword == "" {
		return nil
	}
	port := cfg.IMAPPort
	if port == 0 {
		port = 993
	}
	folder := cfg.IMAPFolder
	if folder == "" {
		folder = "INBOX"
	}
	f := &IMAPFetcher{
		addr:     fmt.Sprintf("%s:%d", cfg.IMAPServer, port),
		username: cfg.IMAPUsername,
		password: cfg.IMAPPassword,
		folder:   folder,
		timeout:  cfg.Timeout(),
		dial: func(addr string) (*client.Client, error) {
			return client.DialTLS(addr, nil)
		},
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Fetch returns the last limit messages of the folder, newest first. The
// folder is opened read-only and bodies are peeked, so nothing is marked
// as seen. A message that fails to parse is logged and skipped.
func (f *IMAPFetcher) Fetch(ctx context.Context, limit int) ([]Message, error) {
	c, err := f.dial(f.addr)
	if err != nil {
		return nil, eris.Wrapf(err, "imap: dial %s", f.addr)
	}
	if f.timeout > 0 {
		c.Timeout = f.timeout
	}
	defer c.Logout() //nolint:errcheck

	stop := context.AfterFunc(ctx, func() { _ = c.Terminate() })
	defer stop()

	if err := c.Login(f.username, f.password); err != nil {
		return nil, eris.Wrap(err, "imap: login failed, check imap_username and imap_password")
	}
	mbox, err := c.Select(f.folder, true)
	if err != nil {
		return nil, eris.Wrapf(err, "imap: select folder %q", f.folder)
	}
	if mbox.Messages == 0 || limit <= 0 {
		return []Message{}, nil
	}

	from := uint32(1)
	if mbox.Messages > uint32(limit) {
		from = mbox.Messages - uint32(limit) + 1
	}
	seqset := new(imap.SeqSet)
	seqset.AddRange(from, mbox.Messages)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{section.FetchItem()}

	ch := make(chan *imap.Message, limit)
	done := make(chan error, 1)
	go func() { done <- c.Fetch(seqset, items, ch) }()

	var out []Message
	for msg := range ch {
		body := msg.GetBody(section)
		if body == nil {
			zap.L().Warn("imap: message has no body", zap.Uint32("seq", msg.SeqNum))
			continue
		}
		m, err := parseMessage(strconv.FormatUint(uint64(msg.SeqNum), 10), body)
		if err != nil {
			zap.L().Warn("imap: skip unparseable message", zap.Uint32("seq", msg.SeqNum), zap.Error(err))
			continue
		}
		out = append(out, m)
	}
	if err := <-done; err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, eris.Wrap(err, "imap: fetch messages")
	}

	// Sequence numbers ascend with arrival; callers want newest first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// parseMessage decodes an RFC 5322 message and keeps its first inline
// text/plain part as the body.
func parseMessage(id string, r io.Reader) (Message, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return Message{}, eris.Wrap(err, "imap: read message")
	}
	defer mr.Close() //nolint:errcheck

	subject, err := mr.Header.Subject()
	if err != nil {
		subject = mr.Header.Get("Subject")
	}
	sender, err := mr.Header.Text("From")
	if err != nil {
		sender = mr.Header.Get("From")
	}
	date := mr.Header.Get("Date")
	if t, err := mr.Header.Date(); err == nil && !t.IsZero() {
		date = t.Format(time.DateTime)
	}

	var body string
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Message{}, eris.Wrap(err, "imap: read part")
		}
		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := h.ContentType()
		if ct != "" && ct != "text/plain" {
			continue
		}
		b, err := io.ReadAll(p.Body)
		if err != nil {
			return Message{}, eris.Wrap(err, "imap: read body")
		}
		body = strings.TrimSpace(string(b))
		break
	}

	return newMessage(id, strings.TrimSpace(subject), strings.TrimSpace(sender), date, body), nil
}
