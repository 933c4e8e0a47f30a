package channel

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/pitabwire/workorder/internal/config"
	"github.com/pitabwire/workorder/model"
)

// SendMailFunc matches smtp.SendMail.
type SendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailSender delivers messages over SMTP.
type EmailSender struct {
	addr     string
	auth     smtp.Auth
	from     mail.Address
	sendMail SendMailFunc
	now      func() time.Time
}

// EmailOption configures an EmailSender.
type EmailOption func(*EmailSender)

// WithSendMail replaces smtp.SendMail, mostly for tests.
func WithSendMail(fn SendMailFunc) EmailOption {
	return func(s *EmailSender) { s.sendMail = fn }
}

// NewEmailSender creates an SMTP sender. password may be empty for relays
// that do not authenticate.
func NewEmailSender(cfg config.EmailConfig, password string, opts ...EmailOption) (*EmailSender, error) {
	if cfg.Host == "" {
		return nil, errors.New("email: host is required")
	}
	from, err := mail.ParseAddress(cfg.From)
	if err != nil {
		return nil, fmt.Errorf("email: invalid from address %q: %w", cfg.From, err)
	}
	if cfg.FromName != "" {
		from.Name = cfg.FromName
	}
	port := cfg.Port
	if port == 0 {
		port = 587
	}

	s := &EmailSender{
		addr:     net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
		from:     *from,
		sendMail: smtp.SendMail,
		now:      time.Now,
	}
	if cfg.Username != "" {
		s.auth = smtp.PlainAuth("", cfg.Username, password, cfg.Host)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Channel implements Sender.
func (s *EmailSender) Channel() model.Channel { return model.ChannelEmail }

// Send implements Sender. net/smtp has no context support, so the send runs
// in a goroutine and an expired ctx abandons it.
func (s *EmailSender) Send(ctx context.Context, msg Message) error {
	if strings.TrimSpace(msg.Address) == "" {
		return ErrNoAddress
	}
	to, err := mail.ParseAddress(msg.Address)
	if err != nil {
		return Fatalf("email: invalid recipient %q: %w", msg.Address, err)
	}

	body := s.compose(to, msg)
	done := make(chan error, 1)
	go func() {
		done <- s.sendMail(s.addr, s.auth, s.from.Address, []string{to.Address}, body)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("email: %w", ctx.Err())
	case err := <-done:
		return classifySMTP(err)
	}
}

func (s *EmailSender) compose(to *mail.Address, msg Message) []byte {
	var b strings.Builder
	header := func(k, v string) {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(sanitizeHeader(v))
		b.WriteString("\r\n")
	}
	header("From", s.from.String())
	header("To", to.String())
	header("Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	header("Date", s.now().UTC().Format(time.RFC1123Z))
	if msg.ID != "" {
		header("Message-ID", "<"+msg.ID+"@workorder>")
	}
	header("MIME-Version", "1.0")
	header("Content-Type", `text/plain; charset="utf-8"`)
	header("Content-Transfer-Encoding", "8bit")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(msg.Content, "\n", "\r\n"))
	return []byte(b.String())
}

// classifySMTP treats permanent (5xx) SMTP replies as fatal. Transient 4xx
// replies and connection failures stay retryable.
func classifySMTP(err error) error {
	if err == nil {
		return nil
	}
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) && tpErr.Code >= 500 {
		return Fatalf("email: %w", err)
	}
	return fmt.Errorf("email: %w", err)
}
