package mail

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/nhle/mailbrief/internal/model"
)

// smtpsPort uses implicit TLS; other ports negotiate STARTTLS.
const smtpsPort = 465

// SMTPSender submits mail with go-smtp using PLAIN auth.
type SMTPSender struct {
	Timeout   time.Duration
	TLSConfig *tls.Config
	// Now stamps the Date header.
	Now func() time.Time
}

var _ Sender = (*SMTPSender)(nil)

// NewSMTPSender creates a sender whose dial and commands are bounded by timeout.
func NewSMTPSender(timeout time.Duration) *SMTPSender {
	return &SMTPSender{Timeout: timeout, Now: time.Now}
}

func (s *SMTPSender) dial(ctx context.Context, host string, port int) (*smtp.Client, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	cfg := &tls.Config{}
	if s.TLSConfig != nil {
		cfg = s.TLSConfig.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}

	dialer := &net.Dialer{Timeout: s.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to SMTP %s: %w", addr, err)
	}
	if s.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.Timeout))
	}

	if port == smtpsPort {
		return smtp.NewClient(tls.Client(conn, cfg)), nil
	}

	c, err := smtp.NewClientStartTLS(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("starting TLS with %s: %w", addr, err)
	}
	return c, nil
}

// Send submits msg from the user's own address.
func (s *SMTPSender) Send(ctx context.Context, user *model.User, msg Outgoing) error {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}

	to, err := ParseRecipient(msg.To)
	if err != nil {
		return err
	}
	raw, err := Compose(user.Email, msg, now())
	if err != nil {
		return err
	}

	c, err := s.dial(ctx, user.SMTPHost, user.SMTPPort)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Auth(sasl.NewPlainClient("", user.Email, user.Secret)); err != nil {
		return &AuthError{
			Email:   user.Email,
			Message: fmt.Sprintf("SMTP auth rejected by %s: %v", user.SMTPHost, err),
		}
	}

	if err := c.SendMail(user.Email, []string{to.Address}, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("sending mail to %s: %w", msg.To, err)
	}

	if err := c.Quit(); err != nil {
		return fmt.Errorf("closing SMTP session: %w", err)
	}
	return nil
}
