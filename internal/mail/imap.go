package mail

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/nhle/mailbrief/internal/model"
)

// implicitTLSPort is the IMAPS port; any other port negotiates STARTTLS.
const implicitTLSPort = 993

// IMAPClient opens IMAP sessions with go-imap v2.
type IMAPClient struct {
	// DialTimeout bounds TCP connect and TLS setup.
	DialTimeout time.Duration
	// TLSConfig is cloned per connection; ServerName is filled in.
	TLSConfig *tls.Config
}

var _ Opener = (*IMAPClient)(nil)

// NewIMAPClient creates an IMAP opener with the given dial timeout.
func NewIMAPClient(dialTimeout time.Duration) *IMAPClient {
	return &IMAPClient{DialTimeout: dialTimeout}
}

func (c *IMAPClient) tlsConfig(host string) *tls.Config {
	cfg := &tls.Config{}
	if c.TLSConfig != nil {
		cfg = c.TLSConfig.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	return cfg
}

// Open connects, authenticates and selects INBOX. The caller must Close
// the returned session.
func (c *IMAPClient) Open(ctx context.Context, user *model.User) (Session, error) {
	addr := net.JoinHostPort(user.IMAPHost, strconv.Itoa(user.IMAPPort))

	dialer := &net.Dialer{Timeout: c.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	opts := &imapclient.Options{TLSConfig: c.tlsConfig(user.IMAPHost)}

	var client *imapclient.Client
	if user.IMAPPort == implicitTLSPort {
		tlsConn := tls.Client(conn, opts.TLSConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("TLS handshake with %s: %w", addr, err)
		}
		client = imapclient.New(tlsConn, opts)
	} else {
		client, err = imapclient.NewStartTLS(conn, opts)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("starting TLS with %s: %w", addr, err)
		}
	}

	s := &imapSession{client: client}

	if err := s.wait(ctx, func() error {
		return client.Login(user.Email, user.Secret).Wait()
	}); err != nil {
		_ = client.Close()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("logging in to %s: %w", addr, err)
		}
		return nil, &AuthError{
			Email:   user.Email,
			Message: fmt.Sprintf("login rejected by %s: %v", user.IMAPHost, err),
		}
	}

	if err := s.wait(ctx, func() error {
		_, err := client.Select("INBOX", nil).Wait()
		return err
	}); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("selecting INBOX: %w", err)
	}

	return s, nil
}

type imapSession struct {
	client *imapclient.Client
}

// wait runs fn and gives up when ctx ends. Closing the connection unblocks
// any command still in flight.
func (s *imapSession) wait(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = s.client.Close()
		<-done
		return ctx.Err()
	}
}

// SearchUnreadSince runs UID SEARCH UNSEEN SINCE <date>.
func (s *imapSession) SearchUnreadSince(ctx context.Context, since time.Time) ([]Ref, error) {
	criteria := &imap.SearchCriteria{
		Since:   since,
		NotFlag: []imap.Flag{imap.FlagSeen},
	}

	var uids []imap.UID
	err := s.wait(ctx, func() error {
		data, err := s.client.UIDSearch(criteria, nil).Wait()
		if err != nil {
			return err
		}
		uids = data.AllUIDs()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("searching unread messages: %w", err)
	}

	refs := make([]Ref, 0, len(uids))
	for i, uid := range uids {
		refs = append(refs, Ref{
			ID:      strconv.FormatUint(uint64(uid), 10),
			Ordinal: i + 1,
		})
	}
	return refs, nil
}

// Fetch reads the full message without setting \Seen.
func (s *imapSession) Fetch(ctx context.Context, ref Ref) (*Message, error) {
	uid, err := strconv.ParseUint(ref.ID, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid UID %q: %w", ref.ID, err)
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchOpts := &imap.FetchOptions{
		UID:          true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{bodySection},
	}

	var buf *imapclient.FetchMessageBuffer
	err = s.wait(ctx, func() error {
		fetchCmd := s.client.Fetch(imap.UIDSetNum(imap.UID(uid)), fetchOpts)

		var collectErr error
		if msg := fetchCmd.Next(); msg != nil {
			buf, collectErr = msg.Collect()
		}
		if err := fetchCmd.Close(); err != nil {
			return err
		}
		if collectErr != nil {
			return fmt.Errorf("collecting message data: %w", collectErr)
		}
		if buf == nil {
			return fmt.Errorf("message UID %d not found", uid)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetching UID %d: %w", uid, err)
	}

	raw := buf.FindBodySection(bodySection)
	if raw == nil {
		return nil, fmt.Errorf("fetching UID %d: empty body section", uid)
	}

	h := ParseHeader(raw)
	date := h.Date
	if date.IsZero() {
		date = buf.InternalDate
	}

	return &Message{
		Sender:    h.Sender,
		Subject:   h.Subject,
		MessageID: h.MessageID,
		Date:      date,
		Raw:       raw,
	}, nil
}

// Close logs out, bounded so a dead server cannot hold the caller.
func (s *imapSession) Close() error {
	done := make(chan error, 1)
	go func() { done <- s.client.Logout().Wait() }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
	return s.client.Close()
}
