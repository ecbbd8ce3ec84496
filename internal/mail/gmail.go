package mail

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/nhle/mailbrief/internal/model"
)

// gmailUser addresses the authenticated account in Gmail API calls.
const gmailUser = "me"

// TokenSourcer yields an auto-refreshing token source for an OAuth user.
type TokenSourcer interface {
	TokenSource(ctx context.Context, user *model.User) (oauth2.TokenSource, error)
}

// GmailClient reads and sends mail through the Gmail API for users who
// connected with OAuth.
type GmailClient struct {
	tokens   TokenSourcer
	pageSize int64
	opts     []option.ClientOption
	now      func() time.Time
}

var _ Transport = (*GmailClient)(nil)

// NewGmailClient creates a Gmail transport. Extra client options are passed
// to every service, which lets tests point it at a local endpoint.
func NewGmailClient(tokens TokenSourcer, opts ...option.ClientOption) *GmailClient {
	return &GmailClient{tokens: tokens, pageSize: 100, opts: opts, now: time.Now}
}

func (g *GmailClient) service(ctx context.Context, user *model.User) (*gmail.Service, error) {
	ts, err := g.tokens.TokenSource(ctx, user)
	if err != nil {
		return nil, &AuthError{Email: user.Email, Message: err.Error()}
	}

	// The service lives for the whole session; each call carries its own
	// context through Context(ctx).
	base := context.WithoutCancel(ctx)
	opts := append([]option.ClientOption{option.WithHTTPClient(oauth2.NewClient(base, ts))}, g.opts...)
	svc, err := gmail.NewService(base, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating gmail service: %w", err)
	}
	return svc, nil
}

// Open returns a session backed by the Gmail API. No connection is held.
func (g *GmailClient) Open(ctx context.Context, user *model.User) (Session, error) {
	svc, err := g.service(ctx, user)
	if err != nil {
		return nil, err
	}
	return &gmailSession{svc: svc, pageSize: g.pageSize}, nil
}

// Send submits msg through users.messages.send.
func (g *GmailClient) Send(ctx context.Context, user *model.User, msg Outgoing) error {
	raw, err := Compose(user.Email, msg, g.now())
	if err != nil {
		return err
	}

	svc, err := g.service(ctx, user)
	if err != nil {
		return err
	}

	_, err = svc.Users.Messages.Send(gmailUser, &gmail.Message{
		Raw: base64.URLEncoding.EncodeToString(raw),
	}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("sending mail to %s: %w", msg.To, err)
	}
	return nil
}

// Profile returns the mailbox address of the authenticated account.
func (g *GmailClient) Profile(ctx context.Context, user *model.User) (string, error) {
	svc, err := g.service(ctx, user)
	if err != nil {
		return "", err
	}
	p, err := svc.Users.GetProfile(gmailUser).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("reading gmail profile: %w", err)
	}
	return p.EmailAddress, nil
}

type gmailSession struct {
	svc      *gmail.Service
	pageSize int64
}

// SearchUnreadSince lists unread inbox messages after since. Gmail returns
// newest first, so the result is reversed.
func (s *gmailSession) SearchUnreadSince(ctx context.Context, since time.Time) ([]Ref, error) {
	q := fmt.Sprintf("is:unread in:inbox after:%d", since.Unix())

	res, err := s.svc.Users.Messages.List(gmailUser).Q(q).MaxResults(s.pageSize).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("listing unread messages: %w", err)
	}

	refs := make([]Ref, len(res.Messages))
	for i, m := range res.Messages {
		pos := len(res.Messages) - 1 - i
		refs[pos] = Ref{ID: m.Id, Ordinal: pos + 1}
	}
	return refs, nil
}

// Fetch downloads the raw RFC 822 form of a message.
func (s *gmailSession) Fetch(ctx context.Context, ref Ref) (*Message, error) {
	m, err := s.svc.Users.Messages.Get(gmailUser, ref.ID).Format("raw").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("fetching message %s: %w", ref.ID, err)
	}

	raw, err := base64.URLEncoding.DecodeString(m.Raw)
	if err != nil {
		raw, err = base64.RawURLEncoding.DecodeString(m.Raw)
		if err != nil {
			return nil, fmt.Errorf("decoding message %s: %w", ref.ID, err)
		}
	}

	h := ParseHeader(raw)
	date := h.Date
	if date.IsZero() && m.InternalDate > 0 {
		date = time.UnixMilli(m.InternalDate)
	}

	return &Message{
		Sender:    h.Sender,
		Subject:   h.Subject,
		MessageID: h.MessageID,
		Date:      date,
		Raw:       raw,
	}, nil
}

func (s *gmailSession) Close() error { return nil }
