// Package mail talks to users' mailboxes: it opens read sessions, searches
// and fetches unread messages, and submits outbound mail.
package mail

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nhle/mailbrief/internal/model"
)

// AuthError indicates the provider rejected the user's credentials.
type AuthError struct {
	Email   string
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %s", e.Email, e.Message)
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// ErrUnsupportedAuth is returned when no transport serves a user's auth method.
var ErrUnsupportedAuth = errors.New("mail: unsupported auth method")

// Ref identifies a message found by a search within one session.
type Ref struct {
	// ID is the provider handle used to fetch the message (IMAP UID or Gmail id).
	ID string
	// Ordinal is the 1-based position in the search result.
	Ordinal int
}

// Message is a fetched message. MessageID is empty when the provider
// supplied none.
type Message struct {
	Sender    string
	Subject   string
	MessageID string
	Date      time.Time
	Raw       []byte
}

// Outgoing is a plain-text message to submit.
type Outgoing struct {
	To      string
	Subject string
	Body    string
}

// Session is an open mailbox. Close must always be called.
type Session interface {
	// SearchUnreadSince returns unread messages received on or after since,
	// oldest first.
	SearchUnreadSince(ctx context.Context, since time.Time) ([]Ref, error)
	Fetch(ctx context.Context, ref Ref) (*Message, error)
	Close() error
}

// Opener opens read sessions.
type Opener interface {
	Open(ctx context.Context, user *model.User) (Session, error)
}

// Sender submits outbound mail from the user's mailbox.
type Sender interface {
	Send(ctx context.Context, user *model.User, msg Outgoing) error
}

// Transport is the full mailbox capability used by the poller and by the
// send paths.
type Transport interface {
	Opener
	Sender
}

// PasswordTransport pairs an IMAP reader with an SMTP submitter for users
// that set up with a password.
type PasswordTransport struct {
	*IMAPClient
	*SMTPSender
}

// Router dispatches to a transport by the user's auth method.
type Router struct {
	Password Transport
	OAuth    Transport
}

var _ Transport = (*Router)(nil)

func (r *Router) pick(user *model.User) (Transport, error) {
	switch user.AuthMethod {
	case model.AuthOAuth:
		if r.OAuth != nil {
			return r.OAuth, nil
		}
	case model.AuthPassword, "":
		if r.Password != nil {
			return r.Password, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedAuth, user.AuthMethod)
}

// Open opens a session with the transport matching the user.
func (r *Router) Open(ctx context.Context, user *model.User) (Session, error) {
	t, err := r.pick(user)
	if err != nil {
		return nil, err
	}
	return t.Open(ctx, user)
}

// Send submits msg with the transport matching the user.
func (r *Router) Send(ctx context.Context, user *model.User, msg Outgoing) error {
	t, err := r.pick(user)
	if err != nil {
		return err
	}
	return t.Send(ctx, user, msg)
}
