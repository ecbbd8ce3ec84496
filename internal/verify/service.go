// Package verify proves that a chat controls the mailbox it registered by
// mailing a one-time code to that mailbox.
package verify

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/nhle/mailbrief/internal/mail"
	"github.com/nhle/mailbrief/internal/model"
)

const (
	// DefaultCodeLength is the number of characters in a code.
	DefaultCodeLength = 6
	// DefaultExpiry is how long a code stays valid.
	DefaultExpiry = 300 * time.Second

	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	emailSubject = "Email Bot Verification Code"
)

var (
	// ErrNoCredentials is returned when the user has nothing to send from.
	ErrNoCredentials = errors.New("verify: user has no mailbox credentials")
	// ErrInvalidCode is returned when a code is wrong, expired or absent.
	ErrInvalidCode = errors.New("verify: invalid or expired code")
)

// ChallengeStore persists challenges and the verification flag.
type ChallengeStore interface {
	GetUser(ctx context.Context, chatID int64) (*model.User, error)
	StoreChallenge(ctx context.Context, chatID int64, code string, expiresAt time.Time) error
	// ConsumeChallengeAndVerify deletes a matching, unexpired challenge and
	// sets the verification flag in one step.
	ConsumeChallengeAndVerify(ctx context.Context, chatID int64, code string, now time.Time) (bool, error)
}

// Starter begins monitoring a verified user.
type Starter interface {
	Start(chatID int64) bool
}

// Service issues and checks verification challenges.
type Service struct {
	store   ChallengeStore
	sender  mail.Sender
	starter Starter
	logger  *slog.Logger

	codeLength int
	expiry     time.Duration
	now        func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithExpiry sets how long a code is valid.
func WithExpiry(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.expiry = d
		}
	}
}

// WithCodeLength sets the number of characters in a code.
func WithCodeLength(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.codeLength = n
		}
	}
}

// NewService creates a verification Service.
func NewService(store ChallengeStore, sender mail.Sender, starter Starter, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:      store,
		sender:     sender,
		starter:    starter,
		logger:     logger,
		codeLength: DefaultCodeLength,
		expiry:     DefaultExpiry,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GenerateCode returns n random characters from [A-Z0-9].
func GenerateCode(n int) (string, error) {
	max := big.NewInt(int64(len(codeAlphabet)))
	var sb strings.Builder
	sb.Grow(n)
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generating code: %w", err)
		}
		sb.WriteByte(codeAlphabet[idx.Int64()])
	}
	return sb.String(), nil
}

// RequestChallenge stores a fresh code for chatID, replacing any earlier
// one, and mails it to the user's own address.
func (s *Service) RequestChallenge(ctx context.Context, chatID int64) error {
	user, err := s.store.GetUser(ctx, chatID)
	if err != nil {
		return fmt.Errorf("loading user %d: %w", chatID, err)
	}
	if !user.HasCredentials() {
		return ErrNoCredentials
	}

	code, err := GenerateCode(s.codeLength)
	if err != nil {
		return err
	}

	if err := s.store.StoreChallenge(ctx, chatID, code, s.now().Add(s.expiry)); err != nil {
		return err
	}

	msg := mail.Outgoing{
		To:      user.Email,
		Subject: emailSubject,
		Body:    emailBody(code, s.expiry),
	}
	if err := s.sender.Send(ctx, user, msg); err != nil {
		return fmt.Errorf("sending verification email: %w", err)
	}

	s.logger.Info("verification code sent", "chat_id", chatID, "email", user.Email)
	return nil
}

// CheckChallenge consumes the challenge when code matches and has not
// expired, marks the user verified and starts monitoring. A failed check
// changes nothing and returns ErrInvalidCode.
func (s *Service) CheckChallenge(ctx context.Context, chatID int64, code string) error {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return ErrInvalidCode
	}

	ok, err := s.store.ConsumeChallengeAndVerify(ctx, chatID, code, s.now())
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidCode
	}

	s.starter.Start(chatID)
	s.logger.Info("user verified", "chat_id", chatID)
	return nil
}

func emailBody(code string, expiry time.Duration) string {
	var sb strings.Builder
	sb.WriteString("Email Summary Bot Verification\n\n")
	fmt.Fprintf(&sb, "Your verification code is: %s\n\n", code)
	sb.WriteString("Use this code in Telegram to complete your setup.\n")
	fmt.Fprintf(&sb, "This code expires in %d minutes.\n\n", int(expiry.Minutes()))
	sb.WriteString("If you didn't request this, please ignore this email.\n")
	return sb.String()
}
