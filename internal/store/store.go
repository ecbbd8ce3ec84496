package store

import (
	"context"
	"errors"
	"time"

	"github.com/nhle/mailbrief/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyProcessed is returned by RecordProcessedMessage when a record
	// for the same (chat, message id) already exists.
	ErrAlreadyProcessed = errors.New("store: message already processed")
)

// Store is the durable record of users, verification challenges and
// summarized messages. All methods are safe for concurrent use.
type Store interface {
	// === Users ===

	// GetUser returns ErrNotFound when no user exists for chatID.
	GetUser(ctx context.Context, chatID int64) (*model.User, error)
	// UpsertUser replaces the user's password credentials and clears the
	// verification flag.
	UpsertUser(ctx context.Context, chatID int64, creds model.Credentials) error
	// SaveOAuthUser stores an OAuth-backed user as verified.
	SaveOAuthUser(ctx context.Context, chatID int64, email string, token model.OAuthToken) error
	UpdateOAuthToken(ctx context.Context, chatID int64, token model.OAuthToken) error
	SetVerified(ctx context.Context, chatID int64) error
	ListUsers(ctx context.Context) ([]model.User, error)
	ListVerifiedUsers(ctx context.Context) ([]model.User, error)

	// === Verification ===

	// StoreChallenge replaces any existing challenge for chatID.
	StoreChallenge(ctx context.Context, chatID int64, code string, expiresAt time.Time) error
	// CheckAndConsumeChallenge deletes the challenge and returns true only if
	// code matches case-insensitively and now is before the expiry. Nothing
	// is changed otherwise.
	CheckAndConsumeChallenge(ctx context.Context, chatID int64, code string, now time.Time) (bool, error)
	// ConsumeChallengeAndVerify also sets the verification flag, in the same
	// transaction as the consume.
	ConsumeChallengeAndVerify(ctx context.Context, chatID int64, code string, now time.Time) (bool, error)

	// === Processed messages ===

	IsMessageProcessed(ctx context.Context, chatID int64, messageID string) (bool, error)
	RecordProcessedMessage(ctx context.Context, rec model.ProcessedMessage) error
	CountProcessedMessages(ctx context.Context, chatID int64) (int, error)

	// === OAuth state ===

	SaveOAuthState(ctx context.Context, state string, chatID int64, expiresAt time.Time) error
	// ConsumeOAuthState returns the chat bound to state and deletes it.
	// Unknown or expired states yield ErrNotFound.
	ConsumeOAuthState(ctx context.Context, state string, now time.Time) (int64, error)

	Close() error
}
