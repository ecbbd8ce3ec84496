package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Sealer encrypts secrets before they are written and decrypts them on read.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

type plainSealer struct{}

func (plainSealer) Seal(s string) (string, error) { return s, nil }
func (plainSealer) Open(s string) (string, error) { return s, nil }

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithSealer encrypts mailbox secrets and OAuth tokens at rest.
func WithSealer(s Sealer) Option {
	return func(st *SQLiteStore) {
		if s != nil {
			st.sealer = s
		}
	}
}

// WithClock overrides the time source used for created/updated stamps.
func WithClock(now func() time.Time) Option {
	return func(st *SQLiteStore) { st.now = now }
}

// SQLiteStore implements the Store interface using a local SQLite database.
type SQLiteStore struct {
	db     *sqlx.DB
	sealer Sealer
	now    func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string, opts ...Option) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// One connection serializes writers and keeps ":memory:" databases
	// from splitting across connections.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db, sealer: plainSealer{}, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// SaveOAuthState binds a one-time OAuth state value to a chat.
func (s *SQLiteStore) SaveOAuthState(
	ctx context.Context,
	state string,
	chatID int64,
	expiresAt time.Time,
) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO oauth_states (state, chat_id, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(state) DO UPDATE SET chat_id = excluded.chat_id, expires_at = excluded.expires_at`,
		state, chatID, expiresAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("saving oauth state: %w", err)
	}
	return nil
}

// ConsumeOAuthState returns the chat bound to state and deletes the state.
func (s *SQLiteStore) ConsumeOAuthState(
	ctx context.Context,
	state string,
	now time.Time,
) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var row struct {
		ChatID    int64 `db:"chat_id"`
		ExpiresAt int64 `db:"expires_at"`
	}
	err = tx.GetContext(ctx, &row, "SELECT chat_id, expires_at FROM oauth_states WHERE state = ?", state)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("reading oauth state: %w", err)
	}

	// Expired states are removed too; they can never succeed.
	if _, err := tx.ExecContext(ctx, "DELETE FROM oauth_states WHERE state = ?", state); err != nil {
		return 0, fmt.Errorf("deleting oauth state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing oauth state: %w", err)
	}

	if now.Unix() >= row.ExpiresAt {
		return 0, ErrNotFound
	}
	return row.ChatID, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
