package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nhle/mailbrief/internal/model"
)

// userRow mirrors the users table.
type userRow struct {
	ChatID     int64  `db:"chat_id"`
	Email      string `db:"email"`
	Secret     string `db:"secret"`
	IMAPHost   string `db:"imap_host"`
	IMAPPort   int    `db:"imap_port"`
	SMTPHost   string `db:"smtp_host"`
	SMTPPort   int    `db:"smtp_port"`
	AuthMethod string `db:"auth_method"`
	OAuthToken string `db:"oauth_token"`
	Verified   int    `db:"verified"`
	CreatedAt  int64  `db:"created_at"`
	UpdatedAt  int64  `db:"updated_at"`
}

const userColumns = `chat_id, email, secret, imap_host, imap_port, smtp_host, smtp_port,
	auth_method, oauth_token, verified, created_at, updated_at`

// toUser converts a row to a model.User, opening sealed fields.
func (s *SQLiteStore) toUser(r userRow) (model.User, error) {
	secret, err := s.sealer.Open(r.Secret)
	if err != nil {
		return model.User{}, fmt.Errorf("opening secret for %d: %w", r.ChatID, err)
	}

	u := model.User{
		ChatID: r.ChatID,
		Credentials: model.Credentials{
			Email:    r.Email,
			Secret:   secret,
			IMAPHost: r.IMAPHost,
			IMAPPort: r.IMAPPort,
			SMTPHost: r.SMTPHost,
			SMTPPort: r.SMTPPort,
		},
		AuthMethod: model.AuthMethod(r.AuthMethod),
		Verified:   r.Verified != 0,
		CreatedAt:  time.Unix(r.CreatedAt, 0),
		UpdatedAt:  time.Unix(r.UpdatedAt, 0),
	}

	if r.OAuthToken != "" {
		raw, err := s.sealer.Open(r.OAuthToken)
		if err != nil {
			return model.User{}, fmt.Errorf("opening token for %d: %w", r.ChatID, err)
		}
		var tok model.OAuthToken
		if err := json.Unmarshal([]byte(raw), &tok); err != nil {
			return model.User{}, fmt.Errorf("decoding token for %d: %w", r.ChatID, err)
		}
		u.Token = &tok
	}

	return u, nil
}

func (s *SQLiteStore) sealToken(token model.OAuthToken) (string, error) {
	raw, err := json.Marshal(token)
	if err != nil {
		return "", fmt.Errorf("encoding oauth token: %w", err)
	}
	sealed, err := s.sealer.Seal(string(raw))
	if err != nil {
		return "", fmt.Errorf("sealing oauth token: %w", err)
	}
	return sealed, nil
}

// GetUser retrieves a single user by chat id.
func (s *SQLiteStore) GetUser(ctx context.Context, chatID int64) (*model.User, error) {
	var row userRow
	err := s.db.GetContext(ctx, &row, "SELECT "+userColumns+" FROM users WHERE chat_id = ?", chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting user %d: %w", chatID, err)
	}

	u, err := s.toUser(row)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// UpsertUser stores password credentials for a chat. Re-running setup
// overwrites the previous credentials and resets verification.
func (s *SQLiteStore) UpsertUser(
	ctx context.Context,
	chatID int64,
	creds model.Credentials,
) error {
	secret, err := s.sealer.Seal(creds.Secret)
	if err != nil {
		return fmt.Errorf("sealing secret: %w", err)
	}

	now := s.now().Unix()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (
			chat_id, email, secret, imap_host, imap_port, smtp_host, smtp_port,
			auth_method, oauth_token, verified, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', 0, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			email = excluded.email,
			secret = excluded.secret,
			imap_host = excluded.imap_host,
			imap_port = excluded.imap_port,
			smtp_host = excluded.smtp_host,
			smtp_port = excluded.smtp_port,
			auth_method = excluded.auth_method,
			oauth_token = '',
			verified = 0,
			updated_at = excluded.updated_at`,
		chatID, creds.Email, secret,
		creds.IMAPHost, creds.IMAPPort, creds.SMTPHost, creds.SMTPPort,
		string(model.AuthPassword), now, now,
	)
	if err != nil {
		return fmt.Errorf("upserting user %d: %w", chatID, err)
	}
	return nil
}

// SaveOAuthUser stores an OAuth-backed mailbox for a chat and marks it
// verified. Any password credentials are cleared.
func (s *SQLiteStore) SaveOAuthUser(
	ctx context.Context,
	chatID int64,
	email string,
	token model.OAuthToken,
) error {
	sealed, err := s.sealToken(token)
	if err != nil {
		return err
	}

	now := s.now().Unix()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (
			chat_id, email, secret, imap_host, imap_port, smtp_host, smtp_port,
			auth_method, oauth_token, verified, created_at, updated_at
		) VALUES (?, ?, '', '', 0, '', 0, ?, ?, 1, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			email = excluded.email,
			secret = '',
			imap_host = '',
			imap_port = 0,
			smtp_host = '',
			smtp_port = 0,
			auth_method = excluded.auth_method,
			oauth_token = excluded.oauth_token,
			verified = 1,
			updated_at = excluded.updated_at`,
		chatID, email, string(model.AuthOAuth), sealed, now, now,
	)
	if err != nil {
		return fmt.Errorf("saving oauth user %d: %w", chatID, err)
	}
	return nil
}

// UpdateOAuthToken replaces the stored token pair after a refresh.
func (s *SQLiteStore) UpdateOAuthToken(
	ctx context.Context,
	chatID int64,
	token model.OAuthToken,
) error {
	sealed, err := s.sealToken(token)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		"UPDATE users SET oauth_token = ?, updated_at = ? WHERE chat_id = ?",
		sealed, s.now().Unix(), chatID,
	)
	if err != nil {
		return fmt.Errorf("updating oauth token %d: %w", chatID, err)
	}
	return requireRow(res, chatID)
}

// SetVerified flips the verification flag on.
func (s *SQLiteStore) SetVerified(ctx context.Context, chatID int64) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE users SET verified = ?, updated_at = ? WHERE chat_id = ?",
		boolToInt(true), s.now().Unix(), chatID,
	)
	if err != nil {
		return fmt.Errorf("verifying user %d: %w", chatID, err)
	}
	return requireRow(res, chatID)
}

// ListUsers returns every stored user ordered by chat id.
func (s *SQLiteStore) ListUsers(ctx context.Context) ([]model.User, error) {
	return s.listUsers(ctx, "SELECT "+userColumns+" FROM users ORDER BY chat_id")
}

// ListVerifiedUsers returns users whose verification flag is set.
func (s *SQLiteStore) ListVerifiedUsers(ctx context.Context) ([]model.User, error) {
	return s.listUsers(ctx, "SELECT "+userColumns+" FROM users WHERE verified = 1 ORDER BY chat_id")
}

func (s *SQLiteStore) listUsers(ctx context.Context, query string) ([]model.User, error) {
	var rows []userRow
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}

	users := make([]model.User, 0, len(rows))
	for _, r := range rows {
		u, err := s.toUser(r)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, nil
}

func requireRow(res sql.Result, chatID int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows for %d: %w", chatID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
