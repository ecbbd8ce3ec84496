package store

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nhle/mailbrief/internal/model"
)

// StoreChallenge saves a verification code for chatID, replacing any
// earlier one.
func (s *SQLiteStore) StoreChallenge(
	ctx context.Context,
	chatID int64,
	code string,
	expiresAt time.Time,
) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO verification_codes (chat_id, code, expires_at, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			code = excluded.code,
			expires_at = excluded.expires_at,
			created_at = excluded.created_at`,
		chatID, normalizeCode(code), expiresAt.UnixMilli(), s.now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("storing challenge for %d: %w", chatID, err)
	}
	return nil
}

// CheckAndConsumeChallenge validates code against the stored challenge and
// deletes it on success. A mismatch or an expired challenge leaves the row
// untouched.
func (s *SQLiteStore) CheckAndConsumeChallenge(
	ctx context.Context,
	chatID int64,
	code string,
	now time.Time,
) (bool, error) {
	return s.consumeChallenge(ctx, chatID, code, now, false)
}

// ConsumeChallengeAndVerify is CheckAndConsumeChallenge plus setting the
// verification flag, committed together. On any failure neither change is
// kept.
func (s *SQLiteStore) ConsumeChallengeAndVerify(
	ctx context.Context,
	chatID int64,
	code string,
	now time.Time,
) (bool, error) {
	return s.consumeChallenge(ctx, chatID, code, now, true)
}

func (s *SQLiteStore) consumeChallenge(
	ctx context.Context,
	chatID int64,
	code string,
	now time.Time,
	verify bool,
) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var row struct {
		Code      string `db:"code"`
		ExpiresAt int64  `db:"expires_at"`
	}
	err = tx.GetContext(ctx, &row,
		"SELECT code, expires_at FROM verification_codes WHERE chat_id = ?", chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading challenge for %d: %w", chatID, err)
	}

	if !now.Before(time.UnixMilli(row.ExpiresAt)) {
		return false, nil
	}
	if subtle.ConstantTimeCompare([]byte(row.Code), []byte(normalizeCode(code))) != 1 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM verification_codes WHERE chat_id = ?", chatID); err != nil {
		return false, fmt.Errorf("consuming challenge for %d: %w", chatID, err)
	}
	if verify {
		res, err := tx.ExecContext(ctx,
			"UPDATE users SET verified = ?, updated_at = ? WHERE chat_id = ?",
			boolToInt(true), s.now().Unix(), chatID,
		)
		if err != nil {
			return false, fmt.Errorf("verifying user %d: %w", chatID, err)
		}
		if err := requireRow(res, chatID); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing challenge for %d: %w", chatID, err)
	}
	return true, nil
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// IsMessageProcessed reports whether a record exists for (chatID, messageID).
func (s *SQLiteStore) IsMessageProcessed(
	ctx context.Context,
	chatID int64,
	messageID string,
) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		"SELECT COUNT(*) FROM processed_messages WHERE chat_id = ? AND message_id = ?",
		chatID, messageID,
	)
	if err != nil {
		return false, fmt.Errorf("checking message %s for %d: %w", messageID, chatID, err)
	}
	return n > 0, nil
}

// RecordProcessedMessage writes a processed-message record. The unique key
// on (chat_id, message_id) makes a second write fail with ErrAlreadyProcessed.
func (s *SQLiteStore) RecordProcessedMessage(
	ctx context.Context,
	rec model.ProcessedMessage,
) error {
	processedAt := rec.CreatedAt
	if processedAt.IsZero() {
		processedAt = s.now()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_messages (
			chat_id, message_id, sender, subject, summary, body, processed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id, message_id) DO NOTHING`,
		rec.ChatID, rec.MessageID, rec.Sender, rec.Subject, rec.Summary, rec.Body,
		processedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("recording message %s for %d: %w", rec.MessageID, rec.ChatID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("recording message %s for %d: %w", rec.MessageID, rec.ChatID, err)
	}
	if n == 0 {
		return ErrAlreadyProcessed
	}
	return nil
}

// CountProcessedMessages returns how many messages were summarized for chatID.
func (s *SQLiteStore) CountProcessedMessages(ctx context.Context, chatID int64) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n,
		"SELECT COUNT(*) FROM processed_messages WHERE chat_id = ?", chatID); err != nil {
		return 0, fmt.Errorf("counting messages for %d: %w", chatID, err)
	}
	return n, nil
}
