// Package compose turns a short chat message into an email draft and
// sends it on request.
package compose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	gosync "sync"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/mailbrief/internal/ai"
	"github.com/nhle/mailbrief/internal/mail"
	"github.com/nhle/mailbrief/internal/model"
)

// Tone is the register of a generated email.
type Tone string

const (
	Formal   Tone = "formal"
	Informal Tone = "informal"
)

// ParseTone accepts "formal" or "informal" in any case.
func ParseTone(s string) (Tone, error) {
	switch Tone(strings.ToLower(strings.TrimSpace(s))) {
	case Formal:
		return Formal, nil
	case Informal:
		return Informal, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTone, s)
}

var (
	// ErrNoDraft is returned by Send when the chat has no pending draft.
	ErrNoDraft = errors.New("compose: no pending draft")
	// ErrInvalidTone is returned for a tone other than formal or informal.
	ErrInvalidTone = errors.New("compose: tone must be formal or informal")
)

// Drafter keeps at most one pending draft per chat. Drafts live in memory
// only and are lost on restart.
type Drafter struct {
	gen    ai.Generator
	sender mail.Sender
	logger *slog.Logger
	now    func() time.Time

	mu     gosync.Mutex
	drafts map[int64]model.Draft
}

// NewDrafter creates a Drafter.
func NewDrafter(gen ai.Generator, sender mail.Sender, logger *slog.Logger) *Drafter {
	return &Drafter{
		gen:    gen,
		sender: sender,
		logger: logger,
		now:    time.Now,
		drafts: make(map[int64]model.Draft),
	}
}

// Draft generates a body and subject for text and stores the result as the
// chat's pending draft, replacing any earlier one. Generation failures are
// replaced with placeholder text rather than returned.
func (d *Drafter) Draft(
	ctx context.Context,
	chatID int64,
	tone Tone,
	recipient string,
	text string,
) (model.Draft, error) {
	to, err := mail.ParseRecipient(recipient)
	if err != nil {
		return model.Draft{}, err
	}

	body, err := d.gen.Complete(ctx, ai.EmailPrompt(text, string(tone)), ai.EmailMaxTokens, ai.EmailTemperature)
	if err != nil || strings.TrimSpace(body) == "" {
		d.logger.Warn("generating email body", "chat_id", chatID, "error", err)
		body = fmt.Sprintf("(Failed to generate %s email)", tone)
	}

	subject, err := d.gen.Complete(ctx, ai.SubjectPrompt(text, string(tone)), ai.SubjectMaxTokens, ai.SubjectTemperature)
	if err != nil || strings.TrimSpace(subject) == "" {
		d.logger.Warn("generating email subject", "chat_id", chatID, "error", err)
		subject = "(No subject generated)"
	}

	draft := model.Draft{
		ID:        uuid.New().String(),
		ChatID:    chatID,
		Recipient: to.Address,
		Subject:   cleanSubject(subject),
		Body:      strings.TrimSpace(body),
		Tone:      string(tone),
		CreatedAt: d.now(),
	}

	d.mu.Lock()
	d.drafts[chatID] = draft
	d.mu.Unlock()

	return draft, nil
}

// Pending returns the chat's draft, if any.
func (d *Drafter) Pending(chatID int64) (model.Draft, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	draft, ok := d.drafts[chatID]
	return draft, ok
}

// Send submits the pending draft from the user's mailbox. The draft is
// removed only after a successful send.
func (d *Drafter) Send(ctx context.Context, user *model.User) (model.Draft, error) {
	draft, ok := d.Pending(user.ChatID)
	if !ok {
		return model.Draft{}, ErrNoDraft
	}

	err := d.sender.Send(ctx, user, mail.Outgoing{
		To:      draft.Recipient,
		Subject: draft.Subject,
		Body:    draft.Body,
	})
	if err != nil {
		return draft, fmt.Errorf("sending draft %s: %w", draft.ID, err)
	}

	d.mu.Lock()
	if cur, ok := d.drafts[user.ChatID]; ok && cur.ID == draft.ID {
		delete(d.drafts, user.ChatID)
	}
	d.mu.Unlock()

	d.logger.Info("draft sent", "chat_id", user.ChatID, "draft_id", draft.ID)
	return draft, nil
}

// cleanSubject strips a leading "Subject:" label and surrounding quotes
// that models sometimes add, and keeps the first line only.
func cleanSubject(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) >= 8 && strings.EqualFold(s[:8], "subject:") {
		s = s[8:]
	}
	return strings.Trim(strings.TrimSpace(s), `"'`)
}
