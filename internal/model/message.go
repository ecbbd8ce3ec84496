package model

import "time"

// ProcessedMessage records that a message has been summarized for a user.
// Records are written once and never changed.
type ProcessedMessage struct {
	ChatID    int64     `db:"chat_id"`
	MessageID string    `db:"message_id"`
	Sender    string    `db:"sender"`
	Subject   string    `db:"subject"`
	Summary   string    `db:"summary"`
	Body      string    `db:"body"`
	CreatedAt time.Time `db:"-"`
}

// EmailSummary is one new message produced by a poll cycle, ready to be
// delivered to chat.
type EmailSummary struct {
	MessageID  string
	Sender     string
	Subject    string
	Summary    string
	Body       string
	ReceivedAt time.Time
}

// Challenge is a pending verification code for a user.
type Challenge struct {
	ChatID    int64
	Code      string
	ExpiresAt time.Time
}

// Draft is a composed email waiting for /send.
type Draft struct {
	ID        string
	ChatID    int64
	Recipient string
	Subject   string
	Body      string
	Tone      string
	CreatedAt time.Time
}
