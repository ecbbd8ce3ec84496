package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nhle/mailbrief/internal/ai"
	"github.com/nhle/mailbrief/internal/mail"
	"github.com/nhle/mailbrief/internal/model"
	"github.com/nhle/mailbrief/internal/store"
)

// fetchTimeout is the default bound on a single remote call.
const fetchTimeout = 30 * time.Second

// Limits bounds the work done by one poll cycle.
type Limits struct {
	MaxEmailsPerCheck  int
	MaxEmailBodyLength int
	MaxSummaryTokens   int
	// CallTimeout bounds each mailbox or model call.
	CallTimeout time.Duration
}

// DefaultLimits mirrors the shipped configuration defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxEmailsPerCheck:  5,
		MaxEmailBodyLength: 2000,
		MaxSummaryTokens:   150,
		CallTimeout:        fetchTimeout,
	}
}

// MessageLog is the subset of the store the poller needs.
type MessageLog interface {
	IsMessageProcessed(ctx context.Context, chatID int64, messageID string) (bool, error)
	RecordProcessedMessage(ctx context.Context, rec model.ProcessedMessage) error
}

// Poller runs one poll cycle for one user: search, dedup, summarize, record.
type Poller struct {
	mailbox  mail.Opener
	gen      ai.Generator
	messages MessageLog
	limits   Limits
	logger   *slog.Logger
	now      func() time.Time
	location *time.Location
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithPollerClock overrides the time source used for the search window.
func WithPollerClock(now func() time.Time) PollerOption {
	return func(p *Poller) { p.now = now }
}

// WithLocation sets the timezone that defines "today" for the search.
func WithLocation(loc *time.Location) PollerOption {
	return func(p *Poller) { p.location = loc }
}

// NewPoller creates a Poller.
func NewPoller(
	mailbox mail.Opener,
	gen ai.Generator,
	messages MessageLog,
	limits Limits,
	logger *slog.Logger,
	opts ...PollerOption,
) *Poller {
	def := DefaultLimits()
	if limits.MaxEmailsPerCheck <= 0 {
		limits.MaxEmailsPerCheck = def.MaxEmailsPerCheck
	}
	if limits.MaxEmailBodyLength <= 0 {
		limits.MaxEmailBodyLength = def.MaxEmailBodyLength
	}
	if limits.MaxSummaryTokens <= 0 {
		limits.MaxSummaryTokens = def.MaxSummaryTokens
	}
	if limits.CallTimeout <= 0 {
		limits.CallTimeout = def.CallTimeout
	}

	p := &Poller{
		mailbox:  mailbox,
		gen:      gen,
		messages: messages,
		limits:   limits,
		logger:   logger,
		now:      time.Now,
		location: time.Local,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// startOfDay returns local midnight of the current day.
func (p *Poller) startOfDay() time.Time {
	now := p.now().In(p.location)
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, p.location)
}

// Poll returns summaries for new unread messages from today. Summaries are
// returned in processing order. When some messages fail, the summaries
// completed so far are returned together with the joined errors. Every
// returned summary already has a processed record.
func (p *Poller) Poll(ctx context.Context, user *model.User) ([]model.EmailSummary, error) {
	openCtx, cancel := context.WithTimeout(ctx, p.limits.CallTimeout)
	session, err := p.mailbox.Open(openCtx, user)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("opening mailbox: %w", err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			p.logger.Debug("closing mailbox session", "chat_id", user.ChatID, "error", err)
		}
	}()

	searchCtx, cancel := context.WithTimeout(ctx, p.limits.CallTimeout)
	refs, err := session.SearchUnreadSince(searchCtx, p.startOfDay())
	cancel()
	if err != nil {
		return nil, fmt.Errorf("searching mailbox: %w", err)
	}

	if len(refs) > p.limits.MaxEmailsPerCheck {
		refs = refs[len(refs)-p.limits.MaxEmailsPerCheck:]
	}

	var summaries []model.EmailSummary
	var errs []error

	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		summary, err := p.process(ctx, session, user, ref)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if summary != nil {
			summaries = append(summaries, *summary)
		}
	}

	return summaries, errors.Join(errs...)
}

// process handles one candidate. A nil summary with a nil error means the
// message was already processed.
func (p *Poller) process(
	ctx context.Context,
	session mail.Session,
	user *model.User,
	ref mail.Ref,
) (*model.EmailSummary, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, p.limits.CallTimeout)
	msg, err := session.Fetch(fetchCtx, ref)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("fetching message %s: %w", ref.ID, err)
	}

	messageID := msg.MessageID
	if messageID == "" {
		messageID = ref.ID
	}

	// When the check itself fails the message is skipped; it is retried
	// on a later tick.
	done, err := p.messages.IsMessageProcessed(ctx, user.ChatID, messageID)
	if err != nil {
		return nil, fmt.Errorf("checking message %s: %w", messageID, err)
	}
	if done {
		return nil, nil
	}

	sender := strings.TrimSpace(msg.Sender)
	if sender == "" {
		sender = "(unknown sender)"
	}
	subject := strings.TrimSpace(msg.Subject)
	if subject == "" {
		subject = "(no subject)"
	}
	body := mail.Truncate(mail.ExtractText(msg.Raw), p.limits.MaxEmailBodyLength)

	summary := p.summarize(ctx, user.ChatID, sender, subject, body)

	rec := model.ProcessedMessage{
		ChatID:    user.ChatID,
		MessageID: messageID,
		Sender:    sender,
		Subject:   subject,
		Summary:   summary,
		Body:      body,
		CreatedAt: p.now(),
	}
	if err := p.messages.RecordProcessedMessage(ctx, rec); err != nil {
		if errors.Is(err, store.ErrAlreadyProcessed) {
			return nil, nil
		}
		p.logger.Error("recording processed message",
			"chat_id", user.ChatID, "message_id", messageID, "error", err)
		return nil, fmt.Errorf("recording message %s: %w", messageID, err)
	}

	return &model.EmailSummary{
		MessageID:  messageID,
		Sender:     sender,
		Subject:    subject,
		Summary:    summary,
		Body:       body,
		ReceivedAt: msg.Date,
	}, nil
}

// summarize never fails; it falls back to sender and subject.
func (p *Poller) summarize(ctx context.Context, chatID int64, sender, subject, body string) string {
	genCtx, cancel := context.WithTimeout(ctx, p.limits.CallTimeout)
	defer cancel()

	text, err := p.gen.Complete(genCtx, ai.SummaryPrompt(sender, subject, body),
		p.limits.MaxSummaryTokens, ai.SummaryTemperature)
	if err == nil && strings.TrimSpace(text) != "" {
		return strings.TrimSpace(text)
	}

	p.logger.Warn("summarization failed, using fallback", "chat_id", chatID, "error", err)
	return ai.FallbackSummary(sender, subject)
}
