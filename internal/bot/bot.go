// Package bot is the Telegram front end: it routes chat commands and
// delivers summaries back to chats.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	gosync "sync"
	"time"
	"unicode/utf16"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"github.com/nhle/mailbrief/internal/model"
)

// maxMessageLength is Telegram's limit for one text message, counted in
// UTF-16 code units.
const maxMessageLength = 4096

// API is the part of tgbotapi.BotAPI the bot calls.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Connect logs in to the Bot API.
func Connect(cfg model.TelegramConfig) (*tgbotapi.BotAPI, error) {
	endpoint := cfg.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	// Long polling holds requests open for up to a minute.
	client := &http.Client{Timeout: 90 * time.Second}

	api, err := tgbotapi.NewBotAPIWithClient(cfg.Token, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("connecting to telegram: %w", err)
	}
	return api, nil
}

// Bot sends rate-limited messages to chats.
type Bot struct {
	api     API
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New creates a Bot that sends at most perSecond messages per second.
func New(api API, perSecond float64, logger *slog.Logger) *Bot {
	if perSecond <= 0 {
		perSecond = 25
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return &Bot{
		api:     api,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		logger:  logger,
	}
}

// Notify sends text to chatID once. Errors are returned, not retried.
func (b *Bot) Notify(ctx context.Context, chatID int64, text string) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}

	msg := tgbotapi.NewMessage(chatID, truncateUTF16(text, maxMessageLength))
	msg.DisableWebPagePreview = true
	if _, err := b.api.Send(msg); err != nil {
		return fmt.Errorf("sending to chat %d: %w", chatID, err)
	}
	return nil
}

// truncateUTF16 cuts s to at most n UTF-16 code units without splitting a
// character.
func truncateUTF16(s string, n int) string {
	units := 0
	for i, r := range s {
		w := utf16.RuneLen(r)
		if w < 0 {
			w = 1
		}
		if units+w > n {
			return s[:i]
		}
		units += w
	}
	return s
}

// Delete removes one message from a chat.
func (b *Bot) Delete(ctx context.Context, chatID int64, messageID int) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := b.api.Request(tgbotapi.NewDeleteMessage(chatID, messageID)); err != nil {
		return fmt.Errorf("deleting message %d in chat %d: %w", messageID, chatID, err)
	}
	return nil
}

// Serve dispatches updates to h until ctx is cancelled or updates closes.
// Each update is handled on its own goroutine; Serve waits for in-flight
// handlers before returning.
func (b *Bot) Serve(ctx context.Context, updates <-chan tgbotapi.Update, h *Handler) {
	var wg gosync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			in, ok := incomingFrom(u)
			if !ok {
				continue
			}

			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() {
					if r := recover(); r != nil {
						b.logger.Error("handler panicked", "chat_id", in.ChatID, "panic", r)
					}
				}()
				h.Handle(ctx, in)
			}()
		}
	}
}

func incomingFrom(u tgbotapi.Update) (Incoming, bool) {
	m := u.Message
	if m == nil || m.Chat == nil {
		return Incoming{}, false
	}

	in := Incoming{
		ChatID:    m.Chat.ID,
		MessageID: m.MessageID,
		Text:      m.Text,
	}
	if m.IsCommand() {
		in.Command = m.Command()
		in.Args = m.CommandArguments()
	}
	return in, true
}
