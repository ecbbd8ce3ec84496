package bot

import (
	"context"
	"errors"
	"strings"
	gosync "sync"
	"testing"
	"time"
	"unicode/utf16"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/nhle/mailbrief/internal/testutil"
)

type fakeAPI struct {
	mu       gosync.Mutex
	sent     []tgbotapi.MessageConfig
	requests []tgbotapi.Chattable
	err      error
}

func (a *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return tgbotapi.Message{}, a.err
	}
	if m, ok := c.(tgbotapi.MessageConfig); ok {
		a.sent = append(a.sent, m)
	}
	return tgbotapi.Message{}, nil
}

func (a *fakeAPI) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests = append(a.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, a.err
}

func (a *fakeAPI) texts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.sent))
	for i, m := range a.sent {
		out[i] = m.Text
	}
	return out
}

func TestNotify(t *testing.T) {
	api := &fakeAPI{}
	b := New(api, 100, testutil.DiscardLogger())

	long := strings.Repeat("é", maxMessageLength+10)
	if err := b.Notify(context.Background(), 42, long); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(api.sent) != 1 {
		t.Fatalf("sent %d messages", len(api.sent))
	}
	m := api.sent[0]
	if m.ChatID != 42 || !m.DisableWebPagePreview {
		t.Fatalf("message = %+v", m)
	}
	if n := len([]rune(m.Text)); n != maxMessageLength {
		t.Fatalf("text length = %d runes, want %d", n, maxMessageLength)
	}

	api.err = errors.New("Forbidden: bot was blocked by the user")
	if err := b.Notify(context.Background(), 42, "hi"); err == nil {
		t.Fatal("expected send error")
	}
}

func TestNotifyCountsUTF16Units(t *testing.T) {
	api := &fakeAPI{}
	b := New(api, 100, testutil.DiscardLogger())

	// Each emoji is two UTF-16 code units.
	text := strings.Repeat("📧", maxMessageLength)
	if err := b.Notify(context.Background(), 1, text); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	got := api.sent[0].Text
	if n := len(utf16.Encode([]rune(got))); n != maxMessageLength {
		t.Fatalf("text length = %d UTF-16 units, want %d", n, maxMessageLength)
	}
	if !utf8.ValidString(got) {
		t.Fatal("truncation split a character")
	}
}

func TestTruncateUTF16(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{in: "hello", n: 10, want: "hello"},
		{in: "hello", n: 3, want: "hel"},
		{in: "a📧b", n: 2, want: "a"},
		{in: "a📧b", n: 3, want: "a📧"},
		{in: "", n: 5, want: ""},
	}
	for _, tt := range tests {
		if got := truncateUTF16(tt.in, tt.n); got != tt.want {
			t.Errorf("truncateUTF16(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestNotifyRespectsContext(t *testing.T) {
	b := New(&fakeAPI{}, 0.001, testutil.DiscardLogger())
	// The first message uses the burst; the second would wait far too long.
	_ = b.Notify(context.Background(), 1, "first")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := b.Notify(ctx, 1, "second"); err == nil {
		t.Fatal("expected rate limiter to give up on a short deadline")
	}
}

func TestDelete(t *testing.T) {
	api := &fakeAPI{}
	b := New(api, 100, testutil.DiscardLogger())

	if err := b.Delete(context.Background(), 5, 77); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	del, ok := api.requests[0].(tgbotapi.DeleteMessageConfig)
	if !ok || del.ChatID != 5 || del.MessageID != 77 {
		t.Fatalf("request = %#v", api.requests[0])
	}
}

func TestServeRoutesCommands(t *testing.T) {
	api := &fakeAPI{}
	b := New(api, 1000, testutil.DiscardLogger())
	h := newHandlerFixture(t, nil).h
	h.chat = b

	updates := make(chan tgbotapi.Update, 3)
	updates <- tgbotapi.Update{Message: &tgbotapi.Message{
		MessageID: 1,
		Chat:      &tgbotapi.Chat{ID: 9},
		Text:      "/stop@mailbrief_bot",
		Entities:  []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: 19}},
	}}
	updates <- tgbotapi.Update{}
	updates <- tgbotapi.Update{Message: &tgbotapi.Message{
		MessageID: 2,
		Chat:      &tgbotapi.Chat{ID: 9},
		Text:      "/verify",
		Entities:  []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: 7}},
	}}
	close(updates)

	b.Serve(context.Background(), updates, h)

	got := api.texts()
	if len(got) != 2 {
		t.Fatalf("replies = %q", got)
	}
	joined := strings.Join(got, "\n")
	if !strings.Contains(joined, "No active monitoring found") || !strings.Contains(joined, "/verify YOUR_CODE") {
		t.Fatalf("replies = %q", got)
	}
}
