package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nhle/mailbrief/internal/compose"
	"github.com/nhle/mailbrief/internal/mail"
	"github.com/nhle/mailbrief/internal/model"
	"github.com/nhle/mailbrief/internal/store"
	"github.com/nhle/mailbrief/internal/verify"
)

// clearDepth is how many recent messages /clear tries to delete.
const clearDepth = 20

const welcomeText = `🤖 Email Summary Bot

I'll send you short summaries of your new emails.

Setup steps:
1. Use /setup to configure your email
2. I'll send a verification code to that mailbox
3. Use /verify <code> to confirm
4. Start receiving email summaries!

Commands:
/setup - Configure email settings
/connect - Sign in with Google instead of a password
/verify <code> - Verify your email
/status - Check connection status
/stop - Stop email monitoring
/mail formal|informal <to> <message> - Draft an email
/send - Send the last draft
/clear - Delete recent messages in this chat`

const setupText = `📧 Email setup

For Gmail, enable 2-Step Verification at
https://myaccount.google.com/signinoptions/twosv
then create an App Password at
https://myaccount.google.com/apppasswords

Then send your details in one of these forms:
you@gmail.com abcd efgh ijkl mnop
you@outlook.com password
email|password|imap_host|imap_port|smtp_host|smtp_port

Note: for Gmail use an App Password, not your regular password.`

// Incoming is one chat message. Command is empty for plain text.
type Incoming struct {
	ChatID    int64
	MessageID int
	Text      string
	Command   string
	Args      string
}

// Chat sends and deletes chat messages.
type Chat interface {
	Notify(ctx context.Context, chatID int64, text string) error
	Delete(ctx context.Context, chatID int64, messageID int) error
}

// UserStore is the part of the store the commands use.
type UserStore interface {
	GetUser(ctx context.Context, chatID int64) (*model.User, error)
	UpsertUser(ctx context.Context, chatID int64, creds model.Credentials) error
	CountProcessedMessages(ctx context.Context, chatID int64) (int, error)
}

// Verifier issues and checks verification codes.
type Verifier interface {
	RequestChallenge(ctx context.Context, chatID int64) error
	CheckChallenge(ctx context.Context, chatID int64, code string) error
}

// Monitor controls monitoring loops.
type Monitor interface {
	Stop(chatID int64) bool
	IsMonitoring(chatID int64) bool
}

// Drafts composes and sends ad hoc emails.
type Drafts interface {
	Draft(ctx context.Context, chatID int64, tone compose.Tone, recipient, text string) (model.Draft, error)
	Send(ctx context.Context, user *model.User) (model.Draft, error)
}

// Connector starts the OAuth sign-in flow.
type Connector interface {
	AuthURL(ctx context.Context, chatID int64) (string, error)
}

// Handler routes chat messages to commands.
type Handler struct {
	chat      Chat
	users     UserStore
	verifier  Verifier
	monitor   Monitor
	drafts    Drafts
	connector Connector
	logger    *slog.Logger
}

// NewHandler creates a Handler. connector may be nil when OAuth is not
// configured.
func NewHandler(
	chat Chat,
	users UserStore,
	verifier Verifier,
	monitor Monitor,
	drafts Drafts,
	connector Connector,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		chat:      chat,
		users:     users,
		verifier:  verifier,
		monitor:   monitor,
		drafts:    drafts,
		connector: connector,
		logger:    logger,
	}
}

// Handle processes one message. Failures are reported to the chat.
func (h *Handler) Handle(ctx context.Context, in Incoming) {
	switch in.Command {
	case "start", "help":
		h.reply(ctx, in.ChatID, welcomeText)
	case "setup":
		if strings.TrimSpace(in.Args) == "" {
			h.reply(ctx, in.ChatID, setupText)
			return
		}
		h.setup(ctx, in, in.Args)
	case "verify":
		h.checkCode(ctx, in)
	case "status":
		h.status(ctx, in)
	case "stop":
		h.stop(ctx, in)
	case "clear":
		h.clear(ctx, in)
	case "mail":
		h.draft(ctx, in)
	case "send":
		h.send(ctx, in)
	case "connect":
		h.connect(ctx, in)
	case "":
		h.text(ctx, in)
	default:
		h.reply(ctx, in.ChatID, "Unknown command. Send /start for the list.")
	}
}

func (h *Handler) reply(ctx context.Context, chatID int64, text string) {
	if err := h.chat.Notify(ctx, chatID, text); err != nil {
		h.logger.Warn("replying", "chat_id", chatID, "error", err)
	}
}

func (h *Handler) setup(ctx context.Context, in Incoming, data string) {
	creds, err := ParseSetup(data)
	if err != nil {
		h.reply(ctx, in.ChatID, "❌ Invalid format. Use one of:\n"+
			"email|password|imap_host|imap_port|smtp_host|smtp_port\n"+
			"you@gmail.com <16-letter app password>\n"+
			"email password (Gmail, Outlook, Hotmail)")
		return
	}

	// The message carries a password; do not leave it in the chat.
	if err := h.chat.Delete(ctx, in.ChatID, in.MessageID); err != nil {
		h.logger.Debug("deleting setup message", "chat_id", in.ChatID, "error", err)
	}

	if err := h.users.UpsertUser(ctx, in.ChatID, creds); err != nil {
		h.logger.Error("saving setup", "chat_id", in.ChatID, "error", err)
		h.reply(ctx, in.ChatID, "❌ Setup failed. Please try again.")
		return
	}
	// The old mailbox is no longer verified.
	h.monitor.Stop(in.ChatID)

	if err := h.verifier.RequestChallenge(ctx, in.ChatID); err != nil {
		h.logger.Warn("sending verification", "chat_id", in.ChatID, "error", err)
		if mail.IsAuthError(err) {
			h.reply(ctx, in.ChatID, "❌ Your mail server rejected the credentials. Check the password and try /setup again.")
			return
		}
		h.reply(ctx, in.ChatID, "❌ Failed to send verification email. Please check your email settings.")
		return
	}

	h.reply(ctx, in.ChatID, fmt.Sprintf(
		"✅ Setup saved! A verification code was sent to %s.\nUse /verify <code> to complete setup.", creds.Email))
}

func (h *Handler) checkCode(ctx context.Context, in Incoming) {
	code := strings.TrimSpace(in.Args)
	if code == "" {
		h.reply(ctx, in.ChatID, "Please provide the verification code: /verify YOUR_CODE")
		return
	}

	err := h.verifier.CheckChallenge(ctx, in.ChatID, code)
	switch {
	case err == nil:
		h.reply(ctx, in.ChatID, "✅ Email verified! You'll now receive email summaries.")
	case errors.Is(err, verify.ErrInvalidCode):
		h.reply(ctx, in.ChatID, "❌ Invalid or expired verification code.")
	default:
		h.logger.Error("checking verification", "chat_id", in.ChatID, "error", err)
		h.reply(ctx, in.ChatID, "❌ Verification failed. Please try again.")
	}
}

func (h *Handler) status(ctx context.Context, in Incoming) {
	user, err := h.users.GetUser(ctx, in.ChatID)
	if errors.Is(err, store.ErrNotFound) {
		h.reply(ctx, in.ChatID, "❌ No email configured. Use /setup first.")
		return
	}
	if err != nil {
		h.logger.Error("loading user", "chat_id", in.ChatID, "error", err)
		h.reply(ctx, in.ChatID, "❌ Could not load your settings.")
		return
	}

	verified := "⏳ Pending verification"
	if user.Verified {
		verified = "✅ Verified"
	}
	monitoring := "🔴 Stopped"
	if h.monitor.IsMonitoring(in.ChatID) {
		monitoring = "🟢 Running"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "📧 Email: %s\n", user.Email)
	fmt.Fprintf(&sb, "🔒 Status: %s\n", verified)
	fmt.Fprintf(&sb, "📊 Monitoring: %s\n", monitoring)
	fmt.Fprintf(&sb, "🔑 Sign-in: %s", user.AuthMethod)
	if n, err := h.users.CountProcessedMessages(ctx, in.ChatID); err == nil {
		fmt.Fprintf(&sb, "\n📨 Summarized: %d", n)
	}
	h.reply(ctx, in.ChatID, sb.String())
}

func (h *Handler) stop(ctx context.Context, in Incoming) {
	if h.monitor.Stop(in.ChatID) {
		h.reply(ctx, in.ChatID, "⏹️ Email monitoring stopped.")
		return
	}
	h.reply(ctx, in.ChatID, "❌ No active monitoring found.")
}

// clear deletes the command and the messages before it. Messages that are
// too old or not deletable are skipped.
func (h *Handler) clear(ctx context.Context, in Incoming) {
	for i := 0; i < clearDepth; i++ {
		id := in.MessageID - i
		if id <= 0 {
			break
		}
		if err := h.chat.Delete(ctx, in.ChatID, id); err != nil {
			h.logger.Debug("clearing message", "chat_id", in.ChatID, "message_id", id, "error", err)
		}
	}
}

func (h *Handler) draft(ctx context.Context, in Incoming) {
	const usage = "Usage: /mail formal|informal <recipient> <message>"

	fields := strings.Fields(in.Args)
	if len(fields) < 3 {
		h.reply(ctx, in.ChatID, usage)
		return
	}

	tone, err := compose.ParseTone(fields[0])
	if err != nil {
		h.reply(ctx, in.ChatID, "Please choose either 'formal' or 'informal'.")
		return
	}
	text := strings.Join(fields[2:], " ")

	draft, err := h.drafts.Draft(ctx, in.ChatID, tone, fields[1], text)
	if err != nil {
		h.reply(ctx, in.ChatID, fmt.Sprintf("❌ %s is not a valid recipient.", fields[1]))
		return
	}

	h.reply(ctx, in.ChatID, fmt.Sprintf(
		"📧 Email draft\nTo: %s\nSubject: %s\n\n%s\n\nSend this email with /send",
		draft.Recipient, draft.Subject, draft.Body))
}

func (h *Handler) send(ctx context.Context, in Incoming) {
	user, err := h.users.GetUser(ctx, in.ChatID)
	if err != nil || !user.HasCredentials() {
		h.reply(ctx, in.ChatID, "❌ No email configured. Use /setup first.")
		return
	}

	draft, err := h.drafts.Send(ctx, user)
	switch {
	case errors.Is(err, compose.ErrNoDraft):
		h.reply(ctx, in.ChatID, "❌ No draft found. Use /mail first.")
	case err != nil:
		h.logger.Error("sending draft", "chat_id", in.ChatID, "error", err)
		h.reply(ctx, in.ChatID, "❌ Failed to send email.")
	default:
		h.reply(ctx, in.ChatID, fmt.Sprintf("✅ Email sent to %s!", draft.Recipient))
	}
}

func (h *Handler) connect(ctx context.Context, in Incoming) {
	if h.connector == nil {
		h.reply(ctx, in.ChatID, "Google sign-in is not configured on this bot. Use /setup with an app password.")
		return
	}

	url, err := h.connector.AuthURL(ctx, in.ChatID)
	if err != nil {
		h.logger.Error("creating auth url", "chat_id", in.ChatID, "error", err)
		h.reply(ctx, in.ChatID, "❌ Could not start Google sign-in. Please try again.")
		return
	}
	h.reply(ctx, in.ChatID, "🔐 Open this link to connect your Gmail account (valid for 10 minutes):\n"+url)
}

func (h *Handler) text(ctx context.Context, in Incoming) {
	if strings.ContainsAny(in.Text, "|@") {
		h.setup(ctx, in, in.Text)
		return
	}

	user, err := h.users.GetUser(ctx, in.ChatID)
	if err != nil || !user.Verified {
		h.reply(ctx, in.ChatID, "❌ Please complete email setup and verification first.")
		return
	}
	h.reply(ctx, in.ChatID, "📧 Replying from chat isn't supported. Use /mail to write a new email, "+
		"or reply in your email client.")
}
