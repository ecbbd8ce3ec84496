// Package oauth connects a chat to a Gmail mailbox through Google's OAuth2
// consent flow, as an alternative to app passwords.
package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"

	"github.com/nhle/mailbrief/internal/model"
	"github.com/nhle/mailbrief/internal/store"
)

// DefaultStateTTL bounds how long a consent link stays usable.
const DefaultStateTTL = 10 * time.Minute

// ErrUnknownState is returned for a state that was never issued, was
// already used, or has expired.
var ErrUnknownState = errors.New("oauth: unknown or expired state")

// Scopes requested from Google: read the inbox and send as the user.
var Scopes = []string{gmail.GmailReadonlyScope, gmail.GmailSendScope}

// StateStore persists consent states and refreshed tokens.
type StateStore interface {
	SaveOAuthState(ctx context.Context, state string, chatID int64, expiresAt time.Time) error
	ConsumeOAuthState(ctx context.Context, state string, now time.Time) (int64, error)
	UpdateOAuthToken(ctx context.Context, chatID int64, token model.OAuthToken) error
}

// Flow issues consent URLs, exchanges codes and hands out token sources
// that write refreshed tokens back to the store.
type Flow struct {
	config   *oauth2.Config
	store    StateStore
	logger   *slog.Logger
	stateTTL time.Duration
	now      func() time.Time
}

// FlowOption configures a Flow.
type FlowOption func(*Flow)

// WithEndpoint replaces the Google endpoint.
func WithEndpoint(ep oauth2.Endpoint) FlowOption {
	return func(f *Flow) { f.config.Endpoint = ep }
}

// WithFlowClock overrides the time source.
func WithFlowClock(now func() time.Time) FlowOption {
	return func(f *Flow) { f.now = now }
}

// NewFlow creates a Flow for the configured Google client.
func NewFlow(cfg model.OAuthConfig, st StateStore, logger *slog.Logger, opts ...FlowOption) *Flow {
	f := &Flow{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       Scopes,
			Endpoint:     google.Endpoint,
		},
		store:    st,
		logger:   logger,
		stateTTL: DefaultStateTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func newState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// AuthURL returns a consent URL bound to chatID. The URL asks for offline
// access so a refresh token is issued.
func (f *Flow) AuthURL(ctx context.Context, chatID int64) (string, error) {
	state, err := newState()
	if err != nil {
		return "", err
	}
	if err := f.store.SaveOAuthState(ctx, state, chatID, f.now().Add(f.stateTTL)); err != nil {
		return "", err
	}
	return f.config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce), nil
}

// Exchange consumes state and trades code for a token. It returns the chat
// the state was issued to.
func (f *Flow) Exchange(ctx context.Context, state, code string) (int64, model.OAuthToken, error) {
	chatID, err := f.store.ConsumeOAuthState(ctx, state, f.now())
	if errors.Is(err, store.ErrNotFound) {
		return 0, model.OAuthToken{}, ErrUnknownState
	}
	if err != nil {
		return 0, model.OAuthToken{}, err
	}

	tok, err := f.config.Exchange(ctx, code)
	if err != nil {
		return chatID, model.OAuthToken{}, fmt.Errorf("exchanging code: %w", err)
	}
	return chatID, fromOAuth2(tok), nil
}

// TokenSource returns a source for the user's stored token. When the token
// is refreshed the new one is saved. ctx supplies values only; the source
// outlives its cancellation.
func (f *Flow) TokenSource(ctx context.Context, user *model.User) (oauth2.TokenSource, error) {
	if user.Token == nil {
		return nil, fmt.Errorf("user %d has no oauth token", user.ChatID)
	}

	// Refreshes happen lazily on later API calls, after the caller's
	// context may be gone.
	refreshCtx := context.WithoutCancel(ctx)

	current := toOAuth2(*user.Token)
	return &persistingSource{
		base:   oauth2.ReuseTokenSource(current, f.config.TokenSource(refreshCtx, current)),
		last:   current.AccessToken,
		chatID: user.ChatID,
		store:  f.store,
		logger: f.logger,
	}, nil
}

// persistingSource saves every token that differs from the last one seen.
type persistingSource struct {
	base   oauth2.TokenSource
	chatID int64
	store  StateStore
	logger *slog.Logger

	mu   gosync.Mutex
	last string
}

func (p *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := p.base.Token()
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if tok.AccessToken == p.last {
		return tok, nil
	}
	p.last = tok.AccessToken

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.store.UpdateOAuthToken(ctx, p.chatID, fromOAuth2(tok)); err != nil {
		p.logger.Warn("saving refreshed token", "chat_id", p.chatID, "error", err)
	}
	return tok, nil
}

func toOAuth2(t model.OAuthToken) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.TokenType,
		Expiry:       t.Expiry,
	}
}

func fromOAuth2(t *oauth2.Token) model.OAuthToken {
	return model.OAuthToken{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.TokenType,
		Expiry:       t.Expiry,
	}
}
