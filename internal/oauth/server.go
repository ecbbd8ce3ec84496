package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nhle/mailbrief/internal/model"
)

// Exchanger completes the consent flow.
type Exchanger interface {
	Exchange(ctx context.Context, state, code string) (int64, model.OAuthToken, error)
}

// ProfileReader resolves the mailbox address behind a token.
type ProfileReader interface {
	Profile(ctx context.Context, user *model.User) (string, error)
}

// UserSaver stores a connected mailbox.
type UserSaver interface {
	SaveOAuthUser(ctx context.Context, chatID int64, email string, token model.OAuthToken) error
}

// Monitor starts loops and reports which are live.
type Monitor interface {
	Start(chatID int64) bool
	Running() []int64
}

// Notifier tells the chat that the mailbox is connected.
type Notifier interface {
	Notify(ctx context.Context, chatID int64, text string) error
}

// Server serves the OAuth redirect target and a health probe.
type Server struct {
	exchanger Exchanger
	profiles  ProfileReader
	users     UserSaver
	monitor   Monitor
	notifier  Notifier
	logger    *slog.Logger

	engine *gin.Engine
}

// NewServer builds the HTTP routes.
func NewServer(
	exchanger Exchanger,
	profiles ProfileReader,
	users UserSaver,
	monitor Monitor,
	notifier Notifier,
	logger *slog.Logger,
) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		exchanger: exchanger,
		profiles:  profiles,
		users:     users,
		monitor:   monitor,
		notifier:  notifier,
		logger:    logger,
		engine:    gin.New(),
	}

	s.engine.Use(gin.Recovery(), s.requestLogger())
	s.engine.GET("/healthz", s.health)
	s.engine.GET("/oauth/callback", s.callback)
	return s
}

// Handler exposes the routes, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"monitoring": len(s.monitor.Running()),
	})
}

func (s *Server) callback(c *gin.Context) {
	if reason := c.Query("error"); reason != "" {
		c.String(http.StatusBadRequest, "Authorization was not granted: %s", reason)
		return
	}

	state, code := c.Query("state"), c.Query("code")
	if state == "" || code == "" {
		c.String(http.StatusBadRequest, "Missing state or code.")
		return
	}

	ctx := c.Request.Context()

	chatID, token, err := s.exchanger.Exchange(ctx, state, code)
	if errors.Is(err, ErrUnknownState) {
		c.String(http.StatusBadRequest, "This link has expired. Send /connect again.")
		return
	}
	if err != nil {
		s.logger.Error("oauth exchange", "chat_id", chatID, "error", err)
		c.String(http.StatusBadGateway, "Could not complete sign-in.")
		return
	}

	user := &model.User{ChatID: chatID, AuthMethod: model.AuthOAuth, Token: &token}
	email, err := s.profiles.Profile(ctx, user)
	if err != nil || email == "" {
		s.logger.Error("reading mailbox profile", "chat_id", chatID, "error", err)
		c.String(http.StatusBadGateway, "Could not read the mailbox address.")
		return
	}

	if err := s.users.SaveOAuthUser(ctx, chatID, email, token); err != nil {
		s.logger.Error("saving oauth user", "chat_id", chatID, "error", err)
		c.String(http.StatusInternalServerError, "Could not save the connection.")
		return
	}

	s.monitor.Start(chatID)
	s.logger.Info("mailbox connected", "chat_id", chatID, "email", email)

	msg := fmt.Sprintf("✅ Connected %s. You'll now receive email summaries.", email)
	if err := s.notifier.Notify(ctx, chatID, msg); err != nil {
		s.logger.Warn("notifying connection", "chat_id", chatID, "error", err)
	}

	c.String(http.StatusOK, "Connected %s. You can return to Telegram.", email)
}
