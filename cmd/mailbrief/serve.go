package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	gosync "sync"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/spf13/cobra"

	"github.com/nhle/mailbrief/internal/ai"
	"github.com/nhle/mailbrief/internal/bot"
	"github.com/nhle/mailbrief/internal/compose"
	"github.com/nhle/mailbrief/internal/credential"
	"github.com/nhle/mailbrief/internal/mail"
	"github.com/nhle/mailbrief/internal/oauth"
	"github.com/nhle/mailbrief/internal/store"
	"github.com/nhle/mailbrief/internal/sync"
	"github.com/nhle/mailbrief/internal/verify"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bot until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func openStore(storagePath, encryptionKey string) (*store.SQLiteStore, error) {
	key, err := credential.StorageKey(encryptionKey)
	if err != nil {
		return nil, err
	}
	sealer, err := credential.NewSealer(key)
	if err != nil {
		return nil, err
	}
	return store.NewSQLiteStore(storagePath, store.WithSealer(sealer))
}

func serve(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger := newLogger(cfg.Log)

	st, err := openStore(cfg.Storage.Path, cfg.Storage.EncryptionKey)
	if err != nil {
		return err
	}
	defer st.Close()

	gen, err := ai.New(ai.Config{
		Provider: cfg.LLM.Provider,
		APIURL:   cfg.LLM.APIURL,
		APIKey:   cfg.LLM.APIKey,
		Model:    cfg.LLM.Model,
		Timeout:  cfg.LLM.Timeout,
	})
	if err != nil {
		return err
	}

	router := &mail.Router{
		Password: &mail.PasswordTransport{
			IMAPClient: mail.NewIMAPClient(cfg.Monitor.CallTimeout),
			SMTPSender: mail.NewSMTPSender(cfg.Monitor.CallTimeout),
		},
	}
	var flow *oauth.Flow
	var gmail *mail.GmailClient
	if cfg.OAuth.Enabled() {
		flow = oauth.NewFlow(cfg.OAuth, st, logger.With("component", "oauth"))
		gmail = mail.NewGmailClient(flow)
		router.OAuth = gmail
	}

	api, err := bot.Connect(cfg.Telegram)
	if err != nil {
		return err
	}
	logger.Info("connected to telegram", "bot", api.Self.UserName)
	tg := bot.New(api, cfg.Telegram.RatePerSecond, logger.With("component", "bot"))

	poller := sync.NewPoller(router, gen, st, sync.Limits{
		MaxEmailsPerCheck:  cfg.Monitor.MaxEmailsPerCheck,
		MaxEmailBodyLength: cfg.Monitor.MaxEmailBodyLength,
		MaxSummaryTokens:   cfg.Monitor.MaxSummaryLength,
		CallTimeout:        cfg.Monitor.CallTimeout,
	}, logger.With("component", "poller"))

	scheduler := sync.NewScheduler(st, poller, tg, sync.IntervalPolicy{
		Normal: cfg.Monitor.CheckInterval,
		Error:  cfg.Monitor.ErrorInterval,
	}, logger.With("component", "scheduler"))

	verifier := verify.NewService(st, router, scheduler, logger.With("component", "verify"),
		verify.WithExpiry(cfg.Verify.CodeExpiry),
		verify.WithCodeLength(cfg.Verify.CodeLength),
	)
	drafter := compose.NewDrafter(gen, router, logger.With("component", "compose"))

	var connector bot.Connector
	if flow != nil {
		connector = flow
	}
	handler := bot.NewHandler(tg, st, verifier, scheduler, drafter, connector, logger.With("component", "handler"))

	started, err := scheduler.StartAll(ctx)
	if err != nil {
		logger.Error("restoring monitoring", "error", err)
	}
	logger.Info("monitoring restored", "users", started)

	var wg gosync.WaitGroup
	errCh := make(chan error, 1)

	if flow != nil {
		srv := oauth.NewServer(flow, gmail, st, scheduler, tg, logger.With("component", "http"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(ctx, cfg.HTTP.Addr); err != nil {
				errCh <- err
			}
		}()
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := api.GetUpdatesChan(u)

	wg.Add(1)
	go func() {
		defer wg.Done()
		tg.Serve(ctx, updates, handler)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errCh:
		logger.Error("server failed", "error", runErr)
	}

	cancel()
	api.StopReceivingUpdates()

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := scheduler.Shutdown(shutdownCtx); err != nil {
		logger.Warn("stopping monitors", "error", err)
	}

	wg.Wait()
	return runErr
}
