// Command mailbrief runs the email summary bot.
package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/nhle/mailbrief/internal/credential"
	"github.com/nhle/mailbrief/internal/model"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "mailbrief",
	Short: "Telegram bot that summarizes new email",
	Long: `mailbrief watches IMAP or Gmail mailboxes on behalf of Telegram users,
summarizes new messages with a language model and posts the summaries to chat.`,
	SilenceUsage: true,
}

func main() {
	// A .env file is optional.
	_ = godotenv.Load()

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", model.DefaultConfigPath(), "config file")
	rootCmd.AddCommand(serveCmd, usersCmd, secretCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file and fills secrets from the keyring.
func loadConfig() (*model.AppConfig, error) {
	cfg, err := model.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	if cfg.Telegram.Token, err = credential.Resolve(cfg.Telegram.Token, credential.KeyTelegramToken); err != nil {
		return nil, err
	}
	if cfg.LLM.APIKey, err = credential.Resolve(cfg.LLM.APIKey, credential.KeyLLMAPIKey); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg model.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
