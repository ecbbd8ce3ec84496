package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// TelegramConfig holds the bot connection settings.
type TelegramConfig struct {
	Token         string  `mapstructure:"token" yaml:"token"`
	APIEndpoint   string  `mapstructure:"api_endpoint" yaml:"api_endpoint"`
	RatePerSecond float64 `mapstructure:"rate_per_second" yaml:"rate_per_second"`
}

// LLMConfig selects and configures the text generation backend.
type LLMConfig struct {
	// Provider is "gemini", "openai" or "anthropic".
	Provider string        `mapstructure:"provider" yaml:"provider"`
	APIURL   string        `mapstructure:"api_url" yaml:"api_url"`
	APIKey   string        `mapstructure:"api_key" yaml:"api_key"`
	Model    string        `mapstructure:"model" yaml:"model"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// MonitorConfig controls the per-user polling loops.
type MonitorConfig struct {
	CheckInterval      time.Duration `mapstructure:"check_interval" yaml:"check_interval"`
	ErrorInterval      time.Duration `mapstructure:"error_interval" yaml:"error_interval"`
	CallTimeout        time.Duration `mapstructure:"call_timeout" yaml:"call_timeout"`
	MaxEmailsPerCheck  int           `mapstructure:"max_emails_per_check" yaml:"max_emails_per_check"`
	MaxEmailBodyLength int           `mapstructure:"max_email_body_length" yaml:"max_email_body_length"`
	MaxSummaryLength   int           `mapstructure:"max_summary_length" yaml:"max_summary_length"`
}

// VerifyConfig controls verification challenges.
type VerifyConfig struct {
	CodeExpiry time.Duration `mapstructure:"code_expiry" yaml:"code_expiry"`
	CodeLength int           `mapstructure:"code_length" yaml:"code_length"`
}

// StorageConfig locates the database and the key used to seal secrets in it.
type StorageConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
	// EncryptionKey is base64 of 32 random bytes. Empty means "ask the keyring".
	EncryptionKey string `mapstructure:"encryption_key" yaml:"encryption_key"`
}

// OAuthConfig holds the Google OAuth2 client registration.
type OAuthConfig struct {
	ClientID     string `mapstructure:"client_id" yaml:"client_id"`
	ClientSecret string `mapstructure:"client_secret" yaml:"client_secret"`
	RedirectURL  string `mapstructure:"redirect_url" yaml:"redirect_url"`
}

// Enabled reports whether enough is configured to offer /connect.
func (c OAuthConfig) Enabled() bool {
	return c.ClientID != "" && c.ClientSecret != "" && c.RedirectURL != ""
}

// HTTPConfig configures the callback and health server.
type HTTPConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram" yaml:"telegram"`
	LLM      LLMConfig      `mapstructure:"llm" yaml:"llm"`
	Monitor  MonitorConfig  `mapstructure:"monitor" yaml:"monitor"`
	Verify   VerifyConfig   `mapstructure:"verify" yaml:"verify"`
	Storage  StorageConfig  `mapstructure:"storage" yaml:"storage"`
	OAuth    OAuthConfig    `mapstructure:"oauth" yaml:"oauth"`
	HTTP     HTTPConfig     `mapstructure:"http" yaml:"http"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
}

// Default Gemini endpoint used when llm.api_url is not set.
const DefaultGeminiURL = "https://generativelanguage.googleapis.com/v1beta/models/gemini-2.0-flash:generateContent"

// DefaultConfigPath returns ~/.config/mailbrief/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailbrief", "config.yaml")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.api_endpoint", "")
	v.SetDefault("telegram.rate_per_second", 25.0)

	v.SetDefault("llm.provider", "gemini")
	v.SetDefault("llm.api_url", DefaultGeminiURL)
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "gemini-2.0-flash")
	v.SetDefault("llm.timeout", 30*time.Second)

	v.SetDefault("monitor.check_interval", 60*time.Second)
	v.SetDefault("monitor.error_interval", 300*time.Second)
	v.SetDefault("monitor.call_timeout", 30*time.Second)
	v.SetDefault("monitor.max_emails_per_check", 5)
	v.SetDefault("monitor.max_email_body_length", 2000)
	v.SetDefault("monitor.max_summary_length", 150)

	v.SetDefault("verify.code_expiry", 300*time.Second)
	v.SetDefault("verify.code_length", 6)

	v.SetDefault("storage.path", "email_bot.db")
	v.SetDefault("storage.encryption_key", "")

	v.SetDefault("oauth.client_id", "")
	v.SetDefault("oauth.client_secret", "")
	v.SetDefault("oauth.redirect_url", "")

	v.SetDefault("http.addr", ":8080")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// LoadConfig reads configuration from path (YAML, TOML or JSON by extension)
// and overlays MAILBRIEF_* environment variables. A missing file is not an
// error; defaults and the environment still apply.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MAILBRIEF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Names used by earlier deployments.
	_ = v.BindEnv("telegram.token", "MAILBRIEF_TELEGRAM_TOKEN", "TELEGRAM_BOT_TOKEN")
	_ = v.BindEnv("llm.api_key", "MAILBRIEF_LLM_API_KEY", "LLM_API_KEY", "OPENAI_API_KEY", "ANTHROPIC_API_KEY")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var pathErr *os.PathError
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &pathErr) && !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	cfg := &AppConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// Validate checks the settings the process cannot start without.
func (c *AppConfig) Validate() error {
	var errs []error
	if c.Telegram.Token == "" {
		errs = append(errs, errors.New("telegram.token is required"))
	}
	if c.LLM.APIKey == "" {
		errs = append(errs, errors.New("llm.api_key is required"))
	}
	switch c.LLM.Provider {
	case "gemini", "openai", "anthropic":
	default:
		errs = append(errs, fmt.Errorf("llm.provider %q is not supported", c.LLM.Provider))
	}
	if c.Monitor.CheckInterval <= 0 || c.Monitor.ErrorInterval <= 0 {
		errs = append(errs, errors.New("monitor intervals must be positive"))
	}
	return errors.Join(errs...)
}
