// Package ai turns prompts into text with a hosted language model.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Sampling settings per use.
const (
	SummaryTemperature = 0.3
	EmailTemperature   = 0.7
	EmailMaxTokens     = 500
	SubjectTemperature = 0.5
	SubjectMaxTokens   = 50
)

const defaultTimeout = 30 * time.Second

// ErrEmptyCompletion is returned when the model answered with no text.
var ErrEmptyCompletion = errors.New("ai: empty completion")

// APIError is a non-2xx response from the model API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// Generator maps a prompt to text. Implementations must honour ctx.
type Generator interface {
	Complete(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error)
}

// Config selects and configures a Generator.
type Config struct {
	Provider string
	APIURL   string
	APIKey   string
	Model    string
	Timeout  time.Duration
}

// New returns the Generator for cfg.Provider ("gemini", "openai" or
// "anthropic").
func New(cfg Config) (Generator, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client := &http.Client{Timeout: timeout}

	switch cfg.Provider {
	case "gemini", "":
		return NewGemini(cfg.APIURL, cfg.APIKey, client), nil
	case "openai":
		return NewOpenAI(cfg.APIURL, cfg.APIKey, cfg.Model, client), nil
	case "anthropic":
		return NewAnthropic(cfg.APIURL, cfg.APIKey, cfg.Model, client), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// postJSON sends body as JSON and decodes a 200 response into out.
func postJSON(
	ctx context.Context,
	client *http.Client,
	url string,
	headers map[string]string,
	body any,
	out any,
) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("calling model API: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		msg := strings.TrimSpace(string(respBody))
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error.Message != "" {
			msg = apiErr.Error.Message
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
