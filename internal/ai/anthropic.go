package ai

import (
	"context"
	"net/http"
	"strings"
)

const (
	defaultAnthropicURL   = "https://api.anthropic.com/v1/messages"
	defaultAnthropicModel = "claude-sonnet-4-5-20250929"
	anthropicVersion      = "2023-06-01"
)

// Anthropic calls the Claude Messages API.
type Anthropic struct {
	apiURL string
	apiKey string
	model  string
	client *http.Client
}

// NewAnthropic creates a Messages API generator.
func NewAnthropic(apiURL, apiKey, model string, client *http.Client) *Anthropic {
	if apiURL == "" || strings.Contains(apiURL, "generativelanguage.googleapis.com") {
		apiURL = defaultAnthropicURL
	}
	if model == "" || strings.HasPrefix(model, "gemini") {
		model = defaultAnthropicModel
	}
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &Anthropic{apiURL: apiURL, apiKey: apiKey, model: model, client: client}
}

type messagesRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	Messages    []chatMessage `json:"messages"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type messagesResponse struct {
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
}

// Complete returns the concatenated text blocks of the reply.
func (a *Anthropic) Complete(
	ctx context.Context,
	prompt string,
	maxTokens int,
	temperature float64,
) (string, error) {
	req := messagesRequest{
		Model:       a.model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
	}

	var resp messagesResponse
	err := postJSON(ctx, a.client, a.apiURL, map[string]string{
		"x-api-key":         a.apiKey,
		"anthropic-version": anthropicVersion,
	}, req, &resp)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}
