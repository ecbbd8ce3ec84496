package ai

import (
	"context"
	"net/http"
	"strings"
)

const (
	defaultOpenAIURL   = "https://api.openai.com/v1/chat/completions"
	defaultOpenAIModel = "gpt-4o-mini"
)

// OpenAI calls an OpenAI-compatible chat completions endpoint.
type OpenAI struct {
	apiURL string
	apiKey string
	model  string
	client *http.Client
}

// NewOpenAI creates a chat-completions generator.
func NewOpenAI(apiURL, apiKey, model string, client *http.Client) *OpenAI {
	if apiURL == "" || strings.Contains(apiURL, "generativelanguage.googleapis.com") {
		apiURL = defaultOpenAIURL
	}
	if model == "" || strings.HasPrefix(model, "gemini") {
		model = defaultOpenAIModel
	}
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &OpenAI{apiURL: apiURL, apiKey: apiKey, model: model, client: client}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Complete returns the first choice's message content.
func (o *OpenAI) Complete(
	ctx context.Context,
	prompt string,
	maxTokens int,
	temperature float64,
) (string, error) {
	req := chatRequest{
		Model:       o.model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		MaxTokens:   maxTokens,
		Temperature: temperature,
	}

	var resp chatResponse
	err := postJSON(ctx, o.client, o.apiURL,
		map[string]string{"Authorization": "Bearer " + o.apiKey}, req, &resp)
	if err != nil {
		return "", err
	}

	if len(resp.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}
