package ai

import (
	"context"
	"net/http"
	"strings"
)

const defaultGeminiURL = "https://generativelanguage.googleapis.com/v1beta/models/gemini-2.0-flash:generateContent"

// Gemini calls the generateContent endpoint.
type Gemini struct {
	apiURL string
	apiKey string
	client *http.Client
}

// NewGemini creates a Gemini generator. An empty apiURL uses gemini-2.0-flash.
func NewGemini(apiURL, apiKey string, client *http.Client) *Gemini {
	if apiURL == "" {
		apiURL = defaultGeminiURL
	}
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &Gemini{apiURL: apiURL, apiKey: apiKey, client: client}
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents         []geminiContent `json:"contents"`
	GenerationConfig struct {
		Temperature     float64 `json:"temperature"`
		MaxOutputTokens int     `json:"maxOutputTokens"`
	} `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

// Complete returns the first candidate's first text part.
func (g *Gemini) Complete(
	ctx context.Context,
	prompt string,
	maxTokens int,
	temperature float64,
) (string, error) {
	var req geminiRequest
	req.Contents = []geminiContent{{Parts: []geminiPart{{Text: prompt}}}}
	req.GenerationConfig.Temperature = temperature
	req.GenerationConfig.MaxOutputTokens = maxTokens

	var resp geminiResponse
	err := postJSON(ctx, g.client, g.apiURL,
		map[string]string{"x-goog-api-key": g.apiKey}, req, &resp)
	if err != nil {
		return "", err
	}

	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", ErrEmptyCompletion
	}
	text := strings.TrimSpace(resp.Candidates[0].Content.Parts[0].Text)
	if text == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}
