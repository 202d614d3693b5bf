package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

type OpenRouterConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// OpenRouter calls the chat completions API.
type OpenRouter struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

func NewOpenRouter(cfg OpenRouterConfig) *OpenRouter {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://openrouter.ai/api/v1"
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "openrouter/auto"
	}
	return &OpenRouter{
		apiKey:     strings.TrimSpace(cfg.APIKey),
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		model:      cfg.Model,
		httpClient: newHTTPClient(cfg.HTTPClient, cfg.Timeout),
	}
}

func (c *OpenRouter) Available() bool {
	return c != nil && c.apiKey != ""
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content any `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete sends one chat completion and returns the assistant text.
func (c *OpenRouter) Complete(ctx context.Context, system, prompt string) (string, error) {
	if !c.Available() {
		return "", errors.Wrap(ErrNotConfigured, "openrouter")
	}
	messages := make([]chatMessage, 0, 2)
	if strings.TrimSpace(system) != "" {
		messages = append(messages, chatMessage{Role: "system", Content: system})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	body, err := json.Marshal(map[string]any{"model": c.model, "messages": messages})
	if err != nil {
		return "", errors.Wrap(err, "marshal openrouter payload")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "create openrouter request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "openrouter transport")
	}
	var out chatResponse
	if err := decodeJSON("openrouter", resp, &out); err != nil {
		return "", err
	}
	text := extractText(out)
	if text == "" {
		return "", errors.New("openrouter response without text output")
	}
	return text, nil
}

func extractText(r chatResponse) string {
	if len(r.Choices) == 0 {
		return ""
	}
	switch typed := r.Choices[0].Message.Content.(type) {
	case string:
		return strings.TrimSpace(typed)
	case []any:
		parts := make([]string, 0, len(typed))
		for _, item := range typed {
			frag, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if s, _ := frag["text"].(string); strings.TrimSpace(s) != "" {
				parts = append(parts, strings.TrimSpace(s))
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}
