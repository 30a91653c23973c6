// Package assist is the optional AI path used by reconciliation: a chat
// completion client plus a quota-gated invoice summarizer.
package assist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/agentworkforce/billbridge/internal/httpclient"
	"github.com/agentworkforce/billbridge/internal/syncerr"
)

const (
	DefaultEndpoint = "https://api.openai.com/v1/chat/completions"
	DefaultModel    = "gpt-4o-mini"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Completer turns a prompt into text. The request/response exchange is
// opaque to the rest of the module.
type Completer interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

type ChatOptions struct {
	Endpoint   string
	APIKey     string
	Model      string
	HTTPClient *http.Client
	MaxRetries int
	BaseDelay  time.Duration
}

// ChatClient talks to an OpenAI-compatible chat completions endpoint.
type ChatClient struct {
	endpoint string
	apiKey   string
	model    string
	http     *httpclient.Client
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

type chatError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

func NewChatClient(opts ChatOptions) *ChatClient {
	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = DefaultModel
	}
	return &ChatClient{
		endpoint: endpoint,
		apiKey:   strings.TrimSpace(opts.APIKey),
		model:    model,
		http: httpclient.New(httpclient.Options{
			HTTPClient: opts.HTTPClient,
			UserAgent:  "billbridge",
			MaxRetries: opts.MaxRetries,
			BaseDelay:  opts.BaseDelay,
		}),
	}
}

func (c *ChatClient) Complete(ctx context.Context, messages []Message) (string, error) {
	if c.apiKey == "" {
		return "", &syncerr.ConfigurationError{Reason: "assist api key not set"}
	}
	if len(messages) == 0 {
		return "", errors.New("assist: no messages provided")
	}
	body, err := json.Marshal(chatRequest{Model: c.model, Messages: messages, MaxTokens: 160, Temperature: 0.2})
	if err != nil {
		return "", fmt.Errorf("assist: marshal request: %w", err)
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.apiKey)
	header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(ctx, httpclient.Request{Method: http.MethodPost, URL: c.endpoint, Header: header, Body: body})
	if err != nil {
		return "", &syncerr.ProviderError{Provider: "assist", Op: "complete", Err: err}
	}
	if !resp.OK() {
		var apiErr chatError
		message := strings.TrimSpace(string(resp.Body))
		if json.Unmarshal(resp.Body, &apiErr) == nil && apiErr.Error.Message != "" {
			message = apiErr.Error.Message
		}
		return "", &syncerr.ProviderError{
			Provider:   "assist",
			Op:         "complete",
			StatusCode: resp.StatusCode,
			Code:       firstNonEmpty(apiErr.Error.Code, apiErr.Error.Type),
			Message:    message,
		}
	}
	var decoded chatResponse
	if err := json.Unmarshal(resp.Body, &decoded); err != nil {
		return "", fmt.Errorf("assist: decode response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return "", errors.New("assist: no choices returned")
	}
	return strings.TrimSpace(decoded.Choices[0].Message.Content), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
