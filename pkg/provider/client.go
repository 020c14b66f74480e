// Package provider talks to OpenAI-compatible chat completion endpoints
// over pooled connections.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pario-ai/chatrelay/pkg/config"
	"github.com/pario-ai/chatrelay/pkg/models"
)

// maxErrorBody bounds how much of an error response is kept in messages.
const maxErrorBody = 512

// Prompt is one completion request: a system prompt, the prior
// conversation and the new question.
type Prompt struct {
	System   string
	History  []models.ChatTurn
	Question string
}

// Completer produces an answer for a prompt over a pooled connection.
type Completer interface {
	Complete(ctx context.Context, conn *Conn, p Prompt) (string, error)
}

// Client is a Completer for OpenAI and Azure OpenAI chat completions.
type Client struct {
	cfg      config.ProviderConfig
	endpoint string
}

// NewClient validates cfg and returns a Client.
func NewClient(cfg config.ProviderConfig) (*Client, error) {
	endpoint, err := completionsURL(cfg)
	if err != nil {
		return nil, err
	}
	return &Client{cfg: cfg, endpoint: endpoint}, nil
}

func completionsURL(cfg config.ProviderConfig) (string, error) {
	base, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return "", fmt.Errorf("invalid provider URL %q", cfg.URL)
	}
	if cfg.Type != config.ProviderAzure {
		return base.String() + "/chat/completions", nil
	}
	if cfg.Deployment == "" {
		return "", fmt.Errorf("azure provider requires a deployment name")
	}
	base = base.JoinPath("openai", "deployments", cfg.Deployment, "chat", "completions")
	q := base.Query()
	q.Set("api-version", cfg.APIVersion)
	base.RawQuery = q.Encode()
	return base.String(), nil
}

// Messages renders p as provider chat messages: system, history, question.
func (p Prompt) Messages() []models.ChatMessage {
	msgs := make([]models.ChatMessage, 0, len(p.History)+2)
	if p.System != "" {
		msgs = append(msgs, models.ChatMessage{Role: "system", Content: p.System})
	}
	for _, turn := range p.History {
		msgs = append(msgs, models.ChatMessage{Role: turn.Role.ProviderRole(), Content: turn.Content})
	}
	return append(msgs, models.ChatMessage{Role: "user", Content: p.Question})
}

// Complete sends p over conn and returns the first choice's content.
func (c *Client) Complete(ctx context.Context, conn *Conn, p Prompt) (string, error) {
	temperature := c.cfg.Temperature
	maxTokens := c.cfg.MaxTokens
	body := models.ChatCompletionRequest{
		Messages:    p.Messages(),
		Temperature: &temperature,
		MaxTokens:   &maxTokens,
	}
	if c.cfg.Type != config.ProviderAzure {
		body.Model = c.cfg.Model
	}

	buf, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(buf))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := conn.do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read response: %w", ErrTransport, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", fmt.Errorf("%w: %s", ErrRateLimit, snippet(respBody))
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("%w: status %d: %s", ErrProviderDown, resp.StatusCode, snippet(respBody))
	case resp.StatusCode >= 300:
		return "", fmt.Errorf("%w: status %d: %s", ErrBadResponse, resp.StatusCode, snippet(respBody))
	}

	var parsed models.ChatCompletionResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("%w: decode response: %w", ErrBadResponse, err)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("%w: empty response from model", ErrBadResponse)
	}
	return parsed.Choices[0].Message.Content, nil
}

func snippet(b []byte) string {
	if len(b) > maxErrorBody {
		b = b[:maxErrorBody]
	}
	return strings.TrimSpace(string(b))
}
