// Package llm provides the Ollama chat client used by the AI worker.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Message represents a chat message for the LLM.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Role constants for Message.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Config holds client settings.
type Config struct {
	// BaseURL is the Ollama endpoint, e.g. "http://localhost:11434".
	BaseURL string
	Model   string
	// Timeout is the hard per-request deadline.
	Timeout time.Duration
	// MaxTokens caps the completion length (Ollama num_predict).
	MaxTokens int
	Logger    *slog.Logger
}

// Client is a non-streaming client for the Ollama chat API.
type Client struct {
	baseURL    string
	model      string
	timeout    time.Duration
	maxTokens  int
	logger     *slog.Logger
	httpClient *http.Client
}

// New creates an Ollama client.
func New(cfg Config) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		model:     cfg.Model,
		timeout:   timeout,
		maxTokens: cfg.MaxTokens,
		logger:    logger,
		// The request context carries the hard deadline; the transport
		// timeout is a backstop against a wedged connection.
		httpClient: &http.Client{Timeout: timeout + 10*time.Second},
	}
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.model
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
	Options  *options  `json:"options,omitempty"`
}

type options struct {
	NumPredict int `json:"num_predict,omitempty"`
}

type chatResponse struct {
	Model   string  `json:"model"`
	Message Message `json:"message"`
	Done    bool    `json:"done"`
}

// Complete sends the messages and returns the model's reply text,
// trimmed. The call is bounded by the configured timeout regardless of
// the parent context. An empty reply is returned as "" — substituting
// fallback text is the caller's policy.
func (c *Client) Complete(ctx context.Context, messages []Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := chatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   false,
	}
	if c.maxTokens > 0 {
		req.Options = &options{NumPredict: c.maxTokens}
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("API error %d: %s", resp.StatusCode, string(body))
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	c.logger.Debug("llm completion",
		"model", c.model,
		"messages", len(messages),
		"elapsed", time.Since(start).Truncate(time.Millisecond),
	)

	return strings.TrimSpace(chatResp.Message.Content), nil
}

// Ping checks if the Ollama endpoint is reachable.
func (c *Client) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error %d", resp.StatusCode)
	}

	return nil
}
