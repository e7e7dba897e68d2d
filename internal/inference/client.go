// Package inference talks to the local model endpoint. The endpoint is
// treated as hostile input: every response field is validated before use
// and nothing here ever panics on malformed output.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Client is the single operation the verification protocol needs. Each
// call carries its own timeout, independent of the caller's budget.
type Client interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string, timeout time.Duration) (string, error)
}

// ClientFunc adapts a function to the Client interface; tests script
// model behavior with it.
type ClientFunc func(ctx context.Context, systemPrompt, userPrompt string, timeout time.Duration) (string, error)

func (f ClientFunc) Complete(ctx context.Context, systemPrompt, userPrompt string, timeout time.Duration) (string, error) {
	return f(ctx, systemPrompt, userPrompt, timeout)
}

// LocalClient speaks the OpenAI-compatible chat completions dialect that
// local runtimes (ollama, llama.cpp server) expose.
type LocalClient struct {
	baseURL string
	model   string
	http    *http.Client
	log     *zap.Logger
}

// LocalConfig configures a LocalClient.
type LocalConfig struct {
	BaseURL string // e.g. http://localhost:11434/v1
	Model   string
	Logger  *zap.Logger
}

// NewLocalClient builds a client for one model on the local endpoint.
func NewLocalClient(cfg LocalConfig) *LocalClient {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &LocalClient{
		baseURL: cfg.BaseURL,
		model:   cfg.Model,
		// Per-call timeouts come from the context; the transport-level
		// timeout is only a backstop against a wedged endpoint.
		http: &http.Client{Timeout: 2 * time.Minute},
		log:  cfg.Logger,
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Complete sends one chat completion and returns the raw text. The
// in-flight HTTP request is abandoned cleanly when ctx or the per-call
// timeout expires.
func (c *LocalClient) Complete(ctx context.Context, systemPrompt, userPrompt string, timeout time.Duration) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	messages := []chatMessage{}
	if systemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: userPrompt})

	body, err := json.Marshal(chatRequest{Model: c.model, Messages: messages})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("model call: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("model endpoint returned %d: %s", resp.StatusCode, firstBytes(data, 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("model error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("model returned no choices")
	}

	c.log.Debug("model call complete",
		zap.String("model", c.model),
		zap.Duration("took", time.Since(start)),
		zap.Int("chars", len(parsed.Choices[0].Message.Content)))
	return parsed.Choices[0].Message.Content, nil
}

func firstBytes(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
