package ai

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/schema"
	"github.com/tidwall/gjson"
)

const chatCompletionsPath = "/chat/completions"

// SendOnce performs a single non-streaming completion for prompt through an
// eino ChatModel pointed at the configured endpoint.
func (c *Client) SendOnce(ctx context.Context, prompt string, opts Options) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", ErrEmptyPrompt
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req := c.buildRequest(nil, prompt, opts, false)
	capture := &responseCapture{base: c.http.Transport}
	chatModel, err := openai.NewChatModel(ctx, c.chatModelConfig(req, capture))
	if err != nil {
		return "", fmt.Errorf("init chat model: %w", err)
	}

	reply, err := chatModel.Generate(ctx, toSchemaMessages(req.Messages))
	if apiErr := capture.apiError(); apiErr != nil {
		c.logger.Warn("completion request failed", "status", apiErr.StatusCode, "error", apiErr.Message)
		return "", apiErr
	}
	if err != nil {
		// an OK response without choices is reported as an error by the model
		if body, ok := capture.okBody(); ok && gjson.GetBytes(body, "choices.0.message.content").String() == "" {
			return NoResponseText, nil
		}
		return "", fmt.Errorf("generate completion: %w", err)
	}
	if reply == nil || reply.Content == "" {
		return NoResponseText, nil
	}
	return reply.Content, nil
}

func (c *Client) chatModelConfig(req completionRequest, capture *responseCapture) *openai.ChatModelConfig {
	temperature := float32(req.Temperature)
	cfg := &openai.ChatModelConfig{
		APIKey:      c.cfg.APIKey,
		BaseURL:     strings.TrimSuffix(strings.TrimRight(c.cfg.Endpoint, "/"), chatCompletionsPath),
		Model:       req.Model,
		Temperature: &temperature,
		HTTPClient: &http.Client{
			Transport:     capture,
			CheckRedirect: c.http.CheckRedirect,
			Jar:           c.http.Jar,
		},
	}
	if req.MaxTokens > 0 {
		maxTokens := req.MaxTokens
		cfg.MaxTokens = &maxTokens
	}
	return cfg
}

func toSchemaMessages(in []wireMessage) []*schema.Message {
	out := make([]*schema.Message, 0, len(in))
	for _, m := range in {
		out = append(out, &schema.Message{Role: schema.RoleType(m.Role), Content: m.Content})
	}
	return out
}

// responseCapture keeps the body of the completion response so error
// payloads map onto APIError the same way for both call styles.
type responseCapture struct {
	base http.RoundTripper

	mu     sync.Mutex
	status int
	body   []byte
}

func (t *responseCapture) RoundTrip(req *http.Request) (*http.Response, error) {
	if strings.TrimSpace(req.Header.Get("Authorization")) == "Bearer" {
		req = req.Clone(req.Context())
		req.Header.Del("Authorization")
	}
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	resp, err := base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	t.mu.Lock()
	t.status, t.body = resp.StatusCode, raw
	t.mu.Unlock()
	resp.Body = io.NopCloser(bytes.NewReader(raw))
	return resp, nil
}

func (t *responseCapture) apiError() *APIError {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == 0 || (t.status >= 200 && t.status <= 299) {
		return nil
	}
	return newAPIError(t.status, t.body)
}

func (t *responseCapture) okBody() ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.body, t.status >= 200 && t.status <= 299
}
