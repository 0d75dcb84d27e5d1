package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"neuropulse/internal/models"
	"neuropulse/internal/stream"
)

// NoResponseText is returned by SendOnce when the reply has no content.
const NoResponseText = "No response received"

const defaultTimeout = 2 * time.Minute

// Config configures a Client.
//
// Timeout bounds the wait for response headers and the whole of a
// non-streaming call. IdleTimeout bounds the gap between two reads of a
// streaming body and defaults to Timeout, which defaults to two minutes.
type Config struct {
	Endpoint     string
	APIKey       string
	HTTPClient   *http.Client
	Timeout      time.Duration
	IdleTimeout  time.Duration
	Catalog      Catalog
	DefaultModel string
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
	Logger       *slog.Logger
}

// Options override per-request parameters. Zero values use the client defaults.
type Options struct {
	Model       string
	Temperature *float64
	MaxTokens   int
}

// Client talks to an OpenAI-compatible chat completion endpoint.
type Client struct {
	cfg     Config
	http    *http.Client
	decoder *stream.Decoder
	logger  *slog.Logger

	inflight *inflightSet
}

type inflightSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

type wireMessage struct {
	Role    models.Role `json:"role"`
	Content string      `json:"content"`
}

type completionRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream"`
}

// NewClient constructs a client. Without an HTTPClient it builds one whose
// transport enforces Timeout on response headers only.
func NewClient(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = cfg.Timeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.ResponseHeaderTimeout = cfg.Timeout
		httpClient = &http.Client{Transport: tr}
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = cfg.Catalog.DefaultModel
	}
	return &Client{
		cfg:      cfg,
		http:     httpClient,
		decoder:  stream.NewDecoder(logger),
		logger:   logger,
		inflight: &inflightSet{ids: make(map[string]struct{})},
	}
}

// WithAPIKey returns a client bound to key that shares the in-flight set.
func (c *Client) WithAPIKey(key string) *Client {
	cp := *c
	cp.cfg.APIKey = key
	return &cp
}

// HasAPIKey reports whether a credential is bound.
func (c *Client) HasAPIKey() bool {
	return strings.TrimSpace(c.cfg.APIKey) != ""
}

// Catalog returns the configured model catalog.
func (c *Client) Catalog() Catalog {
	return c.cfg.Catalog
}

// Busy reports whether conversationID has a streaming request outstanding.
func (c *Client) Busy(conversationID string) bool {
	c.inflight.mu.Lock()
	defer c.inflight.mu.Unlock()
	_, ok := c.inflight.ids[conversationID]
	return ok
}

func (c *Client) acquire(conversationID string) (func(), error) {
	c.inflight.mu.Lock()
	defer c.inflight.mu.Unlock()
	if _, ok := c.inflight.ids[conversationID]; ok {
		return nil, ErrBusy
	}
	c.inflight.ids[conversationID] = struct{}{}
	return func() {
		c.inflight.mu.Lock()
		delete(c.inflight.ids, conversationID)
		c.inflight.mu.Unlock()
	}, nil
}

// SendStreaming sends history plus prompt with stream enabled and decodes the
// response incrementally. Only one call per conversationID may run at a time.
func (c *Client) SendStreaming(ctx context.Context, conversationID, prompt string, history []*models.Message, opts Options, onPartial stream.PartialFunc) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", ErrEmptyPrompt
	}
	release, err := c.acquire(conversationID)
	if err != nil {
		return "", err
	}
	defer release()

	reqCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	req := c.buildRequest(history, prompt, opts, true)
	resp, err := c.do(reqCtx, req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	stall := time.AfterFunc(c.cfg.IdleTimeout, func() { cancel(ErrStreamStalled) })
	defer stall.Stop()
	body := &idleReader{r: resp.Body, timer: stall, limit: c.cfg.IdleTimeout}

	text, err := c.decoder.Decode(reqCtx, body, onPartial)
	if err != nil {
		if cause := context.Cause(reqCtx); errors.Is(cause, ErrStreamStalled) {
			err = cause
		}
		c.logger.Warn("stream interrupted", "conversation", conversationID, "chars", len(text), "error", err)
		return "", &StreamError{Partial: text, Err: err}
	}
	c.logger.Debug("stream completed", "conversation", conversationID, "model", req.Model, "chars", len(text))
	return text, nil
}

func (c *Client) buildRequest(history []*models.Message, prompt string, opts Options, streaming bool) completionRequest {
	model := c.resolveModel(opts.Model)
	temperature := c.cfg.Temperature
	if opts.Temperature != nil {
		temperature = *opts.Temperature
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.cfg.MaxTokens
	}
	if model.MaxTokens > 0 && (maxTokens <= 0 || maxTokens > model.MaxTokens) {
		maxTokens = model.MaxTokens
	}
	return completionRequest{
		Model:       model.ID,
		Messages:    c.convertMessages(history, prompt),
		Temperature: temperature,
		MaxTokens:   maxTokens,
		Stream:      streaming,
	}
}

func (c *Client) resolveModel(id string) Model {
	if len(c.cfg.Catalog.Models) == 0 {
		if id == "" {
			id = c.cfg.DefaultModel
		}
		return Model{ID: id}
	}
	if id == "" {
		id = c.cfg.DefaultModel
	}
	return c.cfg.Catalog.Resolve(id)
}

func (c *Client) convertMessages(history []*models.Message, prompt string) []wireMessage {
	out := make([]wireMessage, 0, len(history)+2)
	if c.cfg.SystemPrompt != "" {
		out = append(out, wireMessage{Role: models.RoleSystem, Content: c.cfg.SystemPrompt})
	}
	for _, msg := range history {
		if msg == nil {
			continue
		}
		role := msg.Role
		if !role.Valid() {
			role = models.RoleUser
		}
		out = append(out, wireMessage{Role: role, Content: msg.Content})
	}
	return append(out, wireMessage{Role: models.RoleUser, Content: prompt})
}

// idleReader pushes the stall deadline forward whenever bytes arrive.
type idleReader struct {
	r     io.Reader
	timer *time.Timer
	limit time.Duration
}

func (r *idleReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		r.timer.Reset(r.limit)
	}
	return n, err
}

// do posts the request and returns the response when the status is 2xx.
func (c *Client) do(ctx context.Context, payload completionRequest) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.HasAPIKey() {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if payload.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		apiErr := newAPIError(resp.StatusCode, raw)
		c.logger.Warn("completion request failed", "status", resp.StatusCode, "error", apiErr.Message)
		return nil, apiErr
	}
	return resp, nil
}
