// Package tutor implements clients for the tutoring backends.
package tutor

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

	"github.com/pavelanni/tutorchat/internal/conversation"
	"github.com/pavelanni/tutorchat/internal/model"
)

const maxErrorBody = 64 << 10

// Service is a tutoring backend.
type Service interface {
	conversation.Tutor
	Health(ctx context.Context) (*model.Health, error)
	Models(ctx context.Context) ([]model.ModelInfo, error)
}

var (
	_ Service = (*HTTPClient)(nil)
	_ Service = (*LLMClient)(nil)
)

// HTTPClient talks to the tutor REST service.
type HTTPClient struct {
	baseURL string
	prefix  string
	apiKey  string
	timeout time.Duration
	http    *http.Client
	logger  *slog.Logger
}

// NewHTTPClient creates a client for the service at cfg.URL.
func NewHTTPClient(cfg model.ClientConfig, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	prefix := strings.TrimRight(cfg.APIPrefix, "/")
	if prefix != "" && !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		prefix:  prefix,
		apiKey:  cfg.APIKey,
		timeout: cfg.Timeout,
		http:    &http.Client{},
		logger:  logger,
	}
}

// Ask sends one tutor request.
func (c *HTTPClient) Ask(ctx context.Context, req model.TutorRequest) (*model.TutorResponse, error) {
	var resp model.TutorResponse
	if err := c.do(ctx, http.MethodPost, c.prefix+"/tutor/ask", req, &resp); err != nil {
		return nil, err
	}
	if strings.TrimSpace(resp.Answer) == "" && len(resp.Questions) == 0 {
		return nil, ErrEmptyAnswer
	}
	return &resp, nil
}

// Health queries the service health endpoint.
func (c *HTTPClient) Health(ctx context.Context) (*model.Health, error) {
	var raw struct {
		Status           string `json:"status"`
		Version          string `json:"version"`
		ModelLoaded      *bool  `json:"modelLoaded"`
		ModelLoadedSnake *bool  `json:"model_loaded"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", nil, &raw); err != nil {
		return nil, fmt.Errorf("health check failed: %w", err)
	}
	h := &model.Health{Status: raw.Status, Version: raw.Version}
	switch {
	case raw.ModelLoaded != nil:
		h.ModelLoaded = *raw.ModelLoaded
	case raw.ModelLoadedSnake != nil:
		h.ModelLoaded = *raw.ModelLoadedSnake
	}
	return h, nil
}

// Models lists the models the service offers.
func (c *HTTPClient) Models(ctx context.Context) ([]model.ModelInfo, error) {
	var resp struct {
		Models []model.ModelInfo `json:"models"`
	}
	if err := c.do(ctx, http.MethodGet, c.prefix+"/tutor/models", nil, &resp); err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	return resp.Models, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("tutor service unreachable: %w", err)
	}
	defer resp.Body.Close()
	c.logger.Debug("tutor request", "method", method, "path", path, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return parseAPIError(resp.StatusCode, data)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("malformed tutor response: %w", err)
	}
	return nil
}
