// Package backend talks to the banking assistant API: it opens the chat
// stream and reports backend health.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	streamPath   = "/chat/stream"
	healthPath   = "/chat/health"
	maxErrorBody = 4 << 10
)

type Config struct {
	BaseURL string
	// Timeout bounds connection setup and the wait for response headers.
	// The stream body itself is bounded by the caller's context.
	Timeout    time.Duration
	Tokens     TokenSource
	Logger     *zap.Logger
	HTTPClient *http.Client
}

type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	logger     *zap.Logger
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           (&net.Dialer{Timeout: timeout}).DialContext,
				TLSHandshakeTimeout:   timeout,
				ResponseHeaderTimeout: timeout,
				MaxIdleConnsPerHost:   8,
				IdleConnTimeout:       90 * time.Second,
			},
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tokens := cfg.Tokens
	if tokens == nil {
		tokens = ContextToken
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		tokens:     tokens,
		httpClient: httpClient,
		logger:     logger,
	}
}

// OpenStream posts the message and returns the response body once a 2xx
// status has arrived. Cancelling ctx aborts the request and the body.
func (c *Client) OpenStream(ctx context.Context, req StreamRequest) (io.ReadCloser, error) {
	url := c.baseURL + streamPath

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, &OpenError{URL: url, Err: err}
	}
	body, contentType, err := req.encode()
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, fmt.Errorf("build stream request failed: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &OpenError{URL: url, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
		c.logger.Warn("backend stream rejected",
			zap.Int("status", resp.StatusCode),
			zap.String("session_id", req.SessionID),
		)
		return nil, statusErr
	}

	c.logger.Debug("backend stream opened",
		zap.String("session_id", req.SessionID),
		zap.Int("history", len(req.History)),
		zap.Int("attachments", len(req.Attachments)),
	)
	return resp.Body, nil
}

// HealthStatus is the backend's /chat/health payload.
type HealthStatus struct {
	Status  string `json:"status"`
	Service string `json:"service,omitempty"`
}

func (c *Client) Health(ctx context.Context) (HealthStatus, error) {
	url := c.baseURL + healthPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return HealthStatus{}, fmt.Errorf("build health request failed: %w", err)
	}
	if token, err := c.tokens.Token(ctx); err == nil {
		req.Header.Set("Authorization", "Bearer "+token)
	} else if !errors.Is(err, ErrNoToken) {
		return HealthStatus{}, &OpenError{URL: url, Err: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return HealthStatus{}, &OpenError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return HealthStatus{}, fmt.Errorf("read health response failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return HealthStatus{}, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	var status HealthStatus
	if err := unmarshalString(string(raw), &status); err != nil {
		return HealthStatus{}, fmt.Errorf("parse health response failed: %w", err)
	}
	return status, nil
}
