// Package api is the HTTP client for the hospital settings/front-office
// backend. Every call attaches the bearer token when one is available, tags
// the request with an ID, logs method/path/status/latency, and converts
// failures into a typed *Error so callers can tell "legitimately empty" from
// "failed to load".
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TokenSource supplies the current bearer token. The second return reports
// whether a token exists at all; absence is not an error at this layer.
type TokenSource interface {
	Token() (string, bool)
}

// TokenFunc adapts a function to the TokenSource interface.
type TokenFunc func() (string, bool)

func (f TokenFunc) Token() (string, bool) { return f() }

// Config holds client construction parameters.
type Config struct {
	BaseURL string
	Timeout time.Duration // per-request deadline; default 15s
	Tokens  TokenSource   // optional
	Logger  zerolog.Logger

	// OnUnauthorized runs once per 401 response, before the error is
	// returned. The typical hook is a session teardown + redirect to login.
	OnUnauthorized func()
}

// Client is a thin JSON-over-HTTP client.
type Client struct {
	baseURL        string
	http           *http.Client
	tokens         TokenSource
	logger         zerolog.Logger
	onUnauthorized func()
}

// NewClient creates a Client. The base URL must be non-empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("api: base URL is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		http:           &http.Client{Timeout: timeout},
		tokens:         cfg.Tokens,
		logger:         cfg.Logger,
		onUnauthorized: cfg.OnUnauthorized,
	}, nil
}

// BaseURL returns the configured backend base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// GetJSON issues a GET and decodes the response body into out (out may be
// nil to discard the body).
func (c *Client) GetJSON(ctx context.Context, path string, query url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, query, nil, out)
}

// PostJSON issues a POST with a JSON body.
func (c *Client) PostJSON(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, nil, body, out)
}

// PutJSON issues a PUT with a JSON body.
func (c *Client) PutJSON(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPut, path, nil, body, out)
}

// PatchJSON issues a PATCH with a JSON body.
func (c *Client) PatchJSON(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPatch, path, nil, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	op := method + " " + path

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return &Error{Kind: KindEncode, Op: op, Err: err}
		}
		reader = bytes.NewReader(encoded)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return &Error{Kind: KindNetwork, Op: op, Err: err}
	}
	requestID := uuid.NewString()
	req.Header.Set("X-Request-ID", requestID)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		if tok, ok := c.tokens.Token(); ok {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Error().Err(err).
			Str("request_id", requestID).
			Str("method", method).
			Str("path", path).
			Dur("latency", time.Since(start)).
			Msg("request")
		return &Error{Kind: KindNetwork, Op: op, Err: err}
	}
	defer resp.Body.Close()

	evt := c.logger.Info()
	if resp.StatusCode >= 400 {
		evt = c.logger.Error()
	}
	evt.
		Str("request_id", requestID).
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("request")

	if resp.StatusCode == http.StatusUnauthorized {
		if c.onUnauthorized != nil {
			c.onUnauthorized()
		}
		return &Error{Kind: KindUnauthorized, Status: resp.StatusCode, Op: op}
	}
	if resp.StatusCode == http.StatusNotFound {
		return &Error{Kind: KindNotFound, Status: resp.StatusCode, Op: op}
	}
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &Error{Kind: KindServer, Status: resp.StatusCode, Op: op,
			Err: fmt.Errorf("%s", strings.TrimSpace(string(msg)))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Kind: KindDecode, Status: resp.StatusCode, Op: op, Err: err}
	}
	return nil
}
