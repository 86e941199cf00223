package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/luvhive/mysterymatch/internal/auth"
)

var ErrUnauthorized = errors.New("unauthorized")

// StatusError is a non-2xx answer from the backend.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: status %d", e.Code)
	}
	return fmt.Sprintf("api: status %d: %s", e.Code, e.Message)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrUnauthorized && e.Code == http.StatusUnauthorized
}

type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

type Client struct {
	base           string
	http           *http.Client
	tokens         TokenSource
	onUnauthorized func(ctx context.Context) error
	log            *zap.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http = &http.Client{Timeout: d} }
}

// OnUnauthorized runs whenever the backend answers 401, typically to drop
// the stored credentials.
func OnUnauthorized(f func(ctx context.Context) error) Option {
	return func(c *Client) { c.onUnauthorized = f }
}

func New(baseURL string, tokens TokenSource, logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		base:   strings.TrimRight(baseURL, "/"),
		http:   &http.Client{Timeout: 15 * time.Second},
		tokens: tokens,
		log:    logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, method, path string, body, out any, authed bool) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed && c.tokens != nil {
		if tok, err := c.tokens.Token(ctx); err == nil {
			if tok = auth.CleanToken(tok); tok != "" {
				req.Header.Set("Authorization", "Bearer "+tok)
			}
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("request failed", zap.String("method", method), zap.String("path", path), zap.Error(err))
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized && authed {
		c.log.Info("session rejected, clearing credentials", zap.String("path", path))
		if c.onUnauthorized != nil {
			if err := c.onUnauthorized(ctx); err != nil {
				c.log.Warn("clearing credentials failed", zap.Error(err))
			}
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Message: errorMessage(resp.Body)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// errorMessage pulls a human readable reason out of an error body.
func errorMessage(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 4096))
	var body struct {
		Detail  any    `json:"detail"`
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(b, &body) == nil {
		switch {
		case body.Detail != nil:
			if s, ok := body.Detail.(string); ok {
				return s
			}
			d, _ := json.Marshal(body.Detail)
			return string(d)
		case body.Error != "":
			return body.Error
		case body.Message != "":
			return body.Message
		}
	}
	return strings.TrimSpace(string(b))
}

func escape(id string) string { return url.PathEscape(id) }
