// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package client implements HTTP clients for the home node transfer API and
// the backup node API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/LeeDigitalWorks/hlsferry/pkg/retry"
	"github.com/LeeDigitalWorks/hlsferry/pkg/types"
	"github.com/LeeDigitalWorks/hlsferry/pkg/utils"

	"golang.org/x/time/rate"
)

// DefaultTimeout bounds requests without a body stream.
const DefaultTimeout = 30 * time.Second

// StatusError is returned for a non-2xx reply.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Message    string
	Missing    []int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.URL, e.StatusCode, e.Message)
}

// Retryable reports whether the request may succeed when repeated.
func (e *StatusError) Retryable() bool {
	switch {
	case e.StatusCode >= 500:
		return true
	case e.StatusCode == http.StatusTooManyRequests, e.StatusCode == http.StatusRequestTimeout:
		return true
	}
	return false
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}

// Client carries the transport shared by the node clients.
type Client struct {
	http    *http.Client
	limiter *rate.Limiter
	ownerID string
}

type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithRateLimit throttles upload bodies to bytesPerSec. Zero is unlimited.
func WithRateLimit(bytesPerSec int64) Option {
	return func(cl *Client) { cl.limiter = utils.NewByteLimiter(bytesPerSec) }
}

// WithOwner sets the owner id sent with chunk uploads.
func WithOwner(ownerID string) Option {
	return func(cl *Client) { cl.ownerID = ownerID }
}

// New creates a bare client for plain JSON calls, such as hand-off notices.
func New(opts ...Option) *Client {
	return newClient(opts)
}

func newClient(opts []Option) *Client {
	c := &Client{http: &http.Client{}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PostJSON posts in as JSON to url and decodes the reply into out (if not nil).
func (c *Client) PostJSON(ctx context.Context, url string, in, out any) error {
	return permanent(c.postJSON(ctx, url, in, out))
}

// GetJSON fetches url and decodes the reply into out.
func (c *Client) GetJSON(ctx context.Context, url string, out any) error {
	return permanent(c.getJSON(ctx, url, out))
}

func (c *Client) postJSON(ctx context.Context, url string, in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return retry.Stop(err)
	}
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return retry.Stop(err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return retry.Stop(err)
	}
	return c.do(req, out)
}

// upload posts a raw body with headers, throttled by the client limiter.
func (c *Client) upload(ctx context.Context, url string, body io.Reader, size int64, headers map[string]string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, utils.ThrottleReader(ctx, body, c.limiter))
	if err != nil {
		return retry.Stop(err)
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")
	for k, v := range headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(req, resp)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

func decodeError(req *http.Request, resp *http.Response) *StatusError {
	se := &StatusError{
		Method:     req.Method,
		URL:        req.URL.Redacted(),
		StatusCode: resp.StatusCode,
		Message:    http.StatusText(resp.StatusCode),
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var er types.ErrorResponse
	if json.Unmarshal(body, &er) == nil && er.Error != "" {
		se.Message = er.Error
		se.Missing = er.Missing
	} else if msg := strings.TrimSpace(string(body)); msg != "" {
		se.Message = msg
	}
	return se
}

// permanent wraps replies that cannot succeed on repetition with retry.Stop
// so retry loops give up at once.
func permanent(err error) error {
	var se *StatusError
	if errors.As(err, &se) && !se.Retryable() {
		return retry.Stop(err)
	}
	return err
}

// join appends path to a base URL.
func join(base, path string) string {
	return strings.TrimRight(base, "/") + path
}
