// Package api talks to the chat authority over HTTP: the full-refresh fetch,
// the read-watermark upsert and the health probe.
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
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cloudzz-dev/cldzchat/internal/client/models"
)

// ErrUnreachable wraps failures where no HTTP response came back at all.
var ErrUnreachable = errors.New("server unreachable")

// StatusError is a non-2xx response from the authority.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("HTTP %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("HTTP %d", e.Code)
}

// IsAuthRejection reports whether err means the credential was refused.
func IsAuthRejection(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusUnauthorized || se.Code == http.StatusForbidden
	}
	return false
}

type Client struct {
	base       *url.URL
	http       *http.Client
	credential atomic.Value // string
	logger     *zap.Logger
}

func New(serverURL string, timeout time.Duration, logger *zap.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url %q: scheme must be http or https", serverURL)
	}
	c := &Client{
		base:   u,
		http:   &http.Client{Timeout: timeout},
		logger: logger.Named("api"),
	}
	c.credential.Store("")
	return c, nil
}

// SetCredential sets the bearer token sent with authenticated requests.
// Safe to call from any goroutine.
func (c *Client) SetCredential(token string) {
	c.credential.Store(token)
}

func (c *Client) token() string {
	return c.credential.Load().(string)
}

// LiveURL returns the websocket address of the live channel for token.
func (c *Client) LiveURL(token string) string {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	if u.Path == "" {
		u.Path = "/"
	}
	q := url.Values{}
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}

// FetchState performs the full-refresh fetch.
func (c *Client) FetchState(ctx context.Context) (*models.Snapshot, error) {
	var snap models.Snapshot
	if err := c.do(ctx, http.MethodGet, "/api/me", nil, &snap); err != nil {
		return nil, fmt.Errorf("fetch state: %w", err)
	}
	return &snap, nil
}

// MarkRead upserts a read watermark. The server keeps the maximum, so the
// call is safe to retry and to race with a later value.
func (c *Client) MarkRead(ctx context.Context, chatID string, lastReadAt int64) error {
	body := models.ReadReceiptPayload{ChatID: chatID, LastReadAt: lastReadAt}
	if err := c.do(ctx, http.MethodPost, "/api/read", body, nil); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// Health probes the liveness endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/api/health"), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Cache-Control", "no-store")
	resp, err := c.http.Do(req)
	if err != nil {
		return c.transportError(ctx, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

// Close releases idle keep-alive connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

func (c *Client) endpoint(path string) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String()
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return c.transportError(ctx, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("HTTP request",
		zap.String("method", method),
		zap.String("url", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(started)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&payload)
		return &StatusError{Code: resp.StatusCode, Message: payload.Error}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// transportError keeps cancellation distinct from an unreachable server so
// a logout in flight is not mistaken for an outage.
func (c *Client) transportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}
