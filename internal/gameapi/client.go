package gameapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/park285/cheese-sync/pkg/chessdto"
)

// HeaderProvider allows injecting per-request headers (credential, user id).
type HeaderProvider func() map[string]string

type Client struct {
	baseURL string
	http    *fasthttp.Client
	headers HeaderProvider

	defaultTimeout time.Duration
	retryMax       int
	retryBase      time.Duration
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.defaultTimeout = d }
}

func WithMaxConnsPerHost(n int) Option {
	return func(c *Client) { c.http.MaxConnsPerHost = n }
}

func WithHeaderProvider(h HeaderProvider) Option {
	return func(c *Client) { c.headers = h }
}

// WithRetry sets the attempt budget for idempotent requests.
func WithRetry(max int) Option {
	return func(c *Client) { c.retryMax = max }
}

// WithRetryBase sets the first backoff step for idempotent retries.
func WithRetryBase(d time.Duration) Option {
	return func(c *Client) { c.retryBase = d }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		http:           &fasthttp.Client{ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 16},
		defaultTimeout: 10 * time.Second,
		retryMax:       3,
		retryBase:      100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SubmitMove sends a player move. It is never retried: a lost response may
// mean the server already applied it.
func (c *Client) SubmitMove(ctx context.Context, sessionID string, req chessdto.MoveRequest) (*chessdto.MoveResponse, error) {
	var resp chessdto.MoveResponse
	if err := c.doJSON(ctx, fasthttp.MethodPost, gamePath(sessionID, "moves"), req, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ComputerMove asks the server to generate the computer's reply. Retry policy
// belongs to the caller, which must re-check the position between attempts.
func (c *Client) ComputerMove(ctx context.Context, sessionID string, req chessdto.ComputerMoveRequest) (*chessdto.MoveResponse, error) {
	var resp chessdto.MoveResponse
	if err := c.doJSON(ctx, fasthttp.MethodPost, gamePath(sessionID, "computer-move"), req, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Session(ctx context.Context, sessionID string) (*chessdto.Session, error) {
	var s chessdto.Session
	if err := c.doJSON(ctx, fasthttp.MethodGet, gamePath(sessionID, ""), nil, &s, true); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) Timer(ctx context.Context, sessionID string) (*chessdto.TimerSnapshot, error) {
	var t chessdto.TimerSnapshot
	if err := c.doJSON(ctx, fasthttp.MethodGet, gamePath(sessionID, "timer"), nil, &t, true); err != nil {
		return nil, err
	}
	return &t, nil
}

// Resign is idempotent server-side, so it is retried like a read.
func (c *Client) Resign(ctx context.Context, sessionID string) (*chessdto.Session, error) {
	var s chessdto.Session
	if err := c.doJSON(ctx, fasthttp.MethodPost, gamePath(sessionID, "resign"), nil, &s, true); err != nil {
		return nil, err
	}
	return &s, nil
}

// ActiveGames returns the sessions that currently bind the user.
func (c *Client) ActiveGames(ctx context.Context) ([]chessdto.Session, error) {
	var resp chessdto.ActiveGamesResponse
	if err := c.doJSON(ctx, fasthttp.MethodGet, "/api/games/active", nil, &resp, true); err != nil {
		return nil, err
	}
	return resp.Games, nil
}

func gamePath(sessionID, action string) string {
	p := "/api/games/" + url.PathEscape(strings.TrimSpace(sessionID))
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) doJSON(ctx context.Context, method, path string, in any, out any, retry bool) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(method)
	req.SetRequestURI(c.baseURL + path)
	req.Header.SetContentType("application/json")
	req.Header.Set("Accept", "application/json")

	if c.headers != nil {
		for k, v := range c.headers() {
			if strings.TrimSpace(k) != "" && strings.TrimSpace(v) != "" {
				req.Header.Set(k, v)
			}
		}
	}

	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		req.SetBody(payload)
	}

	attempts := 1
	if retry && c.retryMax > 1 {
		attempts = c.retryMax
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := c.http.DoDeadline(req, resp, c.computeDeadline(ctx))
		if err != nil {
			lastErr = &TransportError{Op: method + " " + path, Err: err}
			if attempt == attempts {
				return lastErr
			}
			if sleepErr := sleepWithContext(ctx, c.backoffDuration(attempt)); sleepErr != nil {
				return lastErr
			}
			continue
		}

		status := resp.StatusCode()
		if status < 200 || status >= 300 {
			apiErr := newAPIError(status, resp.Body())
			if attempt == attempts || !shouldRetryStatus(status) {
				return apiErr
			}
			lastErr = apiErr
			if sleepErr := sleepWithContext(ctx, c.backoffDuration(attempt)); sleepErr != nil {
				return lastErr
			}
			continue
		}

		if out != nil && len(resp.Body()) > 0 {
			if err := json.Unmarshal(resp.Body(), out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
		}
		return nil
	}

	if lastErr == nil {
		lastErr = errors.New("unknown error")
	}
	return lastErr
}

func (c *Client) computeDeadline(ctx context.Context) time.Time {
	clientDL := time.Now().Add(c.defaultTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(clientDL) {
		return dl
	}
	return clientDL
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Client) backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	return time.Duration(1<<uint(attempt-1)) * c.retryBase
}

func shouldRetryStatus(code int) bool {
	switch code {
	case 500, 502, 503, 504:
		return true
	default:
		return false
	}
}
