package gameapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/park285/cheese-sync/pkg/chessdto"
)

// APIError is a non-2xx response from the game API.
type APIError struct {
	Status int
	Body   chessdto.DomainError
	Raw    string
}

func newAPIError(status int, body []byte) *APIError {
	e := &APIError{Status: status, Raw: truncate(string(body), 512)}
	_ = json.Unmarshal(body, &e.Body)
	return e
}

func (e *APIError) Error() string {
	if msg := strings.TrimSpace(e.Body.Message); msg != "" {
		return fmt.Sprintf("game api error: status=%d code=%s: %s", e.Status, e.Body.Code, msg)
	}
	return fmt.Sprintf("game api error: status=%d body=%s", e.Status, e.Raw)
}

// Message returns the server's human-readable reason, suitable for showing verbatim.
func (e *APIError) Message() string {
	if msg := strings.TrimSpace(e.Body.Message); msg != "" {
		return msg
	}
	if e.Raw != "" {
		return e.Raw
	}
	return fmt.Sprintf("request rejected (%d)", e.Status)
}

// TransportError wraps connection-level failures (dial, timeout, reset).
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return "request failed: " + e.Op + ": " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// IsDefinitive reports a 4xx rejection: the request must not be retried.
func IsDefinitive(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 400 && apiErr.Status < 500
	}
	return false
}

// IsTransient reports failures worth retrying: transport errors and 5xx.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var tErr *TransportError
	if errors.As(err, &tErr) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
