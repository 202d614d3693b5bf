// Package providers holds clients for the external services jobs depend on.
// Clients make single attempts; retries and breakers are applied by callers.
package providers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

const maxErrorBody = 700

// ErrNotConfigured is returned by clients missing credentials.
var ErrNotConfigured = errors.New("provider not configured")

// StatusError is a non-2xx reply. It exposes the status and any Retry-After
// hint so the retry executor can classify it.
type StatusError struct {
	Provider string
	Code     int
	Message  string
	After    time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s status %d: %s", e.Provider, e.Code, e.Message)
}

func (e *StatusError) StatusCode() int           { return e.Code }
func (e *StatusError) RetryAfter() time.Duration { return e.After }

func newHTTPClient(c *http.Client, timeout time.Duration) *http.Client {
	if c != nil {
		return c
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// checkResponse turns a non-2xx response into a *StatusError.
func checkResponse(provider string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{
		Provider: provider,
		Code:     resp.StatusCode,
		Message:  strings.TrimSpace(string(body)),
		After:    parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
	}
}

func decodeJSON(provider string, resp *http.Response, out any) error {
	defer resp.Body.Close()
	if err := checkResponse(provider, resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decode %s response", provider)
	}
	return nil
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
