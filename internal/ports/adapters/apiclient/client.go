// Package apiclient holds the HTTP plumbing shared by the remote service adapters.
package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/forPelevin/petclip/internal/types"
)

const maxErrorBody = 64 << 10

// Client sends requests to one remote service.
type Client struct {
	Service string
	BaseURL string
	Key     string
	HTTP    *http.Client
}

// New returns a client with a transport-level ceiling; per-call timeouts are
// applied through the request context.
func New(service, baseURL, key string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Client{Service: service, BaseURL: baseURL, Key: strings.TrimSpace(key), HTTP: httpClient}
}

// Send builds a request bound to a timeout-scoped context, executes it and
// decodes a 2xx JSON body into out (when out is non-nil). Every failure is a
// *types.RemoteServiceError.
func (c *Client) Send(
	ctx context.Context,
	op string,
	timeout time.Duration,
	build func(ctx context.Context) (*http.Request, error),
	out any,
) error {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := build(reqCtx)
	if err != nil {
		return c.fail(op, 0, "", fmt.Errorf("build request: %w", err))
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			return c.fail(op, 0, fmt.Sprintf("timeout after %s", timeout), err)
		}
		return c.fail(op, 0, "", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		rb, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if readErr != nil {
			return c.fail(op, resp.StatusCode, "read body failed", readErr)
		}
		return c.fail(op, resp.StatusCode, ErrorDetail(rb), nil)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return c.fail(op, resp.StatusCode, "malformed JSON response", err)
	}
	return nil
}

func (c *Client) fail(op string, status int, detail string, err error) error {
	return &types.RemoteServiceError{
		Service: c.Service,
		Op:      op,
		Status:  status,
		Detail:  Truncate(RedactSecrets(detail, c.Key), 400),
		Err:     err,
	}
}

// ErrorDetail extracts a readable message from an error response body.
func ErrorDetail(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return ""
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
		for _, key := range []string{"error", "message", "detail", "error_message"} {
			if msg := detailString(parsed[key]); msg != "" {
				return msg
			}
		}
	}
	return trimmed
}

func detailString(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case map[string]any:
		for _, key := range []string{"message", "detail", "code"} {
			if s, ok := x[key].(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

// Truncate shortens s to n runes.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

var (
	bearerTokenRE = regexp.MustCompile(`(?i)\bBearer\s+[A-Za-z0-9._-]+\b`)
	authHeaderRE  = regexp.MustCompile(`(?i)(authorization\s*[:=]\s*)([^\n\r,;]+)`)
	apiKeyFieldRE = regexp.MustCompile(`(?i)((?:api[_-]?)?key\s*[:=]\s*)([^\n\r,;&]+)`)
)

// RedactSecrets strips API keys and auth headers from text destined for logs or errors.
func RedactSecrets(s, apiKey string) string {
	if s == "" {
		return s
	}
	out := s
	if apiKey != "" {
		out = strings.ReplaceAll(out, apiKey, "[REDACTED]")
	}
	out = bearerTokenRE.ReplaceAllString(out, "Bearer [REDACTED]")
	out = authHeaderRE.ReplaceAllString(out, "${1}[REDACTED]")
	out = apiKeyFieldRE.ReplaceAllString(out, "${1}[REDACTED]")
	return out
}
