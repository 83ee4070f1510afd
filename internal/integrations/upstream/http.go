// Package upstream holds the HTTP plumbing shared by the provider bindings.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"llm-chat-gateway/internal/provider"
)

const (
	maxErrorBody    = 4096
	maxResponseBody = 1 << 20
)

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("upstream: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Request describes one JSON call.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    any
}

// DoJSON sends req and decodes a 2xx JSON response into out.
func DoJSON(ctx context.Context, client *http.Client, req Request, out any) error {
	var body io.Reader
	if req.Body != nil {
		buf, err := json.Marshal(req.Body)
		if err != nil {
			return fmt.Errorf("upstream: marshal request: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return fmt.Errorf("upstream: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	res, err := client.Do(httpReq)
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		retryAfter, _ := ParseRetryAfter(res.Header.Get("Retry-After"), time.Now())
		return &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        req.URL,
			Body:       strings.TrimSpace(string(buf)),
			RetryAfter: retryAfter,
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("upstream: read response body: %w", err)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(buf, out); err != nil {
		return fmt.Errorf("upstream: decode response: %w", err)
	}
	return nil
}

// ParseRetryAfter reads a Retry-After header given as delay-seconds or an HTTP date.
func ParseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

// ProviderError converts a DoJSON failure into the provider error taxonomy.
func ProviderError(providerName string, err error) error {
	if err == nil {
		return nil
	}
	var se *HTTPStatusError
	if errors.As(err, &se) {
		return &provider.Error{
			Provider:   providerName,
			Kind:       provider.KindForStatus(se.StatusCode),
			StatusCode: se.StatusCode,
			RetryAfter: se.RetryAfter,
			Message:    errorMessage(se.Body),
			Err:        err,
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &provider.Error{Provider: providerName, Kind: provider.KindTimeout, Message: "deadline exceeded", Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &provider.Error{Provider: providerName, Kind: provider.KindTimeout, Message: "network timeout", Err: err}
	}
	return &provider.Error{Provider: providerName, Kind: provider.KindUnavailable, Err: err}
}

// errorMessage extracts the message of an OpenAI-style or HuggingFace-style
// error envelope, falling back to the raw body.
func errorMessage(body string) string {
	var env struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal([]byte(body), &env); err != nil || len(env.Error) == 0 {
		return body
	}
	var nested struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(env.Error, &nested); err == nil && nested.Message != "" {
		return nested.Message
	}
	var flat string
	if err := json.Unmarshal(env.Error, &flat); err == nil && flat != "" {
		return flat
	}
	return body
}

// Endpoint joins base (or fallback when base is blank) and path.
func Endpoint(base, fallback, path string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		base = strings.TrimRight(fallback, "/")
	}
	return base + "/" + strings.TrimLeft(path, "/")
}
