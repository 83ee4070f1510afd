package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"llm-chat-gateway/internal/provider"
)

func TestDoJSON_DecodesSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	var out struct {
		OK bool `json:"ok"`
	}
	err := DoJSON(context.Background(), srv.Client(), Request{
		URL:     srv.URL,
		Headers: map[string]string{"Authorization": "Bearer k"},
		Body:    map[string]string{"a": "b"},
	}, &out)
	require.NoError(t, err)
	require.True(t, out.OK)
}

func TestDoJSON_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down"}}`))
	}))
	defer srv.Close()

	err := DoJSON(context.Background(), srv.Client(), Request{URL: srv.URL}, nil)
	var se *HTTPStatusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusTooManyRequests, se.StatusCode)
	require.Equal(t, 7*time.Second, se.RetryAfter)

	perr := ProviderError("openai", err)
	pe, ok := provider.AsError(perr)
	require.True(t, ok)
	require.Equal(t, provider.KindRateLimited, pe.Kind)
	require.Equal(t, 7*time.Second, pe.RetryAfter)
	require.Equal(t, "slow down", pe.Message)
}

func TestDoJSON_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`not-json`))
	}))
	defer srv.Close()

	var out map[string]any
	err := DoJSON(context.Background(), srv.Client(), Request{URL: srv.URL}, &out)
	require.ErrorContains(t, err, "decode response")
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	d, ok := ParseRetryAfter("3", now)
	require.True(t, ok)
	require.Equal(t, 3*time.Second, d)

	d, ok = ParseRetryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now)
	require.True(t, ok)
	require.Equal(t, 90*time.Second, d)

	_, ok = ParseRetryAfter("", now)
	require.False(t, ok)
	_, ok = ParseRetryAfter("soon", now)
	require.False(t, ok)
}

func TestProviderError_Classification(t *testing.T) {
	require.NoError(t, ProviderError("p", nil))

	pe, _ := provider.AsError(ProviderError("p", &HTTPStatusError{StatusCode: 401, Body: `{"error":"bad token"}`}))
	require.Equal(t, provider.KindAuthFailure, pe.Kind)
	require.Equal(t, "bad token", pe.Message)

	pe, _ = provider.AsError(ProviderError("p", context.DeadlineExceeded))
	require.Equal(t, provider.KindTimeout, pe.Kind)

	pe, _ = provider.AsError(ProviderError("p", errors.New("dial tcp: refused")))
	require.Equal(t, provider.KindUnavailable, pe.Kind)
}

func TestEndpoint(t *testing.T) {
	require.Equal(t, "https://x/models/m", Endpoint("https://x/", "https://y", "/models/m"))
	require.Equal(t, "https://y/models/m", Endpoint(" ", "https://y", "models/m"))
}
