package huggingface

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"llm-chat-gateway/internal/domain"
	"llm-chat-gateway/internal/integrations/credentials"
	"llm-chat-gateway/internal/provider"
)

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := NewClient("hf", credentials.Static("hf-test"), WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	return c
}

func prompt() []domain.ChatMessage {
	return []domain.ChatMessage{
		{Role: "system", Content: "Be brief."},
		{Role: "user", Content: "Hello"},
		{Role: "assistant", Content: "Hi!"},
		{Role: "user", Content: "How are you?"},
	}
}

func TestRenderPrompt(t *testing.T) {
	got := RenderPrompt(prompt())
	require.Equal(t, "System: Be brief.\nUser: Hello\nAssistant: Hi!\nUser: How are you?\nAssistant:", got)
}

func TestNewClient_NilCredentials(t *testing.T) {
	_, err := NewClient("hf", nil)
	require.Error(t, err)
}

func TestClient_Send_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/models/org/model-7b", r.URL.Path)
		require.Equal(t, "Bearer hf-test", r.Header.Get("Authorization"))

		var body generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Contains(t, body.Inputs, "User: How are you?")
		require.Equal(t, 64, body.Parameters.MaxNewTokens)
		require.False(t, body.Parameters.ReturnFullText)

		_, _ = w.Write([]byte(`[{"generated_text":" Doing well. ","details":{"generated_tokens":3}}]`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	reply, err := c.Send(context.Background(), prompt(), provider.Options{Model: "org/model-7b", MaxTokens: 64})
	require.NoError(t, err)
	require.Equal(t, "Doing well.", reply.Content)
	require.Equal(t, "org/model-7b", reply.Model)
	require.Equal(t, 3, reply.CompletionTokens)
}

func TestClient_Send_ModelLoading(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"Model org/model-7b is currently loading","estimated_time":1.5}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Send(context.Background(), prompt(), provider.Options{Model: "org/model-7b"})
	pe, ok := provider.AsError(err)
	require.True(t, ok)
	require.Equal(t, provider.KindUnavailable, pe.Kind)
	require.Equal(t, 1500*time.Millisecond, pe.RetryAfter)
	require.Contains(t, pe.Message, "currently loading")
}

func TestClient_Send_AuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"Invalid credentials in Authorization header"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Send(context.Background(), prompt(), provider.Options{Model: "m"})
	pe, ok := provider.AsError(err)
	require.True(t, ok)
	require.Equal(t, provider.KindAuthFailure, pe.Kind)
	require.False(t, pe.Retryable())
}

func TestClient_Send_EmptyGenerations(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Send(context.Background(), prompt(), provider.Options{Model: "m"})
	require.ErrorContains(t, err, "no generations")
}

func TestClient_Send_Validation(t *testing.T) {
	c, err := NewClient("hf", credentials.Static("k"))
	require.NoError(t, err)

	_, err = c.Send(context.Background(), prompt(), provider.Options{})
	pe, ok := provider.AsError(err)
	require.True(t, ok)
	require.Equal(t, provider.KindInvalidRequest, pe.Kind)
}
