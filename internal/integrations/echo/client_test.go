package echo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"llm-chat-gateway/internal/domain"
	"llm-chat-gateway/internal/provider"
)

func TestSend_EchoesLastUserMessage(t *testing.T) {
	c := NewClient("")
	reply, err := c.Send(context.Background(), []domain.ChatMessage{
		{Role: "user", Content: "first"},
		{Role: "assistant", Content: "ok"},
		{Role: "user", Content: "second"},
	}, provider.Options{})
	require.NoError(t, err)
	require.Equal(t, "echo: second", reply.Content)
	require.Equal(t, "echo", reply.Model)
}

func TestSend_NoUserMessage(t *testing.T) {
	_, err := NewClient("dev").Send(context.Background(), []domain.ChatMessage{{Role: "system", Content: "x"}}, provider.Options{})
	pe, ok := provider.AsError(err)
	require.True(t, ok)
	require.Equal(t, provider.KindInvalidRequest, pe.Kind)
}

func TestSend_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewClient("dev").Send(ctx, []domain.ChatMessage{{Role: "user", Content: "x"}}, provider.Options{})
	require.Error(t, err)
}
