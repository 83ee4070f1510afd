package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"llm-chat-gateway/internal/domain"
)

type stubClient struct{ name string }

func (s *stubClient) Send(_ context.Context, _ []domain.ChatMessage, _ Options) (Reply, error) {
	return Reply{Content: s.name}, nil
}

func stubFactories() map[string]Factory {
	return map[string]Factory{
		"stub": func(cfg Config) (Client, error) { return &stubClient{name: cfg.Name}, nil },
		"broken": func(Config) (Client, error) {
			return nil, errors.New("no credentials")
		},
	}
}

func TestNewRegistry_ResolvesConfiguredProviders(t *testing.T) {
	r, err := NewRegistry("b", []Config{
		{Name: "a", Kind: "stub", Model: "m-a"},
		{Name: "b", Kind: "stub", Model: "m-b"},
	}, stubFactories())
	require.NoError(t, err)
	require.Equal(t, "b", r.Default())
	require.Equal(t, []string{"a", "b"}, r.Names())

	b, err := r.Resolve("a")
	require.NoError(t, err)
	require.Equal(t, "m-a", b.Config.Model)
	reply, err := b.Client.Send(context.Background(), nil, Options{})
	require.NoError(t, err)
	require.Equal(t, "a", reply.Content)

	b, err = r.Resolve("")
	require.NoError(t, err)
	require.Equal(t, "b", b.Config.Name)
}

func TestRegistry_UnknownProvider(t *testing.T) {
	r, err := NewRegistry("", []Config{{Name: "only", Kind: "stub"}}, stubFactories())
	require.NoError(t, err)
	require.Equal(t, "only", r.Default())

	_, err = r.Resolve("missing")
	require.ErrorIs(t, err, ErrUnknownProvider)
}

func TestNewRegistry_Validation(t *testing.T) {
	_, err := NewRegistry("", nil, stubFactories())
	require.Error(t, err)

	_, err = NewRegistry("", []Config{{Name: " ", Kind: "stub"}}, stubFactories())
	require.Error(t, err)

	_, err = NewRegistry("a", []Config{{Name: "a", Kind: "stub"}, {Name: "a", Kind: "stub"}}, stubFactories())
	require.ErrorContains(t, err, "duplicate")

	_, err = NewRegistry("a", []Config{{Name: "a", Kind: "nope"}}, stubFactories())
	require.ErrorContains(t, err, "unsupported kind")

	_, err = NewRegistry("a", []Config{{Name: "a", Kind: "broken"}}, stubFactories())
	require.ErrorContains(t, err, "no credentials")

	_, err = NewRegistry("", []Config{{Name: "a", Kind: "stub"}, {Name: "b", Kind: "stub"}}, stubFactories())
	require.Error(t, err)

	_, err = NewRegistry("c", []Config{{Name: "a", Kind: "stub"}}, stubFactories())
	require.ErrorContains(t, err, "not configured")
}
