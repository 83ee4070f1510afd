package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sample = `
default_provider: openai
providers:
  - name: openai
    kind: openai
    credential_ref: ssm:/chat/openai
    model: gpt-4o-mini
    timeout: 15s
    rate_limit:
      capacity: 3
      refill_per_second: 0.5
  - name: local
    kind: echo
context:
  keep_last: 10
retry:
  max_attempts: 5
`

func TestLoad_FileWithDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	f, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "openai", f.DefaultProvider)
	require.Len(t, f.Providers, 2)
	require.Equal(t, 15*time.Second, f.Providers[0].Timeout)
	require.Equal(t, defaultProviderTimeout, f.Providers[1].Timeout)

	require.Equal(t, 10, f.Context.KeepLast)
	require.Equal(t, defaultTokenBudget, f.Context.TokenBudget)
	require.Equal(t, 5, f.Retry.MaxAttempts)
	require.Equal(t, defaultBaseDelay, f.Retry.BaseDelay)
	require.Equal(t, defaultMaxContentLength, f.MaxContentLength)

	policy := f.RateLimitPolicy()
	require.Equal(t, 3, policy.BucketFor("openai").Capacity)
	require.Equal(t, defaultCapacity, policy.BucketFor("local").Capacity)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)

	_, err = Load("")
	require.Error(t, err)
}

func TestParse_DefaultProviderFallsBackToFirst(t *testing.T) {
	f, err := Parse([]byte("providers:\n  - name: local\n    kind: echo\n"))
	require.NoError(t, err)
	require.Equal(t, "local", f.DefaultProvider)
}

func TestParse_Invalid(t *testing.T) {
	cases := map[string]string{
		"no providers":    "providers: []\n",
		"unknown kind":    "providers:\n  - name: x\n    kind: grpc\n",
		"duplicate":       "providers:\n  - {name: a, kind: echo}\n  - {name: a, kind: echo}\n",
		"no credential":   "providers:\n  - {name: a, kind: openai}\n",
		"unknown default": "default_provider: b\nproviders:\n  - {name: a, kind: echo}\n",
		"bad bucket":      "providers:\n  - {name: a, kind: echo, rate_limit: {capacity: 0, refill_per_second: 1}}\n",
		"bad multiplier":  "providers:\n  - {name: a, kind: echo}\nretry:\n  multiplier: 0.5\n",
		"not yaml":        "providers: [",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(body))
			require.Error(t, err)
		})
	}
}
