// Package credentials resolves provider credential references to API tokens.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

const (
	schemeSSM = "ssm:"
	schemeEnv = "env:"
)

// Source yields the API token for one provider.
type Source interface {
	Token(ctx context.Context) (string, error)
}

// tokenPayload is the expected JSON shape stored in SSM for an API token.
type tokenPayload struct {
	Token string `json:"token"`
}

// FromRef parses a credential reference of the form "ssm:<parameter>" or
// "env:<VARIABLE>". getter may be nil when no ssm references are used.
func FromRef(ref string, getter Getter) (Source, error) {
	ref = strings.TrimSpace(ref)
	switch {
	case strings.HasPrefix(ref, schemeSSM):
		name := strings.TrimSpace(strings.TrimPrefix(ref, schemeSSM))
		if name == "" {
			return nil, errors.New("credentials: ssm reference has no parameter name")
		}
		if getter == nil {
			return nil, errors.New("credentials: ssm reference used without a parameter store")
		}
		return &ssmSource{getter: getter, name: name}, nil
	case strings.HasPrefix(ref, schemeEnv):
		name := strings.TrimSpace(strings.TrimPrefix(ref, schemeEnv))
		if name == "" {
			return nil, errors.New("credentials: env reference has no variable name")
		}
		return envSource(name), nil
	case ref == "":
		return nil, errors.New("credentials: credential reference must not be empty")
	default:
		// The reference itself is deliberately not echoed back.
		return nil, errors.New("credentials: unsupported credential reference scheme")
	}
}

// ssmSource fetches the token from SSM on first use and reuses it for the
// lifetime of the process. Failed lookups are retried on the next call.
type ssmSource struct {
	getter Getter
	name   string

	mu    sync.Mutex
	token string
}

func (s *ssmSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" {
		return s.token, nil
	}

	raw, err := s.getter.GetParameter(ctx, s.name)
	if err != nil {
		return "", fmt.Errorf("credentials: fetch token: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("credentials: unmarshal token parameter as JSON: %w", err)
	}
	if strings.TrimSpace(tp.Token) == "" {
		return "", errors.New("credentials: API token is empty")
	}
	s.token = strings.TrimSpace(tp.Token)
	return s.token, nil
}

type envSource string

func (e envSource) Token(context.Context) (string, error) {
	v := strings.TrimSpace(os.Getenv(string(e)))
	if v == "" {
		return "", fmt.Errorf("credentials: environment variable %s is not set", string(e))
	}
	return v, nil
}

// Static returns a Source that always yields token. Intended for tests and
// local development.
func Static(token string) Source {
	return staticSource(token)
}

type staticSource string

func (s staticSource) Token(context.Context) (string, error) {
	if s == "" {
		return "", errors.New("credentials: API token is empty")
	}
	return string(s), nil
}
