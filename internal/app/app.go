// Package app wires configuration, storage, rate limiting and providers into
// the chat handler. Both the Lambda entry point and the dev server use it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"llm-chat-gateway/handler"
	"llm-chat-gateway/internal/config"
	"llm-chat-gateway/internal/events"
	"llm-chat-gateway/internal/integrations/credentials"
	"llm-chat-gateway/internal/integrations/echo"
	"llm-chat-gateway/internal/integrations/huggingface"
	"llm-chat-gateway/internal/integrations/openai"
	"llm-chat-gateway/internal/provider"
	"llm-chat-gateway/internal/ratelimit"
	"llm-chat-gateway/internal/repository"
	"llm-chat-gateway/internal/usecase"
)

const (
	StoreMemory   = "memory"
	StoreDynamoDB = "dynamodb"
	StoreMySQL    = "mysql"

	LimiterMemory = "memory"
	LimiterRedis  = "redis"
)

// Settings holds the values read from the environment.
type Settings struct {
	ConfigPath       string
	StoreDriver      string
	StateTable       string
	MySQLDSN         string
	RateLimitBackend string
	RedisURL         string
	EventsAMQPURL    string
	EventsExchange   string
	LogLevel         string
	LogFormat        string
	// MaxContentLength overrides the config file value when positive.
	MaxContentLength int
}

// SettingsFromEnv reads Settings through getenv (usually os.Getenv).
func SettingsFromEnv(getenv func(string) string) Settings {
	return Settings{
		ConfigPath:       getenv("CONFIG_PATH"),
		StoreDriver:      envString(getenv, "STORE_DRIVER", StoreMemory),
		StateTable:       getenv("STATE_TABLE"),
		MySQLDSN:         getenv("MYSQL_DSN"),
		RateLimitBackend: envString(getenv, "RATE_LIMIT_BACKEND", LimiterMemory),
		RedisURL:         getenv("REDIS_URL"),
		EventsAMQPURL:    getenv("EVENTS_AMQP_URL"),
		EventsExchange:   getenv("EVENTS_EXCHANGE"),
		LogLevel:         envString(getenv, "LOG_LEVEL", "info"),
		LogFormat:        envString(getenv, "LOG_FORMAT", "json"),
		MaxContentLength: envInt(getenv, "MAX_CONTENT_LENGTH", 0),
	}
}

func envString(getenv func(string) string, key, def string) string {
	if v := strings.TrimSpace(getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(getenv func(string) string, key string, def int) int {
	v := strings.TrimSpace(getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// App is a fully wired gateway.
type App struct {
	Handler *handler.Handler
	Service *usecase.ChatService

	closers []func() error
}

// Close releases connections opened by Build.
func (a *App) Close() error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = errors.Join(err, a.closers[i]())
	}
	a.closers = nil
	return err
}

// awsLoader loads the default AWS config at most once, and only when a
// component needs it.
type awsLoader struct {
	once sync.Once
	cfg  aws.Config
	err  error
	ctx  context.Context
}

func (l *awsLoader) get() (aws.Config, error) {
	l.once.Do(func() {
		l.cfg, l.err = awsconfig.LoadDefaultConfig(l.ctx)
	})
	return l.cfg, l.err
}

// Build loads the provider file and constructs every component.
func Build(ctx context.Context, s Settings, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	file, err := config.Load(s.ConfigPath)
	if err != nil {
		return nil, err
	}
	a := &App{}
	fail := func(err error) (*App, error) {
		_ = a.Close()
		return nil, err
	}
	loader := &awsLoader{ctx: ctx}

	getter, err := paramStoreFor(file.Providers, loader)
	if err != nil {
		return fail(err)
	}
	registry, err := provider.NewRegistry(file.DefaultProvider, file.Providers, Factories(getter))
	if err != nil {
		return fail(err)
	}
	for _, name := range registry.Names() {
		b, _ := registry.Resolve(name)
		logger.Info("provider configured", "provider", b.Config)
	}
	logger.Info("default provider selected", "provider", registry.Default())

	store, err := a.buildStore(ctx, s, loader)
	if err != nil {
		return fail(err)
	}
	limiter, err := a.buildLimiter(ctx, s, file.RateLimitPolicy())
	if err != nil {
		return fail(err)
	}
	publisher, err := a.buildPublisher(s, logger)
	if err != nil {
		return fail(err)
	}

	maxContent := file.MaxContentLength
	if s.MaxContentLength > 0 {
		maxContent = s.MaxContentLength
	}
	svc, err := usecase.NewChatService(store, registry, limiter,
		usecase.WithLogger(logger),
		usecase.WithPublisher(publisher),
		usecase.WithContextPolicy(usecase.ContextPolicy{
			KeepLast:    file.Context.KeepLast,
			TokenBudget: file.Context.TokenBudget,
		}),
		usecase.WithRetryPolicy(usecase.RetryPolicy{
			MaxAttempts: file.Retry.MaxAttempts,
			BaseDelay:   file.Retry.BaseDelay,
			Multiplier:  file.Retry.Multiplier,
			MaxDelay:    file.Retry.MaxDelay,
		}),
		usecase.WithMaxContentLength(maxContent),
	)
	if err != nil {
		return fail(err)
	}
	h, err := handler.NewHandler(svc)
	if err != nil {
		return fail(err)
	}
	a.Handler = h.WithLogger(logger)
	a.Service = svc
	return a, nil
}

// Factories returns the provider constructors keyed by config kind.
func Factories(getter credentials.Getter) map[string]provider.Factory {
	return map[string]provider.Factory{
		"openai": func(cfg provider.Config) (provider.Client, error) {
			src, err := credentials.FromRef(cfg.CredentialRef, getter)
			if err != nil {
				return nil, err
			}
			var opts []openai.Option
			if cfg.BaseURL != "" {
				opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
			}
			return openai.NewClient(cfg.Name, src, opts...)
		},
		"huggingface": func(cfg provider.Config) (provider.Client, error) {
			src, err := credentials.FromRef(cfg.CredentialRef, getter)
			if err != nil {
				return nil, err
			}
			var opts []huggingface.Option
			if cfg.BaseURL != "" {
				opts = append(opts, huggingface.WithBaseURL(cfg.BaseURL))
			}
			return huggingface.NewClient(cfg.Name, src, opts...)
		},
		"echo": func(cfg provider.Config) (provider.Client, error) {
			return echo.NewClient(cfg.Name), nil
		},
	}
}

// paramStoreFor returns an SSM-backed getter when any provider references
// an ssm credential, and nil otherwise.
func paramStoreFor(cfgs []provider.Config, loader *awsLoader) (credentials.Getter, error) {
	needed := false
	for _, c := range cfgs {
		if strings.HasPrefix(strings.TrimSpace(c.CredentialRef), "ssm:") {
			needed = true
			break
		}
	}
	if !needed {
		return nil, nil
	}
	awsCfg, err := loader.get()
	if err != nil {
		return nil, fmt.Errorf("app: load aws config: %w", err)
	}
	return credentials.NewParamStore(awsssm.NewFromConfig(awsCfg))
}

func (a *App) buildStore(ctx context.Context, s Settings, loader *awsLoader) (usecase.ConversationStore, error) {
	switch strings.ToLower(s.StoreDriver) {
	case "", StoreMemory:
		return repository.NewMemoryStore(), nil
	case StoreDynamoDB:
		if strings.TrimSpace(s.StateTable) == "" {
			return nil, errors.New("app: STATE_TABLE is required for the dynamodb store")
		}
		awsCfg, err := loader.get()
		if err != nil {
			return nil, fmt.Errorf("app: load aws config: %w", err)
		}
		return repository.NewDynamoClient(awsdynamodb.NewFromConfig(awsCfg), s.StateTable)
	case StoreMySQL:
		store, err := repository.NewMySQLStore(ctx, s.MySQLDSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	default:
		return nil, fmt.Errorf("app: unknown store driver %q", s.StoreDriver)
	}
}

func (a *App) buildLimiter(ctx context.Context, s Settings, policy ratelimit.Policy) (usecase.RateLimiter, error) {
	switch strings.ToLower(s.RateLimitBackend) {
	case "", LimiterMemory:
		return ratelimit.NewMemory(policy)
	case LimiterRedis:
		if strings.TrimSpace(s.RedisURL) == "" {
			return nil, errors.New("app: REDIS_URL is required for the redis rate limiter")
		}
		lim, client, err := ratelimit.NewRedisFromURL(ctx, s.RedisURL, policy)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		return lim, nil
	default:
		return nil, fmt.Errorf("app: unknown rate limit backend %q", s.RateLimitBackend)
	}
}

func (a *App) buildPublisher(s Settings, logger *slog.Logger) (usecase.EventPublisher, error) {
	if strings.TrimSpace(s.EventsAMQPURL) == "" {
		return events.LogPublisher{Logger: logger}, nil
	}
	pub, err := events.NewRabbitMQPublisher(s.EventsAMQPURL, s.EventsExchange)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, pub.Close)
	return pub, nil
}
