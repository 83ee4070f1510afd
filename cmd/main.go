package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"llm-chat-gateway/internal/app"
	"llm-chat-gateway/internal/logging"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	mustEnv("CONFIG_PATH")
	settings := app.SettingsFromEnv(os.Getenv)

	logger := logging.New(settings.LogLevel, settings.LogFormat)
	slog.SetDefault(logger)

	// ---- Wiring ----
	gateway, err := app.Build(ctx, settings, logger)
	if err != nil {
		logger.Error("failed to build gateway", "err", err)
		os.Exit(1)
	}
	defer gateway.Close()

	lambda.Start(gateway.Handler.Handle)
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}
