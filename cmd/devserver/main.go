// Command devserver serves the chat handler over plain HTTP for local work.
package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"llm-chat-gateway/internal/app"
	"llm-chat-gateway/internal/logging"
)

type lambdaHandler func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn(".env file not found or could not be loaded", "err", err)
	}
	settings := app.SettingsFromEnv(os.Getenv)
	if settings.ConfigPath == "" {
		settings.ConfigPath = "providers.yaml"
	}
	logger := logging.New(settings.LogLevel, "text")
	slog.SetDefault(logger)

	gateway, err := app.Build(context.Background(), settings, logger)
	if err != nil {
		logger.Error("failed to build gateway", "err", err)
		os.Exit(1)
	}
	defer gateway.Close()

	addr := os.Getenv("DEV_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	logger.Info("dev server listening", "addr", addr)
	if err := newRouter(gateway.Handler.Handle).Run(addr); err != nil {
		logger.Error("dev server stopped", "err", err)
	}
}

func newRouter(h lambdaHandler) *gin.Engine {
	r := gin.Default()
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "OK"})
	})
	forward := adapt(h)
	r.POST("/chat", forward)
	r.GET("/conversations", forward)
	r.GET("/conversations/:id", forward)
	r.DELETE("/conversations/:id", forward)
	return r
}

// adapt turns a gin request into an API Gateway proxy event so the dev server
// exercises exactly the code path Lambda runs.
func adapt(h lambdaHandler) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_INPUT", "reason": "unreadable_body"})
			return
		}
		headers := make(map[string]string, len(c.Request.Header))
		for k, v := range c.Request.Header {
			headers[k] = strings.Join(v, ",")
		}
		params := make(map[string]string, len(c.Params))
		for _, p := range c.Params {
			params[p.Key] = p.Value
		}
		resp, err := h(c.Request.Context(), events.APIGatewayProxyRequest{
			HTTPMethod:     c.Request.Method,
			Path:           c.Request.URL.Path,
			Headers:        headers,
			PathParameters: params,
			Body:           string(body),
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL_ERROR"})
			return
		}
		for k, v := range resp.Headers {
			c.Header(k, v)
		}
		if resp.Body == "" {
			c.Status(resp.StatusCode)
			return
		}
		c.Data(resp.StatusCode, resp.Headers["Content-Type"], []byte(resp.Body))
	}
}
