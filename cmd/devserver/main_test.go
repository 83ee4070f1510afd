package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestAdapt_ForwardsRequestAndResponse(t *testing.T) {
	var got events.APIGatewayProxyRequest
	r := newRouter(func(_ context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		got = req
		return events.APIGatewayProxyResponse{
			StatusCode: http.StatusOK,
			Headers:    map[string]string{"Content-Type": "application/json", "X-Correlation-Id": "corr-1"},
			Body:       `{"ok":true}`,
		}, nil
	})

	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"content":"hi"}`))
	req.Header.Set("X-Caller-Id", "alice")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"ok":true}`, w.Body.String())
	require.Equal(t, "corr-1", w.Header().Get("X-Correlation-Id"))
	require.Equal(t, "/chat", got.Path)
	require.Equal(t, `{"content":"hi"}`, got.Body)
	require.Equal(t, "alice", got.Headers["X-Caller-Id"])
}

func TestAdapt_PathParametersAndEmptyBody(t *testing.T) {
	var got events.APIGatewayProxyRequest
	r := newRouter(func(_ context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		got = req
		return events.APIGatewayProxyResponse{StatusCode: http.StatusNoContent}, nil
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/conversations/c1", nil))

	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, "c1", got.PathParameters["id"])
	require.Equal(t, http.MethodDelete, got.HTTPMethod)
}

func TestAdapt_HandlerError(t *testing.T) {
	r := newRouter(func(context.Context, events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		return events.APIGatewayProxyResponse{}, errors.New("boom")
	})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/conversations/c1", nil))
	require.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestHealthz(t *testing.T) {
	r := newRouter(nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)
}

func TestAdapt_ListRoute(t *testing.T) {
	var got events.APIGatewayProxyRequest
	r := newRouter(func(_ context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		got = req
		return events.APIGatewayProxyResponse{
			StatusCode: http.StatusOK,
			Headers:    map[string]string{"Content-Type": "application/json"},
			Body:       `{"conversations":[]}`,
		}, nil
	})

	req := httptest.NewRequest(http.MethodGet, "/conversations", nil)
	req.Header.Set("X-Caller-Id", "alice")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "/conversations", got.Path)
	require.Equal(t, http.MethodGet, got.HTTPMethod)
	require.Empty(t, got.PathParameters)
}
