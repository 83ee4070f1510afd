package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"llm-chat-gateway/internal/domain"
	"llm-chat-gateway/internal/usecase"
)

const (
	headerCorrelationID = "X-Correlation-Id"
	headerCallerID      = "X-Caller-Id"
	conversationsPrefix = "/conversations/"
)

type ChatUseCase interface {
	SubmitTurn(ctx context.Context, in usecase.TurnInput) (usecase.TurnOutput, error)
	GetConversation(ctx context.Context, id, callerID string) (domain.Conversation, error)
	DeleteConversation(ctx context.Context, id, callerID string) error
	ListConversations(ctx context.Context, callerID string) ([]domain.ConversationSummary, error)
}

type Handler struct {
	uc     ChatUseCase
	logger *slog.Logger
}

func NewHandler(uc ChatUseCase) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: use case must not be nil")
	}
	return &Handler{uc: uc, logger: slog.Default()}, nil
}

// WithLogger returns h logging through l.
func (h *Handler) WithLogger(l *slog.Logger) *Handler {
	if l != nil {
		h.logger = l
	}
	return h
}

type chatRequest struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	Provider       string `json:"provider"`
}

type chatResponse struct {
	ConversationID string          `json:"conversationId"`
	Message        messageResponse `json:"message"`
	Attempts       int             `json:"attempts"`
}

type metaResponse struct {
	Provider         string `json:"provider"`
	Model            string `json:"model"`
	PromptTokens     int    `json:"promptTokens"`
	CompletionTokens int    `json:"completionTokens"`
	LatencyMs        int64  `json:"latencyMs"`
}

type messageResponse struct {
	Role      string        `json:"role"`
	Content   string        `json:"content"`
	CreatedAt time.Time     `json:"createdAt"`
	Meta      *metaResponse `json:"meta,omitempty"`
}

type conversationResponse struct {
	ID        string            `json:"id"`
	OwnerID   string            `json:"ownerId"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
	Messages  []messageResponse `json:"messages"`
}

type conversationListResponse struct {
	Conversations []domain.ConversationSummary `json:"conversations"`
}

type errorResponse struct {
	Error        string `json:"error"`
	Reason       string `json:"reason,omitempty"`
	Retryable    bool   `json:"retryable"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

// Handle routes API Gateway proxy events:
//
//	POST   /chat
//	GET    /conversations
//	GET    /conversations/{id}
//	DELETE /conversations/{id}
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(req.Headers, headerCorrelationID)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	callerID := headerValue(req.Headers, headerCallerID)
	path := strings.TrimRight(req.Path, "/")

	switch {
	case path == "/chat" && req.HTTPMethod == http.MethodPost:
		return h.handleChat(ctx, req, correlationID, callerID), nil
	case path == "/conversations":
		if req.HTTPMethod != http.MethodGet {
			return writeJSON(http.StatusMethodNotAllowed, correlationID, errorResponse{Error: "METHOD_NOT_ALLOWED"}), nil
		}
		return h.handleList(ctx, correlationID, callerID), nil
	case strings.HasPrefix(path, conversationsPrefix):
		id := conversationID(req, path)
		switch req.HTTPMethod {
		case http.MethodGet:
			return h.handleGet(ctx, id, correlationID, callerID), nil
		case http.MethodDelete:
			return h.handleDelete(ctx, id, correlationID, callerID), nil
		}
		return writeJSON(http.StatusMethodNotAllowed, correlationID, errorResponse{Error: "METHOD_NOT_ALLOWED"}), nil
	}
	return writeJSON(http.StatusNotFound, correlationID, errorResponse{Error: string(usecase.ErrorNotFound), Reason: "unknown_route"}), nil
}

func (h *Handler) handleChat(ctx context.Context, req events.APIGatewayProxyRequest, correlationID, callerID string) events.APIGatewayProxyResponse {
	body, err := requestBody(req)
	if err != nil {
		return writeJSON(http.StatusBadRequest, correlationID, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_body"})
	}
	var in chatRequest
	if err := json.Unmarshal([]byte(body), &in); err != nil {
		return writeJSON(http.StatusBadRequest, correlationID, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_json"})
	}

	out, err := h.uc.SubmitTurn(ctx, usecase.TurnInput{
		ConversationID: in.ConversationID,
		CallerID:       callerID,
		Content:        in.Content,
		Provider:       in.Provider,
		TraceID:        correlationID,
	})
	if err != nil {
		return h.writeError(ctx, correlationID, err)
	}
	return writeJSON(http.StatusOK, correlationID, chatResponse{
		ConversationID: out.ConversationID,
		Message:        toMessageResponse(out.Message),
		Attempts:       out.Attempts,
	})
}

func (h *Handler) handleGet(ctx context.Context, id, correlationID, callerID string) events.APIGatewayProxyResponse {
	conv, err := h.uc.GetConversation(ctx, id, callerID)
	if err != nil {
		return h.writeError(ctx, correlationID, err)
	}
	resp := conversationResponse{
		ID:        conv.ID,
		OwnerID:   conv.OwnerID,
		CreatedAt: conv.CreatedAt,
		UpdatedAt: conv.UpdatedAt,
		Messages:  make([]messageResponse, 0, len(conv.Messages)),
	}
	for _, m := range conv.Messages {
		resp.Messages = append(resp.Messages, toMessageResponse(m))
	}
	return writeJSON(http.StatusOK, correlationID, resp)
}

func (h *Handler) handleList(ctx context.Context, correlationID, callerID string) events.APIGatewayProxyResponse {
	list, err := h.uc.ListConversations(ctx, callerID)
	if err != nil {
		return h.writeError(ctx, correlationID, err)
	}
	if list == nil {
		list = []domain.ConversationSummary{}
	}
	return writeJSON(http.StatusOK, correlationID, conversationListResponse{Conversations: list})
}

func (h *Handler) handleDelete(ctx context.Context, id, correlationID, callerID string) events.APIGatewayProxyResponse {
	if err := h.uc.DeleteConversation(ctx, id, callerID); err != nil {
		return h.writeError(ctx, correlationID, err)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: http.StatusNoContent,
		Headers:    map[string]string{headerCorrelationID: correlationID},
	}
}

func (h *Handler) writeError(ctx context.Context, correlationID string, err error) events.APIGatewayProxyResponse {
	var ue *usecase.Error
	if !errors.As(err, &ue) {
		h.logger.ErrorContext(ctx, "unexpected error", "traceId", correlationID, "err", err)
		return writeJSON(http.StatusInternalServerError, correlationID, errorResponse{Error: string(usecase.ErrorInternal)})
	}

	status := statusFor(ue.Code)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(ctx, "request failed", "traceId", correlationID, "code", string(ue.Code), "reason", ue.Reason, "err", ue.Err)
	}
	resp := writeJSON(status, correlationID, errorResponse{
		Error:        string(ue.Code),
		Reason:       ue.Reason,
		Retryable:    ue.Retryable,
		RetryAfterMs: ue.RetryAfter.Milliseconds(),
	})
	if ue.Code == usecase.ErrorRateLimited && ue.RetryAfter > 0 {
		resp.Headers["Retry-After"] = strconv.FormatInt(int64((ue.RetryAfter+time.Second-1)/time.Second), 10)
	}
	return resp
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorForbidden:
		return http.StatusForbidden
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	case usecase.ErrorConflict:
		return http.StatusConflict
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests
	case usecase.ErrorUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func toMessageResponse(m domain.Message) messageResponse {
	out := messageResponse{Role: string(m.Role), Content: m.Content, CreatedAt: m.CreatedAt}
	if m.Meta != nil {
		out.Meta = &metaResponse{
			Provider:         m.Meta.Provider,
			Model:            m.Meta.Model,
			PromptTokens:     m.Meta.PromptTokens,
			CompletionTokens: m.Meta.CompletionTokens,
			LatencyMs:        m.Meta.Latency.Milliseconds(),
		}
	}
	return out
}

func conversationID(req events.APIGatewayProxyRequest, path string) string {
	if id := strings.TrimSpace(req.PathParameters["id"]); id != "" {
		return id
	}
	return strings.TrimPrefix(path, conversationsPrefix)
}

func requestBody(req events.APIGatewayProxyRequest) (string, error) {
	if !req.IsBase64Encoded {
		return req.Body, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(req.Body)
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}

func headerValue(headers map[string]string, key string) string {
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func writeJSON(status int, correlationID string, payload any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(payload)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":      "application/json",
			headerCorrelationID: correlationID,
		},
		Body: string(body),
	}
}
