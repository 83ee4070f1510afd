package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"llm-chat-gateway/internal/domain"
	"llm-chat-gateway/internal/events"
	"llm-chat-gateway/internal/provider"
	"llm-chat-gateway/internal/ratelimit"
	"llm-chat-gateway/internal/repository"
)

const defaultMaxContentLength = 8000

// Turn states, logged at debug level as a turn progresses.
const (
	stateReceived         = "received"
	stateValidated        = "validated"
	stateHistoryAssembled = "history_assembled"
	stateRateChecked      = "rate_checked"
	stateDispatching      = "dispatching"
	stateRetrying         = "retrying"
	stateSucceeded        = "succeeded"
	stateFailed           = "failed"
	stateDenied           = "denied"
	stateRejected         = "rejected"
	statePersisted        = "persisted"
)

type ConversationStore interface {
	Create(ctx context.Context, ownerID string) (domain.Conversation, error)
	Get(ctx context.Context, id string) (domain.Conversation, error)
	Append(ctx context.Context, id string, msg domain.Message) (domain.Conversation, error)
	Delete(ctx context.Context, id, ownerID string) error
	List(ctx context.Context, ownerID string) ([]domain.ConversationSummary, error)
}

type ProviderResolver interface {
	Resolve(name string) (provider.Binding, error)
}

type RateLimiter interface {
	TryAcquire(ctx context.Context, key ratelimit.Key) (ratelimit.Decision, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, ev events.TurnEvent) error
}

// ChatService runs chat turns: validate, assemble history, persist the user
// message, check admission, dispatch with retries and persist the reply.
type ChatService struct {
	store     ConversationStore
	providers ProviderResolver
	limiter   RateLimiter
	publisher EventPublisher
	logger    *slog.Logger

	contextPolicy    ContextPolicy
	retry            RetryPolicy
	counter          TokenCounter
	maxContentLength int

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(time.Duration) time.Duration

	activeMu sync.Mutex
	active   map[string]struct{}
}

type Option func(*ChatService)

func WithLogger(l *slog.Logger) Option {
	return func(s *ChatService) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithPublisher(p EventPublisher) Option {
	return func(s *ChatService) {
		if p != nil {
			s.publisher = p
		}
	}
}

func WithContextPolicy(p ContextPolicy) Option {
	return func(s *ChatService) {
		s.contextPolicy = p
	}
}

func WithRetryPolicy(p RetryPolicy) Option {
	return func(s *ChatService) {
		s.retry = p.normalized()
	}
}

func WithTokenCounter(c TokenCounter) Option {
	return func(s *ChatService) {
		if c != nil {
			s.counter = c
		}
	}
}

func WithMaxContentLength(n int) Option {
	return func(s *ChatService) {
		if n > 0 {
			s.maxContentLength = n
		}
	}
}

func NewChatService(store ConversationStore, providers ProviderResolver, limiter RateLimiter, opts ...Option) (*ChatService, error) {
	if store == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if providers == nil {
		return nil, errors.New("usecase: provider resolver must not be nil")
	}
	if limiter == nil {
		return nil, errors.New("usecase: rate limiter must not be nil")
	}
	s := &ChatService{
		store:            store,
		providers:        providers,
		limiter:          limiter,
		publisher:        events.Noop{},
		logger:           slog.Default(),
		contextPolicy:    DefaultContextPolicy(),
		retry:            DefaultRetryPolicy(),
		counter:          approxTokenCounter{},
		maxContentLength: defaultMaxContentLength,
		now:              func() time.Time { return time.Now().UTC() },
		sleep:            sleepContext,
		jitter:           fullJitter,
		active:           make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

type TurnInput struct {
	// ConversationID selects an existing conversation; empty starts a new one.
	ConversationID string
	CallerID       string
	Content        string
	// Provider names the backend; empty selects the registry default.
	Provider string
	TraceID  string
}

type TurnOutput struct {
	ConversationID string
	Message        domain.Message
	Attempts       int
}

// turn carries the per-request state that logging and events need.
type turn struct {
	traceID        string
	conversationID string
	callerID       string
	provider       string
	logger         *slog.Logger
}

func (t *turn) enter(ctx context.Context, state string, attrs ...any) {
	args := append([]any{"state", state, "conversationId", t.conversationID, "provider", t.provider}, attrs...)
	t.logger.DebugContext(ctx, "turn state", args...)
}

// SubmitTurn runs one chat turn. The user message is committed before the
// provider is called and stays in history if the turn later fails.
func (s *ChatService) SubmitTurn(ctx context.Context, in TurnInput) (TurnOutput, error) {
	traceID := strings.TrimSpace(in.TraceID)
	if traceID == "" {
		traceID = newUUID()
	}
	t := &turn{
		traceID:        traceID,
		conversationID: strings.TrimSpace(in.ConversationID),
		callerID:       strings.TrimSpace(in.CallerID),
		provider:       strings.TrimSpace(in.Provider),
		logger:         s.logger.With("traceId", traceID),
	}
	t.enter(ctx, stateReceived)

	binding, content, err := s.validate(in, t)
	if err != nil {
		t.enter(ctx, stateRejected, "reason", err.Reason)
		return TurnOutput{}, err
	}
	t.provider = binding.Config.Name

	conv, err := s.openConversation(ctx, t)
	if err != nil {
		t.enter(ctx, stateRejected, "reason", err.Reason)
		return TurnOutput{}, err
	}
	t.conversationID = conv.ID

	if !s.beginTurn(conv.ID) {
		t.enter(ctx, stateRejected, "reason", "turn_in_progress")
		return TurnOutput{}, conflictError("turn_in_progress", nil)
	}
	defer s.endTurn(conv.ID)
	t.enter(ctx, stateValidated)

	userMsg := domain.Message{Role: domain.RoleUser, Content: content, CreatedAt: s.now()}
	history := append(conv.Clone().Messages, userMsg)
	prompt := assemblePrompt(history, binding.Config.SystemPrompt, s.contextPolicy, s.counter)
	t.enter(ctx, stateHistoryAssembled, "promptMessages", len(prompt), "historyMessages", len(history))

	if _, err := s.store.Append(ctx, conv.ID, userMsg); err != nil {
		return TurnOutput{}, storeError(err, "append_user_message")
	}

	decision, aerr := s.limiter.TryAcquire(ctx, ratelimit.Key{Provider: binding.Config.Name, Caller: t.callerID})
	if aerr != nil {
		t.enter(ctx, stateFailed, "reason", "rate_limiter_error")
		return TurnOutput{}, newError(ErrorInternal, "rate_limiter_error", aerr)
	}
	if !decision.Allowed {
		t.enter(ctx, stateDenied, "retryAfter", decision.RetryAfter)
		s.publish(ctx, t, events.TurnEvent{Outcome: events.OutcomeDenied, ErrorCode: string(ErrorRateLimited)})
		return TurnOutput{}, &Error{
			Code:       ErrorRateLimited,
			Reason:     "rate_limit_denied",
			Retryable:  true,
			RetryAfter: decision.RetryAfter,
		}
	}
	t.enter(ctx, stateRateChecked)

	opts := binding.Config.Options()
	opts.DedupKey = fmt.Sprintf("%s:%d", conv.ID, len(history))

	started := time.Now()
	reply, attempts, perr := s.dispatch(ctx, t, binding, prompt, opts)
	latency := time.Since(started)
	if perr != nil {
		t.enter(ctx, stateFailed, "attempts", attempts, "kind", string(perr.Kind))
		s.publish(ctx, t, events.TurnEvent{
			Outcome:   events.OutcomeFailed,
			ErrorCode: string(ErrorUpstream),
			Attempts:  attempts,
			LatencyMs: latency.Milliseconds(),
		})
		return TurnOutput{}, &Error{
			Code:       ErrorUpstream,
			Reason:     "provider_" + string(perr.Kind),
			Retryable:  perr.Retryable(),
			RetryAfter: perr.RetryAfter,
			Err:        perr,
		}
	}
	t.enter(ctx, stateSucceeded, "attempts", attempts, "latencyMs", latency.Milliseconds())

	model := reply.Model
	if model == "" {
		model = opts.Model
	}
	assistant := domain.Message{
		Role:      domain.RoleAssistant,
		Content:   reply.Content,
		CreatedAt: s.now(),
		Meta: &domain.ProviderMeta{
			Provider:         binding.Config.Name,
			Model:            model,
			PromptTokens:     reply.PromptTokens,
			CompletionTokens: reply.CompletionTokens,
			Latency:          latency,
		},
	}
	if _, err := s.store.Append(ctx, conv.ID, assistant); err != nil {
		return TurnOutput{}, storeError(err, "append_assistant_message")
	}
	t.enter(ctx, statePersisted)

	s.publish(ctx, t, events.TurnEvent{
		Outcome:          events.OutcomeSucceeded,
		Model:            model,
		Attempts:         attempts,
		PromptTokens:     reply.PromptTokens,
		CompletionTokens: reply.CompletionTokens,
		LatencyMs:        latency.Milliseconds(),
	})
	return TurnOutput{ConversationID: conv.ID, Message: assistant, Attempts: attempts}, nil
}

func (s *ChatService) validate(in TurnInput, t *turn) (provider.Binding, string, *Error) {
	if t.callerID == "" {
		return provider.Binding{}, "", newError(ErrorInvalidInput, "missing_caller", nil)
	}
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return provider.Binding{}, "", newError(ErrorInvalidInput, "empty_content", nil)
	}
	if utf8.RuneCountInString(content) > s.maxContentLength {
		return provider.Binding{}, "", newError(ErrorInvalidInput, "content_too_long", nil)
	}
	binding, err := s.providers.Resolve(t.provider)
	if err != nil {
		if errors.Is(err, provider.ErrUnknownProvider) {
			return provider.Binding{}, "", newError(ErrorInvalidInput, "unknown_provider", err)
		}
		return provider.Binding{}, "", newError(ErrorInternal, "provider_resolve_error", err)
	}
	return binding, content, nil
}

// openConversation loads the conversation named by the turn, or creates one
// owned by the caller when no id was given.
func (s *ChatService) openConversation(ctx context.Context, t *turn) (domain.Conversation, *Error) {
	if t.conversationID == "" {
		conv, err := s.store.Create(ctx, t.callerID)
		if err != nil {
			return domain.Conversation{}, storeError(err, "create_conversation")
		}
		return conv, nil
	}
	conv, err := s.store.Get(ctx, t.conversationID)
	if err != nil {
		return domain.Conversation{}, storeError(err, "load_conversation")
	}
	if conv.OwnerID != t.callerID {
		return domain.Conversation{}, newError(ErrorForbidden, "not_conversation_owner", nil)
	}
	return conv, nil
}

// dispatch calls the provider until it succeeds, fails permanently or the
// attempt ceiling is reached. Each attempt gets its own deadline.
func (s *ChatService) dispatch(ctx context.Context, t *turn, b provider.Binding, prompt []domain.ChatMessage, opts provider.Options) (provider.Reply, int, *provider.Error) {
	for attempt := 1; ; attempt++ {
		t.enter(ctx, stateDispatching, "attempt", attempt)
		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if b.Config.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, b.Config.Timeout)
		}
		reply, err := b.Client.Send(callCtx, prompt, opts)
		cancel()
		if err == nil {
			return reply, attempt, nil
		}

		perr := provider.Classify(b.Config.Name, err)
		t.logger.WarnContext(ctx, "provider call failed",
			"provider", b.Config.Name,
			"attempt", attempt,
			"kind", string(perr.Kind),
			"status", perr.StatusCode,
			"err", err,
		)
		if ctx.Err() != nil || !perr.Retryable() || attempt >= s.retry.MaxAttempts {
			return provider.Reply{}, attempt, perr
		}

		delay := s.retry.delay(attempt, perr.RetryAfter, s.jitter)
		t.enter(ctx, stateRetrying, "attempt", attempt, "delay", delay)
		if err := s.sleep(ctx, delay); err != nil {
			return provider.Reply{}, attempt, perr
		}
	}
}

// GetConversation returns the conversation if callerID owns it.
func (s *ChatService) GetConversation(ctx context.Context, id, callerID string) (domain.Conversation, error) {
	id, callerID = strings.TrimSpace(id), strings.TrimSpace(callerID)
	if id == "" || callerID == "" {
		return domain.Conversation{}, newError(ErrorInvalidInput, "missing_identifier", nil)
	}
	conv, err := s.store.Get(ctx, id)
	if err != nil {
		return domain.Conversation{}, storeError(err, "load_conversation")
	}
	if conv.OwnerID != callerID {
		return domain.Conversation{}, newError(ErrorForbidden, "not_conversation_owner", nil)
	}
	return conv, nil
}

// DeleteConversation removes the conversation if callerID owns it.
func (s *ChatService) DeleteConversation(ctx context.Context, id, callerID string) error {
	id, callerID = strings.TrimSpace(id), strings.TrimSpace(callerID)
	if id == "" || callerID == "" {
		return newError(ErrorInvalidInput, "missing_identifier", nil)
	}
	if err := s.store.Delete(ctx, id, callerID); err != nil {
		return storeError(err, "delete_conversation")
	}
	s.logger.InfoContext(ctx, "conversation deleted", "conversationId", id)
	return nil
}

// ListConversations returns summaries of the caller's conversations, most
// recently updated first.
func (s *ChatService) ListConversations(ctx context.Context, callerID string) ([]domain.ConversationSummary, error) {
	callerID = strings.TrimSpace(callerID)
	if callerID == "" {
		return nil, newError(ErrorInvalidInput, "missing_caller", nil)
	}
	list, err := s.store.List(ctx, callerID)
	if err != nil {
		return nil, storeError(err, "list_conversations")
	}
	return list, nil
}

func (s *ChatService) beginTurn(id string) bool {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	if _, busy := s.active[id]; busy {
		return false
	}
	s.active[id] = struct{}{}
	return true
}

func (s *ChatService) endTurn(id string) {
	s.activeMu.Lock()
	delete(s.active, id)
	s.activeMu.Unlock()
}

// publish fills the shared fields and hands the event to the publisher.
// Failures are logged only.
func (s *ChatService) publish(ctx context.Context, t *turn, ev events.TurnEvent) {
	ev.TraceID = t.traceID
	ev.ConversationID = t.conversationID
	ev.CallerID = t.callerID
	ev.Provider = t.provider
	ev.At = s.now()
	if err := s.publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
		t.logger.WarnContext(ctx, "turn event publish failed", "err", err, "outcome", string(ev.Outcome))
	}
}

func storeError(err error, reason string) *Error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return newError(ErrorNotFound, "conversation_not_found", err)
	case errors.Is(err, repository.ErrForbidden):
		return newError(ErrorForbidden, "not_conversation_owner", err)
	case errors.Is(err, repository.ErrConflict):
		return conflictError("concurrent_append", err)
	default:
		return newError(ErrorInternal, reason, err)
	}
}

// conflictError marks a turn that collided with another turn on the same
// conversation. Resubmitting once that turn finishes may succeed.
func conflictError(reason string, err error) *Error {
	return &Error{Code: ErrorConflict, Reason: reason, Retryable: true, Err: err}
}

var newUUID = func() string {
	return uuid.NewString()
}
