package usecase

import (
	"unicode/utf8"

	"llm-chat-gateway/internal/domain"
)

// TokenCounter estimates how many provider tokens a message costs.
type TokenCounter interface {
	Count(content string) int
}

// approxTokenCounter assumes roughly four characters per token.
type approxTokenCounter struct{}

func (approxTokenCounter) Count(content string) int {
	n := utf8.RuneCountInString(content)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// ContextPolicy bounds the history sent with a turn. The KeepLast most recent
// non-system messages are always sent; older ones are added while the running
// total stays within TokenBudget.
type ContextPolicy struct {
	KeepLast    int
	TokenBudget int
}

func DefaultContextPolicy() ContextPolicy {
	return ContextPolicy{KeepLast: 20, TokenBudget: 4000}
}

// truncateHistory keeps every system message, the newest KeepLast others, and
// as many older messages as fit the budget. Older messages are considered
// newest-first and selection stops at the first one that does not fit, so the
// oldest are always dropped first. Order is preserved.
func truncateHistory(msgs []domain.Message, policy ContextPolicy, counter TokenCounter) []domain.Message {
	keepLast := policy.KeepLast
	if keepLast < 1 {
		keepLast = 1
	}

	keep := make([]bool, len(msgs))
	others := make([]int, 0, len(msgs))
	used := 0
	for i, m := range msgs {
		if m.Role == domain.RoleSystem {
			keep[i] = true
			used += counter.Count(m.Content)
			continue
		}
		others = append(others, i)
	}

	cut := len(others) - keepLast
	if cut < 0 {
		cut = 0
	}
	for _, idx := range others[cut:] {
		keep[idx] = true
		used += counter.Count(msgs[idx].Content)
	}
	for j := cut - 1; j >= 0; j-- {
		idx := others[j]
		cost := counter.Count(msgs[idx].Content)
		if used+cost > policy.TokenBudget {
			break
		}
		keep[idx] = true
		used += cost
	}

	out := make([]domain.Message, 0, len(msgs))
	for i, m := range msgs {
		if keep[i] {
			out = append(out, m)
		}
	}
	return out
}

// assemblePrompt truncates history and prepends systemPrompt when the
// conversation carries no system message of its own.
func assemblePrompt(history []domain.Message, systemPrompt string, policy ContextPolicy, counter TokenCounter) []domain.ChatMessage {
	kept := truncateHistory(history, policy, counter)
	prompt := make([]domain.ChatMessage, 0, len(kept)+1)
	if systemPrompt != "" && !hasSystemMessage(history) {
		prompt = append(prompt, domain.ChatMessage{Role: string(domain.RoleSystem), Content: systemPrompt})
	}
	return append(prompt, domain.ToChatMessages(kept)...)
}

func hasSystemMessage(msgs []domain.Message) bool {
	for _, m := range msgs {
		if m.Role == domain.RoleSystem {
			return true
		}
	}
	return false
}
