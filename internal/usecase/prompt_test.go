package usecase

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"llm-chat-gateway/internal/domain"
)

func conversationOf(n int) []domain.Message {
	msgs := []domain.Message{{Role: domain.RoleSystem, Content: "be brief"}}
	for i := 1; i < n; i++ {
		role := domain.RoleUser
		if i%2 == 0 {
			role = domain.RoleAssistant
		}
		msgs = append(msgs, domain.Message{Role: role, Content: fmt.Sprintf("m%02d", i)})
	}
	return msgs
}

func TestTruncateHistory_KeepsLastTenAndSystem(t *testing.T) {
	msgs := conversationOf(50)
	got := truncateHistory(msgs, ContextPolicy{KeepLast: 10, TokenBudget: 0}, approxTokenCounter{})

	require.Len(t, got, 11)
	require.Equal(t, domain.RoleSystem, got[0].Role)
	for i, m := range got[1:] {
		require.Equal(t, fmt.Sprintf("m%02d", 40+i), m.Content)
	}
}

func TestTruncateHistory_FillsBudgetNewestFirst(t *testing.T) {
	msgs := conversationOf(8) // system + m01..m07, one token each
	got := truncateHistory(msgs, ContextPolicy{KeepLast: 2, TokenBudget: 5}, approxTokenCounter{})

	contents := make([]string, 0, len(got))
	for _, m := range got {
		contents = append(contents, m.Content)
	}
	require.Equal(t, []string{"be brief", "m04", "m05", "m06", "m07"}, contents)
}

func TestTruncateHistory_StopsAtFirstMessageOverBudget(t *testing.T) {
	msgs := []domain.Message{
		{Role: domain.RoleUser, Content: "old"},
		{Role: domain.RoleAssistant, Content: strings.Repeat("x", 400)},
		{Role: domain.RoleUser, Content: "new"},
	}
	got := truncateHistory(msgs, ContextPolicy{KeepLast: 1, TokenBudget: 50}, approxTokenCounter{})
	require.Len(t, got, 1)
	require.Equal(t, "new", got[0].Content)
}

func TestTruncateHistory_AlwaysKeepsNewestMessage(t *testing.T) {
	msgs := []domain.Message{{Role: domain.RoleUser, Content: strings.Repeat("y", 1000)}}
	got := truncateHistory(msgs, ContextPolicy{KeepLast: 0, TokenBudget: 1}, approxTokenCounter{})
	require.Len(t, got, 1)
}

func TestAssemblePrompt_PrependsProviderSystemPrompt(t *testing.T) {
	history := []domain.Message{{Role: domain.RoleUser, Content: "hi"}}
	got := assemblePrompt(history, "You are helpful.", DefaultContextPolicy(), approxTokenCounter{})
	require.Equal(t, []domain.ChatMessage{
		{Role: "system", Content: "You are helpful."},
		{Role: "user", Content: "hi"},
	}, got)
}

func TestAssemblePrompt_ConversationSystemMessageWins(t *testing.T) {
	history := []domain.Message{
		{Role: domain.RoleSystem, Content: "custom"},
		{Role: domain.RoleUser, Content: "hi"},
	}
	got := assemblePrompt(history, "You are helpful.", DefaultContextPolicy(), approxTokenCounter{})
	require.Len(t, got, 2)
	require.Equal(t, "custom", got[0].Content)
}

func TestApproxTokenCounter(t *testing.T) {
	c := approxTokenCounter{}
	require.Equal(t, 0, c.Count(""))
	require.Equal(t, 1, c.Count("abc"))
	require.Equal(t, 1, c.Count("abcd"))
	require.Equal(t, 2, c.Count("abcde"))
}
