package usecase

import (
	"strings"

	"thread-agent/internal/domain"
)

// buildChatMessages assembles the exact ordered message list sent to the
// model: the system prompt (if any), the stored history in conversational
// order, then the new user text as the final element.
func buildChatMessages(systemPrompt string, history []domain.Turn, userText string) []domain.ChatMessage {
	messages := make([]domain.ChatMessage, 0, len(history)+2)
	if strings.TrimSpace(systemPrompt) != "" {
		messages = append(messages, domain.ChatMessage{
			Role:    "system",
			Content: strings.TrimSpace(systemPrompt),
		})
	}

	for _, turn := range history {
		messages = append(messages, domain.ChatMessage{
			Role:    string(turn.Role),
			Content: turn.Content,
		})
	}

	messages = append(messages, domain.ChatMessage{
		Role:    string(domain.RoleUser),
		Content: userText,
	})
	return messages
}

// windowTurns returns the last maxTurns turns of history, or all of it when
// maxTurns is zero or negative. A window never splits below a user turn: if
// the cut would land on an assistant turn, the window widens by one so the
// model always sees the user turn that produced it.
func windowTurns(history []domain.Turn, maxTurns int) []domain.Turn {
	if maxTurns <= 0 || len(history) <= maxTurns {
		return history
	}
	start := len(history) - maxTurns
	if history[start].Role == domain.RoleAssistant && start > 0 {
		start--
	}
	return history[start:]
}
