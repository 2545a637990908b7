package core

import (
	"context"

	"waitroom-intake/internal/llm"
	"waitroom-intake/pkg"
)

// ChatService orchestrates the chat between a patient and the assistant.
// The transcript lives in the store; the caller loads it and passes it in.
type ChatService struct {
	LLM llm.Client
}

// NewChatService constructs a new ChatService with the given LLM client.
func NewChatService(client llm.Client) *ChatService {
	return &ChatService{LLM: client}
}

// Reply generates a Persian reply to message given the prior transcript.
// On error the generic fallback reply is returned together with the error,
// so callers can still answer the patient.
func (s *ChatService) Reply(ctx context.Context, transcript []pkg.Message, message string) (string, error) {
	msgs := make([]llm.Message, 0, len(transcript)+2)
	msgs = append(msgs, llm.Message{Role: "system", Content: SystemPrompt})
	for _, m := range transcript {
		switch m.Role {
		case pkg.RoleUser:
			msgs = append(msgs, llm.Message{Role: "user", Content: m.Content})
		case pkg.RoleAssistant:
			msgs = append(msgs, llm.Message{Role: "assistant", Content: m.Content})
		}
	}
	msgs = append(msgs, llm.Message{Role: "user", Content: message})

	resp, err := s.LLM.Chat(ctx, msgs)
	if err != nil {
		return FallbackReply, err
	}
	if resp == "" {
		return FallbackReply, nil
	}
	return resp, nil
}
