package llm

import (
	"context"

	"github.com/pkg/errors"
	openai "github.com/sashabaranov/go-openai"
)

// Message is a minimal chat message used by the core services.
// Role must be one of: "system", "user", or "assistant".
type Message struct {
	Role    string
	Content string
}

// Client defines the methods required by the chat service and the case
// extractor.  Chat accepts the full message history (system + prior turns +
// latest user); Complete runs a single instruction over a prompt.
type Client interface {
	Chat(ctx context.Context, messages []Message) (string, error)
	Complete(ctx context.Context, instruction, prompt string) (string, error)
}

// Options configures the OpenAI-backed client.
type Options struct {
	APIKey       string
	BaseURL      string
	ChatModel    string
	SummaryModel string
}

// OpenAIClient calls the OpenAI API for chat replies and case extraction.
type OpenAIClient struct {
	client       *openai.Client
	chatModel    string
	summaryModel string
}

var _ Client = (*OpenAIClient)(nil)

// NewOpenAIClient constructs an OpenAI-backed LLM client.  Empty model names
// fall back to gpt-4o-mini, and the summary model falls back to the chat
// model.
func NewOpenAIClient(opts Options) *OpenAIClient {
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	chatModel := opts.ChatModel
	if chatModel == "" {
		chatModel = "gpt-4o-mini"
	}
	summaryModel := opts.SummaryModel
	if summaryModel == "" {
		summaryModel = chatModel
	}
	return &OpenAIClient{
		client:       openai.NewClientWithConfig(cfg),
		chatModel:    chatModel,
		summaryModel: summaryModel,
	}
}

// Chat sends the message history to the chat completion API and returns the
// assistant's response.
func (c *OpenAIClient) Chat(ctx context.Context, messages []Message) (string, error) {
	if c.client == nil {
		return "", errors.New("openai client not initialized")
	}

	oaMsgs := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		role := m.Role
		if role != openai.ChatMessageRoleSystem && role != openai.ChatMessageRoleUser && role != openai.ChatMessageRoleAssistant {
			// coerce anything unknown to user
			role = openai.ChatMessageRoleUser
		}
		oaMsgs = append(oaMsgs, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return c.complete(ctx, c.chatModel, oaMsgs)
}

// Complete runs instruction as the system message over prompt using the
// summary model.
func (c *OpenAIClient) Complete(ctx context.Context, instruction, prompt string) (string, error) {
	if c.client == nil {
		return "", errors.New("openai client not initialized")
	}
	return c.complete(ctx, c.summaryModel, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: instruction},
		{Role: openai.ChatMessageRoleUser, Content: prompt},
	})
}

func (c *OpenAIClient) complete(ctx context.Context, model string, msgs []openai.ChatCompletionMessage) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: 0.2,
	})
	if err != nil {
		return "", errors.Wrapf(err, "chat completion (%s)", model)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}
