package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/schema"

	"github.com/xhad/bookfriend/internal/models"
)

// ChatConfig represents the configuration for the answer-generation model.
type ChatConfig struct {
	Model       string
	Temperature float64
	MaxTokens   int
	BaseURL     string // Ollama server URL
}

// ChatEngine generates answers to reader questions from retrieved excerpts
// and recent conversation history.
type ChatEngine struct {
	config ChatConfig
	llm    llms.Model
}

// NewChatWithConfig creates a new ChatEngine with the given configuration.
func NewChatWithConfig(config ChatConfig) (*ChatEngine, error) {
	if config.Model == "" {
		config.Model = "llama3"
	}
	if config.Temperature < 0 || config.Temperature > 2 {
		return nil, fmt.Errorf("temperature must be between 0 and 2")
	}
	if config.MaxTokens < 0 {
		return nil, fmt.Errorf("max tokens cannot be negative")
	} else if config.MaxTokens == 0 {
		config.MaxTokens = 1024
	}
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:11434"
	}

	llm, err := ollama.New(
		ollama.WithModel(config.Model),
		ollama.WithServerURL(config.BaseURL),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize LLM: %w", err)
	}

	return &ChatEngine{config: config, llm: llm}, nil
}

// Answer generates a reply grounded in the provided excerpts. Generation
// failures come back as a visible answer string so the query path still
// responds instead of erroring.
func (ce *ChatEngine) Answer(ctx context.Context, query, bookTitle string, excerpts []string, history []models.ChatMessage) string {
	if bookTitle == "" {
		bookTitle = "the book"
	}

	systemPrompt := fmt.Sprintf(
		"You are BookFriend, a helpful AI assistant for the novel '%s'.\n"+
			"Answer the user's question strictly based on the provided context excerpts below.\n"+
			"If the answer isn't in the context, say you don't know. Do not make things up.\n"+
			"Keep answers concise, clear, and spoiler-safe based on the context given.\n",
		bookTitle)

	content := []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeSystem, systemPrompt),
		llms.TextParts(schema.ChatMessageTypeHuman, ce.buildUserPrompt(query, excerpts, history)),
	}

	response, err := ce.llm.GenerateContent(ctx, content,
		llms.WithTemperature(ce.config.Temperature),
		llms.WithMaxTokens(ce.config.MaxTokens),
	)
	if err != nil {
		return fmt.Sprintf("Error generating answer: %v", err)
	}
	if len(response.Choices) == 0 || response.Choices[0].Content == "" {
		return "Error generating answer: empty response from model"
	}
	return response.Choices[0].Content
}

func (ce *ChatEngine) buildUserPrompt(query string, excerpts []string, history []models.ChatMessage) string {
	contextText := "No relevant excerpts found."
	if len(excerpts) > 0 {
		contextText = strings.Join(excerpts, "\n\n")
	}

	var sb strings.Builder
	if len(history) > 0 {
		sb.WriteString("--- RECENT CONVERSATION ---\n")
		for _, msg := range history {
			sb.WriteString(strings.ToUpper(msg.Role))
			sb.WriteString(": ")
			sb.WriteString(msg.Content)
			sb.WriteByte('\n')
		}
		sb.WriteByte('\n')
	}

	fmt.Fprintf(&sb, "--- CONTEXT EXCERPTS ---\n%s\n------------------------\n\nUSER QUESTION: %s", contextText, query)
	return sb.String()
}
