package llm

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider implements Provider for Anthropic's Messages API.
// It favors careful, well-hedged analysis, so the deliberation engine binds
// it to the agent seat that most benefits from cautious reasoning.
type AnthropicProvider struct {
	Model string // e.g. "claude-sonnet-4-5"
}

var _ Provider = (*AnthropicProvider)(nil)

func (p *AnthropicProvider) GenerateResponse(ctx context.Context, prompt string, systemPrompt string, options map[string]interface{}) (string, Usage, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if val, ok := options["api_key"].(string); ok && val != "" {
		apiKey = val
	}
	if apiKey == "" {
		return "", Usage{}, fmt.Errorf("%w: ANTHROPIC_API_KEY not set", ErrInvalidRequest)
	}

	model := p.Model
	if model == "" {
		model = "claude-sonnet-4-5-20250929"
	}
	if val, ok := options["model"].(string); ok && val != "" {
		model = val
	}

	maxTokens := int64(4096)
	if val, ok := options["max_tokens"].(int); ok && val > 0 {
		maxTokens = int64(val)
	}

	client := anthropic.NewClient(option.WithAPIKey(apiKey))

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{Type: "text", Text: systemPrompt},
		}
	}

	msg, err := client.Messages.New(ctx, params)
	if err != nil {
		return "", Usage{}, classifyAnthropicError(err)
	}

	var out strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}

	usage := Usage{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}

	return out.String(), usage, nil
}

func (p *AnthropicProvider) AdaptInstructions(raw string) string {
	return raw
}

// classifyAnthropicError maps the SDK's error surface onto our sentinel
// taxonomy so the agent runner can decide what's worth retrying.
func classifyAnthropicError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "overloaded"):
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	case strings.Contains(msg, "deadline exceeded") || strings.Contains(msg, "timeout"):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case strings.Contains(msg, "connection") || strings.Contains(msg, "eof"):
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	case strings.Contains(msg, "400") || strings.Contains(msg, "invalid"):
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	default:
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
}
