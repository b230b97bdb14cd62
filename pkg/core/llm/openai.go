package llm

import (
	"context"
	"fmt"
	"os"
	"strings"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

// OpenAIProvider implements Provider for OpenAI's Chat Completions API. It is
// the default synthesizer binding: broad general knowledge, reliable JSON
// mode, cheap enough to call twice per iteration for the two-stage report.
type OpenAIProvider struct {
	Model string // e.g. "gpt-4o"
}

var _ Provider = (*OpenAIProvider)(nil)

func (p *OpenAIProvider) GenerateResponse(ctx context.Context, prompt string, systemPrompt string, options map[string]interface{}) (string, Usage, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if val, ok := options["api_key"].(string); ok && val != "" {
		apiKey = val
	}
	if apiKey == "" {
		return "", Usage{}, fmt.Errorf("%w: OPENAI_API_KEY not set", ErrInvalidRequest)
	}

	model := p.Model
	if model == "" {
		model = "gpt-4o"
	}
	if val, ok := options["model"].(string); ok && val != "" {
		model = val
	}

	client := sdk.NewClient(option.WithAPIKey(apiKey))

	messages := make([]sdk.ChatCompletionMessageParamUnion, 0, 2)
	if systemPrompt != "" {
		messages = append(messages, sdk.SystemMessage(systemPrompt))
	}
	messages = append(messages, sdk.UserMessage(prompt))

	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(model),
		Messages: messages,
	}

	if val, ok := options["response_format"].(map[string]interface{}); ok {
		if val["type"] == "json_object" {
			params.ResponseFormat = sdk.ChatCompletionNewParamsResponseFormatUnion{
				OfJSONObject: &sdk.ResponseFormatJSONObjectParam{},
			}
		}
	}

	comp, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", Usage{}, classifyOpenAIError(err)
	}
	if len(comp.Choices) == 0 {
		return "", Usage{}, fmt.Errorf("%w: openai returned no choices", ErrUpstream)
	}

	usage := Usage{
		InputTokens:  int(comp.Usage.PromptTokens),
		OutputTokens: int(comp.Usage.CompletionTokens),
	}

	return comp.Choices[0].Message.Content, usage, nil
}

func (p *OpenAIProvider) AdaptInstructions(raw string) string {
	return raw
}

func classifyOpenAIError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit"):
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	case strings.Contains(msg, "deadline exceeded") || strings.Contains(msg, "timeout"):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case strings.Contains(msg, "connection") || strings.Contains(msg, "eof"):
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	case strings.Contains(msg, "400") || strings.Contains(msg, "invalid_request"):
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	default:
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
}
