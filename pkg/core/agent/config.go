package agent

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/ulucky-coder/deliberation-engine/pkg/core/deliberation"
	"github.com/ulucky-coder/deliberation-engine/pkg/core/llm"
)

// SeatConfig binds one of the four default seats to a provider name and
// default model, loaded from config/agents.yaml.
type SeatConfig struct {
	Provider     string `yaml:"provider"`
	DefaultModel string `yaml:"default_model"`
	Description  string `yaml:"description"`
}

// FileConfig is the top-level shape of config/agents.yaml.
type FileConfig struct {
	Seats map[deliberation.AgentID]SeatConfig `yaml:"seats"`
}

// LoadConfig reads and parses path into a FileConfig. A missing file is
// returned as an error; callers fall back to DefaultBindings by passing a
// nil config to BuildBindings.
func LoadConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("agent: parse %s: %w", path, err)
	}
	return &cfg, nil
}

// providerFactory constructs a fresh llm.Provider for a provider name. Each
// adapter is stateless aside from its Model field, so a new instance per
// binding is cheap and avoids any shared mutable state across seats that
// happen to share a provider name.
func providerFactory(name, model string) (llm.Provider, error) {
	switch name {
	case "anthropic":
		return &llm.AnthropicProvider{Model: model}, nil
	case "openai":
		return &llm.OpenAIProvider{Model: model}, nil
	case "gemini":
		return &llm.GeminiProvider{Model: model}, nil
	case "deepseek":
		return &llm.DeepSeekProvider{}, nil
	case "qwen":
		return &llm.QwenProvider{}, nil
	default:
		return nil, fmt.Errorf("agent: unknown provider %q", name)
	}
}

// DefaultBindings is the default four-seat roster: a general-purpose model
// (Anthropic), a synthesizing model (OpenAI), a broad-coverage model
// (Gemini; the runner does not enable its search grounding), and a
// cost-efficient model (DeepSeek). Used
// when config/agents.yaml is absent or a seat it omits needs a fallback.
func DefaultBindings() map[deliberation.AgentID]Binding {
	return map[deliberation.AgentID]Binding{
		deliberation.AgentLogicalAnalyst:        {Provider: &llm.AnthropicProvider{Model: "claude-sonnet-4-5-20250929"}, DefaultModel: "claude-sonnet-4-5-20250929"},
		deliberation.AgentSystemsArchitect:      {Provider: &llm.OpenAIProvider{Model: "gpt-4o"}, DefaultModel: "gpt-4o"},
		deliberation.AgentAlternativesGenerator: {Provider: &llm.GeminiProvider{Model: "gemini-2.0-flash-exp"}, DefaultModel: "gemini-2.0-flash-exp"},
		deliberation.AgentFormalAnalyst:         {Provider: &llm.DeepSeekProvider{}, DefaultModel: "deepseek-chat"},
	}
}

// BuildBindings merges cfg over DefaultBindings: any seat cfg doesn't
// mention keeps its default; any seat it does mention gets a freshly built
// provider for the configured provider name and model.
func BuildBindings(cfg *FileConfig) (map[deliberation.AgentID]Binding, error) {
	bindings := DefaultBindings()
	if cfg == nil {
		return bindings, nil
	}
	for seat, sc := range cfg.Seats {
		if sc.Provider == "" {
			continue
		}
		provider, err := providerFactory(sc.Provider, sc.DefaultModel)
		if err != nil {
			return nil, err
		}
		bindings[seat] = Binding{Provider: provider, DefaultModel: sc.DefaultModel}
	}
	return bindings, nil
}
