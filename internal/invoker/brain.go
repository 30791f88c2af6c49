package invoker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

// BrainConfig selects the genkit-backed model a GenkitBrain talks to,
// grounded on the teacher's BrainConfig/NewGenkitBrain provider-switch,
// trimmed to the fields a single step invocation needs (no soul,
// skills, or WASM host — those belong to the teacher's long-lived chat
// agent, not a one-shot step invoker).
type BrainConfig struct {
	Provider string // "google" | "anthropic" | "openai" | "openai_compatible"
	Model    string
	APIKey   string
}

// GenkitBrain wraps a genkit.Genkit instance configured for one provider.
type GenkitBrain struct {
	g     *genkit.Genkit
	cfg   BrainConfig
	llmOn bool
}

func NewGenkitBrain(ctx context.Context, cfg BrainConfig) *GenkitBrain {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	modelID := strings.TrimSpace(cfg.Model)
	if modelID == "" {
		modelID = defaultModelForProvider(provider)
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = envAPIKeyForProvider(provider)
	}

	var g *genkit.Genkit
	llmOn := false

	switch provider {
	case "openai", "openai_compatible":
		if apiKey != "" {
			plugin := &compat_oai.OpenAICompatible{Provider: "openai", APIKey: apiKey, BaseURL: os.Getenv("OPENAI_BASE_URL")}
			g = genkit.Init(ctx, genkit.WithPlugins(plugin))
			llmOn = true
		} else {
			g = genkit.Init(ctx)
			slog.Warn("openai api key missing; invoker running in deterministic fallback mode")
		}
	case "google", "":
		if apiKey != "" {
			_ = os.Setenv("GEMINI_API_KEY", apiKey)
			g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}), genkit.WithDefaultModel("googleai/"+modelID))
			llmOn = true
		} else {
			g = genkit.Init(ctx)
			slog.Warn("google api key missing; invoker running in deterministic fallback mode")
		}
	default:
		g = genkit.Init(ctx)
		slog.Warn("unknown invoker llm provider, falling back", "provider", provider)
	}

	return &GenkitBrain{g: g, cfg: cfg, llmOn: llmOn}
}

func (b *GenkitBrain) Respond(ctx context.Context, sessionID, content string) (string, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", fmt.Errorf("empty prompt")
	}
	if !b.llmOn {
		return "", fmt.Errorf("no llm provider configured for invoker")
	}

	modelName := modelNameForProvider(strings.ToLower(b.cfg.Provider), b.cfg.Model)
	resp, err := genkit.Generate(ctx, b.g,
		ai.WithModelName(modelName),
		ai.WithPrompt(trimmed),
	)
	if err != nil {
		return "", fmt.Errorf("genkit generate: %w", err)
	}
	return resp.Text(), nil
}

func defaultModelForProvider(provider string) string {
	switch provider {
	case "openai", "openai_compatible":
		return "gpt-4o-mini"
	default:
		return "gemini-2.5-flash"
	}
}

func modelNameForProvider(provider, model string) string {
	if model == "" {
		model = defaultModelForProvider(provider)
	}
	switch provider {
	case "openai", "openai_compatible":
		return "openai/" + model
	default:
		return "googleai/" + model
	}
}

func envAPIKeyForProvider(provider string) string {
	switch provider {
	case "openai", "openai_compatible":
		return os.Getenv("OPENAI_API_KEY")
	default:
		return os.Getenv("GEMINI_API_KEY")
	}
}
