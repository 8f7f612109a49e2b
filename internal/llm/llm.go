// Package llm builds text-generation clients from Integration rows. The
// deployment answer path and the semantic cache use it to call whichever
// provider an admin has configured, without knowing provider specifics.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/cohere"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/bazaar-ml/bazaar/internal/db"
	"github.com/bazaar-ml/bazaar/internal/repositories"
)

// ErrNotConfigured is returned when no integration exists for the requested
// provider type.
var ErrNotConfigured = errors.New("llm: provider not configured")

// Generator produces a completion for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// settings is the decrypted shape of an Integration's Data payload.
type settings struct {
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
}

// Registry builds Generators from stored integrations.
type Registry struct {
	integrations repositories.IntegrationRepository
}

// NewRegistry creates a Registry over the integrations repository.
func NewRegistry(integrations repositories.IntegrationRepository) *Registry {
	return &Registry{integrations: integrations}
}

// ForType returns a Generator for the newest integration of the given type.
// Clients are rebuilt per call so credential rotation takes effect without a
// restart.
func (r *Registry) ForType(ctx context.Context, typ string) (Generator, error) {
	integration, err := r.integrations.GetByType(ctx, typ)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotConfigured, typ)
	}
	if err != nil {
		return nil, err
	}
	return FromSettings(integration.Type, []byte(integration.Data))
}

// FromSettings builds a Generator directly from decrypted provider settings.
// Deployment workers use it when the control plane hands them the
// configuration through the job environment instead of the database.
func FromSettings(typ string, data []byte) (Generator, error) {
	var cfg settings
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("llm: parsing %s integration: %w", typ, err)
	}

	var model llms.Model
	var err error
	switch typ {
	case db.IntegrationOpenAI:
		opts := []openai.Option{openai.WithToken(cfg.APIKey)}
		if cfg.Model != "" {
			opts = append(opts, openai.WithModel(cfg.Model))
		}
		model, err = openai.New(opts...)

	case db.IntegrationSelfHosted:
		// Any openai-compatible endpoint (vllm, llama.cpp, ollama).
		opts := []openai.Option{
			openai.WithToken(cfg.APIKey),
			openai.WithBaseURL(cfg.BaseURL),
		}
		if cfg.Model != "" {
			opts = append(opts, openai.WithModel(cfg.Model))
		}
		model, err = openai.New(opts...)

	case db.IntegrationAnthropic:
		opts := []anthropic.Option{anthropic.WithToken(cfg.APIKey)}
		if cfg.Model != "" {
			opts = append(opts, anthropic.WithModel(cfg.Model))
		}
		model, err = anthropic.New(opts...)

	case db.IntegrationCohere:
		opts := []cohere.Option{cohere.WithToken(cfg.APIKey)}
		if cfg.Model != "" {
			opts = append(opts, cohere.WithModel(cfg.Model))
		}
		model, err = cohere.New(opts...)

	default:
		return nil, fmt.Errorf("llm: unknown provider type %q", typ)
	}
	if err != nil {
		return nil, fmt.Errorf("llm: creating %s client: %w", typ, err)
	}
	return &langchainGenerator{model: model}, nil
}

type langchainGenerator struct {
	model llms.Model
}

func (g *langchainGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	out, err := llms.GenerateFromSinglePrompt(ctx, g.model, prompt)
	if err != nil {
		return "", fmt.Errorf("llm: generating completion: %w", err)
	}
	return out, nil
}

// Static is a fixed-response Generator for tests.
type Static string

func (s Static) Generate(context.Context, string) (string, error) { return string(s), nil }
