package llm

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/antoniostano/recall/internal/memory"
)

// Provider bundles the four model collaborators the memory engine needs.
type Provider struct {
	Summarizer memory.Summarizer
	Embedder   memory.Embedder
	Extractor  memory.Extractor
	Generator  memory.Generator
	Name       string
}

// ResolveConfig selects and configures a provider.
type ResolveConfig struct {
	Mode         string // "auto", "ollama", or "mock"
	OllamaURL    string
	Model        string
	EmbedModel   string
	EmbeddingDim int
	Timeout      time.Duration
	Temperature  float64
	MaxTokens    int
}

// Resolve picks the provider for the configured mode. In auto mode Ollama is
// probed once with a short deadline and the mock is used when it is down, so
// a bare `go run` works without any local model server.
func Resolve(ctx context.Context, cfg ResolveConfig) (*Provider, error) {
	switch cfg.Mode {
	case "mock":
		return mockProvider(cfg), nil
	case "ollama":
		p, err := ollamaProvider(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "auto", "":
		p, err := ollamaProvider(ctx, cfg)
		if err != nil {
			log.Printf("llm: ollama unavailable (%v), falling back to mock provider", err)
			return mockProvider(cfg), nil
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Mode)
	}
}

func mockProvider(cfg ResolveConfig) *Provider {
	m := NewMockProvider(cfg.EmbeddingDim)
	return &Provider{
		Summarizer: m,
		Embedder:   m,
		Extractor:  m,
		Generator:  m,
		Name:       "mock",
	}
}

func ollamaProvider(ctx context.Context, cfg ResolveConfig) (*Provider, error) {
	client := NewClient(Config{
		BaseURL:    cfg.OllamaURL,
		Model:      cfg.Model,
		EmbedModel: cfg.EmbedModel,
		Timeout:    cfg.Timeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx); err != nil {
		return nil, err
	}

	return &Provider{
		Summarizer: NewSummarizer(client),
		Embedder:   NewEmbedder(client, cfg.EmbeddingDim),
		Extractor:  NewExtractor(client),
		Generator:  NewGenerator(client, cfg.Temperature, cfg.MaxTokens),
		Name:       "ollama",
	}, nil
}
