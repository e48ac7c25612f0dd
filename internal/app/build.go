// Package app wires configuration, stores, pipelines, and the HTTP surface
// into one runnable service.
package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/antoniostano/recall/internal/background"
	"github.com/antoniostano/recall/internal/config"
	"github.com/antoniostano/recall/internal/httpapi"
	"github.com/antoniostano/recall/internal/llm"
	"github.com/antoniostano/recall/internal/memory"
	"github.com/antoniostano/recall/internal/observability"
)

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Buffer       *memory.SessionBuffer
	Orchestrator *memory.Orchestrator
	Stores       *memory.Stores
	Pool         *background.Pool
	Metrics      *observability.Metrics
	ProviderName string

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	stores, err := memory.NewStores(ctx, cfg.DatabaseURL, cfg.EmbeddingDim)
	if err != nil {
		return nil, fmt.Errorf("memory stores init failed: %w", err)
	}

	provider, err := llm.Resolve(ctx, llm.ResolveConfig{
		Mode:         cfg.LLMProvider,
		OllamaURL:    cfg.OllamaURL,
		Model:        cfg.LLMModel,
		EmbedModel:   cfg.EmbedModel,
		EmbeddingDim: cfg.EmbeddingDim,
		Timeout:      cfg.LLMTimeout,
		Temperature:  cfg.LLMTemperature,
		MaxTokens:    cfg.LLMMaxTokens,
	})
	if err != nil {
		_ = stores.Close()
		return nil, fmt.Errorf("llm provider init failed: %w", err)
	}

	buffer := memory.NewSessionBuffer(cfg.BufferTrigger, cfg.BufferRetain, cfg.BufferIdleTimeout)
	pool := background.NewPool(cfg.WorkerPoolSize, metrics)

	compaction := memory.NewCompactionPipeline(
		buffer, stores.Episodes, provider.Summarizer, provider.Embedder, metrics,
		cfg.RetryMaxAttempts, cfg.RetryBackoffBase, cfg.RetryBackoffCap,
	)
	extraction := memory.NewExtractionPipeline(
		stores.Facts, provider.Extractor, metrics,
		cfg.MinExtractConfidence, cfg.MinExtractImportance,
	)
	retrieval, err := memory.NewRetrievalEngine(stores.Facts, stores.Episodes, provider.Embedder, metrics, memory.RetrievalOptions{
		TopKEpisodes:      cfg.RetrieveTopK,
		MinFactImportance: cfg.MinFactImportance,
		MaxDistance:       cfg.MaxDistance,
		PreviewChars:      cfg.EpisodePreviewChars,
		Timeout:           cfg.RetrievalTimeout,
	})
	if err != nil {
		_ = stores.Close()
		return nil, fmt.Errorf("retrieval engine init failed: %w", err)
	}

	orchestrator := memory.NewOrchestrator(
		buffer, retrieval, compaction, extraction, provider.Generator,
		pool, metrics, cfg.BundleCharBudget,
	)

	api := httpapi.New(cfg, orchestrator, stores, metrics)

	cleanup := func() error {
		var errs []string
		pool.Close()
		if err := stores.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Buffer:       buffer,
		Orchestrator: orchestrator,
		Stores:       stores,
		Pool:         pool,
		Metrics:      metrics,
		ProviderName: provider.Name,
		Cleanup:      cleanup,
	}, nil
}
