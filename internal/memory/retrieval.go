package memory

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/antoniostano/recall/internal/observability"
)

// RetrievalOptions bounds one retrieval pass.
type RetrievalOptions struct {
	TopKEpisodes      int
	MinFactImportance float64
	MaxDistance       float64
	PreviewChars      int
	Timeout           time.Duration
}

// RetrievalEngine produces the ranked context bundle for a query in three
// stages: deterministic facts, similarity-ranked episodes, then a merge
// that never re-ranks across the two signals.
//
// The engine sits on the latency-critical path: the whole pass runs under a
// hard timeout, Stage 2 faults degrade to facts-only, and a Stage 1 fault
// still yields an (empty) bundle rather than failing the reply.
type RetrievalEngine struct {
	facts    FactStore
	episodes EpisodeStore
	embedder Embedder
	metrics  *observability.Metrics
	defaults RetrievalOptions

	// Query embeddings are cached: repeated or near-duplicate queries are
	// common in long conversations and the embedder call dominates the
	// Stage 2 latency budget.
	embedCache *ristretto.Cache
}

func NewRetrievalEngine(facts FactStore, episodes EpisodeStore, embedder Embedder, metrics *observability.Metrics, defaults RetrievalOptions) (*RetrievalEngine, error) {
	if defaults.TopKEpisodes <= 0 {
		defaults.TopKEpisodes = 3
	}
	if defaults.MaxDistance <= 0 {
		defaults.MaxDistance = 0.4
	}
	if defaults.PreviewChars <= 0 {
		defaults.PreviewChars = 150
	}
	if defaults.Timeout <= 0 {
		defaults.Timeout = 800 * time.Millisecond
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     4 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("init embedding cache: %w", err)
	}

	return &RetrievalEngine{
		facts:      facts,
		episodes:   episodes,
		embedder:   embedder,
		metrics:    metrics,
		defaults:   defaults,
		embedCache: cache,
	}, nil
}

// Retrieve assembles the context bundle for one query. It never returns an
// error for dependency faults; Degraded marks a bundle missing a stage.
func (e *RetrievalEngine) Retrieve(ctx context.Context, userID, query string) Bundle {
	opts := e.defaults
	started := time.Now()
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	var bundle Bundle

	// Stage 1: exact relational filter, zero false positives.
	stageStart := time.Now()
	facts, err := e.facts.ListActive(ctx, userID, opts.MinFactImportance)
	e.observeStage("retrieve_facts", stageStart)
	if err != nil {
		bundle.Degraded = true
		e.skip("facts", "store_error")
		log.Printf("retrieval stage 1 failed for user %s: %v", userID, err)
	} else {
		bundle.Facts = facts
	}

	// Stage 2: similarity search; any fault degrades to Stage-1-only.
	stageStart = time.Now()
	episodes, err := e.searchEpisodes(ctx, userID, query, opts)
	e.observeStage("retrieve_episodes", stageStart)
	if err != nil {
		bundle.Degraded = true
		reason := "search_error"
		if ctx.Err() != nil {
			reason = "timeout"
		}
		e.skip("episodes", reason)
		log.Printf("retrieval stage 2 skipped for user %s: %v", userID, err)
	} else {
		bundle.Episodes = episodes
	}

	e.observeStage("retrieve_total", started)
	if e.metrics != nil {
		e.metrics.ObserveRetrievalLatency(time.Since(started))
	}
	return bundle
}

func (e *RetrievalEngine) searchEpisodes(ctx context.Context, userID, query string, opts RetrievalOptions) ([]ScoredEpisode, error) {
	embedding, err := e.embedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return e.episodes.Search(ctx, userID, embedding, opts.TopKEpisodes, opts.MaxDistance)
}

func (e *RetrievalEngine) embedQuery(ctx context.Context, query string) ([]float32, error) {
	if cached, ok := e.embedCache.Get(query); ok {
		if vec, ok := cached.([]float32); ok {
			if e.metrics != nil {
				e.metrics.ObserveIndicator("embed_cache_hit")
			}
			return vec, nil
		}
	}
	vec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	e.embedCache.Set(query, vec, int64(len(vec)*4))
	return vec, nil
}

func (e *RetrievalEngine) observeStage(stage string, start time.Time) {
	if e.metrics != nil {
		e.metrics.ObserveStage(stage, time.Since(start))
	}
}

func (e *RetrievalEngine) skip(stage, reason string) {
	if e.metrics != nil {
		e.metrics.RetrievalSkips.WithLabelValues(stage, reason).Inc()
	}
}

// PreviewChars exposes the configured episode preview length for formatting.
func (e *RetrievalEngine) PreviewChars() int {
	return e.defaults.PreviewChars
}

// FormatBundle renders a bundle as prompt-injection text: a profile section
// from Stage 1 and a recent-context section from Stage 2, under a rough
// character budget. Episode summaries are truncated to previewChars.
func FormatBundle(b Bundle, previewChars, charBudget int) string {
	if previewChars <= 0 {
		previewChars = 150
	}
	if charBudget <= 0 {
		charBudget = 1600
	}

	var lines []string
	used := 0
	push := func(line string) bool {
		if used+len(line) > charBudget {
			return false
		}
		lines = append(lines, line)
		used += len(line)
		return true
	}

	if len(b.Facts) > 0 {
		push("## User Profile")
		for _, f := range b.Facts {
			if !push(fmt.Sprintf("- %s: %s", f.Key, f.Value)) {
				break
			}
		}
	}
	if len(b.Episodes) > 0 {
		push("")
		push("## Recent Context")
		for _, ep := range b.Episodes {
			summary := ep.Summary
			if len(summary) > previewChars {
				summary = summary[:previewChars] + "..."
			}
			if !push(fmt.Sprintf("- %s: %s", ep.TurnRange(), summary)) {
				break
			}
		}
	}
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n")
}
