package memory

import (
	"context"
	"log"
	"strings"

	"github.com/antoniostano/recall/internal/observability"
)

// ExtractionPipeline derives durable facts from each inbound user message.
// It runs off the critical path, is write-only, and never fails the turn:
// its outcome only becomes visible on the next retrieval.
type ExtractionPipeline struct {
	facts     FactStore
	extractor Extractor
	metrics   *observability.Metrics

	minConfidence float64
	minImportance float64
}

func NewExtractionPipeline(facts FactStore, extractor Extractor, metrics *observability.Metrics, minConfidence, minImportance float64) *ExtractionPipeline {
	return &ExtractionPipeline{
		facts:         facts,
		extractor:     extractor,
		metrics:       metrics,
		minConfidence: minConfidence,
		minImportance: minImportance,
	}
}

// Run extracts and persists fact candidates from one user message.
func (p *ExtractionPipeline) Run(ctx context.Context, userID, message string) {
	if p.skip(message) {
		p.observe("skipped")
		return
	}

	candidates, err := p.extractor.Extract(ctx, message)
	if err != nil {
		p.observe("extractor_failed")
		log.Printf("extraction failed for user %s: %v", userID, err)
		return
	}
	if len(candidates) == 0 {
		p.observe("no_candidates")
		return
	}

	for _, c := range p.filter(candidates) {
		outcome, err := p.facts.UpsertCandidate(ctx, userID, c)
		if err != nil && !IsValidationError(err) {
			p.observe("upsert_failed")
			log.Printf("fact upsert failed for user %s (%s/%s): %v", userID, c.Category, c.Key, err)
			continue
		}
		if p.metrics != nil {
			p.metrics.FactUpserts.WithLabelValues(string(outcome)).Inc()
		}
	}
}

// skip drops messages that carry no extractable assertions: questions ask
// for information rather than provide it, and very short messages are
// almost always acknowledgements.
func (p *ExtractionPipeline) skip(message string) bool {
	trimmed := strings.TrimSpace(message)
	if strings.HasSuffix(trimmed, "?") {
		return true
	}
	return len(strings.Fields(trimmed)) < 3
}

// filter applies the ingress gates in order: score thresholds, closed
// category set, key canonicalization, then in-batch dedupe by
// (category, key) keeping the highest-confidence candidate.
func (p *ExtractionPipeline) filter(candidates []Candidate) []Candidate {
	type pairKey struct {
		category Category
		key      string
	}
	best := make(map[pairKey]Candidate)
	order := make([]pairKey, 0, len(candidates))

	for _, c := range candidates {
		if c.Confidence < p.minConfidence || c.Importance < p.minImportance {
			p.observe("filtered_score")
			continue
		}
		cat, err := ParseCategory(c.Category)
		if err != nil {
			p.observe("filtered_category")
			continue
		}
		c.Category = string(cat)
		c.Key = CanonicalKey(c.Key)
		if c.Key == "" || strings.TrimSpace(c.Value) == "" {
			p.observe("filtered_malformed")
			continue
		}

		pk := pairKey{category: cat, key: c.Key}
		existing, seen := best[pk]
		if !seen {
			best[pk] = c
			order = append(order, pk)
			continue
		}
		if c.Confidence > existing.Confidence {
			best[pk] = c
		}
		p.observe("deduped")
	}

	out := make([]Candidate, 0, len(order))
	for _, pk := range order {
		out = append(out, best[pk])
	}
	return out
}

func (p *ExtractionPipeline) observe(event string) {
	if p.metrics != nil {
		p.metrics.ExtractionEvents.WithLabelValues(event).Inc()
	}
}
