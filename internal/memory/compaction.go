package memory

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/recall/internal/observability"
	"github.com/antoniostano/recall/internal/reliability"
)

// CompactionPipeline moves aged turns out of the session buffer into a
// durable episode: summarize, embed, persist, evict. It runs off the
// latency-critical path with at most one run in flight per user.
//
// Each step retries with a bounded budget. When summarization is exhausted
// the slice is restored to the front of the buffer (fail open, no turn
// loss). When embedding or persistence is exhausted the attempt is dropped
// and surfaced as an observable failure event; the turns were already
// evicted, which is the accepted lossy-degradation path.
type CompactionPipeline struct {
	buffer     *SessionBuffer
	episodes   EpisodeStore
	summarizer Summarizer
	embedder   Embedder
	metrics    *observability.Metrics

	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration
}

func NewCompactionPipeline(buffer *SessionBuffer, episodes EpisodeStore, summarizer Summarizer, embedder Embedder, metrics *observability.Metrics, maxAttempts int, backoffBase, backoffCap time.Duration) *CompactionPipeline {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if backoffBase <= 0 {
		backoffBase = 200 * time.Millisecond
	}
	if backoffCap <= 0 {
		backoffCap = 5 * time.Second
	}
	return &CompactionPipeline{
		buffer:      buffer,
		episodes:    episodes,
		summarizer:  summarizer,
		embedder:    embedder,
		metrics:     metrics,
		maxAttempts: maxAttempts,
		backoffBase: backoffBase,
		backoffCap:  backoffCap,
	}
}

// Run executes one compaction for userID. The caller must have claimed the
// per-user slot via buffer.BeginCompaction; Run always releases it.
func (p *CompactionPipeline) Run(ctx context.Context, userID string) error {
	slice, ok := p.buffer.TakeCompactionSlice(userID)
	if !ok {
		p.observe("empty_slice")
		return nil
	}
	return p.compact(ctx, userID, slice)
}

// Flush compacts an already-drained residual slice, used when an idle
// buffer is evicted. Turns are not restored on failure since the window no
// longer exists; failures surface as observable events.
func (p *CompactionPipeline) Flush(ctx context.Context, userID string, residual []Turn) error {
	if len(residual) == 0 {
		return nil
	}
	summary, err := p.summarize(ctx, residual)
	if err != nil {
		p.observe("flush_summarize_failed")
		return err
	}
	if err := p.persist(ctx, userID, residual, summary); err != nil {
		p.observe("flush_dropped")
		return err
	}
	p.observe("flushed")
	return nil
}

func (p *CompactionPipeline) compact(ctx context.Context, userID string, slice []Turn) error {
	summary, err := p.summarize(ctx, slice)
	if err != nil {
		// Fail open: the slice goes back to the front of the buffer.
		p.buffer.EndCompaction(userID, slice)
		p.observe("summarize_failed")
		return fmt.Errorf("summarize slice: %w", err)
	}

	if err := p.persist(ctx, userID, slice, summary); err != nil {
		p.buffer.EndCompaction(userID, nil)
		p.observe("dropped")
		log.Printf("compaction dropped for user %s (turns %d-%d): %v",
			userID, slice[0].Sequence, slice[len(slice)-1].Sequence, err)
		return err
	}

	p.buffer.EndCompaction(userID, nil)
	p.observe("compacted")
	return nil
}

func (p *CompactionPipeline) summarize(ctx context.Context, slice []Turn) (string, error) {
	var summary string
	err := reliability.Retry(ctx, p.maxAttempts, p.backoffBase, p.backoffCap, func(ctx context.Context) error {
		var err error
		summary, err = p.summarizer.Summarize(ctx, slice)
		return err
	})
	return summary, err
}

func (p *CompactionPipeline) persist(ctx context.Context, userID string, slice []Turn, summary string) error {
	var embedding []float32
	err := reliability.Retry(ctx, p.maxAttempts, p.backoffBase, p.backoffCap, func(ctx context.Context) error {
		var err error
		embedding, err = p.embedder.Embed(ctx, summary)
		return err
	})
	if err != nil {
		return fmt.Errorf("embed summary: %w", err)
	}

	// A fixed ID keeps persistence retries from duplicating the episode.
	ep := Episode{
		ID:        uuid.NewString(),
		UserID:    userID,
		TurnStart: slice[0].Sequence,
		TurnEnd:   slice[len(slice)-1].Sequence,
		Summary:   summary,
		Embedding: embedding,
	}
	err = reliability.Retry(ctx, p.maxAttempts, p.backoffBase, p.backoffCap, func(ctx context.Context) error {
		return p.episodes.Append(ctx, ep)
	})
	if err != nil {
		return fmt.Errorf("persist episode: %w", err)
	}
	return nil
}

func (p *CompactionPipeline) observe(event string) {
	if p.metrics != nil {
		p.metrics.CompactionEvents.WithLabelValues(event).Inc()
	}
}
