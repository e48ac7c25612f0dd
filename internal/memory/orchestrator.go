package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/antoniostano/recall/internal/background"
	"github.com/antoniostano/recall/internal/observability"
	"github.com/antoniostano/recall/internal/policy"
)

// Reply is the orchestrator's per-turn result. Bundle is included for
// inspection and logging when the caller asks for it.
type Reply struct {
	Text   string  `json:"reply"`
	Bundle *Bundle `json:"bundle,omitempty"`
}

// Orchestrator drives the per-turn control flow: append the user turn, fire
// the compaction trigger, build the context bundle, generate the reply,
// then dispatch fact extraction. Compaction and extraction run on the
// background pool; the caller gets its reply before they complete.
type Orchestrator struct {
	buffer     *SessionBuffer
	retrieval  *RetrievalEngine
	compaction *CompactionPipeline
	extraction *ExtractionPipeline
	generator  Generator
	pool       *background.Pool
	metrics    *observability.Metrics

	bundleCharBudget int
}

func NewOrchestrator(
	buffer *SessionBuffer,
	retrieval *RetrievalEngine,
	compaction *CompactionPipeline,
	extraction *ExtractionPipeline,
	generator Generator,
	pool *background.Pool,
	metrics *observability.Metrics,
	bundleCharBudget int,
) *Orchestrator {
	if bundleCharBudget <= 0 {
		bundleCharBudget = 1600
	}
	o := &Orchestrator{
		buffer:           buffer,
		retrieval:        retrieval,
		compaction:       compaction,
		extraction:       extraction,
		generator:        generator,
		pool:             pool,
		metrics:          metrics,
		bundleCharBudget: bundleCharBudget,
	}
	buffer.SetEvictHook(o.onEvict)
	return o
}

// OnMessage handles one inbound user message and returns the reply. The
// worst case on dependency failure is a reply without updated memory
// context, never a failed turn.
func (o *Orchestrator) OnMessage(ctx context.Context, userID, text string) (Reply, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Reply{}, &ValidationError{Field: "user_id", Reason: "empty"}
	}
	if strings.TrimSpace(text) == "" {
		return Reply{}, &ValidationError{Field: "message", Reason: "empty"}
	}
	turnStart := time.Now()

	redacted, changed := policy.RedactPII(text)
	if changed {
		o.indicator("pii_redacted")
	}

	o.appendTurn(userID, RoleUser, redacted)
	o.maybeCompact(userID)

	var bundle Bundle
	if policy.ShouldRetrieve(redacted) {
		bundle = o.retrieval.Retrieve(ctx, userID, redacted)
	} else {
		o.indicator("retrieval_skipped_session_only")
	}

	prompt := o.buildPrompt(userID, bundle)
	replyText, err := o.generator.Reply(ctx, prompt)
	if err != nil {
		// The reply itself is outside this core's control, but memory
		// writes above already happened; surface the failure.
		return Reply{Bundle: &bundle}, fmt.Errorf("generate reply: %w", err)
	}

	o.appendTurn(userID, RoleAssistant, replyText)
	o.maybeCompact(userID)

	o.pool.Submit("extraction", userID, func(ctx context.Context) error {
		o.extraction.Run(ctx, userID, redacted)
		return nil
	})

	if o.metrics != nil {
		o.metrics.ObserveStage("turn_total", time.Since(turnStart))
	}
	return Reply{Text: replyText, Bundle: &bundle}, nil
}

// Retrieve exposes the bundle for inspection without generating a reply.
func (o *Orchestrator) Retrieve(ctx context.Context, userID, query string) Bundle {
	return o.retrieval.Retrieve(ctx, userID, query)
}

func (o *Orchestrator) appendTurn(userID string, role Role, content string) {
	o.buffer.Append(userID, role, content)
	if o.metrics != nil {
		o.metrics.TurnsAppended.WithLabelValues(string(role)).Inc()
		o.metrics.ActiveBuffers.Set(float64(o.buffer.ActiveCount()))
	}
}

// maybeCompact claims the per-user compaction slot and hands the run to the
// background pool. A trigger while one run is in flight is coalesced by
// BeginCompaction returning false.
func (o *Orchestrator) maybeCompact(userID string) {
	if !o.buffer.ShouldCompact(userID) {
		return
	}
	if !o.buffer.BeginCompaction(userID) {
		if o.metrics != nil {
			o.metrics.CompactionEvents.WithLabelValues("coalesced").Inc()
		}
		return
	}
	submitted := o.pool.Submit("compaction", userID, func(ctx context.Context) error {
		return o.compaction.Run(ctx, userID)
	})
	if !submitted {
		o.buffer.EndCompaction(userID, nil)
	}
}

// onEvict flushes an idle user's residual turns into one final episode
// before the buffer is dropped.
func (o *Orchestrator) onEvict(userID string, residual []Turn) {
	if o.metrics != nil {
		o.metrics.ActiveBuffers.Set(float64(o.buffer.ActiveCount()))
	}
	if len(residual) == 0 {
		return
	}
	o.pool.Submit("flush", userID, func(ctx context.Context) error {
		return o.compaction.Flush(ctx, userID, residual)
	})
}

// buildPrompt assembles the downstream prompt from the bundle and the
// resident short-term window.
func (o *Orchestrator) buildPrompt(userID string, bundle Bundle) string {
	var b strings.Builder

	memoryContext := FormatBundle(bundle, o.retrieval.PreviewChars(), o.bundleCharBudget)
	b.WriteString("[ACTIVE MEMORY]\n")
	if memoryContext != "" {
		b.WriteString(memoryContext)
		b.WriteString("\n")
	}

	b.WriteString("\n[RECENT CONVERSATION]\n")
	for _, t := range o.buffer.Snapshot(userID) {
		b.WriteString(string(t.Role))
		b.WriteString(": ")
		b.WriteString(t.Content)
		b.WriteString("\n")
	}

	b.WriteString("\nAnswer consistently.")
	return b.String()
}

func (o *Orchestrator) indicator(name string) {
	if o.metrics != nil {
		o.metrics.ObserveIndicator(name)
	}
}
