package memory

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/antoniostano/recall/internal/background"
)

type orchestratorHarness struct {
	orchestrator *Orchestrator
	buffer       *SessionBuffer
	facts        *InMemoryFactStore
	episodes     *ChromemEpisodeStore
	embedder     *stubEmbedder
	generator    *stubGenerator
	pool         *background.Pool

	mu   sync.Mutex
	done map[string]int
}

func newHarness(t *testing.T, trigger, retain int, extractor Extractor, generator *stubGenerator) *orchestratorHarness {
	t.Helper()

	h := &orchestratorHarness{
		buffer:    NewSessionBuffer(trigger, retain, time.Minute),
		facts:     NewInMemoryFactStore(),
		episodes:  NewChromemEpisodeStore(),
		embedder:  &stubEmbedder{},
		generator: generator,
		pool:      background.NewPool(4, nil),
		done:      make(map[string]int),
	}
	h.pool.SetDoneHook(func(ev background.Event) {
		h.mu.Lock()
		h.done[ev.Name]++
		h.mu.Unlock()
	})

	retrieval, err := NewRetrievalEngine(h.facts, h.episodes, h.embedder, nil, RetrievalOptions{
		TopKEpisodes:      3,
		MinFactImportance: 0.5,
		MaxDistance:       0.4,
		Timeout:           time.Second,
	})
	if err != nil {
		t.Fatalf("NewRetrievalEngine() error = %v", err)
	}
	compaction := NewCompactionPipeline(h.buffer, h.episodes, &stubSummarizer{}, h.embedder, nil, 2, time.Millisecond, 5*time.Millisecond)
	extraction := NewExtractionPipeline(h.facts, extractor, nil, 0.4, 0.2)

	h.orchestrator = NewOrchestrator(h.buffer, retrieval, compaction, extraction, generator, h.pool, nil, 1600)
	t.Cleanup(h.pool.Close)
	return h
}

// waitDone blocks until at least n background tasks with the given name have
// completed.
func (h *orchestratorHarness) waitDone(t *testing.T, name string, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		h.mu.Lock()
		count := h.done[name]
		h.mu.Unlock()
		if count >= n {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d %q tasks (got %d)", n, name, count)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOnMessageAppendsBothTurns(t *testing.T) {
	h := newHarness(t, 20, 10, &stubExtractor{}, &stubGenerator{reply: "hi Alex"})

	reply, err := h.orchestrator.OnMessage(context.Background(), "u1", "my name is Alex")
	if err != nil {
		t.Fatalf("OnMessage() error = %v", err)
	}
	if reply.Text != "hi Alex" {
		t.Fatalf("reply = %q, want hi Alex", reply.Text)
	}

	turns := h.buffer.Snapshot("u1")
	if len(turns) != 2 {
		t.Fatalf("turn count = %d, want 2", len(turns))
	}
	if turns[0].Role != RoleUser || turns[1].Role != RoleAssistant {
		t.Fatalf("roles = [%s, %s], want [user, assistant]", turns[0].Role, turns[1].Role)
	}
}

func TestOnMessageRejectsEmptyInput(t *testing.T) {
	h := newHarness(t, 20, 10, &stubExtractor{}, &stubGenerator{})

	if _, err := h.orchestrator.OnMessage(context.Background(), "", "hello world today"); !IsValidationError(err) {
		t.Fatalf("empty user error = %v, want validation error", err)
	}
	if _, err := h.orchestrator.OnMessage(context.Background(), "u1", "   "); !IsValidationError(err) {
		t.Fatalf("empty message error = %v, want validation error", err)
	}
	if len(h.buffer.Snapshot("u1")) != 0 {
		t.Fatalf("rejected input mutated the buffer")
	}
}

func TestOnMessageRedactsPIIBeforeBuffering(t *testing.T) {
	h := newHarness(t, 20, 10, &stubExtractor{}, &stubGenerator{})

	_, err := h.orchestrator.OnMessage(context.Background(), "u1", "you can reach me at alex@example.com anytime")
	if err != nil {
		t.Fatalf("OnMessage() error = %v", err)
	}
	turns := h.buffer.Snapshot("u1")
	if strings.Contains(turns[0].Content, "alex@example.com") {
		t.Fatalf("raw email reached the buffer: %q", turns[0].Content)
	}
	if !strings.Contains(turns[0].Content, "[REDACTED_EMAIL]") {
		t.Fatalf("email not masked: %q", turns[0].Content)
	}
}

func TestOnMessageSkipsRetrievalForGreetings(t *testing.T) {
	h := newHarness(t, 20, 10, &stubExtractor{}, &stubGenerator{})

	// Stage 2 embeds the query, so the embedder call count tells us whether
	// retrieval ran.
	if _, err := h.orchestrator.OnMessage(context.Background(), "u1", "hello"); err != nil {
		t.Fatalf("OnMessage() error = %v", err)
	}
	if n := h.embedder.callCount(); n != 0 {
		t.Fatalf("greeting triggered retrieval (%d embed calls)", n)
	}

	if _, err := h.orchestrator.OnMessage(context.Background(), "u1", "tell me about my preferences"); err != nil {
		t.Fatalf("OnMessage() error = %v", err)
	}
	if n := h.embedder.callCount(); n == 0 {
		t.Fatalf("substantive message skipped retrieval")
	}
}

func TestOnMessageGenerationFailureKeepsMemoryWrites(t *testing.T) {
	genErr := errors.New("model down")
	h := newHarness(t, 20, 10, &stubExtractor{}, &stubGenerator{err: genErr})

	_, err := h.orchestrator.OnMessage(context.Background(), "u1", "my name is Alex")
	if !errors.Is(err, genErr) {
		t.Fatalf("error = %v, want wrapped model error", err)
	}

	turns := h.buffer.Snapshot("u1")
	if len(turns) != 1 || turns[0].Role != RoleUser {
		t.Fatalf("turns after failed generation = %+v, want only the user turn", turns)
	}
}

func TestOnMessageRunsExtractionInBackground(t *testing.T) {
	extractor := &stubExtractor{candidates: []Candidate{
		{Category: "identity", Key: "name", Value: "Alex", Confidence: 0.9, Importance: 0.9},
	}}
	h := newHarness(t, 20, 10, extractor, &stubGenerator{})

	if _, err := h.orchestrator.OnMessage(context.Background(), "u1", "my name is Alex"); err != nil {
		t.Fatalf("OnMessage() error = %v", err)
	}
	h.waitDone(t, "extraction", 1)

	facts, _ := h.facts.ListActive(context.Background(), "u1", 0)
	if len(facts) != 1 || facts[0].Value != "Alex" {
		t.Fatalf("facts after extraction = %+v", facts)
	}
}

func TestOnMessageTriggersCompaction(t *testing.T) {
	h := newHarness(t, 6, 2, &stubExtractor{}, &stubGenerator{})
	ctx := context.Background()

	// Three round trips put six turns in the window, firing the trigger.
	for i := 0; i < 3; i++ {
		if _, err := h.orchestrator.OnMessage(ctx, "u1", "this is a longer statement about my work"); err != nil {
			t.Fatalf("OnMessage() error = %v", err)
		}
	}
	h.waitDone(t, "compaction", 1)

	total, _ := h.episodes.Count(ctx, "u1")
	if total != 1 {
		t.Fatalf("episode count = %d, want 1", total)
	}
	window := h.buffer.Snapshot("u1")
	if len(window) != 2 {
		t.Fatalf("retained window = %d turns, want 2", len(window))
	}
}

func TestOnMessagePromptContainsMemoryAndWindow(t *testing.T) {
	gen := &stubGenerator{reply: "noted"}
	h := newHarness(t, 20, 10, &stubExtractor{}, gen)
	ctx := context.Background()

	mustUpsert(t, h.facts, "u1", Candidate{Category: "identity", Key: "name", Value: "Alex", Confidence: 0.9, Importance: 0.9})

	if _, err := h.orchestrator.OnMessage(ctx, "u1", "what should I work on next"); err != nil {
		t.Fatalf("OnMessage() error = %v", err)
	}

	prompt := gen.lastPrompt()
	for _, want := range []string{"[ACTIVE MEMORY]", "- name: Alex", "[RECENT CONVERSATION]", "what should I work on next"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}
}
