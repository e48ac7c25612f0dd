package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Deterministic in-process collaborators used across the pipeline tests.

type stubSummarizer struct {
	mu       sync.Mutex
	calls    int
	failures int // fail the first N calls
}

func (s *stubSummarizer) Summarize(_ context.Context, turns []Turn) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failures {
		return "", errors.New("summarizer unavailable")
	}
	return fmt.Sprintf("summary of %d turns", len(turns)), nil
}

type stubEmbedder struct {
	mu       sync.Mutex
	calls    int
	failures int
	vec      []float32
}

func (e *stubEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.calls <= e.failures {
		return nil, errors.New("embedder unavailable")
	}
	if e.vec != nil {
		return e.vec, nil
	}
	return []float32{1, 0}, nil
}

func (e *stubEmbedder) Dimensions() int { return 2 }

func (e *stubEmbedder) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type stubExtractor struct {
	candidates []Candidate
	err        error
}

func (x *stubExtractor) Extract(_ context.Context, _ string) ([]Candidate, error) {
	return x.candidates, x.err
}

type stubGenerator struct {
	reply string
	err   error
	mu    sync.Mutex
	last  string
}

func (g *stubGenerator) Reply(_ context.Context, prompt string) (string, error) {
	g.mu.Lock()
	g.last = prompt
	g.mu.Unlock()
	if g.err != nil {
		return "", g.err
	}
	if g.reply == "" {
		return "ok", nil
	}
	return g.reply, nil
}

func (g *stubGenerator) lastPrompt() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

// flakyEpisodeStore wraps a real store, failing the first N appends.
type flakyEpisodeStore struct {
	EpisodeStore
	mu       sync.Mutex
	appends  int
	failures int
}

func (s *flakyEpisodeStore) Append(ctx context.Context, ep Episode) error {
	s.mu.Lock()
	s.appends++
	fail := s.appends <= s.failures
	s.mu.Unlock()
	if fail {
		return errors.New("episode store unavailable")
	}
	return s.EpisodeStore.Append(ctx, ep)
}

// brokenFactStore fails every read, for degradation tests.
type brokenFactStore struct{}

func (brokenFactStore) UpsertCandidate(context.Context, string, Candidate) (UpsertOutcome, error) {
	return OutcomeRejected, errors.New("fact store down")
}

func (brokenFactStore) ListActive(context.Context, string, float64) ([]Fact, error) {
	return nil, errors.New("fact store down")
}

func (brokenFactStore) Deactivate(context.Context, string, Category, string) error {
	return errors.New("fact store down")
}

func (brokenFactStore) Close() error { return nil }

func summaryTurns(contents ...string) []Turn {
	out := make([]Turn, len(contents))
	for i, c := range contents {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		out[i] = Turn{Role: role, Content: c, Sequence: int64(i + 1)}
	}
	return out
}
