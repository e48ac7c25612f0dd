package llm

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"strings"

	"github.com/antoniostano/recall/internal/memory"
)

// MockProvider is a deterministic local fallback used when no Ollama
// endpoint is configured. Summaries are truncated concatenations, replies
// are canned, extraction is a tiny pattern matcher, and embeddings are
// seeded pseudo-random unit vectors so identical text maps to identical
// vectors under a stable cosine metric.
type MockProvider struct {
	dim int
}

func NewMockProvider(dim int) *MockProvider {
	if dim <= 0 {
		dim = 384
	}
	return &MockProvider{dim: dim}
}

func (p *MockProvider) Summarize(_ context.Context, turns []memory.Turn) (string, error) {
	parts := make([]string, 0, 5)
	for _, t := range turns {
		if len(parts) == 5 {
			break
		}
		content := t.Content
		if len(content) > 50 {
			content = content[:50]
		}
		parts = append(parts, content)
	}
	return strings.Join(parts, " | "), nil
}

func (p *MockProvider) Extract(_ context.Context, message string) ([]memory.Candidate, error) {
	lower := strings.ToLower(message)
	var out []memory.Candidate
	if rest, ok := after(lower, "my name is "); ok {
		out = append(out, memory.Candidate{
			Category: "identity", Key: "name", Value: firstWord(rest), Confidence: 0.9, Importance: 0.9,
		})
	}
	if rest, ok := after(lower, "i live in "); ok {
		out = append(out, memory.Candidate{
			Category: "identity", Key: "location", Value: firstWord(rest), Confidence: 0.8, Importance: 0.7,
		})
	}
	if rest, ok := after(lower, "i prefer "); ok {
		out = append(out, memory.Candidate{
			Category: "preference", Key: "language", Value: firstWord(rest), Confidence: 0.7, Importance: 0.6,
		})
	}
	return out, nil
}

func (p *MockProvider) Embed(_ context.Context, text string) ([]float32, error) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(text))))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))

	vec := make([]float32, p.dim)
	var norm float64
	for i := range vec {
		v := rng.Float64()*2 - 1
		vec[i] = float32(v)
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range vec {
			vec[i] = float32(float64(vec[i]) / norm)
		}
	}
	return vec, nil
}

func (p *MockProvider) Dimensions() int { return p.dim }

func (p *MockProvider) Reply(_ context.Context, prompt string) (string, error) {
	return fmt.Sprintf("(mock reply; prompt was %d chars)", len(prompt)), nil
}

func after(s, prefix string) (string, bool) {
	idx := strings.Index(s, prefix)
	if idx < 0 {
		return "", false
	}
	return s[idx+len(prefix):], true
}

func firstWord(s string) string {
	fields := strings.Fields(strings.Trim(s, " .,!"))
	if len(fields) == 0 {
		return ""
	}
	return strings.Trim(fields[0], ".,!")
}
