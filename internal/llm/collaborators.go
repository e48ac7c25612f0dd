package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/antoniostano/recall/internal/memory"
)

const summaryPrompt = `Summarize this conversation in 2-3 concise sentences.

Focus on:
- Key facts shared by the user
- Main topics discussed
- Important decisions or commitments

Conversation:
%s

Summary:`

const extractionPrompt = `Extract structured facts from the user's message. Return ONLY a JSON array.

Use these canonical keys:
- name, location, timezone, job, language, formatter, project
- testing_framework, api_framework, type_hints, docstrings, line_length
- database, latency_target

Categories:
- identity: name, location, job
- preference: language, formatter, testing_framework, api_framework
- constraint: line_length, latency_target
- instruction: type_hints, docstrings

Format: [{"category":"identity","key":"name","value":"Alex","confidence":0.9,"importance":0.8}]

If no facts exist, return: []

User message: %s

JSON array:`

// turnCharLimit bounds each turn's contribution to the summary prompt.
const turnCharLimit = 100

// Summarizer compresses turn slices through the completion endpoint.
type Summarizer struct {
	client *Client
}

func NewSummarizer(client *Client) *Summarizer {
	return &Summarizer{client: client}
}

func (s *Summarizer) Summarize(ctx context.Context, turns []memory.Turn) (string, error) {
	var b strings.Builder
	for _, t := range turns {
		content := t.Content
		if len(content) > turnCharLimit {
			content = content[:turnCharLimit]
		}
		fmt.Fprintf(&b, "%s: %s\n", capitalize(string(t.Role)), content)
	}

	out, err := s.client.Generate(ctx, fmt.Sprintf(summaryPrompt, b.String()), GenerateOptions{
		Temperature: 0.3,
		MaxTokens:   150,
	})
	if err != nil {
		return "", err
	}
	summary := strings.TrimSpace(out)
	if len(summary) < 10 {
		return "", fmt.Errorf("summary too short (%d chars)", len(summary))
	}
	return summary, nil
}

// Extractor pulls fact candidates from a message via a second model call.
type Extractor struct {
	client *Client
}

func NewExtractor(client *Client) *Extractor {
	return &Extractor{client: client}
}

func (e *Extractor) Extract(ctx context.Context, message string) ([]memory.Candidate, error) {
	out, err := e.client.Generate(ctx, fmt.Sprintf(extractionPrompt, message), GenerateOptions{
		Temperature: 0.1,
		MaxTokens:   300,
	})
	if err != nil {
		return nil, err
	}
	return parseCandidates(out)
}

type rawCandidate struct {
	Category   string          `json:"category"`
	Key        string          `json:"key"`
	Value      json.RawMessage `json:"value"`
	Confidence *float64        `json:"confidence"`
	Importance *float64        `json:"importance"`
}

// parseCandidates tolerates the usual model sloppiness: markdown fences,
// prose around the array, trailing commas, single quotes. jsonrepair fixes
// what stripping can't.
func parseCandidates(response string) ([]memory.Candidate, error) {
	cleaned := stripWrappers(response)
	if cleaned == "" {
		return nil, nil
	}

	var raws []rawCandidate
	if err := json.Unmarshal([]byte(cleaned), &raws); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(cleaned)
		if repairErr != nil {
			return nil, fmt.Errorf("extractor returned invalid JSON: %w", err)
		}
		if err := json.Unmarshal([]byte(repaired), &raws); err != nil {
			return nil, fmt.Errorf("extractor JSON unusable after repair: %w", err)
		}
	}

	out := make([]memory.Candidate, 0, len(raws))
	for _, r := range raws {
		c := memory.Candidate{
			Category:   strings.TrimSpace(r.Category),
			Key:        strings.TrimSpace(r.Key),
			Value:      decodeValue(r.Value),
			Confidence: 1.0,
			Importance: 0.5,
		}
		if r.Confidence != nil {
			c.Confidence = *r.Confidence
		}
		if r.Importance != nil {
			c.Importance = *r.Importance
		}
		if c.Category == "" || c.Key == "" || c.Value == "" {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// stripWrappers removes markdown fences and leading/trailing prose around
// the first JSON array or object in the response.
func stripWrappers(response string) string {
	cleaned := strings.TrimSpace(response)
	if strings.HasPrefix(cleaned, "```") {
		if idx := strings.IndexByte(cleaned, '\n'); idx > 0 {
			cleaned = cleaned[idx+1:]
		}
		cleaned = strings.TrimSuffix(strings.TrimSpace(cleaned), "```")
		cleaned = strings.TrimSpace(cleaned)
	}
	if len(cleaned) >= 4 && strings.EqualFold(cleaned[:4], "json") {
		cleaned = strings.TrimSpace(cleaned[4:])
	}
	if start := strings.IndexAny(cleaned, "[{"); start > 0 {
		cleaned = cleaned[start:]
	} else if start < 0 {
		return ""
	}
	if end := strings.LastIndexAny(cleaned, "]}"); end >= 0 {
		cleaned = cleaned[:end+1]
	}
	return cleaned
}

func decodeValue(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	// Numbers and booleans arrive unquoted; keep their literal form.
	return strings.TrimSpace(string(raw))
}

// Embedder serves fixed-dimension vectors from the embeddings endpoint.
type Embedder struct {
	client *Client
	dim    int
}

func NewEmbedder(client *Client, dim int) *Embedder {
	return &Embedder{client: client, dim: dim}
}

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.client.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if e.dim > 0 && len(vec) != e.dim {
		return nil, fmt.Errorf("embedding dimension %d, want %d", len(vec), e.dim)
	}
	return vec, nil
}

func (e *Embedder) Dimensions() int { return e.dim }

// Generator produces the conversational reply.
type Generator struct {
	client      *Client
	temperature float64
	maxTokens   int
}

func NewGenerator(client *Client, temperature float64, maxTokens int) *Generator {
	if maxTokens <= 0 {
		maxTokens = 100
	}
	return &Generator{client: client, temperature: temperature, maxTokens: maxTokens}
}

func (g *Generator) Reply(ctx context.Context, prompt string) (string, error) {
	out, err := g.client.Generate(ctx, prompt, GenerateOptions{
		Temperature: g.temperature,
		MaxTokens:   g.maxTokens,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
