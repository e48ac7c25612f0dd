package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role identifies who produced a conversational turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message in a conversation. Turns are owned by the session
// buffer until compacted and are immutable once created.
type Turn struct {
	Role     Role   `json:"role"`
	Content  string `json:"content"`
	Sequence int64  `json:"sequence_number"`
}

// Category is the closed set of fact categories. Raw extractor output is
// validated against it once, on ingress.
type Category string

const (
	CategoryIdentity    Category = "identity"
	CategoryPreference  Category = "preference"
	CategoryConstraint  Category = "constraint"
	CategoryInstruction Category = "instruction"
)

// ParseCategory normalizes and validates a raw category string.
func ParseCategory(raw string) (Category, error) {
	switch Category(strings.ToLower(strings.TrimSpace(raw))) {
	case CategoryIdentity:
		return CategoryIdentity, nil
	case CategoryPreference:
		return CategoryPreference, nil
	case CategoryConstraint:
		return CategoryConstraint, nil
	case CategoryInstruction:
		return CategoryInstruction, nil
	default:
		return "", &ValidationError{Field: "category", Reason: fmt.Sprintf("unknown category %q", raw)}
	}
}

// Fact is a durable key/value assertion about a user. At most one fact per
// (user_id, category, key) is active at a time; superseded rows stay as an
// audit trail with is_active=false.
type Fact struct {
	UserID     string    `json:"user_id"`
	Category   Category  `json:"category"`
	Key        string    `json:"key"`
	Value      string    `json:"value"`
	Confidence float64   `json:"confidence"`
	Importance float64   `json:"importance"`
	IsActive   bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Candidate is a raw fact candidate produced by the extractor. Category is
// an open string here; the extraction pipeline validates it on ingress.
type Candidate struct {
	Category   string  `json:"category"`
	Key        string  `json:"key"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
	Importance float64 `json:"importance"`
}

// UpsertOutcome reports what a conditional fact upsert did.
type UpsertOutcome string

const (
	OutcomeInserted UpsertOutcome = "inserted"
	OutcomeUpdated  UpsertOutcome = "updated"
	OutcomeRejected UpsertOutcome = "rejected"
)

// Episode is a compacted summary of a contiguous turn range. Episodes are
// append-only and never mutated after insert.
type Episode struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	TurnStart int64     `json:"turn_start"`
	TurnEnd   int64     `json:"turn_end"`
	Summary   string    `json:"summary"`
	Embedding []float32 `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// TurnRange renders the human-readable range label used in bundles.
func (e Episode) TurnRange() string {
	return fmt.Sprintf("turns %d-%d", e.TurnStart, e.TurnEnd)
}

// ScoredEpisode is an episode with its cosine distance to a query.
type ScoredEpisode struct {
	Episode
	Distance float64 `json:"distance"`
}

// Bundle is the merged context object retrieval returns for prompt assembly.
// Facts are importance-descending, episodes distance-ascending; the two
// signals are never mixed into one score.
type Bundle struct {
	Facts    []Fact          `json:"facts"`
	Episodes []ScoredEpisode `json:"episodes"`
	Degraded bool            `json:"degraded,omitempty"`
}

// ValidationError marks malformed input rejected without mutation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidationError reports whether err is a rejection of malformed input.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ErrFactNotFound is returned when deactivating a triple with no active row.
var ErrFactNotFound = errors.New("active fact not found")

// ValidateCandidate checks the shape constraints shared by every store
// implementation: known category, non-empty key/value, scores in [0,1].
func ValidateCandidate(c Candidate) (Category, error) {
	cat, err := ParseCategory(c.Category)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(c.Key) == "" {
		return "", &ValidationError{Field: "key", Reason: "empty"}
	}
	if strings.TrimSpace(c.Value) == "" {
		return "", &ValidationError{Field: "value", Reason: "empty"}
	}
	if c.Confidence < 0 || c.Confidence > 1 {
		return "", &ValidationError{Field: "confidence", Reason: fmt.Sprintf("%v outside [0,1]", c.Confidence)}
	}
	if c.Importance < 0 || c.Importance > 1 {
		return "", &ValidationError{Field: "importance", Reason: fmt.Sprintf("%v outside [0,1]", c.Importance)}
	}
	return cat, nil
}

// FactStore persists durable user facts with exactly-one-active-version
// semantics per (user_id, category, key).
type FactStore interface {
	// UpsertCandidate performs the atomic conditional write: insert when
	// no active fact exists, update when the candidate's confidence is
	// strictly greater than the stored one, reject otherwise. Equal
	// confidence does not count as an update trigger.
	UpsertCandidate(ctx context.Context, userID string, c Candidate) (UpsertOutcome, error)
	// ListActive returns active facts with importance >= minImportance,
	// importance descending, ties broken by most recent update.
	ListActive(ctx context.Context, userID string, minImportance float64) ([]Fact, error)
	// Deactivate soft-deletes the active fact for the triple.
	Deactivate(ctx context.Context, userID string, category Category, key string) error
	Close() error
}

// EpisodeStore persists compacted conversation summaries and serves
// similarity queries over their embeddings.
type EpisodeStore interface {
	Append(ctx context.Context, ep Episode) error
	// Search returns up to topK episodes with cosine distance strictly
	// below maxDistance, ascending by distance. Fewer than topK results
	// are returned as-is, never padded.
	Search(ctx context.Context, userID string, embedding []float32, topK int, maxDistance float64) ([]ScoredEpisode, error)
	// Recent returns the latest episodes by creation time, newest first.
	Recent(ctx context.Context, userID string, limit int) ([]Episode, error)
	Count(ctx context.Context, userID string) (int, error)
	Close() error
}

// Summarizer compresses a slice of turns into a short text summary.
// External collaborator; failures are retryable.
type Summarizer interface {
	Summarize(ctx context.Context, turns []Turn) (string, error)
}

// Embedder turns text into a fixed-dimension vector with a stable cosine
// metric. External collaborator.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// Extractor derives zero or more fact candidates from a user message.
// External collaborator; zero results is valid.
type Extractor interface {
	Extract(ctx context.Context, message string) ([]Candidate, error)
}

// Generator produces the conversational reply. External collaborator.
type Generator interface {
	Reply(ctx context.Context, prompt string) (string, error)
}
