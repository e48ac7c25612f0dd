package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// InMemoryFactStore is the in-process fact store used for local/dev runs and
// tests. The store mutex serializes every conditional upsert, which gives
// the same per-triple linearization the Postgres store gets from its single
// conditional write.
type InMemoryFactStore struct {
	mu    sync.RWMutex
	facts map[string][]*Fact
}

func NewInMemoryFactStore() *InMemoryFactStore {
	return &InMemoryFactStore{facts: make(map[string][]*Fact)}
}

func (s *InMemoryFactStore) UpsertCandidate(_ context.Context, userID string, c Candidate) (UpsertOutcome, error) {
	cat, err := ValidateCandidate(c)
	if err != nil {
		return OutcomeRejected, err
	}
	if strings.TrimSpace(userID) == "" {
		return OutcomeRejected, &ValidationError{Field: "user_id", Reason: "empty"}
	}
	key := strings.TrimSpace(c.Key)
	value := strings.TrimSpace(c.Value)
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, f := range s.facts[userID] {
		if !f.IsActive || f.Category != cat || f.Key != key {
			continue
		}
		// Monotonic confidence: equal confidence is not an update trigger.
		if c.Confidence <= f.Confidence {
			return OutcomeRejected, nil
		}
		f.Value = value
		f.Confidence = c.Confidence
		f.Importance = c.Importance
		f.UpdatedAt = now
		return OutcomeUpdated, nil
	}

	s.facts[userID] = append(s.facts[userID], &Fact{
		UserID:     userID,
		Category:   cat,
		Key:        key,
		Value:      value,
		Confidence: c.Confidence,
		Importance: c.Importance,
		IsActive:   true,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	return OutcomeInserted, nil
}

func (s *InMemoryFactStore) ListActive(_ context.Context, userID string, minImportance float64) ([]Fact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Fact, 0, len(s.facts[userID]))
	for _, f := range s.facts[userID] {
		if f.IsActive && f.Importance >= minImportance {
			out = append(out, *f)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Importance != out[j].Importance {
			return out[i].Importance > out[j].Importance
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *InMemoryFactStore) Deactivate(_ context.Context, userID string, category Category, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.facts[userID] {
		if f.IsActive && f.Category == category && f.Key == key {
			f.IsActive = false
			f.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return ErrFactNotFound
}

func (s *InMemoryFactStore) Close() error { return nil }
