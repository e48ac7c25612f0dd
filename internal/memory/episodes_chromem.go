package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"
)

// ChromemEpisodeStore keeps episodes in chromem-go, an embedded pure-Go
// vector database, with one collection per user. It is the fallback when no
// DATABASE_URL is configured: same cosine metric as pgvector, no external
// service. Recency queries are served from a parallel per-user slice since
// chromem only answers similarity queries.
type ChromemEpisodeStore struct {
	db *chromem.DB

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
	byUser      map[string][]Episode
}

func NewChromemEpisodeStore() *ChromemEpisodeStore {
	return &ChromemEpisodeStore{
		db:          chromem.NewDB(),
		collections: make(map[string]*chromem.Collection),
		byUser:      make(map[string][]Episode),
	}
}

func (s *ChromemEpisodeStore) collection(userID string) (*chromem.Collection, error) {
	s.mu.RLock()
	col, ok := s.collections[userID]
	s.mu.RUnlock()
	if ok {
		return col, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if col, ok := s.collections[userID]; ok {
		return col, nil
	}
	// Embeddings are provided by the caller; default distance is cosine.
	col, err := s.db.CreateCollection("user_"+userID, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	s.collections[userID] = col
	return col, nil
}

func (s *ChromemEpisodeStore) Append(ctx context.Context, ep Episode) error {
	if ep.ID == "" {
		ep.ID = uuid.NewString()
	}
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = time.Now().UTC()
	}
	if len(ep.Embedding) == 0 {
		return &ValidationError{Field: "embedding", Reason: "empty"}
	}

	col, err := s.collection(ep.UserID)
	if err != nil {
		return err
	}
	doc := chromem.Document{
		ID:        ep.ID,
		Content:   ep.Summary,
		Embedding: ep.Embedding,
		Metadata: map[string]string{
			"turn_start": strconv.FormatInt(ep.TurnStart, 10),
			"turn_end":   strconv.FormatInt(ep.TurnEnd, 10),
			"created_at": ep.CreatedAt.Format(time.RFC3339Nano),
		},
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add document: %w", err)
	}

	s.mu.Lock()
	s.byUser[ep.UserID] = append(s.byUser[ep.UserID], ep)
	s.mu.Unlock()
	return nil
}

func (s *ChromemEpisodeStore) Search(ctx context.Context, userID string, embedding []float32, topK int, maxDistance float64) ([]ScoredEpisode, error) {
	if topK <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	col, ok := s.collections[userID]
	total := len(s.byUser[userID])
	s.mu.RUnlock()
	if !ok || total == 0 {
		return nil, nil
	}

	// chromem rejects nResults larger than the collection size.
	n := topK
	if n > total {
		n = total
	}
	results, err := col.QueryEmbedding(ctx, embedding, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}

	out := make([]ScoredEpisode, 0, len(results))
	for _, res := range results {
		distance := 1 - float64(res.Similarity)
		if distance >= maxDistance {
			continue
		}
		ep, err := episodeFromResult(userID, res)
		if err != nil {
			continue
		}
		out = append(out, ScoredEpisode{Episode: ep, Distance: distance})
	}
	// Results come back similarity-descending, i.e. distance-ascending.
	return out, nil
}

func (s *ChromemEpisodeStore) Recent(_ context.Context, userID string, limit int) ([]Episode, error) {
	if limit <= 0 {
		limit = 3
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	eps := s.byUser[userID]
	if len(eps) == 0 {
		return nil, nil
	}
	if limit > len(eps) {
		limit = len(eps)
	}
	out := make([]Episode, 0, limit)
	for i := len(eps) - 1; i >= len(eps)-limit; i-- {
		out = append(out, eps[i])
	}
	return out, nil
}

func (s *ChromemEpisodeStore) Count(_ context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byUser[userID]), nil
}

func (s *ChromemEpisodeStore) Close() error { return nil }

func episodeFromResult(userID string, res chromem.Result) (Episode, error) {
	start, err := strconv.ParseInt(res.Metadata["turn_start"], 10, 64)
	if err != nil {
		return Episode{}, fmt.Errorf("parse turn_start: %w", err)
	}
	end, err := strconv.ParseInt(res.Metadata["turn_end"], 10, 64)
	if err != nil {
		return Episode{}, fmt.Errorf("parse turn_end: %w", err)
	}
	created, _ := time.Parse(time.RFC3339Nano, res.Metadata["created_at"])
	return Episode{
		ID:        res.ID,
		UserID:    userID,
		TurnStart: start,
		TurnEnd:   end,
		Summary:   res.Content,
		Embedding: res.Embedding,
		CreatedAt: created,
	}, nil
}
