package memory

import (
	"context"
	"strings"
)

// Stores groups the two durable tiers behind one lifecycle.
type Stores struct {
	Facts    FactStore
	Episodes EpisodeStore
	Mode     string

	closer func() error
}

// NewStores creates pgvector-backed stores when a database URL is
// configured, otherwise in-process stores (map-backed facts, chromem-backed
// episodes) suitable for local runs and tests.
func NewStores(ctx context.Context, databaseURL string, embeddingDim int) (*Stores, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return &Stores{
			Facts:    NewInMemoryFactStore(),
			Episodes: NewChromemEpisodeStore(),
			Mode:     "in-memory",
			closer:   func() error { return nil },
		}, nil
	}
	pg, err := NewPostgresStores(ctx, databaseURL, embeddingDim)
	if err != nil {
		return nil, err
	}
	return &Stores{
		Facts:    pg.Facts,
		Episodes: pg.Episodes,
		Mode:     "postgres",
		closer:   pg.Close,
	}, nil
}

func (s *Stores) Close() error { return s.closer() }
