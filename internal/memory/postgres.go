package memory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStores bundles the pgvector-backed fact and episode stores over a
// shared connection pool.
type PostgresStores struct {
	Facts    *PostgresFactStore
	Episodes *PostgresEpisodeStore
	pool     *pgxpool.Pool
}

func NewPostgresStores(ctx context.Context, databaseURL string, embeddingDim int) (*PostgresStores, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initMemorySchema(ctx, pool, embeddingDim); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStores{
		Facts:    &PostgresFactStore{pool: pool},
		Episodes: &PostgresEpisodeStore{pool: pool},
		pool:     pool,
	}, nil
}

func (s *PostgresStores) Close() error {
	s.pool.Close()
	return nil
}

func initMemorySchema(ctx context.Context, pool *pgxpool.Pool, embeddingDim int) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector;`,
		`CREATE TABLE IF NOT EXISTS structured_facts (
			id BIGSERIAL PRIMARY KEY,
			user_id TEXT NOT NULL,
			category TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			importance DOUBLE PRECISION NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_facts_unique_active
			ON structured_facts (user_id, category, key) WHERE is_active;`,
		`CREATE INDEX IF NOT EXISTS idx_facts_user_active
			ON structured_facts (user_id, importance DESC) WHERE is_active;`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS episodic_memory (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			turn_start BIGINT NOT NULL,
			turn_end BIGINT NOT NULL,
			summary TEXT NOT NULL,
			embedding vector(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`, embeddingDim),
		`CREATE INDEX IF NOT EXISTS idx_episodic_embedding
			ON episodic_memory USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100);`,
		`CREATE INDEX IF NOT EXISTS idx_episodic_user_created
			ON episodic_memory (user_id, created_at DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init memory schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

// PostgresFactStore implements FactStore on the structured_facts table.
type PostgresFactStore struct {
	pool *pgxpool.Pool
}

// UpsertCandidate is a single conditional write: the partial unique index on
// active triples makes the insert-or-update race-free, and the guard on the
// stored confidence keeps the policy monotonic without a caller-side read.
// xmax = 0 distinguishes a fresh insert from a conflict update; a rejected
// candidate produces no row at all.
func (s *PostgresFactStore) UpsertCandidate(ctx context.Context, userID string, c Candidate) (UpsertOutcome, error) {
	cat, err := ValidateCandidate(c)
	if err != nil {
		return OutcomeRejected, err
	}
	if strings.TrimSpace(userID) == "" {
		return OutcomeRejected, &ValidationError{Field: "user_id", Reason: "empty"}
	}

	var inserted bool
	err = s.pool.QueryRow(ctx,
		`INSERT INTO structured_facts (user_id, category, key, value, confidence, importance, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6, TRUE)
		 ON CONFLICT (user_id, category, key) WHERE is_active
		 DO UPDATE SET
			value = EXCLUDED.value,
			confidence = EXCLUDED.confidence,
			importance = EXCLUDED.importance,
			updated_at = now()
		 WHERE structured_facts.confidence < EXCLUDED.confidence
		 RETURNING (xmax = 0)`,
		userID, string(cat), strings.TrimSpace(c.Key), strings.TrimSpace(c.Value), c.Confidence, c.Importance,
	).Scan(&inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		return OutcomeRejected, nil
	}
	if err != nil {
		return OutcomeRejected, fmt.Errorf("upsert fact: %w", err)
	}
	if inserted {
		return OutcomeInserted, nil
	}
	return OutcomeUpdated, nil
}

func (s *PostgresFactStore) ListActive(ctx context.Context, userID string, minImportance float64) ([]Fact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, category, key, value, confidence, importance, is_active, created_at, updated_at
		   FROM structured_facts
		  WHERE user_id = $1 AND is_active AND importance >= $2
		  ORDER BY importance DESC, updated_at DESC`,
		userID, minImportance,
	)
	if err != nil {
		return nil, fmt.Errorf("list active facts: %w", err)
	}
	defer rows.Close()

	var out []Fact
	for rows.Next() {
		var f Fact
		var category string
		if err := rows.Scan(&f.UserID, &category, &f.Key, &f.Value, &f.Confidence, &f.Importance, &f.IsActive, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan fact row: %w", err)
		}
		f.Category = Category(category)
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fact rows: %w", err)
	}
	return out, nil
}

func (s *PostgresFactStore) Deactivate(ctx context.Context, userID string, category Category, key string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE structured_facts
		    SET is_active = FALSE, updated_at = now()
		  WHERE user_id = $1 AND category = $2 AND key = $3 AND is_active`,
		userID, string(category), key,
	)
	if err != nil {
		return fmt.Errorf("deactivate fact: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrFactNotFound
	}
	return nil
}

func (s *PostgresFactStore) Close() error { return nil }

// PostgresEpisodeStore implements EpisodeStore on the episodic_memory table
// using pgvector's cosine-distance operator.
type PostgresEpisodeStore struct {
	pool *pgxpool.Pool
}

func (s *PostgresEpisodeStore) Append(ctx context.Context, ep Episode) error {
	if ep.ID == "" {
		ep.ID = uuid.NewString()
	}
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = time.Now().UTC()
	}
	if len(ep.Embedding) == 0 {
		return &ValidationError{Field: "embedding", Reason: "empty"}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO episodic_memory (id, user_id, turn_start, turn_end, summary, embedding, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::vector, $7)`,
		ep.ID, ep.UserID, ep.TurnStart, ep.TurnEnd, ep.Summary, encodeVector(ep.Embedding), ep.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert episode: %w", err)
	}
	return nil
}

func (s *PostgresEpisodeStore) Search(ctx context.Context, userID string, embedding []float32, topK int, maxDistance float64) ([]ScoredEpisode, error) {
	if topK <= 0 {
		return nil, nil
	}
	vec := encodeVector(embedding)
	rows, err := s.pool.Query(ctx,
		`SELECT id, turn_start, turn_end, summary, created_at,
		        embedding <=> $1::vector AS distance
		   FROM episodic_memory
		  WHERE user_id = $2
		    AND embedding <=> $1::vector < $3
		  ORDER BY distance ASC
		  LIMIT $4`,
		vec, userID, maxDistance, topK,
	)
	if err != nil {
		return nil, fmt.Errorf("search episodes: %w", err)
	}
	defer rows.Close()

	var out []ScoredEpisode
	for rows.Next() {
		var se ScoredEpisode
		if err := rows.Scan(&se.ID, &se.TurnStart, &se.TurnEnd, &se.Summary, &se.CreatedAt, &se.Distance); err != nil {
			return nil, fmt.Errorf("scan episode row: %w", err)
		}
		se.UserID = userID
		out = append(out, se)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate episode rows: %w", err)
	}
	return out, nil
}

func (s *PostgresEpisodeStore) Recent(ctx context.Context, userID string, limit int) ([]Episode, error) {
	if limit <= 0 {
		limit = 3
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, turn_start, turn_end, summary, created_at
		   FROM episodic_memory
		  WHERE user_id = $1
		  ORDER BY created_at DESC
		  LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent episodes: %w", err)
	}
	defer rows.Close()

	var out []Episode
	for rows.Next() {
		var ep Episode
		if err := rows.Scan(&ep.ID, &ep.TurnStart, &ep.TurnEnd, &ep.Summary, &ep.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan episode row: %w", err)
		}
		ep.UserID = userID
		out = append(out, ep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate episode rows: %w", err)
	}
	return out, nil
}

func (s *PostgresEpisodeStore) Count(ctx context.Context, userID string) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM episodic_memory WHERE user_id = $1`, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count episodes: %w", err)
	}
	return n, nil
}

func (s *PostgresEpisodeStore) Close() error { return nil }

// encodeVector renders a pgvector literal, e.g. "[0.1,0.2,...]".
func encodeVector(v []float32) string {
	var b strings.Builder
	b.Grow(len(v)*10 + 2)
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
