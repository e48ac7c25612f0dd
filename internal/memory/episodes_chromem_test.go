package memory

import (
	"context"
	"testing"
)

// unit2 returns a normalized 2-dimensional vector, which makes the cosine
// distances in these tests exact by construction.
func unit2(x, y float32) []float32 {
	return []float32{x, y}
}

func appendEpisode(t *testing.T, s EpisodeStore, userID, summary string, start, end int64, embedding []float32) {
	t.Helper()
	err := s.Append(context.Background(), Episode{
		UserID:    userID,
		TurnStart: start,
		TurnEnd:   end,
		Summary:   summary,
		Embedding: embedding,
	})
	if err != nil {
		t.Fatalf("Append(%q) error = %v", summary, err)
	}
}

func TestChromemSearchFiltersAndOrders(t *testing.T) {
	s := NewChromemEpisodeStore()
	ctx := context.Background()

	// Distances to query [1,0]: exact=0, close=0.2, far=1.
	appendEpisode(t, s, "u1", "exact match", 1, 10, unit2(1, 0))
	appendEpisode(t, s, "u1", "close match", 11, 20, unit2(0.8, 0.6))
	appendEpisode(t, s, "u1", "unrelated", 21, 30, unit2(0, 1))

	results, err := s.Search(ctx, "u1", unit2(1, 0), 3, 0.4)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("result count = %d, want 2", len(results))
	}
	if results[0].Summary != "exact match" || results[1].Summary != "close match" {
		t.Fatalf("ordering = [%s, %s], want distance-ascending", results[0].Summary, results[1].Summary)
	}
	if results[0].Distance > results[1].Distance {
		t.Fatalf("distances not ascending: %v then %v", results[0].Distance, results[1].Distance)
	}
	if results[1].TurnStart != 11 || results[1].TurnEnd != 20 {
		t.Fatalf("turn range = %d-%d, want 11-20", results[1].TurnStart, results[1].TurnEnd)
	}
}

func TestChromemSearchThresholdFilters(t *testing.T) {
	s := NewChromemEpisodeStore()
	ctx := context.Background()

	// cos([1,0],[0.8,0.6]) = 0.8, so the distance is ~0.2.
	appendEpisode(t, s, "u1", "borderline", 1, 10, unit2(0.8, 0.6))

	results, err := s.Search(ctx, "u1", unit2(1, 0), 3, 0.1)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("above-threshold episode returned: %+v", results)
	}

	results, err = s.Search(ctx, "u1", unit2(1, 0), 3, 0.3)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("below-threshold episode missing, got %d results", len(results))
	}
}

func TestChromemSearchNeverPads(t *testing.T) {
	s := NewChromemEpisodeStore()
	ctx := context.Background()

	appendEpisode(t, s, "u1", "only one", 1, 10, unit2(1, 0))

	results, err := s.Search(ctx, "u1", unit2(1, 0), 3, 0.4)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("result count = %d, want 1 (no padding)", len(results))
	}
}

func TestChromemSearchEmptyUser(t *testing.T) {
	s := NewChromemEpisodeStore()
	results, err := s.Search(context.Background(), "nobody", unit2(1, 0), 3, 0.4)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("results for unknown user = %d, want 0", len(results))
	}
}

func TestChromemUsersAreIsolated(t *testing.T) {
	s := NewChromemEpisodeStore()
	ctx := context.Background()

	appendEpisode(t, s, "u1", "u1 episode", 1, 10, unit2(1, 0))
	appendEpisode(t, s, "u2", "u2 episode", 1, 10, unit2(1, 0))

	results, err := s.Search(ctx, "u1", unit2(1, 0), 5, 0.9)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 1 || results[0].Summary != "u1 episode" {
		t.Fatalf("cross-user leakage: %+v", results)
	}
}

func TestChromemRecentAndCount(t *testing.T) {
	s := NewChromemEpisodeStore()
	ctx := context.Background()

	appendEpisode(t, s, "u1", "first", 1, 10, unit2(1, 0))
	appendEpisode(t, s, "u1", "second", 11, 20, unit2(0, 1))
	appendEpisode(t, s, "u1", "third", 21, 30, unit2(0.8, 0.6))

	total, err := s.Count(ctx, "u1")
	if err != nil || total != 3 {
		t.Fatalf("Count() = (%d, %v), want (3, nil)", total, err)
	}

	recent, err := s.Recent(ctx, "u1", 2)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(recent) != 2 || recent[0].Summary != "third" || recent[1].Summary != "second" {
		t.Fatalf("Recent() = %+v, want newest first", recent)
	}
}

func TestChromemAppendRejectsEmptyEmbedding(t *testing.T) {
	s := NewChromemEpisodeStore()
	err := s.Append(context.Background(), Episode{UserID: "u1", Summary: "no vector"})
	if !IsValidationError(err) {
		t.Fatalf("error = %v, want validation error", err)
	}
}
