package semantic

import (
	"context"
	"path/filepath"
	"testing"

	"cfdi-reconciliation-service/internal/models"
)

func TestBoltCache_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "embeddings.db")

	cache, err := OpenBoltCache(path)
	if err != nil {
		t.Fatalf("OpenBoltCache() error = %v", err)
	}
	want := []float32{0.25, -0.5, 1, 0}
	if err := cache.Put("k", want); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := cache.Close(); err != nil {
		t.Fatal(err)
	}

	cache, err = OpenBoltCache(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer cache.Close()

	got, ok := cache.Get("k")
	if !ok {
		t.Fatal("Get() missed after reopen")
	}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	if _, ok := cache.Get("missing"); ok {
		t.Error("Get(missing) reported a hit")
	}
}

func TestBoltCache_WithEmbeddingStrategy(t *testing.T) {
	cache, err := OpenBoltCache(filepath.Join(t.TempDir(), "embeddings.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer cache.Close()

	tx, inv := odooScenario()
	enc := &countingEncoder{Encoder: NewHashingEncoder(0)}
	strategy := NewEmbeddingStrategy(enc, cache, nil, EmbeddingConfig{})

	var scores []float64
	for i := 0; i < 2; i++ {
		matches, err := strategy.MatchBatch(context.Background(), []*models.Transaction{tx}, []*models.Invoice{inv}, DefaultOptions())
		if err != nil || len(matches) != 1 {
			t.Fatalf("run %d: matches=%d err=%v", i, len(matches), err)
		}
		scores = append(scores, matches[0].Score)
	}
	if enc.texts != 2 {
		t.Errorf("encoded %d texts, want 2", enc.texts)
	}
	if scores[0] != scores[1] {
		t.Errorf("cached score %v differs from fresh %v", scores[1], scores[0])
	}
}
