package semantic

import (
	"context"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"cfdi-reconciliation-service/internal/models"
	"cfdi-reconciliation-service/pkg/errors"
)

func TestEmbeddingStrategy_OdooScenario(t *testing.T) {
	tx, inv := odooScenario()
	strategy := NewEmbeddingStrategy(NewHashingEncoder(0), NewMemoryCache(), nil, EmbeddingConfig{})

	matches, err := strategy.MatchBatch(context.Background(), []*models.Transaction{tx}, []*models.Invoice{inv}, DefaultOptions())
	if err != nil {
		t.Fatalf("MatchBatch() error = %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("len(matches) = %d, want 1", len(matches))
	}

	m := matches[0]
	if m.TransactionID != "1" || m.InvoiceID != "101" {
		t.Errorf("pair = %s/%s, want 1/101", m.TransactionID, m.InvoiceID)
	}
	if m.Score < 0.75 {
		t.Errorf("Score = %.3f, want >= 0.75", m.Score)
	}
	if !m.AmountDiff.IsZero() {
		t.Errorf("AmountDiff = %s, want 0", m.AmountDiff)
	}
	if m.DaysDiff != 1 {
		t.Errorf("DaysDiff = %d, want 1", m.DaysDiff)
	}
	if m.Confidence != models.ConfidenceHigh {
		t.Errorf("Confidence = %s, want high", m.Confidence)
	}
	if m.Method != models.MethodEmbedding {
		t.Errorf("Method = %s, want embedding", m.Method)
	}
	if len(m.Reasons) != 1 || !strings.Contains(m.Reasons[0], `"ODOO TECHNOLOG"`) {
		t.Errorf("Reasons = %q", m.Reasons)
	}
}

func TestEmbeddingStrategy_Deterministic(t *testing.T) {
	tx, inv := odooScenario()
	var scores []float64
	for i := 0; i < 3; i++ {
		strategy := NewEmbeddingStrategy(NewHashingEncoder(0), nil, nil, EmbeddingConfig{Workers: 1 + i})
		matches, err := strategy.MatchBatch(context.Background(), []*models.Transaction{tx}, []*models.Invoice{inv}, DefaultOptions())
		if err != nil || len(matches) != 1 {
			t.Fatalf("run %d: matches=%d err=%v", i, len(matches), err)
		}
		scores = append(scores, matches[0].Score)
	}
	for i := 1; i < len(scores); i++ {
		if scores[i] != scores[0] {
			t.Errorf("score %d = %v, want %v", i, scores[i], scores[0])
		}
	}
}

func TestEmbeddingStrategy_Limits(t *testing.T) {
	tests := []struct {
		name      string
		total     string
		day       int
		opts      func(o *Options)
		wantMatch bool
	}{
		{"within limits", "535.92", 10, nil, true},
		{"amount too far", "550.00", 10, nil, false},
		{"too many days", "535.92", 3, nil, false},
		{"similarity floor", "535.92", 10, func(o *Options) { o.MinSimilarity = 0.9 }, false},
		{"wider amount limit", "550.00", 10, func(o *Options) { o.MaxAmountDiff = decimal.NewFromInt(20) }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx, _ := odooScenario()
			inv := newInvoice("101", tt.total, tt.day, "ODOO TECHNOLOGIES SA DE CV")
			opts := DefaultOptions()
			if tt.opts != nil {
				tt.opts(&opts)
			}

			strategy := NewEmbeddingStrategy(NewHashingEncoder(0), nil, nil, EmbeddingConfig{})
			matches, err := strategy.MatchBatch(context.Background(), []*models.Transaction{tx}, []*models.Invoice{inv}, opts)
			if err != nil {
				t.Fatalf("MatchBatch() error = %v", err)
			}
			if got := len(matches) == 1; got != tt.wantMatch {
				t.Errorf("matched = %v, want %v", got, tt.wantMatch)
			}
		})
	}
}

func TestEmbeddingStrategy_OneProposalPerInvoice(t *testing.T) {
	txs := []*models.Transaction{
		newTx("TX1", "-100.00", 10, "STRIPE *ODOO TECHNOLOG MX"),
		newTx("TX2", "-100.00", 10, "ODOO TECHNOLOGIES"),
	}
	invs := []*models.Invoice{
		newInvoice("INV_ODOO", "100.00", 10, "ODOO TECHNOLOGIES SA DE CV"),
		newInvoice("INV_CFE", "100.00", 10, "CFE SUMINISTRADOR DE SERVICIOS BASICOS"),
	}

	strategy := NewEmbeddingStrategy(NewHashingEncoder(0), nil, nil, EmbeddingConfig{})
	matches, err := strategy.MatchBatch(context.Background(), txs, invs, DefaultOptions())
	if err != nil {
		t.Fatalf("MatchBatch() error = %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("len(matches) = %d, want 1", len(matches))
	}
	if matches[0].TransactionID != "TX1" || matches[0].InvoiceID != "INV_ODOO" {
		t.Errorf("match = %s/%s, want TX1/INV_ODOO", matches[0].TransactionID, matches[0].InvoiceID)
	}
}

func TestEmbeddingStrategy_SkipsIneligible(t *testing.T) {
	tx, inv := odooScenario()
	opening := newTx("0", "1000.00", 1, "SALDO ANTERIOR")
	opening.IsOpeningBalance = true
	cancelled := newInvoice("102", "535.92", 11, "ODOO TECHNOLOGIES SA DE CV")
	cancelled.Status = models.InvoiceStatusCancelled

	strategy := NewEmbeddingStrategy(NewHashingEncoder(0), nil, nil, EmbeddingConfig{})
	matches, err := strategy.MatchBatch(context.Background(),
		[]*models.Transaction{opening, tx}, []*models.Invoice{cancelled, inv}, DefaultOptions())
	if err != nil {
		t.Fatalf("MatchBatch() error = %v", err)
	}
	if len(matches) != 1 || matches[0].InvoiceID != "101" {
		t.Fatalf("matches = %v, want one match to 101", matches)
	}

	matches, err = strategy.MatchBatch(context.Background(), nil, []*models.Invoice{inv}, DefaultOptions())
	if err != nil || len(matches) != 0 {
		t.Errorf("empty batch: matches=%d err=%v", len(matches), err)
	}
}

func TestEmbeddingStrategy_Cache(t *testing.T) {
	tx, inv := odooScenario()
	enc := &countingEncoder{Encoder: NewHashingEncoder(0)}
	cache := NewMemoryCache()
	strategy := NewEmbeddingStrategy(enc, cache, nil, EmbeddingConfig{})

	for i := 0; i < 2; i++ {
		if _, err := strategy.MatchBatch(context.Background(), []*models.Transaction{tx}, []*models.Invoice{inv}, DefaultOptions()); err != nil {
			t.Fatalf("MatchBatch() error = %v", err)
		}
	}
	if enc.texts != 2 {
		t.Errorf("encoded %d texts over two runs, want 2", enc.texts)
	}
	if cache.Len() != 2 {
		t.Errorf("cache.Len() = %d, want 2", cache.Len())
	}

	tx.Description = "ODOO TECHNOLOGIES"
	if _, err := strategy.MatchBatch(context.Background(), []*models.Transaction{tx}, []*models.Invoice{inv}, DefaultOptions()); err != nil {
		t.Fatalf("MatchBatch() error = %v", err)
	}
	if enc.texts != 3 {
		t.Errorf("edited description should be re-encoded, encoded %d texts", enc.texts)
	}
}

func TestEmbeddingStrategy_InvalidOptions(t *testing.T) {
	tx, inv := odooScenario()
	strategy := NewEmbeddingStrategy(NewHashingEncoder(0), nil, nil, EmbeddingConfig{})
	opts := DefaultOptions()
	opts.MinSimilarity = 2

	_, err := strategy.MatchBatch(context.Background(), []*models.Transaction{tx}, []*models.Invoice{inv}, opts)
	if !errors.HasCode(err, errors.CodeInvalidConfig) {
		t.Errorf("error = %v, want %s", err, errors.CodeInvalidConfig)
	}
}
