package semantic

import (
	"context"
	stderrors "errors"
	"strings"
	"testing"

	"cfdi-reconciliation-service/internal/models"
)

type failingStrategy struct{}

func (failingStrategy) Name() string { return "failing" }

func (failingStrategy) MatchBatch(context.Context, []*models.Transaction, []*models.Invoice, Options) ([]*models.Match, error) {
	return nil, stderrors.New("backend unavailable")
}

func TestChain_EmbeddingThenAI(t *testing.T) {
	odooTx, odooInv := odooScenario()
	cfeTx := newTx("2", "-450.50", 12, "DOMICILIACION 00341")
	cfeInv := newInvoice("102", "450.50", 11, "CFE SUMINISTRADOR DE SERVICIOS BASICOS")

	completer := &scriptedCompleter{replies: []string{
		`{"matches":[{"transaction_id":"2","invoice_id":"102","similarity":0.85,"confidence":"high","reasoning":"CFE direct debit"}]}`,
	}}
	chain := NewChain(
		NewEmbeddingStrategy(NewHashingEncoder(0), NewMemoryCache(), nil, EmbeddingConfig{}),
		nil,
		NewAIStrategy(completer, AIConfig{MaxRetries: 1}),
	)
	if chain.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", chain.Len())
	}

	matches, err := chain.MatchBatch(context.Background(),
		[]*models.Transaction{odooTx, cfeTx}, []*models.Invoice{odooInv, cfeInv}, DefaultOptions())
	if err != nil {
		t.Fatalf("MatchBatch() error = %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("len(matches) = %d, want 2", len(matches))
	}

	methods := map[string]models.MatchMethod{}
	for _, m := range matches {
		methods[m.TransactionID] = m.Method
	}
	if methods["1"] != models.MethodEmbedding {
		t.Errorf("transaction 1 method = %s, want embedding", methods["1"])
	}
	if methods["2"] != models.MethodAI {
		t.Errorf("transaction 2 method = %s, want ai", methods["2"])
	}

	if completer.calls() != 1 {
		t.Fatalf("AI calls = %d, want 1", completer.calls())
	}
	if strings.Contains(completer.prompts[0], `"101"`) {
		t.Error("invoice 101 was matched by embeddings and must not reach the AI strategy")
	}
}

func TestChain_ContinuesAfterFailure(t *testing.T) {
	tx, inv := odooScenario()
	chain := NewChain(failingStrategy{}, NewEmbeddingStrategy(NewHashingEncoder(0), nil, nil, EmbeddingConfig{}))

	matches, err := chain.MatchBatch(context.Background(), []*models.Transaction{tx}, []*models.Invoice{inv}, DefaultOptions())
	if err == nil || !strings.Contains(err.Error(), "backend unavailable") {
		t.Errorf("error = %v, want the failing strategy's error", err)
	}
	if len(matches) != 1 {
		t.Errorf("len(matches) = %d, want 1 from the embedding strategy", len(matches))
	}
}

func TestChain_KeepsPartialProposals(t *testing.T) {
	txs, invs := aiBatch()
	completer := &scriptedCompleter{
		replies: []string{aiReplyWithGhosts},
		errs:    []error{nil, stderrors.New("503 from upstream")},
	}
	chain := NewChain(NewAIStrategy(completer, AIConfig{BatchSize: 1, MaxRetries: 1}))

	matches, err := chain.MatchBatch(context.Background(), txs, invs, DefaultOptions())
	if err == nil {
		t.Error("error = nil, want the failed batch")
	}
	if len(matches) != 1 || matches[0].InvoiceID != "INV_ODOO" {
		t.Errorf("matches = %v, want only INV_ODOO", matches)
	}
}

func TestChain_StopsWhenPoolEmpty(t *testing.T) {
	tx, inv := odooScenario()
	completer := &scriptedCompleter{}
	chain := NewChain(
		NewEmbeddingStrategy(NewHashingEncoder(0), nil, nil, EmbeddingConfig{}),
		NewAIStrategy(completer, DefaultAIConfig()),
	)

	if _, err := chain.MatchBatch(context.Background(), []*models.Transaction{tx}, []*models.Invoice{inv}, DefaultOptions()); err != nil {
		t.Fatal(err)
	}
	if completer.calls() != 0 {
		t.Errorf("AI calls = %d, want 0 once every transaction is matched", completer.calls())
	}
}
