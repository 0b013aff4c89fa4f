package semantic

import (
	"context"
	"fmt"
	"runtime"
	"sort"

	"github.com/sourcegraph/conc/iter"

	"cfdi-reconciliation-service/internal/models"
	"cfdi-reconciliation-service/pkg/errors"
	"cfdi-reconciliation-service/pkg/logger"
)

// EmbeddingConfig configures the embedding strategy
type EmbeddingConfig struct {
	// OwnRFC selects which invoice party is the counterparty
	OwnRFC string `json:"own_rfc"`
	// Workers bounds the goroutines computing similarity rows
	Workers int `json:"workers"`
}

// EmbeddingStrategy pairs transactions with invoices by cosine similarity of
// the normalized description and counterparty name
type EmbeddingStrategy struct {
	encoder    Encoder
	cache      Cache
	normalizer *Normalizer
	config     EmbeddingConfig
	logger     logger.Logger
}

// NewEmbeddingStrategy creates the strategy. A nil cache disables caching
// and a nil normalizer uses the default noise rules.
func NewEmbeddingStrategy(encoder Encoder, cache Cache, normalizer *Normalizer, config EmbeddingConfig) *EmbeddingStrategy {
	if normalizer == nil {
		normalizer = NewNormalizer(nil)
	}
	if config.Workers <= 0 {
		config.Workers = runtime.GOMAXPROCS(0)
	}
	return &EmbeddingStrategy{
		encoder:    encoder,
		cache:      cache,
		normalizer: normalizer,
		config:     config,
		logger:     logger.GetGlobalLogger().WithComponent("embedding_matcher"),
	}
}

// Name implements Strategy
func (s *EmbeddingStrategy) Name() string {
	return string(models.MethodEmbedding)
}

// scored is one admissible column of a similarity row
type scored struct {
	col   int
	score float64
}

// MatchBatch implements Strategy. Each transaction takes its most similar
// admissible invoice; when that invoice was already taken by an earlier
// transaction the next best one is used. Similarity ties go to the invoice
// listed first.
func (s *EmbeddingStrategy) MatchBatch(ctx context.Context, transactions []*models.Transaction, invoices []*models.Invoice, opts Options) ([]*models.Match, error) {
	if err := opts.Validate(); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "semantic", opts, err)
	}

	txs := eligibleTransactions(transactions)
	invs := eligibleInvoices(invoices)
	if len(txs) == 0 || len(invs) == 0 {
		return nil, nil
	}

	txVecs, invVecs, err := s.embed(ctx, txs, invs)
	if err != nil {
		return nil, errors.ReconciliationError(errors.CodeStrategyFailed, s.Name(), err)
	}

	rows := make([][]scored, len(txs))
	iter.Iterator[*models.Transaction]{MaxGoroutines: s.config.Workers}.ForEachIdx(txs, func(i int, tx **models.Transaction) {
		rows[i] = s.row(*tx, txVecs[i], invs, invVecs, opts)
	})
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	taken := make([]bool, len(invs))
	var matches []*models.Match
	for i, tx := range txs {
		for _, c := range rows[i] {
			if taken[c.col] {
				continue
			}
			taken[c.col] = true
			inv := invs[c.col]
			m := newProposal(tx, inv, models.MethodEmbedding, c.score)
			m.AddReason(fmt.Sprintf("Embedding similarity %.2f between %q and %q",
				c.score, s.normalizer.Normalize(descriptionOf(tx)), s.normalizer.Normalize(inv.CounterpartyName(s.config.OwnRFC))))
			matches = append(matches, m)
			break
		}
	}

	s.logger.WithFields(logger.Fields{
		"transactions": len(txs),
		"invoices":     len(invs),
		"matches":      len(matches),
	}).Info("Embedding matching completed")

	return rank(matches), nil
}

// row scores every admissible invoice for one transaction, best first
func (s *EmbeddingStrategy) row(tx *models.Transaction, vec []float32, invs []*models.Invoice, invVecs [][]float32, opts Options) []scored {
	var out []scored
	for j, inv := range invs {
		if _, _, ok := opts.withinLimits(tx, inv); !ok {
			continue
		}
		score := Cosine(vec, invVecs[j])
		if score < opts.MinSimilarity {
			continue
		}
		out = append(out, scored{col: j, score: score})
	}
	sort.SliceStable(out, func(a, b int) bool {
		return out[a].score > out[b].score
	})
	return out
}

func (s *EmbeddingStrategy) embed(ctx context.Context, txs []*models.Transaction, invs []*models.Invoice) ([][]float32, [][]float32, error) {
	items := make([]embedItem, 0, len(txs)+len(invs))
	for _, tx := range txs {
		text := s.normalizer.Normalize(descriptionOf(tx))
		items = append(items, embedItem{key: cacheKey(s.encoder.Name(), "tx", tx.ID, text), text: text})
	}
	for _, inv := range invs {
		text := s.normalizer.Normalize(inv.CounterpartyName(s.config.OwnRFC))
		items = append(items, embedItem{key: cacheKey(s.encoder.Name(), "inv", inv.ID, text), text: text})
	}

	vectors, encoded, err := embedAll(ctx, s.encoder, s.cache, items)
	if err != nil {
		return nil, nil, err
	}
	s.logger.WithFields(logger.Fields{
		"encoder": s.encoder.Name(),
		"encoded": encoded,
		"cached":  len(items) - encoded,
	}).Debug("Embeddings ready")

	return vectors[:len(txs)], vectors[len(txs):], nil
}
