// Package semantic matches transactions the deterministic tiers left behind
// by comparing what the bank wrote with who issued the invoice.
//
// Two strategies share one contract. EmbeddingStrategy encodes normalized
// descriptions and counterparty names and picks, for each transaction, the
// most similar invoice within the amount and day limits. AIStrategy asks a
// language model to judge candidate pairs in batches and keeps only pairs
// whose ids were actually sent. Both label confidence through
// matcher.Classify, so a consumer cannot tell them apart.
package semantic

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"cfdi-reconciliation-service/internal/matcher"
	"cfdi-reconciliation-service/internal/models"
)

// Strategy proposes matches for a batch of transactions
type Strategy interface {
	// Name identifies the strategy in logs and reports
	Name() string

	// MatchBatch returns proposals ranked by score, best first. At most one
	// proposal is returned per transaction and per invoice.
	MatchBatch(ctx context.Context, transactions []*models.Transaction, invoices []*models.Invoice, opts Options) ([]*models.Match, error)
}

// Options bound what a strategy may propose
type Options struct {
	MinSimilarity float64         `json:"min_similarity"`
	MaxAmountDiff decimal.Decimal `json:"max_amount_diff"`
	MaxDaysDiff   int             `json:"max_days_diff"`
}

// DefaultOptions mirrors the loosest deterministic tier
func DefaultOptions() Options {
	return Options{
		MinSimilarity: 0.7,
		MaxAmountDiff: decimal.NewFromInt(10),
		MaxDaysDiff:   5,
	}
}

// Validate checks the option ranges
func (o Options) Validate() error {
	if o.MinSimilarity < 0 || o.MinSimilarity > 1 {
		return fmt.Errorf("min similarity must be between 0.0 and 1.0: %f", o.MinSimilarity)
	}
	if o.MaxAmountDiff.IsNegative() {
		return fmt.Errorf("max amount difference cannot be negative: %s", o.MaxAmountDiff)
	}
	if o.MaxDaysDiff < 0 {
		return fmt.Errorf("max days difference cannot be negative: %d", o.MaxDaysDiff)
	}
	return nil
}

// withinLimits reports the differences of a pair and whether they respect o
func (o Options) withinLimits(tx *models.Transaction, inv *models.Invoice) (decimal.Decimal, int, bool) {
	diff := models.AmountDifference(tx, inv)
	days := models.DaysBetween(tx.Date, inv.IssueDate)
	return diff, days, diff.LessThanOrEqual(o.MaxAmountDiff) && days <= o.MaxDaysDiff
}

// newProposal builds a match labelled by the shared confidence contract
func newProposal(tx *models.Transaction, inv *models.Invoice, method models.MatchMethod, score float64) *models.Match {
	return models.NewMatch(tx, inv, method, score,
		matcher.Classify(score, models.AmountDifference(tx, inv), models.DaysBetween(tx.Date, inv.IssueDate)))
}

// eligibleTransactions drops opening balance rows and matched transactions
func eligibleTransactions(txs []*models.Transaction) []*models.Transaction {
	out := make([]*models.Transaction, 0, len(txs))
	for _, tx := range txs {
		if tx.IsOpeningBalance || tx.IsMatched() {
			continue
		}
		out = append(out, tx)
	}
	return out
}

// eligibleInvoices drops cancelled invoices
func eligibleInvoices(invs []*models.Invoice) []*models.Invoice {
	out := make([]*models.Invoice, 0, len(invs))
	for _, inv := range invs {
		if inv.IsCancelled() {
			continue
		}
		out = append(out, inv)
	}
	return out
}

// rank orders proposals by score, keeping input order among equals
func rank(matches []*models.Match) []*models.Match {
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	return matches
}

// descriptionOf prefers the cleaned description over the raw text
func descriptionOf(tx *models.Transaction) string {
	if tx.Description != "" {
		return tx.Description
	}
	return tx.RawDescription
}
