package semantic

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"cfdi-reconciliation-service/internal/models"
	"cfdi-reconciliation-service/pkg/logger"
)

// Chain runs strategies in order, cheapest first. Each strategy only sees
// the transactions and invoices earlier strategies left unpaired.
type Chain struct {
	strategies []Strategy
	logger     logger.Logger
}

// NewChain creates a chain; nil strategies are skipped
func NewChain(strategies ...Strategy) *Chain {
	c := &Chain{logger: logger.GetGlobalLogger().WithComponent("semantic_chain")}
	for _, s := range strategies {
		if s != nil {
			c.strategies = append(c.strategies, s)
		}
	}
	return c
}

// Name implements Strategy
func (c *Chain) Name() string {
	return "chain"
}

// Len returns the number of strategies in the chain
func (c *Chain) Len() int {
	return len(c.strategies)
}

// MatchBatch implements Strategy. A failing strategy does not stop the
// chain: its error is collected and the next strategy gets the same pool.
// Proposals found before a failure are returned together with the error.
func (c *Chain) MatchBatch(ctx context.Context, transactions []*models.Transaction, invoices []*models.Invoice, opts Options) ([]*models.Match, error) {
	var all []*models.Match
	var errs error

	remainingTx := transactions
	remainingInv := invoices
	for _, s := range c.strategies {
		if len(remainingTx) == 0 || len(remainingInv) == 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			return rank(all), multierr.Append(errs, err)
		}

		matches, err := s.MatchBatch(ctx, remainingTx, remainingInv, opts)
		if err != nil {
			c.logger.WithError(err).WithFields(logger.Fields{
				"strategy": s.Name(),
				"matches":  len(matches),
			}).Warn("Strategy failed, continuing with the next one")
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}

		all = append(all, matches...)
		remainingTx, remainingInv = withoutMatched(remainingTx, remainingInv, matches)
		c.logger.WithFields(logger.Fields{
			"strategy":  s.Name(),
			"matches":   len(matches),
			"remaining": len(remainingTx),
		}).Debug("Strategy finished")
	}

	return rank(all), errs
}

func withoutMatched(txs []*models.Transaction, invs []*models.Invoice, matches []*models.Match) ([]*models.Transaction, []*models.Invoice) {
	usedTx := make(map[string]bool, len(matches))
	usedInv := make(map[string]bool, len(matches))
	for _, m := range matches {
		usedTx[m.TransactionID] = true
		usedInv[m.InvoiceID] = true
	}

	var outTx []*models.Transaction
	for _, tx := range txs {
		if !usedTx[tx.ID] {
			outTx = append(outTx, tx)
		}
	}
	var outInv []*models.Invoice
	for _, inv := range invs {
		if !usedInv[inv.ID] {
			outInv = append(outInv, inv)
		}
	}
	return outTx, outInv
}
