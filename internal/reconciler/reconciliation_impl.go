package reconciler

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/multierr"

	"cfdi-reconciliation-service/internal/models"
	"cfdi-reconciliation-service/internal/parsers"
	"cfdi-reconciliation-service/pkg/errors"
	"cfdi-reconciliation-service/pkg/logger"
)

// readStatements returns the text inputs of the request followed by the
// extracted text of every readable file, in request order. Files are
// extracted concurrently; each unreadable file adds one error.
func (p *Pipeline) readStatements(ctx context.Context, req *Request) ([]parsers.StatementInput, error) {
	inputs := append([]parsers.StatementInput(nil), req.Statements...)
	if len(req.Files) == 0 {
		return inputs, nil
	}

	extracted := make([]*parsers.StatementInput, len(req.Files))
	failures := make([]error, len(req.Files))

	wp := pool.New().WithMaxGoroutines(p.config.MaxConcurrentStatements)
	for i := range req.Files {
		i := i
		file := req.Files[i]
		wp.Go(func() {
			text, err := p.extractor.Extract(ctx, file.Path)
			if err != nil {
				failures[i] = errors.WrapIfNeeded(err, errors.CategoryFile, errors.CodeFileCorrupted, "cannot read statement "+file.Path).
					WithContext("file_path", file.Path)
				return
			}
			meta := file.Meta
			if meta.Source == "" {
				meta.Source = filepath.Base(file.Path)
			}
			extracted[i] = &parsers.StatementInput{Text: text, Meta: meta}
		})
	}
	wp.Wait()

	for _, in := range extracted {
		if in != nil {
			inputs = append(inputs, *in)
		}
	}
	return inputs, multierr.Combine(failures...)
}

// collectStatements flattens parse results into one transaction list and
// records a report, the parse skips, and balance warnings per statement.
func (p *Pipeline) collectStatements(result *Result, parsed []*parsers.ParseResult) []*models.Transaction {
	var transactions []*models.Transaction
	for _, res := range parsed {
		report := StatementReport{
			Source:         res.Meta.Source,
			AccountID:      res.Meta.AccountID,
			Transactions:   len(res.Movements()),
			Skipped:        len(res.Skips),
			OpeningBalance: res.OpeningBalance,
			ClosingBalance: res.ClosingBalance,
		}

		if p.config.VerifyBalances && res.OpeningBalance != nil {
			if err := res.VerifyBalances(); err != nil {
				p.addWarnings(result, err)
			} else {
				report.BalanceVerified = true
			}
		}

		result.Statements = append(result.Statements, report)
		result.ParseSkips = append(result.ParseSkips, res.Skips...)
		transactions = append(transactions, res.Transactions...)
	}
	return transactions
}

// withoutProposals drops the transactions and invoices the semantic stage
// proposed matches for
func withoutProposals(unmatched []*models.Unmatched, unused []*models.Invoice, proposals []*models.Match) ([]*models.Unmatched, []*models.Invoice) {
	if len(proposals) == 0 {
		return unmatched, unused
	}
	txs := make(map[string]bool, len(proposals))
	invs := make(map[string]bool, len(proposals))
	for _, m := range proposals {
		txs[m.TransactionID] = true
		invs[m.InvoiceID] = true
	}

	var restTx []*models.Unmatched
	for _, u := range unmatched {
		if !txs[u.Transaction.ID] {
			restTx = append(restTx, u)
		}
	}
	var restInv []*models.Invoice
	for _, inv := range unused {
		if !invs[inv.ID] {
			restInv = append(restInv, inv)
		}
	}
	return restTx, restInv
}

// explainUnmatched extends the deterministic diagnostic. When the amount
// equals several unused invoices together, the combination is named so a
// reviewer can split the payment by hand.
func (p *Pipeline) explainUnmatched(unmatched []*models.Unmatched, unused []*models.Invoice) []*models.Unmatched {
	config := p.engine.GetConfiguration()
	loosest := config.Loosest()
	exact := config.Tiers[0].AmountTolerance

	for _, u := range unmatched {
		if p.strategy != nil {
			u.Diagnostic += fmt.Sprintf("; semantic matching found no invoice above similarity %.2f", p.config.Semantic.MinSimilarity)
		}
		if p.config.SplitPaymentParts < 2 {
			continue
		}

		var near []*models.Invoice
		for _, inv := range unused {
			if models.DaysBetween(u.Transaction.Date, inv.IssueDate) <= loosest.MaxDays {
				near = append(near, inv)
			}
		}
		combos := p.edges.SumCandidates(u.Transaction.AbsAmount(), near, p.config.SplitPaymentParts, exact)
		if len(combos) == 0 {
			continue
		}
		ids := make([]string, len(combos[0]))
		for i, inv := range combos[0] {
			ids[i] = inv.ID
		}
		u.Diagnostic += fmt.Sprintf("; amount equals invoices %s combined", strings.Join(ids, " + "))
		p.logger.WithFields(logger.Fields{
			"transaction_id": u.Transaction.ID,
			"invoices":       ids,
		}).Debug("Possible split payment")
	}
	return unmatched
}

func newSummary() *Summary {
	return &Summary{
		ByMethod:             make(map[models.MatchMethod]int),
		ByConfidence:         make(map[models.Confidence]int),
		TotalAmountMatched:   decimal.Zero,
		TotalAmountUnmatched: decimal.Zero,
	}
}

func (p *Pipeline) summarize(result *Result, statements, invoices int) {
	s := result.Summary
	s.Statements = statements
	s.Invoices = invoices
	s.ParseSkips = len(result.ParseSkips)

	byID := make(map[string]*models.Transaction, len(result.Transactions))
	for _, tx := range result.Transactions {
		if !tx.IsOpeningBalance {
			s.Transactions++
			byID[tx.ID] = tx
		}
	}

	for _, m := range result.Matches {
		s.Matched++
		s.ByMethod[m.Method]++
		s.ByConfidence[m.Confidence]++
		if m.NeedsReview {
			s.NeedsReview++
		}
		if tx, ok := byID[m.TransactionID]; ok {
			s.TotalAmountMatched = s.TotalAmountMatched.Add(tx.AbsAmount())
		}
	}
	for _, a := range result.Ambiguous {
		s.Ambiguous++
		s.TotalAmountUnmatched = s.TotalAmountUnmatched.Add(a.Transaction.AbsAmount())
	}
	for _, u := range result.Unmatched {
		s.Unmatched++
		s.TotalAmountUnmatched = s.TotalAmountUnmatched.Add(u.Transaction.AbsAmount())
	}
	s.UnusedInvoices = len(result.UnusedInvoices)
}
