package matcher

import (
	"fmt"
	"sync"

	"cfdi-reconciliation-service/internal/models"
	"cfdi-reconciliation-service/pkg/errors"
)

// Ledger holds accepted matches. A transaction and an invoice each appear in
// at most one accepted match; replacing one requires an explicit override.
type Ledger struct {
	mu      sync.RWMutex
	byTx    map[string]*models.Match
	byInv   map[string]*models.Match
	ordered []*models.Match
}

// NewLedger creates an empty ledger
func NewLedger() *Ledger {
	return &Ledger{
		byTx:  make(map[string]*models.Match),
		byInv: make(map[string]*models.Match),
	}
}

// Accept records m. Accepting the same pair twice is a no-op. A match that
// conflicts with an accepted one fails with already_matched unless override
// is set, in which case the conflicting matches are released first.
func (l *Ledger) Accept(m *models.Match, override bool) error {
	if m == nil || m.TransactionID == "" || m.InvoiceID == "" {
		return errors.ValidationError(errors.CodeMissingField, "match", m, fmt.Errorf("match needs a transaction and an invoice"))
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	txMatch, txTaken := l.byTx[m.TransactionID]
	invMatch, invTaken := l.byInv[m.InvoiceID]
	if txTaken && txMatch.InvoiceID == m.InvoiceID {
		return nil
	}

	if !override {
		if txTaken {
			return errors.ReconciliationError(errors.CodeAlreadyMatched, m.TransactionID,
				fmt.Errorf("transaction already matched to invoice %s", txMatch.InvoiceID)).
				WithContext("match_id", txMatch.ID)
		}
		if invTaken {
			return errors.ReconciliationError(errors.CodeAlreadyMatched, m.InvoiceID,
				fmt.Errorf("invoice already matched to transaction %s", invMatch.TransactionID)).
				WithContext("match_id", invMatch.ID)
		}
	}

	if txTaken {
		l.release(txMatch)
	}
	if invTaken {
		l.release(invMatch)
	}

	l.byTx[m.TransactionID] = m
	l.byInv[m.InvoiceID] = m
	l.ordered = append(l.ordered, m)
	return nil
}

// Release removes the match with the given id. It reports whether one existed.
func (l *Ledger) Release(matchID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range l.ordered {
		if m.ID == matchID {
			l.release(m)
			return true
		}
	}
	return false
}

func (l *Ledger) release(m *models.Match) {
	delete(l.byTx, m.TransactionID)
	delete(l.byInv, m.InvoiceID)
	for i, existing := range l.ordered {
		if existing == m {
			l.ordered = append(l.ordered[:i], l.ordered[i+1:]...)
			break
		}
	}
}

// TransactionMatch returns the accepted match of a transaction
func (l *Ledger) TransactionMatch(transactionID string) (*models.Match, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	m, ok := l.byTx[transactionID]
	return m, ok
}

// InvoiceMatched reports whether an invoice is the target of an accepted match
func (l *Ledger) InvoiceMatched(invoiceID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.byInv[invoiceID]
	return ok
}

// Matches returns accepted matches in acceptance order
func (l *Ledger) Matches() []*models.Match {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]*models.Match(nil), l.ordered...)
}

// Len returns the number of accepted matches
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.ordered)
}

// UnmatchedTransactions filters txs down to those without an accepted match
func (l *Ledger) UnmatchedTransactions(txs []*models.Transaction) []*models.Transaction {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*models.Transaction
	for _, tx := range txs {
		if _, ok := l.byTx[tx.ID]; !ok {
			out = append(out, tx)
		}
	}
	return out
}

// UnmatchedInvoices filters invs down to those without an accepted match
func (l *Ledger) UnmatchedInvoices(invs []*models.Invoice) []*models.Invoice {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*models.Invoice
	for _, inv := range invs {
		if _, ok := l.byInv[inv.ID]; !ok {
			out = append(out, inv)
		}
	}
	return out
}
