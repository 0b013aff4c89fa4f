package reconciler

import (
	"fmt"

	"go.uber.org/multierr"

	"cfdi-reconciliation-service/internal/models"
)

// Preprocessor filters records before matching. Transactions and invoices are
// canonical inputs, so it only selects and never rewrites them.
type Preprocessor struct {
	config *PreprocessingConfig
}

// PreprocessingConfig contains configuration for data preprocessing
type PreprocessingConfig struct {
	// DeduplicateInvoices keeps one invoice per UUID
	DeduplicateInvoices bool `json:"deduplicate_invoices" mapstructure:"deduplicate_invoices"`

	// WindowSlackDays widens the request window for invoices so payments
	// early in the period still see invoices issued just before it
	WindowSlackDays int `json:"window_slack_days" mapstructure:"window_slack_days"`
}

// PreprocessingStats counts what preprocessing dropped
type PreprocessingStats struct {
	TransactionsIn      int `json:"transactions_in"`
	TransactionsOut     int `json:"transactions_out"`
	InvalidTransactions int `json:"invalid_transactions"`
	InvoicesIn          int `json:"invoices_in"`
	InvoicesOut         int `json:"invoices_out"`
	InvalidInvoices     int `json:"invalid_invoices"`
	DuplicateInvoices   int `json:"duplicate_invoices"`
	OutsideWindow       int `json:"outside_window"`
}

// DefaultPreprocessingConfig returns a default preprocessing configuration
func DefaultPreprocessingConfig() *PreprocessingConfig {
	return &PreprocessingConfig{
		DeduplicateInvoices: true,
		WindowSlackDays:     5,
	}
}

// NewPreprocessor creates a new preprocessor
func NewPreprocessor(config *PreprocessingConfig) *Preprocessor {
	if config == nil {
		config = DefaultPreprocessingConfig()
	}
	return &Preprocessor{config: config}
}

// PreprocessTransactions drops invalid transactions and those outside the
// window. The opening balance row is always kept. Each dropped record
// contributes one error to the returned multierr; the slice is usable
// regardless.
func (p *Preprocessor) PreprocessTransactions(transactions []*models.Transaction, window *DateRange, stats *PreprocessingStats) ([]*models.Transaction, error) {
	var errs error
	out := make([]*models.Transaction, 0, len(transactions))
	stats.TransactionsIn += len(transactions)

	for _, tx := range transactions {
		if err := tx.Validate(); err != nil {
			stats.InvalidTransactions++
			errs = multierr.Append(errs, err)
			continue
		}
		if window != nil && !tx.IsOpeningBalance && !window.Contains(tx.Date, 0) {
			stats.OutsideWindow++
			continue
		}
		out = append(out, tx)
	}

	stats.TransactionsOut += len(out)
	return out, errs
}

// PreprocessInvoices drops invalid invoices and those outside the widened
// window, and collapses invoices sharing a UUID. When a UUID repeats, the
// cancelled copy wins since SAT only ever moves status towards cancelled.
func (p *Preprocessor) PreprocessInvoices(invoices []*models.Invoice, window *DateRange, stats *PreprocessingStats) ([]*models.Invoice, error) {
	var errs error
	dups := 0
	out := make([]*models.Invoice, 0, len(invoices))
	byUUID := make(map[string]int, len(invoices))
	stats.InvoicesIn += len(invoices)

	for _, inv := range invoices {
		if err := inv.Validate(); err != nil {
			stats.InvalidInvoices++
			errs = multierr.Append(errs, err)
			continue
		}
		if window != nil && !window.Contains(inv.IssueDate, p.config.WindowSlackDays) {
			stats.OutsideWindow++
			continue
		}

		if p.config.DeduplicateInvoices {
			key := models.NormalizeUUID(inv.UUID)
			if i, seen := byUUID[key]; seen {
				dups++
				if inv.IsCancelled() && !out[i].IsCancelled() {
					out[i] = inv
				}
				continue
			}
			byUUID[key] = len(out)
		}
		out = append(out, inv)
	}

	stats.InvoicesOut += len(out)
	stats.DuplicateInvoices += dups
	if dups > 0 {
		errs = multierr.Append(errs, fmt.Errorf("%d invoices repeated a UUID and were collapsed", dups))
	}
	return out, errs
}
