package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"

	"cfdi-reconciliation-service/internal/matcher"
	"cfdi-reconciliation-service/internal/models"
	"cfdi-reconciliation-service/pkg/errors"
)

// AcceptMatch persists an accepted match. Accepting the same pair twice is a
// no-op. When the transaction or the invoice already belongs to another
// match the call fails with already_matched, unless override is set, in which
// case the conflicting matches are released first.
func (r *Repository) AcceptMatch(ctx context.Context, m *models.Match, override bool) error {
	if m == nil || m.TransactionID == "" || m.InvoiceID == "" {
		return errors.ValidationError(errors.CodeMissingField, "match", m, fmt.Errorf("match needs a transaction and an invoice"))
	}

	reasons, err := json.Marshal(m.Reasons)
	if err != nil {
		return errors.InternalError("storage.accept_match", err)
	}

	err = r.withTx(ctx, func(tx *sql.Tx) error {
		conflicts, err := conflictingMatches(ctx, tx, m)
		if err != nil {
			return err
		}

		for _, c := range conflicts {
			if c.TransactionID == m.TransactionID && c.InvoiceID == m.InvoiceID {
				return nil
			}
		}
		if len(conflicts) > 0 && !override {
			c := conflicts[0]
			subject, detail := m.TransactionID, fmt.Errorf("transaction already matched to invoice %s", c.InvoiceID)
			if c.TransactionID != m.TransactionID {
				subject, detail = m.InvoiceID, fmt.Errorf("invoice already matched to transaction %s", c.TransactionID)
			}
			return errors.ReconciliationError(errors.CodeAlreadyMatched, subject, detail).WithContext("match_id", c.ID)
		}

		for _, c := range conflicts {
			if err := releaseMatch(ctx, tx, c.ID, c.TransactionID); err != nil {
				return err
			}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO matches (
				id, transaction_id, invoice_id, method, tier, score, confidence,
				amount_diff, days_diff, needs_review, reasons, reasoning
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, m.ID, m.TransactionID, m.InvoiceID, string(m.Method), m.Tier, m.Score,
			string(m.Confidence), m.AmountDiff.String(), m.DaysDiff, boolInt(m.NeedsReview),
			string(reasons), m.Reasoning)
		if err != nil {
			if isUniqueViolation(err) {
				return errors.ReconciliationError(errors.CodeAlreadyMatched, m.TransactionID, err)
			}
			return fmt.Errorf("failed to insert match: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE transactions SET match_id = ? WHERE id = ?`, m.ID, m.TransactionID); err != nil {
			return fmt.Errorf("failed to attach match: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.logger.WithFields(map[string]interface{}{
		"match_id":       m.ID,
		"transaction_id": m.TransactionID,
		"invoice_id":     m.InvoiceID,
		"override":       override,
	}).Info("Accepted match")
	return nil
}

// AcceptMatches accepts each match without override and returns how many
// were stored. Conflicts do not stop the batch; they are combined in the error.
func (r *Repository) AcceptMatches(ctx context.Context, matches []*models.Match) (int, error) {
	var accepted int
	var errs error
	for _, m := range matches {
		if err := r.AcceptMatch(ctx, m, false); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		accepted++
	}
	return accepted, errs
}

// ReleaseMatch removes an accepted match and detaches its transaction. It
// reports whether the match existed.
func (r *Repository) ReleaseMatch(ctx context.Context, matchID string) (bool, error) {
	var found bool
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		var txID string
		err := tx.QueryRowContext(ctx, `SELECT transaction_id FROM matches WHERE id = ?`, matchID).Scan(&txID)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to get match: %w", err)
		}
		found = true
		return releaseMatch(ctx, tx, matchID, txID)
	})
	return found, err
}

// Matches returns every accepted match in acceptance order
func (r *Repository) Matches(ctx context.Context) ([]*models.Match, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, transaction_id, invoice_id, method, tier, score, confidence,
		       amount_diff, days_diff, needs_review, reasons, reasoning, accepted_at
		FROM matches
		ORDER BY accepted_at, rowid
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list matches: %w", err)
	}
	defer rows.Close()

	var out []*models.Match
	for rows.Next() {
		var (
			m           models.Match
			method      string
			confidence  string
			amountDiff  string
			needsReview int
			reasons     string
		)
		if err := rows.Scan(&m.ID, &m.TransactionID, &m.InvoiceID, &method, &m.Tier, &m.Score,
			&confidence, &amountDiff, &m.DaysDiff, &needsReview, &reasons, &m.Reasoning, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan match: %w", err)
		}
		m.Method = models.MatchMethod(method)
		m.Confidence = models.Confidence(confidence)
		m.NeedsReview = needsReview != 0
		if m.AmountDiff, err = decimal.NewFromString(amountDiff); err != nil {
			return nil, fmt.Errorf("match %s amount diff: %w", m.ID, err)
		}
		if err := json.Unmarshal([]byte(reasons), &m.Reasons); err != nil {
			return nil, fmt.Errorf("match %s reasons: %w", m.ID, err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// LoadLedger rebuilds the in-memory ledger from the accepted matches
func (r *Repository) LoadLedger(ctx context.Context) (*matcher.Ledger, error) {
	matches, err := r.Matches(ctx)
	if err != nil {
		return nil, err
	}
	ledger := matcher.NewLedger()
	for _, m := range matches {
		if err := ledger.Accept(m, false); err != nil {
			return nil, err
		}
	}
	return ledger, nil
}

type storedMatch struct {
	ID            string
	TransactionID string
	InvoiceID     string
}

func conflictingMatches(ctx context.Context, tx *sql.Tx, m *models.Match) ([]storedMatch, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, transaction_id, invoice_id FROM matches
		WHERE transaction_id = ? OR invoice_id = ?
		ORDER BY transaction_id = ? DESC
	`, m.TransactionID, m.InvoiceID, m.TransactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query existing matches: %w", err)
	}
	defer rows.Close()

	var out []storedMatch
	for rows.Next() {
		var s storedMatch
		if err := rows.Scan(&s.ID, &s.TransactionID, &s.InvoiceID); err != nil {
			return nil, fmt.Errorf("failed to scan match: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func releaseMatch(ctx context.Context, tx *sql.Tx, matchID, transactionID string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM matches WHERE id = ?`, matchID); err != nil {
		return fmt.Errorf("failed to delete match %s: %w", matchID, err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE transactions SET match_id = NULL WHERE id = ? AND match_id = ?`, transactionID, matchID); err != nil {
		return fmt.Errorf("failed to detach match %s: %w", matchID, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if stderrors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

// Stats counts stored records
type Stats struct {
	Transactions          int       `json:"transactions"`
	Invoices              int       `json:"invoices"`
	Matches               int       `json:"matches"`
	UnmatchedTransactions int       `json:"unmatched_transactions"`
	LastAccepted          time.Time `json:"last_accepted,omitempty"`
}

// Stats returns record counts
func (r *Repository) Stats(ctx context.Context) (*Stats, error) {
	var s Stats
	var last sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM transactions),
			(SELECT COUNT(*) FROM invoices),
			(SELECT COUNT(*) FROM matches),
			(SELECT COUNT(*) FROM transactions WHERE match_id IS NULL AND is_opening_balance = 0),
			(SELECT MAX(accepted_at) FROM matches)
	`).Scan(&s.Transactions, &s.Invoices, &s.Matches, &s.UnmatchedTransactions, &last)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	if last.Valid {
		if t, err := time.Parse("2006-01-02 15:04:05", last.String); err == nil {
			s.LastAccepted = t
		}
	}
	return &s, nil
}
