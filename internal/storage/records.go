package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"

	"cfdi-reconciliation-service/internal/models"
)

// SaveTransactions stores transactions that are not yet known. Stored
// transactions are immutable: a repeated id keeps the first copy. It returns
// the number of rows inserted; invalid records are skipped and reported in
// the combined error.
func (r *Repository) SaveTransactions(ctx context.Context, txs []*models.Transaction) (int, error) {
	var inserted int
	var errs error

	err := r.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO transactions (
				id, account_id, date, day, raw_description, description, amount,
				balance, reference, currency, source_line, is_opening_balance
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare transaction insert: %w", err)
		}
		defer stmt.Close()

		for _, t := range txs {
			if err := t.Validate(); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("transaction %s: %w", t.ID, err))
				continue
			}

			var balance sql.NullString
			if t.Balance != nil {
				balance = sql.NullString{String: t.Balance.String(), Valid: true}
			}

			res, err := stmt.ExecContext(ctx,
				t.ID, t.AccountID, formatTime(t.Date), t.Date.Format(dayLayout),
				t.RawDescription, t.Description, t.Amount.String(),
				balance, t.Reference, t.Currency, t.SourceLine, boolInt(t.IsOpeningBalance),
			)
			if err != nil {
				return fmt.Errorf("failed to insert transaction %s: %w", t.ID, err)
			}
			n, _ := res.RowsAffected()
			inserted += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	r.logger.WithFields(map[string]interface{}{
		"received": len(txs),
		"inserted": inserted,
	}).Debug("Saved transactions")
	return inserted, errs
}

// UpsertInvoices inserts invoices and refreshes the status of those already
// stored, keyed by UUID. A later download that reports a cancellation
// therefore marks the stored invoice cancelled without touching its amounts.
func (r *Repository) UpsertInvoices(ctx context.Context, invs []*models.Invoice) (int, error) {
	var written int
	var errs error

	err := r.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO invoices (
				id, uuid, issuer_rfc, issuer_name, receiver_rfc, receiver_name, total,
				currency, issue_date, day, status, tipo_comprobante, payment_method, cancelled_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(uuid) DO UPDATE SET
				status = excluded.status,
				cancelled_at = COALESCE(excluded.cancelled_at, invoices.cancelled_at),
				updated_at = CURRENT_TIMESTAMP
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare invoice upsert: %w", err)
		}
		defer stmt.Close()

		for _, inv := range invs {
			if err := inv.Validate(); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("invoice %s: %w", inv.ID, err))
				continue
			}

			_, err := stmt.ExecContext(ctx,
				inv.ID, models.NormalizeUUID(inv.UUID), inv.IssuerRFC, inv.IssuerName,
				inv.ReceiverRFC, inv.ReceiverName, inv.Total.String(), inv.Currency,
				formatTime(inv.IssueDate), inv.IssueDate.Format(dayLayout), string(inv.Status),
				string(inv.Type), inv.PaymentMethod, nullTime(inv.CancelledAt),
			)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("failed to upsert invoice %s: %w", inv.ID, err))
				continue
			}
			written++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	r.logger.WithFields(map[string]interface{}{
		"received": len(invs),
		"written":  written,
	}).Debug("Upserted invoices")
	return written, errs
}

// Transaction returns the stored transaction with the given id, or nil
func (r *Repository) Transaction(ctx context.Context, id string) (*models.Transaction, error) {
	row := r.db.QueryRowContext(ctx, transactionSelect+` WHERE id = ?`, id)
	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return t, nil
}

// InvoiceByUUID returns the stored invoice with the given fiscal UUID, or nil
func (r *Repository) InvoiceByUUID(ctx context.Context, uuid string) (*models.Invoice, error) {
	row := r.db.QueryRowContext(ctx, invoiceSelect+` WHERE uuid = ?`, models.NormalizeUUID(uuid))
	inv, err := scanInvoice(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invoice: %w", err)
	}
	return inv, nil
}

// UnmatchedTransactions lists transactions dated within [from, to] by
// calendar day that take part in no accepted match, in statement order.
func (r *Repository) UnmatchedTransactions(ctx context.Context, from, to time.Time) ([]*models.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, transactionSelect+`
		WHERE match_id IS NULL AND is_opening_balance = 0 AND day BETWEEN ? AND ?
		ORDER BY account_id, source_line, id
	`, from.Format(dayLayout), to.Format(dayLayout))
	if err != nil {
		return nil, fmt.Errorf("failed to list unmatched transactions: %w", err)
	}
	defer rows.Close()

	var out []*models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UnmatchedInvoices lists invoices issued within [from, to] by calendar day
// that take part in no accepted match. Cancelled invoices are included so
// callers can report them; the matcher skips them.
func (r *Repository) UnmatchedInvoices(ctx context.Context, from, to time.Time) ([]*models.Invoice, error) {
	rows, err := r.db.QueryContext(ctx, invoiceSelect+`
		WHERE day BETWEEN ? AND ?
		  AND id NOT IN (SELECT invoice_id FROM matches)
		ORDER BY issue_date, id
	`, from.Format(dayLayout), to.Format(dayLayout))
	if err != nil {
		return nil, fmt.Errorf("failed to list unmatched invoices: %w", err)
	}
	defer rows.Close()

	var out []*models.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invoice: %w", err)
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

const transactionSelect = `
	SELECT id, account_id, date, raw_description, description, amount, balance,
	       reference, currency, source_line, is_opening_balance, match_id
	FROM transactions`

const invoiceSelect = `
	SELECT id, uuid, issuer_rfc, issuer_name, receiver_rfc, receiver_name, total,
	       currency, issue_date, status, tipo_comprobante, payment_method, cancelled_at
	FROM invoices`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(s scanner) (*models.Transaction, error) {
	var (
		t       models.Transaction
		date    string
		amount  string
		balance sql.NullString
		opening int
		matchID sql.NullString
	)
	if err := s.Scan(&t.ID, &t.AccountID, &date, &t.RawDescription, &t.Description,
		&amount, &balance, &t.Reference, &t.Currency, &t.SourceLine, &opening, &matchID); err != nil {
		return nil, err
	}

	var err error
	if t.Date, err = parseTime(date); err != nil {
		return nil, fmt.Errorf("transaction %s date: %w", t.ID, err)
	}
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("transaction %s amount: %w", t.ID, err)
	}
	if balance.Valid {
		b, err := decimal.NewFromString(balance.String)
		if err != nil {
			return nil, fmt.Errorf("transaction %s balance: %w", t.ID, err)
		}
		t.Balance = &b
	}
	t.IsOpeningBalance = opening != 0
	if matchID.Valid {
		id := matchID.String
		t.MatchID = &id
	}
	return &t, nil
}

func scanInvoice(s scanner) (*models.Invoice, error) {
	var (
		inv         models.Invoice
		total       string
		issueDate   string
		status      string
		invType     string
		cancelledAt sql.NullString
	)
	if err := s.Scan(&inv.ID, &inv.UUID, &inv.IssuerRFC, &inv.IssuerName, &inv.ReceiverRFC,
		&inv.ReceiverName, &total, &inv.Currency, &issueDate, &status, &invType,
		&inv.PaymentMethod, &cancelledAt); err != nil {
		return nil, err
	}

	var err error
	if inv.Total, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("invoice %s total: %w", inv.ID, err)
	}
	if inv.IssueDate, err = parseTime(issueDate); err != nil {
		return nil, fmt.Errorf("invoice %s issue date: %w", inv.ID, err)
	}
	inv.Status = models.ParseInvoiceStatus(status)
	inv.Type = models.InvoiceType(invType)
	if cancelledAt.Valid {
		c, err := parseTime(cancelledAt.String)
		if err != nil {
			return nil, fmt.Errorf("invoice %s cancellation date: %w", inv.ID, err)
		}
		inv.CancelledAt = &c
	}
	return &inv, nil
}
