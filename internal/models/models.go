package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType represents the direction of money movement
type TransactionType string

const (
	// TransactionTypeDebit is money leaving the account
	TransactionTypeDebit TransactionType = "DEBIT"
	// TransactionTypeCredit is money entering the account
	TransactionTypeCredit TransactionType = "CREDIT"
)

// String returns the string representation of TransactionType
func (t TransactionType) String() string {
	return string(t)
}

// Transaction is one canonical bank statement movement. Amount is signed:
// negative for debits, positive for credits. The sign comes from the running
// balance delta whenever a balance is present.
type Transaction struct {
	ID               string           `json:"id"`
	AccountID        string           `json:"account_id,omitempty"`
	Date             time.Time        `json:"date"`
	RawDescription   string           `json:"raw_description"`
	Description      string           `json:"description"`
	Amount           decimal.Decimal  `json:"amount"`
	Balance          *decimal.Decimal `json:"balance,omitempty"`
	Reference        string           `json:"reference,omitempty"`
	Currency         string           `json:"currency,omitempty"`
	SourceLine       int              `json:"source_line"`
	IsOpeningBalance bool             `json:"is_opening_balance,omitempty"`
	MatchID          *string          `json:"match_id,omitempty"`
}

// Type returns the transaction direction derived from the amount sign
func (t *Transaction) Type() TransactionType {
	if t.Amount.IsNegative() {
		return TransactionTypeDebit
	}
	return TransactionTypeCredit
}

// AbsAmount returns the absolute value of the transaction amount
func (t *Transaction) AbsAmount() decimal.Decimal {
	return t.Amount.Abs()
}

// AttachMatch records the accepted match for this transaction. It is the only
// mutation allowed after parsing; attaching a different match requires
// detaching first.
func (t *Transaction) AttachMatch(matchID string) error {
	if t.MatchID != nil && *t.MatchID != matchID {
		return fmt.Errorf("transaction %s already attached to match %s", t.ID, *t.MatchID)
	}
	id := matchID
	t.MatchID = &id
	return nil
}

// DetachMatch clears the match reference
func (t *Transaction) DetachMatch() {
	t.MatchID = nil
}

// IsMatched reports whether an accepted match is attached
func (t *Transaction) IsMatched() bool {
	return t.MatchID != nil
}

// Validate performs basic validation on the Transaction
func (t *Transaction) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("transaction ID cannot be empty")
	}
	if t.Date.IsZero() {
		return fmt.Errorf("transaction %s: date cannot be zero", t.ID)
	}
	if t.IsOpeningBalance {
		if t.Balance == nil {
			return fmt.Errorf("transaction %s: opening balance row without balance", t.ID)
		}
		return nil
	}
	if t.Amount.IsZero() {
		return fmt.Errorf("transaction %s: amount cannot be zero", t.ID)
	}
	return nil
}

// String returns a string representation of the Transaction
func (t *Transaction) String() string {
	return fmt.Sprintf("Transaction{ID: %s, Date: %s, Amount: %s, Desc: %q}",
		t.ID, t.Date.Format("2006-01-02"), t.Amount.String(), t.Description)
}

// ParseDecimalFromString parses an amount, stripping currency symbols and
// thousands separators ("$1,234.56" -> 1234.56).
func ParseDecimalFromString(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("amount string cannot be empty")
	}

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = strings.Trim(s, "()")
	}
	s = strings.NewReplacer("$", "", ",", "", " ", "", "MXN", "").Replace(s)
	if strings.HasSuffix(s, "-") {
		negative = true
		s = strings.TrimSuffix(s, "-")
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid decimal format '%s': %w", s, err)
	}
	if negative {
		d = d.Neg()
	}
	return d, nil
}

// DaysBetween returns the absolute calendar-day difference between two dates,
// ignoring time of day.
func DaysBetween(a, b time.Time) int {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	da := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	db := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	days := int(da.Sub(db).Hours() / 24)
	if days < 0 {
		days = -days
	}
	return days
}

// AmountDifference returns | |tx.Amount| - invoice.Total |.
func AmountDifference(tx *Transaction, inv *Invoice) decimal.Decimal {
	return tx.AbsAmount().Sub(inv.Total).Abs()
}

// CompareAmountsWithTolerance compares two decimal amounts with a tolerance
func CompareAmountsWithTolerance(a, b, tolerance decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(tolerance)
}
