package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MatchMethod identifies the strategy that proposed a match
type MatchMethod string

const (
	MethodExact     MatchMethod = "exact"
	MethodEmbedding MatchMethod = "embedding"
	MethodAI        MatchMethod = "ai"
)

// Confidence is the strategy-agnostic label attached to every match
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Rank orders confidence labels, higher is better
func (c Confidence) Rank() int {
	switch c {
	case ConfidenceHigh:
		return 3
	case ConfidenceMedium:
		return 2
	case ConfidenceLow:
		return 1
	}
	return 0
}

// Match links exactly one transaction to exactly one invoice.
type Match struct {
	ID            string          `json:"id"`
	TransactionID string          `json:"transaction_id"`
	InvoiceID     string          `json:"invoice_id"`
	Method        MatchMethod     `json:"method"`
	Tier          string          `json:"tier,omitempty"`
	Score         float64         `json:"score"`
	Confidence    Confidence      `json:"confidence"`
	AmountDiff    decimal.Decimal `json:"amount_diff"`
	DaysDiff      int             `json:"days_diff"`
	NeedsReview   bool            `json:"needs_review"`
	Reasons       []string        `json:"reasons,omitempty"`
	Reasoning     string          `json:"reasoning,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// NewMatchID derives a stable match id from the pair, so re-running the same
// reconciliation yields the same ids.
func NewMatchID(transactionID, invoiceID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(transactionID+"|"+invoiceID)).String()
}

// NewMatch builds a match with a deterministic id. NeedsReview is set for
// anything below high confidence.
func NewMatch(tx *Transaction, inv *Invoice, method MatchMethod, score float64, confidence Confidence) *Match {
	return &Match{
		ID:            NewMatchID(tx.ID, inv.ID),
		TransactionID: tx.ID,
		InvoiceID:     inv.ID,
		Method:        method,
		Score:         score,
		Confidence:    confidence,
		AmountDiff:    AmountDifference(tx, inv),
		DaysDiff:      DaysBetween(tx.Date, inv.IssueDate),
		NeedsReview:   confidence != ConfidenceHigh,
		CreatedAt:     time.Now(),
	}
}

// AddReason appends a human readable explanation
func (m *Match) AddReason(reason string) {
	m.Reasons = append(m.Reasons, reason)
}

// AmbiguousMatch is surfaced when several invoices tie for a transaction
// within one tier. Nothing is auto-selected.
type AmbiguousMatch struct {
	Transaction *Transaction `json:"transaction"`
	Tier        string       `json:"tier"`
	Candidates  []*Invoice   `json:"candidates"`
}

// Unmatched is a transaction left without a match after every strategy,
// with the diagnostic explaining why.
type Unmatched struct {
	Transaction *Transaction `json:"transaction"`
	Reason      string       `json:"reason"`
	Diagnostic  string       `json:"diagnostic"`
}
