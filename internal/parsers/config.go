package parsers

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ParserConfig controls reconstruction and parsing of statement text
type ParserConfig struct {
	// MaxContinuationLines is how many following lines may be folded into one transaction.
	MaxContinuationLines int `json:"max_continuation_lines" mapstructure:"max_continuation_lines"`
	// MinContinuationLength and MaxContinuationLength bound plausible free-text continuations.
	MinContinuationLength int `json:"min_continuation_length" mapstructure:"min_continuation_length"`
	MaxContinuationLength int `json:"max_continuation_length" mapstructure:"max_continuation_length"`
	// MinReferenceDigits is the minimum length of a numeric reference code.
	MinReferenceDigits int `json:"min_reference_digits" mapstructure:"min_reference_digits"`
	// CreditKeywords mark a row as money in when no balance delta is available.
	CreditKeywords []string `json:"credit_keywords" mapstructure:"credit_keywords"`
	// ContinuationKeywords mark a line as part of the previous transaction.
	ContinuationKeywords []string `json:"continuation_keywords" mapstructure:"continuation_keywords"`
	// DefaultYear is used when neither the row nor the statement period carries a year.
	DefaultYear int `json:"default_year" mapstructure:"default_year"`
}

// DefaultParserConfig returns a configuration tuned for Mexican bank statements
func DefaultParserConfig() *ParserConfig {
	return &ParserConfig{
		MaxContinuationLines:  3,
		MinContinuationLength: 3,
		MaxContinuationLength: 80,
		MinReferenceDigits:    6,
		CreditKeywords: []string{
			"ABONO", "DEPOSITO", "DEPÓSITO", "SPEI RECIBIDO", "TRANSFERENCIA RECIBIDA",
			"RECIBIDO", "DEVOLUCION", "DEVOLUCIÓN", "REEMBOLSO", "INTERESES GANADOS",
			"DEPOSIT", "PAYMENT RECEIVED", "REFUND",
		},
		ContinuationKeywords: []string{
			"SPEI", "TRANSFERENCIA", "REF", "REFERENCIA", "RASTREO", "CLAVE", "RFC",
			"BNET", "CONCEPTO", "PAGO", "CARGO", "ABONO", "DEPOSITO", "TARJETA",
			"CUENTA", "STRIPE", "PAYPAL", "FOLIO",
		},
		DefaultYear: time.Now().Year(),
	}
}

// Validate checks if the parser configuration is valid
func (c *ParserConfig) Validate() error {
	if c.MaxContinuationLines < 0 {
		return fmt.Errorf("max continuation lines cannot be negative")
	}
	if c.MinContinuationLength < 1 {
		return fmt.Errorf("min continuation length must be at least 1")
	}
	if c.MaxContinuationLength < c.MinContinuationLength {
		return fmt.Errorf("max continuation length (%d) is below min (%d)", c.MaxContinuationLength, c.MinContinuationLength)
	}
	if c.MinReferenceDigits < 4 {
		return fmt.Errorf("min reference digits must be at least 4")
	}
	if c.DefaultYear < 2000 || c.DefaultYear > 2100 {
		return fmt.Errorf("default year %d out of range", c.DefaultYear)
	}
	return nil
}

func (c *ParserConfig) hasCreditKeyword(text string) bool {
	return containsKeyword(text, c.CreditKeywords)
}

func containsKeyword(text string, keywords []string) bool {
	upper := strings.ToUpper(text)
	for _, kw := range keywords {
		if kw != "" && strings.Contains(upper, kw) {
			return true
		}
	}
	return false
}

// StatementMeta is the account metadata supplied with a statement's text.
type StatementMeta struct {
	Source      string    `json:"source"`
	AccountID   string    `json:"account_id"`
	Currency    string    `json:"currency"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
}

// idPrefix identifies one statement: the account plus a digest of the period
// and the statement text. Rows of two statements of one account never share
// an id, and parsing the same statement again yields the same ids.
func (m StatementMeta) idPrefix(text string) string {
	account := m.AccountID
	switch {
	case account != "":
	case m.Source != "":
		account = m.Source
	default:
		account = "stmt"
	}
	key := strings.Join([]string{
		account,
		m.PeriodStart.Format("2006-01-02"),
		m.PeriodEnd.Format("2006-01-02"),
		text,
	}, "|")
	return account + ":" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()[:8]
}
