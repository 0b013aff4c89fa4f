package reconciler

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"cfdi-reconciliation-service/internal/matcher"
	"cfdi-reconciliation-service/internal/models"
	"cfdi-reconciliation-service/internal/parsers"
	"cfdi-reconciliation-service/internal/semantic"
	"cfdi-reconciliation-service/pkg/errors"
)

// Config holds configuration options for the reconciliation pipeline
type Config struct {
	// MaxConcurrentStatements bounds how many statements are parsed at once
	MaxConcurrentStatements int `json:"max_concurrent_statements" mapstructure:"max_concurrent_statements"`

	// VerifyBalances checks sum(amounts) == closing - opening per statement
	// and reports mismatches as warnings
	VerifyBalances bool `json:"verify_balances" mapstructure:"verify_balances"`

	// SplitPaymentParts is the largest invoice combination suggested for an
	// unmatched transaction. Values below 2 disable the suggestion.
	SplitPaymentParts int `json:"split_payment_parts" mapstructure:"split_payment_parts"`

	// Semantic bounds the proposals of the semantic strategy
	Semantic semantic.Options `json:"semantic"`

	Parser        *parsers.ParserConfig `json:"parser,omitempty"`
	Preprocessing *PreprocessingConfig  `json:"preprocessing,omitempty"`
}

// DefaultConfig returns a default configuration for the pipeline
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrentStatements: 4,
		VerifyBalances:          true,
		SplitPaymentParts:       3,
		Semantic:                semantic.DefaultOptions(),
		Parser:                  parsers.DefaultParserConfig(),
		Preprocessing:           DefaultPreprocessingConfig(),
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.MaxConcurrentStatements <= 0 {
		return fmt.Errorf("max concurrent statements must be positive, got %d", c.MaxConcurrentStatements)
	}
	if c.SplitPaymentParts < 0 {
		return fmt.Errorf("split payment parts cannot be negative, got %d", c.SplitPaymentParts)
	}
	if err := c.Semantic.Validate(); err != nil {
		return err
	}
	if c.Parser != nil {
		if err := c.Parser.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// StatementFile is a statement document on disk together with the account
// metadata the parser needs
type StatementFile struct {
	Path string
	Meta parsers.StatementMeta
}

// DateRange represents a reconciliation window
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls in the window, extended by slack days on
// both sides. Bounds are compared by calendar day.
func (dr DateRange) Contains(t time.Time, slackDays int) bool {
	day := truncateDay(t)
	start := truncateDay(dr.Start).AddDate(0, 0, -slackDays)
	end := truncateDay(dr.End).AddDate(0, 0, slackDays)
	return !day.Before(start) && !day.After(end)
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Request represents one reconciliation run. Statements may be given as
// already extracted text, as files, or both.
type Request struct {
	Statements []parsers.StatementInput
	Files      []StatementFile
	Invoices   []*models.Invoice
	Window     *DateRange
}

// Validate validates the request
func (r *Request) Validate() error {
	if r == nil {
		return errors.ValidationError(errors.CodeMissingField, "request", nil, nil)
	}
	if len(r.Statements) == 0 && len(r.Files) == 0 {
		return errors.ValidationError(errors.CodeMissingField, "statements", nil,
			fmt.Errorf("at least one statement is required")).
			WithSuggestion("Pass statement text or at least one statement file")
	}
	if r.Window != nil && r.Window.Start.After(r.Window.End) {
		return errors.ValidationError(errors.CodeInvalidDate, "window", r.Window,
			fmt.Errorf("start date must be before end date"))
	}
	return nil
}

// Result contains the complete results of one run. Matches are proposals:
// accepting them is left to the reviewer.
type Result struct {
	Transactions      []*models.Transaction    `json:"transactions"`
	Invoices          []*models.Invoice        `json:"invoices"`
	Matches           []*models.Match          `json:"matches"`
	Ambiguous         []*models.AmbiguousMatch `json:"ambiguous,omitempty"`
	Unmatched         []*models.Unmatched      `json:"unmatched,omitempty"`
	UnusedInvoices    []*models.Invoice        `json:"unused_invoices,omitempty"`
	Duplicates        []matcher.DuplicateGroup `json:"duplicates,omitempty"`
	DuplicateInvoices []matcher.DuplicateGroup `json:"duplicate_invoices,omitempty"`
	Statements        []StatementReport        `json:"statements"`
	ParseSkips        []errors.ParseSkip       `json:"parse_skips,omitempty"`
	Warnings          []string                 `json:"warnings,omitempty"`
	Summary           *Summary                 `json:"summary"`
	ProcessedAt       time.Time                `json:"processed_at"`
}

// StatementReport describes how one statement was parsed
type StatementReport struct {
	Source          string           `json:"source"`
	AccountID       string           `json:"account_id,omitempty"`
	Transactions    int              `json:"transactions"`
	Skipped         int              `json:"skipped"`
	OpeningBalance  *decimal.Decimal `json:"opening_balance,omitempty"`
	ClosingBalance  *decimal.Decimal `json:"closing_balance,omitempty"`
	BalanceVerified bool             `json:"balance_verified"`
}

// Summary provides a high-level overview of a run
type Summary struct {
	Statements     int `json:"statements"`
	Transactions   int `json:"transactions"`
	Invoices       int `json:"invoices"`
	Matched        int `json:"matched"`
	NeedsReview    int `json:"needs_review"`
	Ambiguous      int `json:"ambiguous"`
	Unmatched      int `json:"unmatched"`
	UnusedInvoices int `json:"unused_invoices"`
	ParseSkips     int `json:"parse_skips"`

	ByMethod     map[models.MatchMethod]int `json:"by_method"`
	ByConfidence map[models.Confidence]int  `json:"by_confidence"`

	TotalAmountMatched   decimal.Decimal `json:"total_amount_matched"`
	TotalAmountUnmatched decimal.Decimal `json:"total_amount_unmatched"`

	ParsingTime  time.Duration `json:"parsing_time"`
	MatchingTime time.Duration `json:"matching_time"`
	SemanticTime time.Duration `json:"semantic_time"`
	TotalTime    time.Duration `json:"total_time"`
}

// MatchRate returns the share of eligible transactions that got a proposal
func (s *Summary) MatchRate() float64 {
	total := s.Matched + s.Ambiguous + s.Unmatched
	if total == 0 {
		return 0
	}
	return float64(s.Matched) / float64(total)
}
