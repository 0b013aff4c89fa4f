// Package parsers turns noisy bank statement text into canonical transactions.
//
// Parsing happens in two stages. The Reconstructor cleans the extracted text
// and folds wrapped rows back together; the StatementParser then runs every
// logical line through an ordered table of regex templates (first match wins)
// and resolves each row's sign from the running balance.
//
// Lines no template understands are skipped and counted, never fatal.
package parsers

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"cfdi-reconciliation-service/internal/models"
	"cfdi-reconciliation-service/pkg/errors"
	"cfdi-reconciliation-service/pkg/logger"
)

// SignSource records how a transaction's sign was decided
type SignSource string

const (
	SignFromBalance SignSource = "balance"
	SignFromKeyword SignSource = "keyword"
)

// ParseStats holds statistics about one parsed statement
type ParseStats struct {
	Lines          int            `json:"lines"`
	Parsed         int            `json:"parsed"`
	Skipped        int            `json:"skipped"`
	ByTemplate     map[string]int `json:"by_template"`
	SignByBalance  int            `json:"sign_by_balance"`
	SignByKeyword  int            `json:"sign_by_keyword"`
	AmountMismatch int            `json:"amount_mismatch"`
}

// String returns a string representation of the parse statistics
func (ps *ParseStats) String() string {
	return fmt.Sprintf("ParseStats{Lines: %d, Parsed: %d, Skipped: %d, SignByBalance: %d, SignByKeyword: %d}",
		ps.Lines, ps.Parsed, ps.Skipped, ps.SignByBalance, ps.SignByKeyword)
}

// ParseResult is the outcome of parsing one statement
type ParseResult struct {
	Meta           StatementMeta         `json:"meta"`
	Transactions   []*models.Transaction `json:"transactions"`
	Skips          []errors.ParseSkip    `json:"skips"`
	OpeningBalance *decimal.Decimal      `json:"opening_balance,omitempty"`
	ClosingBalance *decimal.Decimal      `json:"closing_balance,omitempty"`
	Stats          *ParseStats           `json:"stats"`
}

// Movements returns the transactions excluding the opening balance row
func (r *ParseResult) Movements() []*models.Transaction {
	out := make([]*models.Transaction, 0, len(r.Transactions))
	for _, tx := range r.Transactions {
		if !tx.IsOpeningBalance {
			out = append(out, tx)
		}
	}
	return out
}

// VerifyBalances checks that the signed amounts add up to closing - opening.
func (r *ParseResult) VerifyBalances() error {
	if r.OpeningBalance == nil || r.ClosingBalance == nil {
		return fmt.Errorf("statement %s has no opening or closing balance to verify", r.Meta.Source)
	}
	sum := decimal.Zero
	for _, tx := range r.Movements() {
		sum = sum.Add(tx.Amount)
	}
	want := r.ClosingBalance.Sub(*r.OpeningBalance)
	if !sum.Equal(want) {
		return fmt.Errorf("statement %s: movements sum to %s, balances differ by %s", r.Meta.Source, sum, want)
	}
	return nil
}

// StatementParser applies the template table to reconstructed text
type StatementParser struct {
	config        *ParserConfig
	templates     []Template
	reconstructor *Reconstructor
	logger        logger.Logger
}

// NewStatementParser creates a parser with the default template table
func NewStatementParser(config *ParserConfig) (*StatementParser, error) {
	return NewStatementParserWithTemplates(config, DefaultTemplates())
}

// NewStatementParserWithTemplates creates a parser with a custom template
// table. Order matters: earlier templates take priority.
func NewStatementParserWithTemplates(config *ParserConfig, templates []Template) (*StatementParser, error) {
	if config == nil {
		config = DefaultParserConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "parser", config, err)
	}
	if len(templates) == 0 {
		return nil, errors.ConfigurationError(errors.CodeMissingConfig, "parser.templates", nil, nil)
	}

	return &StatementParser{
		config:        config,
		templates:     templates,
		reconstructor: NewReconstructor(config),
		logger:        logger.GetGlobalLogger().WithComponent("statement_parser"),
	}, nil
}

// Parse reconstructs and parses one statement. Only context cancellation
// returns an error; unusable lines end up in ParseResult.Skips.
func (p *StatementParser) Parse(ctx context.Context, text string, meta StatementMeta) (*ParseResult, error) {
	lines := p.reconstructor.ReconstructLines(text)
	skips := errors.NewParseSkipCollector(meta.Source)
	stats := &ParseStats{ByTemplate: make(map[string]int)}

	type parsedRow struct {
		rawRow
		line int
		text string
	}
	var rows []parsedRow

	for i, line := range lines {
		if i%256 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if line.Text == "" {
			continue
		}
		stats.Lines++

		row, name, err := p.match(line.Text)
		switch {
		case err != nil:
			var ee *extractError
			reason, detail := errors.SkipNoTemplate, err.Error()
			if stderrors.As(err, &ee) {
				reason, detail = ee.reason, ee.detail
			}
			skips.Add(line.Number, line.Text, reason, detail)
			p.logger.WithFields(logger.Fields{"line": line.Number, "reason": reason}).Debug("Skipped statement line")
		case name == "":
			skips.Add(line.Number, line.Text, errors.SkipNoTemplate, "")
			p.logger.WithFields(logger.Fields{"line": line.Number, "reason": errors.SkipNoTemplate}).Debug("Skipped statement line")
		default:
			stats.ByTemplate[name]++
			rows = append(rows, parsedRow{rawRow: row, line: line.Number, text: line.Text})
		}
	}

	result := &ParseResult{Meta: meta, Stats: stats}
	prefix := meta.idPrefix(text)
	var prevBalance *decimal.Decimal
	var lastDate time.Time

	for _, r := range rows {
		date := lastDate
		if r.HasDate {
			year := r.Year
			if year == 0 {
				year = inferYear(r.Month, meta.PeriodStart, meta.PeriodEnd, p.config.DefaultYear)
			}
			date = time.Date(year, r.Month, r.Day, 0, 0, 0, 0, time.UTC)
			if date.Day() != r.Day {
				skips.Add(r.line, r.text, errors.SkipInvalidDate, fmt.Sprintf("%d %s %d", r.Day, r.Month, year))
				continue
			}
		} else if date.IsZero() {
			date = meta.PeriodStart
		}

		if r.Opening {
			if result.OpeningBalance != nil || len(result.Transactions) > 0 {
				skips.Add(r.line, r.text, errors.SkipDuplicateOpening, "")
				continue
			}
			bal := *r.Balance
			result.OpeningBalance = &bal
			prevBalance = &bal
			result.Transactions = append(result.Transactions, &models.Transaction{
				ID:               fmt.Sprintf("%s:%d", prefix, r.line),
				AccountID:        meta.AccountID,
				Date:             date,
				RawDescription:   r.text,
				Description:      r.Description,
				Amount:           decimal.Zero,
				Balance:          &bal,
				Currency:         meta.Currency,
				SourceLine:       r.line,
				IsOpeningBalance: true,
			})
			lastDate = date
			continue
		}

		amount, source, ok := p.resolveSign(r.rawRow, prevBalance, stats)
		if !ok {
			skips.Add(r.line, r.text, errors.SkipNoAmount, "zero balance delta")
			continue
		}
		if source == SignFromBalance {
			stats.SignByBalance++
		} else {
			stats.SignByKeyword++
		}

		var balance *decimal.Decimal
		if r.Balance != nil {
			b := *r.Balance
			balance = &b
		} else if prevBalance != nil {
			b := prevBalance.Add(amount)
			balance = &b
		}
		prevBalance = balance

		result.Transactions = append(result.Transactions, &models.Transaction{
			ID:             fmt.Sprintf("%s:%d", prefix, r.line),
			AccountID:      meta.AccountID,
			Date:           date,
			RawDescription: r.text,
			Description:    cleanDescription(r.Description, r.Reference),
			Amount:         amount,
			Balance:        r.Balance,
			Reference:      r.Reference,
			Currency:       meta.Currency,
			SourceLine:     r.line,
		})
		lastDate = date
	}

	if prevBalance != nil {
		closing := *prevBalance
		result.ClosingBalance = &closing
	}
	result.Skips = skips.Skips()
	stats.Skipped = skips.Count()
	stats.Parsed = len(result.Transactions)

	p.logger.WithFields(logger.Fields{
		"source":       meta.Source,
		"transactions": stats.Parsed,
		"skipped":      stats.Skipped,
	}).Info("Parsed statement")

	return result, nil
}

func (p *StatementParser) match(line string) (rawRow, string, error) {
	for _, t := range p.templates {
		row, ok, err := t.Apply(line)
		if !ok {
			continue
		}
		if err != nil {
			return rawRow{}, t.Name, err
		}
		return row, t.Name, nil
	}
	return rawRow{}, "", nil
}

// resolveSign prefers new balance - previous balance. Without a usable
// delta it falls back to the credit keyword list.
func (p *StatementParser) resolveSign(row rawRow, prevBalance *decimal.Decimal, stats *ParseStats) (decimal.Decimal, SignSource, bool) {
	if row.Balance != nil && prevBalance != nil {
		delta := row.Balance.Sub(*prevBalance)
		if delta.IsZero() {
			return decimal.Zero, SignFromBalance, false
		}
		if row.Amount != nil && !row.Amount.Equal(delta.Abs()) {
			stats.AmountMismatch++
			p.logger.WithFields(logger.Fields{
				"printed": row.Amount.String(),
				"delta":   delta.String(),
			}).Warn("Printed amount disagrees with balance delta, using delta")
		}
		return delta, SignFromBalance, true
	}

	if row.Amount == nil || row.Amount.IsZero() {
		return decimal.Zero, SignFromKeyword, false
	}
	if p.config.hasCreditKeyword(row.Description) {
		return *row.Amount, SignFromKeyword, true
	}
	return row.Amount.Neg(), SignFromKeyword, true
}

func cleanDescription(desc, reference string) string {
	desc = strings.ToUpper(strings.TrimSpace(desc))
	if reference != "" {
		desc = strings.TrimSpace(strings.ReplaceAll(desc, reference, ""))
	}
	return whitespaceRun.ReplaceAllString(desc, " ")
}
