package parsers

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"cfdi-reconciliation-service/internal/models"
	"cfdi-reconciliation-service/pkg/errors"
)

// rawRow is what a template extracts from one line before dates are
// resolved against the statement period and signs against balances.
type rawRow struct {
	Month       time.Month
	Day         int
	Year        int
	HasDate     bool
	Reference   string
	Description string
	Amount      *decimal.Decimal
	Balance     *decimal.Decimal
	Opening     bool
}

// extractError carries the skip reason for a line a template matched but
// could not convert.
type extractError struct {
	reason errors.SkipReason
	detail string
}

func (e *extractError) Error() string {
	return fmt.Sprintf("%s: %s", e.reason, e.detail)
}

// Template is one (pattern, extractor) pair of the dispatch table.
type Template struct {
	Name    string
	Pattern *regexp.Regexp
	Extract func(groups map[string]string) (rawRow, error)
}

// Apply runs the template against line. ok is false when the pattern does
// not match; err is set when it matched but the fields were unusable.
func (t Template) Apply(line string) (row rawRow, ok bool, err error) {
	m := t.Pattern.FindStringSubmatch(line)
	if m == nil {
		return rawRow{}, false, nil
	}
	groups := make(map[string]string, len(m))
	for i, name := range t.Pattern.SubexpNames() {
		if name != "" && m[i] != "" {
			groups[name] = strings.TrimSpace(m[i])
		}
	}
	row, err = t.Extract(groups)
	return row, true, err
}

const amountPattern = `-?\$?\s?(?:\d{1,3}(?:,\d{3})+|\d+)\.\d{2}`

var (
	monthAlt      = monthAlternation()
	monthDay      = `(?P<mon>` + monthAlt + `)\.?\s*(?P<day>\d{1,2})`
	secondDate    = `(?:\s+(?:` + monthAlt + `)\.?\s*\d{1,2}\b)?`
	amountGroup   = `(?P<amount>` + amountPattern + `)`
	balanceGroup  = `(?P<balance>` + amountPattern + `)`
	openingTokens = `SALDO ANTERIOR|SALDO INICIAL|OPENING BALANCE|BALANCE FORWARD`
)

// DefaultTemplates returns the dispatch table, most specific layout first.
// The first template whose pattern matches a line wins.
func DefaultTemplates() []Template {
	return []Template{
		{
			Name: "opening_balance",
			Pattern: regexp.MustCompile(`(?i)^(?:` + monthDay + secondDate + `\s+)?(?P<desc>` + openingTokens + `)\s+` +
				balanceGroup + `$`),
			Extract: extractOpening,
		},
		{
			Name: "reference_row",
			Pattern: regexp.MustCompile(`(?i)^` + monthDay + secondDate + `\s+(?P<ref>\d{6,})\s+(?P<desc>.+?)\s+` +
				amountGroup + `\s+` + balanceGroup + `$`),
			Extract: extractRow,
		},
		{
			Name: "concatenated_reference",
			Pattern: regexp.MustCompile(`(?i)^(?P<mon>` + monthAlt + `)\.?\s*(?P<day>\d{2})(?P<ref>\d{6,})\s+(?P<desc>.+?)\s+` +
				amountGroup + `\s+` + balanceGroup + `$`),
			Extract: extractRow,
		},
		{
			Name: "numeric_date_row",
			Pattern: regexp.MustCompile(`^(?P<day>\d{2})/(?P<month>\d{2})/(?P<year>\d{2,4})\s+(?P<desc>.+?)\s+` +
				amountGroup + `(?:\s+` + balanceGroup + `)?$`),
			Extract: extractRow,
		},
		{
			Name: "day_month_row",
			Pattern: regexp.MustCompile(`(?i)^(?P<day>\d{1,2})[-/ ](?P<mon>` + monthAlt + `)\.?(?:[-/ ](?P<year>\d{4}))?\s+(?P<desc>.+?)\s+` +
				amountGroup + `(?:\s+` + balanceGroup + `)?$`),
			Extract: extractRow,
		},
		{
			Name: "balance_row",
			Pattern: regexp.MustCompile(`(?i)^` + monthDay + secondDate + `\s+(?P<desc>.+?)\s+` +
				amountGroup + `\s+` + balanceGroup + `$`),
			Extract: extractRow,
		},
		{
			Name:    "amount_only",
			Pattern: regexp.MustCompile(`(?i)^` + monthDay + secondDate + `\s+(?P<desc>.+?)\s+` + amountGroup + `$`),
			Extract: extractRow,
		},
	}
}

func extractOpening(g map[string]string) (rawRow, error) {
	row := rawRow{Opening: true, Description: strings.ToUpper(g["desc"])}
	if g["day"] != "" {
		if err := fillDate(&row, g); err != nil {
			return row, err
		}
	}
	bal, err := parseAmountField(g["balance"])
	if err != nil {
		return row, err
	}
	row.Balance = &bal
	return row, nil
}

func extractRow(g map[string]string) (rawRow, error) {
	row := rawRow{Reference: g["ref"], Description: g["desc"]}
	if err := fillDate(&row, g); err != nil {
		return row, err
	}
	amount, err := parseAmountField(g["amount"])
	if err != nil {
		return row, err
	}
	amount = amount.Abs()
	row.Amount = &amount
	if g["balance"] != "" {
		bal, err := parseAmountField(g["balance"])
		if err != nil {
			return row, err
		}
		row.Balance = &bal
	}
	return row, nil
}

func fillDate(row *rawRow, g map[string]string) error {
	day, err := strconv.Atoi(g["day"])
	if err != nil || day < 1 || day > 31 {
		return &extractError{reason: errors.SkipInvalidDate, detail: fmt.Sprintf("day %q", g["day"])}
	}
	switch {
	case g["mon"] != "":
		m, ok := lookupMonth(g["mon"])
		if !ok {
			return &extractError{reason: errors.SkipInvalidDate, detail: fmt.Sprintf("month %q", g["mon"])}
		}
		row.Month = m
	case g["month"] != "":
		n, err := strconv.Atoi(g["month"])
		if err != nil || n < 1 || n > 12 {
			return &extractError{reason: errors.SkipInvalidDate, detail: fmt.Sprintf("month %q", g["month"])}
		}
		row.Month = time.Month(n)
	default:
		return &extractError{reason: errors.SkipInvalidDate, detail: "missing month"}
	}
	if g["year"] != "" {
		y, err := strconv.Atoi(g["year"])
		if err != nil {
			return &extractError{reason: errors.SkipInvalidDate, detail: fmt.Sprintf("year %q", g["year"])}
		}
		row.Year = normalizeYear(y)
	}
	row.Day = day
	row.HasDate = true
	return nil
}

func parseAmountField(s string) (decimal.Decimal, error) {
	d, err := models.ParseDecimalFromString(s)
	if err != nil {
		return decimal.Zero, &extractError{reason: errors.SkipInvalidAmount, detail: s}
	}
	return d, nil
}
