// Package reporter renders reconciliation results for the review UI and
// for people reading a terminal.
//
// Supported output formats:
//   - Console: human-readable sections for terminal display
//   - JSON: proposals and diagnostics for programmatic consumption
//   - CSV: one row per proposal, ambiguous transaction, unmatched
//     transaction or unused invoice, for spreadsheets
//
// Every match is rendered as a proposal with its confidence label and the
// reasons (or AI reasoning) behind it. Nothing here accepts a match.
//
// Example usage:
//
//	generator, err := reporter.NewReportGenerator(&reporter.ReportConfig{
//		Format:         reporter.FormatJSON,
//		IncludeMatches: true,
//	})
//	err = generator.GenerateReport(result, os.Stdout)
package reporter

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"cfdi-reconciliation-service/internal/models"
	"cfdi-reconciliation-service/internal/reconciler"
)

// OutputFormat represents the supported report output formats
type OutputFormat string

const (
	FormatConsole OutputFormat = "console"
	FormatJSON    OutputFormat = "json"
	FormatCSV     OutputFormat = "csv"
)

// IsValid checks if the output format is supported
func (f OutputFormat) IsValid() bool {
	switch f {
	case FormatConsole, FormatJSON, FormatCSV:
		return true
	default:
		return false
	}
}

// ReportConfig holds configuration options for report generation
type ReportConfig struct {
	Format OutputFormat `json:"format"`

	// Detail level options
	IncludeMatches         bool `json:"include_matches"`
	IncludeAmbiguous       bool `json:"include_ambiguous"`
	IncludeUnmatched       bool `json:"include_unmatched"`
	IncludeUnusedInvoices  bool `json:"include_unused_invoices"`
	IncludeParseSkips      bool `json:"include_parse_skips"`
	IncludeProcessingStats bool `json:"include_processing_stats"`

	// OnlyNeedsReview restricts proposals to those below high confidence
	OnlyNeedsReview bool `json:"only_needs_review"`

	// MaxListItems caps each console list; 0 means no limit
	MaxListItems int  `json:"max_list_items"`
	SortByAmount bool `json:"sort_by_amount"`

	// CSV options
	CSVDelimiter rune `json:"csv_delimiter"`
	CSVHeaders   bool `json:"csv_headers"`
}

// DefaultReportConfig returns a default report configuration
func DefaultReportConfig() *ReportConfig {
	return &ReportConfig{
		Format:                 FormatConsole,
		IncludeMatches:         true,
		IncludeAmbiguous:       true,
		IncludeUnmatched:       true,
		IncludeUnusedInvoices:  true,
		IncludeParseSkips:      false,
		IncludeProcessingStats: true,
		MaxListItems:           20,
		CSVDelimiter:           ',',
		CSVHeaders:             true,
	}
}

// Validate validates the report configuration
func (c *ReportConfig) Validate() error {
	if !c.Format.IsValid() {
		return fmt.Errorf("invalid output format: %s", c.Format)
	}
	if c.MaxListItems < 0 {
		return fmt.Errorf("max list items cannot be negative, got %d", c.MaxListItems)
	}
	if c.Format == FormatCSV {
		switch c.CSVDelimiter {
		case 0, '"', '\r', '\n', utf8.RuneError:
			return fmt.Errorf("invalid CSV delimiter %q", c.CSVDelimiter)
		}
	}
	return nil
}

// Proposal is the review view of one match: the transaction, the invoice
// and why they were paired.
type Proposal struct {
	MatchID          string          `json:"match_id"`
	TransactionID    string          `json:"transaction_id"`
	TransactionDate  time.Time       `json:"transaction_date"`
	Description      string          `json:"description"`
	Amount           decimal.Decimal `json:"amount"`
	InvoiceID        string          `json:"invoice_id"`
	InvoiceUUID      string          `json:"invoice_uuid,omitempty"`
	Issuer           string          `json:"issuer,omitempty"`
	InvoiceTotal     decimal.Decimal `json:"invoice_total"`
	InvoiceDate      time.Time       `json:"invoice_date"`
	Method           string          `json:"method"`
	Tier             string          `json:"tier,omitempty"`
	Score            float64         `json:"score"`
	Confidence       string          `json:"confidence"`
	ConfidenceLabel  string          `json:"confidence_label"`
	AmountDifference decimal.Decimal `json:"amount_difference"`
	DaysDifference   int             `json:"days_difference"`
	NeedsReview      bool            `json:"needs_review"`
	Reasons          []string        `json:"reasons,omitempty"`
	Reasoning        string          `json:"reasoning,omitempty"`
}

// ConfidenceLabel returns the wording shown next to a proposal
func ConfidenceLabel(c models.Confidence) string {
	switch c {
	case models.ConfidenceHigh:
		return "High confidence"
	case models.ConfidenceMedium:
		return "Medium confidence, review suggested"
	case models.ConfidenceLow:
		return "Low confidence, review required"
	default:
		return "Unknown confidence"
	}
}

// BuildProposals joins each match with its transaction and invoice. Matches
// whose records are not part of result keep only the ids.
func BuildProposals(result *reconciler.Result) []Proposal {
	txs := make(map[string]*models.Transaction, len(result.Transactions))
	for _, tx := range result.Transactions {
		txs[tx.ID] = tx
	}
	invs := make(map[string]*models.Invoice, len(result.Invoices))
	for _, inv := range result.Invoices {
		invs[inv.ID] = inv
	}

	proposals := make([]Proposal, 0, len(result.Matches))
	for _, m := range result.Matches {
		p := Proposal{
			MatchID:          m.ID,
			TransactionID:    m.TransactionID,
			InvoiceID:        m.InvoiceID,
			Method:           string(m.Method),
			Tier:             m.Tier,
			Score:            m.Score,
			Confidence:       string(m.Confidence),
			ConfidenceLabel:  ConfidenceLabel(m.Confidence),
			AmountDifference: m.AmountDiff,
			DaysDifference:   m.DaysDiff,
			NeedsReview:      m.NeedsReview,
			Reasons:          m.Reasons,
			Reasoning:        m.Reasoning,
		}
		if tx, ok := txs[m.TransactionID]; ok {
			p.TransactionDate = tx.Date
			p.Description = tx.Description
			p.Amount = tx.Amount
		}
		if inv, ok := invs[m.InvoiceID]; ok {
			p.InvoiceUUID = inv.UUID
			p.Issuer = inv.IssuerName
			p.InvoiceTotal = inv.Total
			p.InvoiceDate = inv.IssueDate
		}
		proposals = append(proposals, p)
	}
	return proposals
}

// ReportGenerator generates reconciliation reports in various formats
type ReportGenerator struct {
	config *ReportConfig
}

// NewReportGenerator creates a new report generator with the specified configuration
func NewReportGenerator(config *ReportConfig) (*ReportGenerator, error) {
	if config == nil {
		config = DefaultReportConfig()
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid report configuration: %w", err)
	}

	return &ReportGenerator{
		config: config,
	}, nil
}

// GenerateReport writes a report of result to writer
func (rg *ReportGenerator) GenerateReport(result *reconciler.Result, writer io.Writer) error {
	if result == nil {
		return fmt.Errorf("reconciliation result cannot be nil")
	}
	if result.Summary == nil {
		return fmt.Errorf("reconciliation result has no summary")
	}

	switch rg.config.Format {
	case FormatConsole:
		return rg.generateConsoleReport(result, writer)
	case FormatJSON:
		return rg.generateJSONReport(result, writer)
	case FormatCSV:
		return rg.generateCSVReport(result, writer)
	default:
		return fmt.Errorf("unsupported output format: %s", rg.config.Format)
	}
}

func (rg *ReportGenerator) proposals(result *reconciler.Result) []Proposal {
	all := BuildProposals(result)
	if !rg.config.OnlyNeedsReview {
		return all
	}
	out := all[:0]
	for _, p := range all {
		if p.NeedsReview {
			out = append(out, p)
		}
	}
	return out
}

func (rg *ReportGenerator) generateConsoleReport(result *reconciler.Result, writer io.Writer) error {
	fmt.Fprintf(writer, "RECONCILIATION REPORT\n")
	fmt.Fprintf(writer, "Generated: %s\n", result.ProcessedAt.Format(time.RFC3339))
	fmt.Fprintf(writer, "Processing Duration: %v\n\n", result.Summary.TotalTime)

	fmt.Fprintf(writer, "=== SUMMARY ===\n")
	rg.printSummary(result.Summary, writer)
	fmt.Fprintf(writer, "\n")

	if rg.config.IncludeMatches {
		proposals := rg.proposals(result)
		if len(proposals) > 0 {
			fmt.Fprintf(writer, "=== MATCH PROPOSALS ===\n")
			rg.printProposals(proposals, writer)
			fmt.Fprintf(writer, "\n")
		}
	}

	if rg.config.IncludeAmbiguous && len(result.Ambiguous) > 0 {
		fmt.Fprintf(writer, "=== AMBIGUOUS (MANUAL REVIEW) ===\n")
		rg.printAmbiguous(result.Ambiguous, writer)
		fmt.Fprintf(writer, "\n")
	}

	if rg.config.IncludeUnmatched && len(result.Unmatched) > 0 {
		fmt.Fprintf(writer, "=== UNMATCHED TRANSACTIONS ===\n")
		rg.printUnmatched(result.Unmatched, writer)
		fmt.Fprintf(writer, "\n")
	}

	if rg.config.IncludeUnusedInvoices && len(result.UnusedInvoices) > 0 {
		fmt.Fprintf(writer, "=== INVOICES WITHOUT PAYMENT ===\n")
		rg.printInvoices(result.UnusedInvoices, writer)
		fmt.Fprintf(writer, "\n")
	}

	if rg.config.IncludeParseSkips && len(result.ParseSkips) > 0 {
		fmt.Fprintf(writer, "=== SKIPPED STATEMENT LINES ===\n")
		for i, skip := range result.ParseSkips {
			if rg.truncated(i, len(result.ParseSkips), writer) {
				break
			}
			fmt.Fprintf(writer, "  %s:%d %s: %q\n", skip.Source, skip.Line, skip.Reason, skip.Content)
		}
		fmt.Fprintf(writer, "\n")
	}

	if len(result.Warnings) > 0 {
		fmt.Fprintf(writer, "=== WARNINGS ===\n")
		for _, w := range result.Warnings {
			fmt.Fprintf(writer, "  - %s\n", w)
		}
		fmt.Fprintf(writer, "\n")
	}

	if rg.config.IncludeProcessingStats {
		fmt.Fprintf(writer, "=== PROCESSING STATISTICS ===\n")
		rg.printProcessingStats(result, writer)
	}

	return nil
}

func (rg *ReportGenerator) generateJSONReport(result *reconciler.Result, writer io.Writer) error {
	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(rg.filterResultForOutput(result))
}

func (rg *ReportGenerator) generateCSVReport(result *reconciler.Result, writer io.Writer) error {
	csvWriter := csv.NewWriter(writer)
	csvWriter.Comma = rg.config.CSVDelimiter

	if rg.config.CSVHeaders {
		headers := []string{
			"Type",
			"Transaction_ID",
			"Date",
			"Description",
			"Amount",
			"Invoice_ID",
			"Invoice_UUID",
			"Issuer",
			"Invoice_Total",
			"Method",
			"Confidence",
			"Score",
			"Amount_Difference",
			"Days_Difference",
			"Needs_Review",
			"Notes",
		}
		if err := csvWriter.Write(headers); err != nil {
			return fmt.Errorf("failed to write CSV headers: %w", err)
		}
	}

	if rg.config.IncludeMatches {
		for _, p := range rg.proposals(result) {
			notes := strings.Join(p.Reasons, "; ")
			if p.Reasoning != "" {
				notes = strings.TrimPrefix(notes+"; "+p.Reasoning, "; ")
			}
			record := []string{
				"Proposal",
				p.TransactionID,
				formatDate(p.TransactionDate),
				p.Description,
				p.Amount.StringFixed(2),
				p.InvoiceID,
				p.InvoiceUUID,
				p.Issuer,
				p.InvoiceTotal.StringFixed(2),
				p.Method,
				p.Confidence,
				fmt.Sprintf("%.2f", p.Score),
				p.AmountDifference.StringFixed(2),
				fmt.Sprintf("%d", p.DaysDifference),
				fmt.Sprintf("%t", p.NeedsReview),
				notes,
			}
			if err := csvWriter.Write(record); err != nil {
				return fmt.Errorf("failed to write proposal record: %w", err)
			}
		}
	}

	if rg.config.IncludeAmbiguous {
		for _, a := range result.Ambiguous {
			ids := make([]string, 0, len(a.Candidates))
			for _, inv := range a.Candidates {
				ids = append(ids, inv.ID)
			}
			record := []string{
				"Ambiguous",
				a.Transaction.ID,
				formatDate(a.Transaction.Date),
				a.Transaction.Description,
				a.Transaction.Amount.StringFixed(2),
				strings.Join(ids, "|"),
				"", "", "", "", "", "", "", "",
				"true",
				fmt.Sprintf("%d candidates tie in tier %s", len(a.Candidates), a.Tier),
			}
			if err := csvWriter.Write(record); err != nil {
				return fmt.Errorf("failed to write ambiguous record: %w", err)
			}
		}
	}

	if rg.config.IncludeUnmatched {
		for _, u := range result.Unmatched {
			record := []string{
				"Unmatched Transaction",
				u.Transaction.ID,
				formatDate(u.Transaction.Date),
				u.Transaction.Description,
				u.Transaction.Amount.StringFixed(2),
				"", "", "", "", "", "", "", "", "", "",
				u.Diagnostic,
			}
			if err := csvWriter.Write(record); err != nil {
				return fmt.Errorf("failed to write unmatched record: %w", err)
			}
		}
	}

	if rg.config.IncludeUnusedInvoices {
		for _, inv := range result.UnusedInvoices {
			note := "No payment found in the statements"
			if inv.IsCancelled() {
				note = "Invoice cancelled"
			}
			record := []string{
				"Unused Invoice",
				"",
				formatDate(inv.IssueDate),
				"",
				"",
				inv.ID,
				inv.UUID,
				inv.IssuerName,
				inv.Total.StringFixed(2),
				"", "", "", "", "", "",
				note,
			}
			if err := csvWriter.Write(record); err != nil {
				return fmt.Errorf("failed to write invoice record: %w", err)
			}
		}
	}

	csvWriter.Flush()
	return csvWriter.Error()
}

// Helper methods for console output formatting

func (rg *ReportGenerator) printSummary(summary *reconciler.Summary, writer io.Writer) {
	eligible := summary.Matched + summary.Ambiguous + summary.Unmatched

	fmt.Fprintf(writer, "Statements:    %d\n", summary.Statements)
	fmt.Fprintf(writer, "Invoices:      %d\n", summary.Invoices)
	fmt.Fprintf(writer, "\nTransactions:  %d\n", summary.Transactions)
	fmt.Fprintf(writer, "  Proposed:    %d (%.1f%%)\n", summary.Matched, rg.calculatePercentage(summary.Matched, eligible))
	fmt.Fprintf(writer, "  To review:   %d\n", summary.NeedsReview)
	fmt.Fprintf(writer, "  Ambiguous:   %d (%.1f%%)\n", summary.Ambiguous, rg.calculatePercentage(summary.Ambiguous, eligible))
	fmt.Fprintf(writer, "  Unmatched:   %d (%.1f%%)\n", summary.Unmatched, rg.calculatePercentage(summary.Unmatched, eligible))
	fmt.Fprintf(writer, "Unused invoices: %d\n", summary.UnusedInvoices)

	fmt.Fprintf(writer, "\nAmount proposed:  %s\n", summary.TotalAmountMatched.StringFixed(2))
	fmt.Fprintf(writer, "Amount unmatched: %s\n", summary.TotalAmountUnmatched.StringFixed(2))

	fmt.Fprintf(writer, "\nBy method:")
	for _, method := range []models.MatchMethod{models.MethodExact, models.MethodEmbedding, models.MethodAI} {
		fmt.Fprintf(writer, " %s=%d", method, summary.ByMethod[method])
	}
	fmt.Fprintf(writer, "\nBy confidence:")
	for _, c := range []models.Confidence{models.ConfidenceHigh, models.ConfidenceMedium, models.ConfidenceLow} {
		fmt.Fprintf(writer, " %s=%d", c, summary.ByConfidence[c])
	}
	fmt.Fprintf(writer, "\n")
}

func (rg *ReportGenerator) printProposals(proposals []Proposal, writer io.Writer) {
	sorted := make([]Proposal, len(proposals))
	copy(sorted, proposals)
	sort.SliceStable(sorted, func(i, j int) bool {
		ri, rj := models.Confidence(sorted[i].Confidence).Rank(), models.Confidence(sorted[j].Confidence).Rank()
		if ri != rj {
			return ri > rj
		}
		if rg.config.SortByAmount {
			return sorted[i].Amount.Abs().GreaterThan(sorted[j].Amount.Abs())
		}
		return false
	})

	for i, p := range sorted {
		if rg.truncated(i, len(sorted), writer) {
			break
		}
		fmt.Fprintf(writer, "  %d. [%s] %s %s %s\n", i+1, p.ConfidenceLabel,
			formatDate(p.TransactionDate), p.Amount.StringFixed(2), p.Description)
		fmt.Fprintf(writer, "     -> invoice %s %s %s (%s, score %.2f, diff %s, %d days)\n",
			p.InvoiceID, p.Issuer, p.InvoiceTotal.StringFixed(2), p.Method, p.Score,
			p.AmountDifference.StringFixed(2), p.DaysDifference)
		if len(p.Reasons) > 0 {
			fmt.Fprintf(writer, "     reasons: %s\n", strings.Join(p.Reasons, "; "))
		}
		if p.Reasoning != "" {
			fmt.Fprintf(writer, "     reasoning: %s\n", p.Reasoning)
		}
	}
}

func (rg *ReportGenerator) printAmbiguous(ambiguous []*models.AmbiguousMatch, writer io.Writer) {
	for i, a := range ambiguous {
		if rg.truncated(i, len(ambiguous), writer) {
			break
		}
		fmt.Fprintf(writer, "  %d. %s %s %s (tier %s)\n", i+1,
			formatDate(a.Transaction.Date), a.Transaction.Amount.StringFixed(2), a.Transaction.Description, a.Tier)
		for _, inv := range a.Candidates {
			fmt.Fprintf(writer, "     ? invoice %s %s %s %s\n", inv.ID, inv.IssuerName, inv.Total.StringFixed(2), formatDate(inv.IssueDate))
		}
	}
}

func (rg *ReportGenerator) printUnmatched(unmatched []*models.Unmatched, writer io.Writer) {
	sorted := make([]*models.Unmatched, len(unmatched))
	copy(sorted, unmatched)
	if rg.config.SortByAmount {
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].Transaction.AbsAmount().GreaterThan(sorted[j].Transaction.AbsAmount())
		})
	}

	var debits, credits []*models.Unmatched
	for _, u := range sorted {
		if u.Transaction.Type() == models.TransactionTypeDebit {
			debits = append(debits, u)
		} else {
			credits = append(credits, u)
		}
	}

	fmt.Fprintf(writer, "Total Unmatched Transactions: %d\n\n", len(sorted))
	if len(debits) > 0 {
		fmt.Fprintf(writer, "Debits (%d):\n", len(debits))
		rg.printUnmatchedList(debits, writer)
		fmt.Fprintf(writer, "\n")
	}
	if len(credits) > 0 {
		fmt.Fprintf(writer, "Credits (%d):\n", len(credits))
		rg.printUnmatchedList(credits, writer)
	}
}

func (rg *ReportGenerator) printUnmatchedList(list []*models.Unmatched, writer io.Writer) {
	for i, u := range list {
		if rg.truncated(i, len(list), writer) {
			break
		}
		fmt.Fprintf(writer, "  %d. %s %s %s\n", i+1,
			formatDate(u.Transaction.Date), u.Transaction.Amount.StringFixed(2), u.Transaction.Description)
		if u.Diagnostic != "" {
			fmt.Fprintf(writer, "     %s\n", u.Diagnostic)
		}
	}
}

func (rg *ReportGenerator) printInvoices(invoices []*models.Invoice, writer io.Writer) {
	for i, inv := range invoices {
		if rg.truncated(i, len(invoices), writer) {
			break
		}
		status := ""
		if inv.IsCancelled() {
			status = " [cancelled]"
		}
		fmt.Fprintf(writer, "  %d. %s %s %s %s%s\n", i+1, inv.ID, formatDate(inv.IssueDate),
			inv.Total.StringFixed(2), inv.IssuerName, status)
	}
}

func (rg *ReportGenerator) printProcessingStats(result *reconciler.Result, writer io.Writer) {
	summary := result.Summary
	for _, st := range result.Statements {
		verified := "not verified"
		if st.BalanceVerified {
			verified = "balances verified"
		}
		fmt.Fprintf(writer, "Statement %s: %d transactions, %d skipped lines, %s\n",
			st.Source, st.Transactions, st.Skipped, verified)
	}
	fmt.Fprintf(writer, "Parse Skips:          %d\n", summary.ParseSkips)
	fmt.Fprintf(writer, "Match Rate:           %.1f%%\n", summary.MatchRate()*100)
	fmt.Fprintf(writer, "Parsing Time:         %v\n", summary.ParsingTime)
	fmt.Fprintf(writer, "Matching Time:        %v\n", summary.MatchingTime)
	fmt.Fprintf(writer, "Semantic Time:        %v\n", summary.SemanticTime)
	fmt.Fprintf(writer, "Total Processing:     %v\n", summary.TotalTime)
}

// truncated prints the overflow notice and reports true once index i passes
// the configured list limit.
func (rg *ReportGenerator) truncated(i, total int, writer io.Writer) bool {
	if rg.config.MaxListItems == 0 || i < rg.config.MaxListItems {
		return false
	}
	fmt.Fprintf(writer, "  ... and %d more\n", total-i)
	return true
}

func (rg *ReportGenerator) calculatePercentage(part, total int) float64 {
	if total == 0 {
		return 0.0
	}
	return float64(part) / float64(total) * 100.0
}

func (rg *ReportGenerator) filterResultForOutput(result *reconciler.Result) map[string]interface{} {
	output := map[string]interface{}{
		"summary":      result.Summary,
		"match_rate":   result.Summary.MatchRate(),
		"processed_at": result.ProcessedAt,
		"statements":   result.Statements,
	}

	if rg.config.IncludeMatches {
		output["proposals"] = rg.proposals(result)
	}
	if rg.config.IncludeAmbiguous && result.Ambiguous != nil {
		output["ambiguous"] = result.Ambiguous
	}
	if rg.config.IncludeUnmatched && result.Unmatched != nil {
		output["unmatched"] = result.Unmatched
	}
	if rg.config.IncludeUnusedInvoices && result.UnusedInvoices != nil {
		output["unused_invoices"] = result.UnusedInvoices
	}
	if rg.config.IncludeParseSkips && result.ParseSkips != nil {
		output["parse_skips"] = result.ParseSkips
	}
	if len(result.DuplicateInvoices) > 0 {
		output["duplicate_invoices"] = result.DuplicateInvoices
	}
	if len(result.Warnings) > 0 {
		output["warnings"] = result.Warnings
	}
	return output
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("2006-01-02")
}

// UpdateConfiguration updates the report generator configuration
func (rg *ReportGenerator) UpdateConfiguration(config *ReportConfig) error {
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid report configuration: %w", err)
	}

	rg.config = config
	return nil
}

// GetConfiguration returns the current configuration
func (rg *ReportGenerator) GetConfiguration() *ReportConfig {
	return rg.config
}
