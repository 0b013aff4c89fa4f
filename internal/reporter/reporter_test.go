package reporter

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"cfdi-reconciliation-service/internal/models"
	"cfdi-reconciliation-service/internal/reconciler"
	"cfdi-reconciliation-service/pkg/errors"
	"cfdi-reconciliation-service/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.SetGlobalLogger(logger.Discard())
	os.Exit(m.Run())
}

func jan(d int) time.Time {
	return time.Date(2025, 1, d, 0, 0, 0, 0, time.UTC)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// createTestResult builds a run with one high and one low confidence
// proposal, one ambiguous and one unmatched transaction, and one invoice
// without payment.
func createTestResult() *reconciler.Result {
	txs := []*models.Transaction{
		{ID: "BBVA:5", Date: jan(3), Description: "SPEI RECIBIDO CLIENTE ACME", Amount: dec("1500.00")},
		{ID: "BBVA:8", Date: jan(11), Description: "PAGO ODOO SA", Amount: dec("-535.92")},
		{ID: "BBVA:9", Date: jan(12), Description: "TRASPASO", Amount: dec("-100.00")},
		{ID: "BBVA:10", Date: jan(20), Description: "DEPOSITO", Amount: dec("2000.00")},
	}
	invs := []*models.Invoice{
		{ID: "INV_ACME", UUID: "uuid-acme", IssuerName: "CLIENTE ACME SA DE CV", Total: dec("1500.00"), IssueDate: jan(2)},
		{ID: "INV_ODOO", UUID: "uuid-odoo", IssuerName: "ODOO TECHNOLOGIES", Total: dec("535.92"), IssueDate: jan(3)},
		{ID: "INV_X", UUID: "uuid-x", IssuerName: "PROVEEDOR X", Total: dec("100.00"), IssueDate: jan(12)},
		{ID: "INV_Y", UUID: "uuid-y", IssuerName: "PROVEEDOR Y", Total: dec("100.00"), IssueDate: jan(12)},
		{ID: "INV_UNUSED", UUID: "uuid-unused", IssuerName: "TELMEX", Total: dec("399.00"), IssueDate: jan(15), Status: models.InvoiceStatusCancelled},
	}

	exact := models.NewMatch(txs[0], invs[0], models.MethodExact, 1.0, models.ConfidenceHigh)
	exact.Tier = "perfect"
	exact.AddReason("amount equal")
	exact.AddReason("issuer name found in description")

	ai := models.NewMatch(txs[1], invs[1], models.MethodAI, 0.72, models.ConfidenceLow)
	ai.Reasoning = "Odoo subscription charge"

	summary := &reconciler.Summary{
		Statements:           1,
		Transactions:         4,
		Invoices:             5,
		Matched:              2,
		NeedsReview:          1,
		Ambiguous:            1,
		Unmatched:            1,
		UnusedInvoices:       1,
		ByMethod:             map[models.MatchMethod]int{models.MethodExact: 1, models.MethodAI: 1},
		ByConfidence:         map[models.Confidence]int{models.ConfidenceHigh: 1, models.ConfidenceLow: 1},
		TotalAmountMatched:   dec("2035.92"),
		TotalAmountUnmatched: dec("2000.00"),
		TotalTime:            150 * time.Millisecond,
	}

	return &reconciler.Result{
		Transactions: txs,
		Invoices:     invs,
		Matches:      []*models.Match{exact, ai},
		Ambiguous: []*models.AmbiguousMatch{
			{Transaction: txs[2], Tier: "perfect", Candidates: []*models.Invoice{invs[2], invs[3]}},
		},
		Unmatched: []*models.Unmatched{
			{Transaction: txs[3], Reason: "no_candidate", Diagnostic: "no invoice within 10.00 and 5 days; amount equals invoices INV_A + INV_B combined"},
		},
		UnusedInvoices: []*models.Invoice{invs[4]},
		Statements: []reconciler.StatementReport{
			{Source: "estado_cuenta_enero.txt", AccountID: "BBVA", Transactions: 4, Skipped: 2, BalanceVerified: true},
		},
		ParseSkips: []errors.ParseSkip{
			{Source: "estado_cuenta_enero.txt", Line: 3, Content: "PAGINA 1 DE 2", Reason: errors.SkipNoTemplate},
		},
		Summary:     summary,
		ProcessedAt: jan(31),
	}
}

func TestNewReportGenerator(t *testing.T) {
	tests := []struct {
		name        string
		config      *ReportConfig
		expectError bool
	}{
		{"default config", nil, false},
		{"valid config", DefaultReportConfig(), false},
		{"invalid format", &ReportConfig{Format: "invalid"}, true},
		{"negative list limit", &ReportConfig{Format: FormatConsole, MaxListItems: -1}, true},
		{"csv without delimiter", &ReportConfig{Format: FormatCSV}, true},
		{"csv with semicolon", &ReportConfig{Format: FormatCSV, CSVDelimiter: ';'}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			generator, err := NewReportGenerator(tt.config)
			if (err != nil) != tt.expectError {
				t.Fatalf("NewReportGenerator() error = %v, expectError %v", err, tt.expectError)
			}
			if !tt.expectError && generator == nil {
				t.Error("expected generator but got nil")
			}
		})
	}
}

func TestOutputFormatValidation(t *testing.T) {
	tests := []struct {
		format OutputFormat
		valid  bool
	}{
		{FormatConsole, true},
		{FormatJSON, true},
		{FormatCSV, true},
		{"invalid", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.format), func(t *testing.T) {
			if tt.format.IsValid() != tt.valid {
				t.Errorf("IsValid() = %v for format %q, want %v", tt.format.IsValid(), tt.format, tt.valid)
			}
		})
	}
}

func TestConfidenceLabel(t *testing.T) {
	tests := []struct {
		confidence models.Confidence
		want       string
	}{
		{models.ConfidenceHigh, "High confidence"},
		{models.ConfidenceMedium, "Medium confidence, review suggested"},
		{models.ConfidenceLow, "Low confidence, review required"},
		{"", "Unknown confidence"},
	}
	for _, tt := range tests {
		if got := ConfidenceLabel(tt.confidence); got != tt.want {
			t.Errorf("ConfidenceLabel(%q) = %q, want %q", tt.confidence, got, tt.want)
		}
	}
}

func TestBuildProposals(t *testing.T) {
	result := createTestResult()
	result.Matches = append(result.Matches, &models.Match{
		ID: "orphan", TransactionID: "BBVA:99", InvoiceID: "INV_GONE", Confidence: models.ConfidenceMedium,
	})

	proposals := BuildProposals(result)
	if len(proposals) != 3 {
		t.Fatalf("len(proposals) = %d, want 3", len(proposals))
	}

	first := proposals[0]
	if first.Issuer != "CLIENTE ACME SA DE CV" || first.InvoiceUUID != "uuid-acme" {
		t.Errorf("invoice fields = %q %q", first.Issuer, first.InvoiceUUID)
	}
	if !first.Amount.Equal(dec("1500.00")) || first.Description != "SPEI RECIBIDO CLIENTE ACME" {
		t.Errorf("transaction fields = %s %q", first.Amount, first.Description)
	}
	if first.ConfidenceLabel != "High confidence" || first.NeedsReview {
		t.Errorf("confidence = %q needs review %v", first.ConfidenceLabel, first.NeedsReview)
	}
	if len(first.Reasons) != 2 {
		t.Errorf("Reasons = %v, want 2", first.Reasons)
	}

	if proposals[1].Reasoning != "Odoo subscription charge" || !proposals[1].NeedsReview {
		t.Errorf("AI proposal = %+v", proposals[1])
	}

	orphan := proposals[2]
	if orphan.TransactionID != "BBVA:99" || orphan.Issuer != "" || !orphan.TransactionDate.IsZero() {
		t.Errorf("orphan proposal = %+v", orphan)
	}
}

func TestConsoleReport(t *testing.T) {
	generator, err := NewReportGenerator(DefaultReportConfig())
	if err != nil {
		t.Fatalf("NewReportGenerator() error = %v", err)
	}

	var buf bytes.Buffer
	if err := generator.GenerateReport(createTestResult(), &buf); err != nil {
		t.Fatalf("GenerateReport() error = %v", err)
	}
	output := buf.String()

	expected := []string{
		"RECONCILIATION REPORT",
		"=== SUMMARY ===",
		"Proposed:    2 (50.0%)",
		"Amount proposed:  2035.92",
		"By method: exact=1 embedding=0 ai=1",
		"=== MATCH PROPOSALS ===",
		"[High confidence] 2025-01-03 1500.00 SPEI RECIBIDO CLIENTE ACME",
		"reasons: amount equal; issuer name found in description",
		"reasoning: Odoo subscription charge",
		"=== AMBIGUOUS (MANUAL REVIEW) ===",
		"? invoice INV_Y PROVEEDOR Y 100.00",
		"=== UNMATCHED TRANSACTIONS ===",
		"amount equals invoices INV_A + INV_B combined",
		"=== INVOICES WITHOUT PAYMENT ===",
		"INV_UNUSED 2025-01-15 399.00 TELMEX [cancelled]",
		"Statement estado_cuenta_enero.txt: 4 transactions, 2 skipped lines, balances verified",
	}
	for _, want := range expected {
		if !strings.Contains(output, want) {
			t.Errorf("console report missing %q", want)
		}
	}
	if strings.Contains(output, "SKIPPED STATEMENT LINES") {
		t.Error("parse skips are excluded by default")
	}

	high := strings.Index(output, "[High confidence]")
	low := strings.Index(output, "[Low confidence")
	if high < 0 || low < 0 || high > low {
		t.Errorf("proposals should be ordered by confidence, high at %d low at %d", high, low)
	}
}

func TestConsoleReport_ListLimit(t *testing.T) {
	config := DefaultReportConfig()
	config.MaxListItems = 1
	config.IncludeParseSkips = true
	generator, _ := NewReportGenerator(config)

	var buf bytes.Buffer
	if err := generator.GenerateReport(createTestResult(), &buf); err != nil {
		t.Fatalf("GenerateReport() error = %v", err)
	}
	output := buf.String()

	if !strings.Contains(output, "... and 1 more") {
		t.Error("expected the proposal list to be truncated")
	}
	if strings.Contains(output, "Odoo subscription charge") {
		t.Error("second proposal should be cut by the list limit")
	}
	if !strings.Contains(output, `estado_cuenta_enero.txt:3 no_template: "PAGINA 1 DE 2"`) {
		t.Error("expected parse skips section")
	}
}

func TestJSONReport(t *testing.T) {
	tests := []struct {
		name          string
		onlyReview    bool
		wantProposals int
	}{
		{"all proposals", false, 2},
		{"only needs review", true, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultReportConfig()
			config.Format = FormatJSON
			config.OnlyNeedsReview = tt.onlyReview
			generator, _ := NewReportGenerator(config)

			var buf bytes.Buffer
			if err := generator.GenerateReport(createTestResult(), &buf); err != nil {
				t.Fatalf("GenerateReport() error = %v", err)
			}

			var output struct {
				Summary   map[string]interface{} `json:"summary"`
				MatchRate float64                `json:"match_rate"`
				Proposals []Proposal             `json:"proposals"`
				Unmatched []map[string]any       `json:"unmatched"`
				Skips     []any                  `json:"parse_skips"`
			}
			if err := json.Unmarshal(buf.Bytes(), &output); err != nil {
				t.Fatalf("invalid JSON: %v", err)
			}

			if len(output.Proposals) != tt.wantProposals {
				t.Errorf("len(proposals) = %d, want %d", len(output.Proposals), tt.wantProposals)
			}
			if output.MatchRate != 0.5 {
				t.Errorf("match_rate = %v, want 0.5", output.MatchRate)
			}
			if output.Summary["matched"] != float64(2) {
				t.Errorf("summary.matched = %v, want 2", output.Summary["matched"])
			}
			if len(output.Unmatched) != 1 {
				t.Errorf("len(unmatched) = %d, want 1", len(output.Unmatched))
			}
			if output.Skips != nil {
				t.Error("parse skips should be omitted by default")
			}
			for _, p := range output.Proposals {
				if p.ConfidenceLabel == "" {
					t.Errorf("proposal %s has no confidence label", p.MatchID)
				}
			}
		})
	}
}

func TestCSVReport(t *testing.T) {
	config := DefaultReportConfig()
	config.Format = FormatCSV
	generator, _ := NewReportGenerator(config)

	var buf bytes.Buffer
	if err := generator.GenerateReport(createTestResult(), &buf); err != nil {
		t.Fatalf("GenerateReport() error = %v", err)
	}

	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("invalid CSV: %v", err)
	}
	if len(records) != 6 {
		t.Fatalf("len(records) = %d, want 6 (header, 2 proposals, ambiguous, unmatched, unused)", len(records))
	}

	tests := []struct {
		row    int
		kind   string
		column int
		want   string
	}{
		{0, "Type", 15, "Notes"},
		{1, "Proposal", 7, "CLIENTE ACME SA DE CV"},
		{1, "Proposal", 15, "amount equal; issuer name found in description"},
		{2, "Proposal", 15, "Odoo subscription charge"},
		{3, "Ambiguous", 5, "INV_X|INV_Y"},
		{4, "Unmatched Transaction", 15, "no invoice within 10.00 and 5 days; amount equals invoices INV_A + INV_B combined"},
		{5, "Unused Invoice", 15, "Invoice cancelled"},
	}
	for _, tt := range tests {
		record := records[tt.row]
		if record[0] != tt.kind {
			t.Errorf("row %d type = %q, want %q", tt.row, record[0], tt.kind)
		}
		if record[tt.column] != tt.want {
			t.Errorf("row %d column %d = %q, want %q", tt.row, tt.column, record[tt.column], tt.want)
		}
	}
}

func TestSafeReportGenerator_InvalidInputs(t *testing.T) {
	generator, err := NewSafeReportGenerator(nil, logger.Discard())
	if err != nil {
		t.Fatalf("NewSafeReportGenerator() error = %v", err)
	}

	var buf bytes.Buffer
	if err := generator.GenerateReportSafely(nil, &buf); !errors.HasCode(err, errors.CodeMissingField) {
		t.Errorf("nil result error = %v, want %s", err, errors.CodeMissingField)
	}
	if err := generator.GenerateReportSafely(&reconciler.Result{}, &buf); !errors.HasCode(err, errors.CodeMissingField) {
		t.Errorf("missing summary error = %v, want %s", err, errors.CodeMissingField)
	}

	if _, err := NewSafeReportGenerator(&ReportConfig{Format: "xml"}, nil); !errors.HasCode(err, errors.CodeInvalidConfig) {
		t.Errorf("invalid config error = %v, want %s", err, errors.CodeInvalidConfig)
	}
}

func TestSafeReportGenerator_WriteReportFile(t *testing.T) {
	dir := t.TempDir()
	config := DefaultReportConfig()
	config.Format = FormatJSON
	generator, _ := NewSafeReportGenerator(config, logger.Discard())

	path := filepath.Join(dir, "reports", "enero.json")
	written, err := generator.WriteReportFile(createTestResult(), path)
	if err != nil {
		t.Fatalf("WriteReportFile() error = %v", err)
	}
	if written != path {
		t.Errorf("written = %s, want %s", written, path)
	}
	data, err := os.ReadFile(path)
	if err != nil || !json.Valid(data) {
		t.Errorf("report file is not valid JSON: %v", err)
	}
}

func TestSafeReportGenerator_BackupLocation(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TMPDIR", filepath.Join(dir, "tmp"))
	if err := os.Mkdir(filepath.Join(dir, "tmp"), 0o755); err != nil {
		t.Fatal(err)
	}

	blocker := filepath.Join(dir, "not-a-dir")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	generator, _ := NewSafeReportGenerator(nil, logger.Discard())
	written, err := generator.WriteReportFile(createTestResult(), filepath.Join(blocker, "report.txt"))
	if err != nil {
		t.Fatalf("WriteReportFile() error = %v", err)
	}
	if want := filepath.Join(dir, "tmp", "report_backup.txt"); written != want {
		t.Errorf("written = %s, want %s", written, want)
	}
	data, _ := os.ReadFile(written)
	if !strings.Contains(string(data), "RECONCILIATION REPORT") {
		t.Error("backup file should hold the report")
	}
}

func TestSafeReportGenerator_RejectsDoubleProposals(t *testing.T) {
	generator, _ := NewSafeReportGenerator(nil, logger.Discard())

	result := createTestResult()
	second := models.NewMatch(result.Transactions[2], result.Invoices[0], models.MethodEmbedding, 0.8, models.ConfidenceMedium)
	result.Matches = append(result.Matches, second)

	var buf bytes.Buffer
	err := generator.GenerateReportSafely(result, &buf)
	if !errors.HasCode(err, errors.CodeAlreadyMatched) {
		t.Fatalf("error = %v, want %s", err, errors.CodeAlreadyMatched)
	}
	if !strings.Contains(err.Error(), "INV_ACME") {
		t.Errorf("error should name the invoice: %v", err)
	}
	if buf.Len() != 0 {
		t.Error("nothing should be written for a rejected result")
	}

	dir := t.TempDir()
	if _, err := generator.WriteReportFile(result, filepath.Join(dir, "report.txt")); err == nil {
		t.Error("WriteReportFile() should refuse the result too")
	}
	leftovers, _ := filepath.Glob(filepath.Join(dir, "*"))
	if len(leftovers) != 0 {
		t.Errorf("no files should be left behind, found %v", leftovers)
	}
}
