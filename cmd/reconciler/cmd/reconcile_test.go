package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cfdi-reconciliation-service/internal/models"
	"cfdi-reconciliation-service/internal/sat"
	"cfdi-reconciliation-service/pkg/errors"
	"cfdi-reconciliation-service/pkg/logger"
)

const cfeUUID = "1F2E3D4C-5B6A-4978-8695-A4B3C2D1E0F9"

func statementFixture(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", "estado_cuenta_enero.txt"))
	if err != nil {
		t.Fatalf("failed to read fixture: %v", err)
	}
	path := filepath.Join(t.TempDir(), "enero.txt")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("failed to write statement: %v", err)
	}
	return path
}

func packageFixture(t *testing.T) string {
	t.Helper()
	invoices := []*models.Invoice{
		{
			UUID:        cfeUUID,
			IssuerRFC:   "CFE370814QI0",
			IssuerName:  "COMISION FEDERAL DE ELECTRICIDAD",
			ReceiverRFC: "XAXX010101000",
			Total:       decimal.RequireFromString("450.50"),
			Currency:    "MXN",
			IssueDate:   time.Date(2025, 1, 5, 10, 0, 0, 0, time.UTC),
			Type:        models.InvoiceTypeIngreso,
		},
	}
	data, err := sat.BuildPackage("PKG_01", invoices, models.RequestTypeCFDI)
	if err != nil {
		t.Fatalf("BuildPackage() error = %v", err)
	}
	path := filepath.Join(t.TempDir(), "PKG_01.zip")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("failed to write package: %v", err)
	}
	return path
}

func TestValidateFileExists(t *testing.T) {
	tmpDir := t.TempDir()
	validFile := filepath.Join(tmpDir, "valid.txt")
	if err := os.WriteFile(validFile, []byte("test"), 0o644); err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}

	tests := []struct {
		name        string
		filePath    string
		expectError bool
	}{
		{"valid file", validFile, false},
		{"empty path", "", true},
		{"non-existent file", "/non/existent/file.txt", true},
		{"directory instead of file", tmpDir, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateFileExists(tt.filePath, "test file")
			if tt.expectError && err == nil {
				t.Errorf("expected error but got none")
			}
			if !tt.expectError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidateReconcileFlags(t *testing.T) {
	statement := statementFixture(t)
	pkg := packageFixture(t)
	csvFile := filepath.Join(t.TempDir(), "statement.csv")
	if err := os.WriteFile(csvFile, []byte("a,b"), 0o644); err != nil {
		t.Fatalf("failed to write csv: %v", err)
	}

	baseline := func() {
		viper.Set("reconcile.statements", []string{statement})
		viper.Set("reconcile.invoices", []string{pkg})
		viper.Set("reconcile.invoices_db", false)
		viper.Set("reconcile.output_format", "console")
		viper.Set("reconcile.output_file", "")
		viper.Set("reconcile.start", "")
		viper.Set("reconcile.end", "")
		viper.Set("reconcile.accept_high", false)
		viper.Set("reconcile.save", false)
	}

	tests := []struct {
		name          string
		setupFlags    func()
		expectError   bool
		errorContains string
	}{
		{
			name:        "valid flags",
			setupFlags:  func() {},
			expectError: false,
		},
		{
			name: "missing statements",
			setupFlags: func() {
				viper.Set("reconcile.statements", []string{})
			},
			expectError:   true,
			errorContains: "at least one statement file",
		},
		{
			name: "unsupported statement extension",
			setupFlags: func() {
				viper.Set("reconcile.statements", []string{csvFile})
			},
			expectError:   true,
			errorContains: "unsupported extension",
		},
		{
			name: "no invoice source",
			setupFlags: func() {
				viper.Set("reconcile.invoices", []string{})
			},
			expectError:   true,
			errorContains: "no invoice source",
		},
		{
			name: "invalid output format",
			setupFlags: func() {
				viper.Set("reconcile.output_format", "xml")
			},
			expectError:   true,
			errorContains: "invalid output format",
		},
		{
			name: "invoices from database need a window",
			setupFlags: func() {
				viper.Set("reconcile.invoices", []string{})
				viper.Set("reconcile.invoices_db", true)
				viper.Set("reconcile.start", "2025-01-01")
			},
			expectError:   true,
			errorContains: "needs both --start and --end",
		},
		{
			name: "start date after end date",
			setupFlags: func() {
				viper.Set("reconcile.start", "2025-02-01")
				viper.Set("reconcile.end", "2025-01-01")
			},
			expectError:   true,
			errorContains: "start date cannot be after end date",
		},
		{
			name: "missing output directory",
			setupFlags: func() {
				viper.Set("reconcile.output_file", "/non/existent/dir/report.json")
			},
			expectError:   true,
			errorContains: "output directory does not exist",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			baseline()
			tt.setupFlags()

			err := validateReconcileFlags(reconcileCmd, []string{})
			if tt.expectError {
				if err == nil {
					t.Fatalf("expected error but got none")
				}
				if !strings.Contains(err.Error(), tt.errorContains) {
					t.Errorf("error = %q, want it to contain %q", err.Error(), tt.errorContains)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}

	t.Run("accept-high implies save", func(t *testing.T) {
		baseline()
		viper.Set("reconcile.accept_high", true)
		if err := validateReconcileFlags(reconcileCmd, nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !saveRecords {
			t.Error("expected --accept-high to enable --save")
		}
	})
}

func TestParseDateRange(t *testing.T) {
	tests := []struct {
		name    string
		start   string
		end     string
		wantErr bool
	}{
		{"both dates", "2025-01-01", "2025-01-31", false},
		{"empty is allowed", "", "", false},
		{"same day", "2025-01-15", "2025-01-15", false},
		{"invalid format", "01/15/2025", "", true},
		{"invalid month", "2025-13-01", "", true},
		{"invalid day", "", "2025-01-32", true},
		{"reversed", "2025-02-01", "2025-01-01", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := parseDateRange(tt.start, tt.end)
			if (err != nil) != tt.wantErr {
				t.Errorf("parseDateRange(%q, %q) error = %v, wantErr %v", tt.start, tt.end, err, tt.wantErr)
			}
		})
	}

	_, end, err := parseDateRange("2025-01-01", "2025-01-31")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := time.Date(2025, 1, 31, 23, 59, 59, 0, time.UTC); !end.Equal(want) {
		t.Errorf("end = %v, want %v", end, want)
	}

	_, _, err = parseDateRange("bad", "")
	if re, ok := errors.AsReconcilerError(err); !ok || re.Category != errors.CategoryValidation {
		t.Errorf("expected a validation error, got %v", err)
	}
}

func TestParseDirectionAndType(t *testing.T) {
	directions := map[string]models.DownloadDirection{
		"":          models.DirectionReceived,
		"received":  models.DirectionReceived,
		"Recibidos": models.DirectionReceived,
		"issued":    models.DirectionIssued,
		"emitidos":  models.DirectionIssued,
	}
	for in, want := range directions {
		got, err := parseDirection(in)
		if err != nil || got != want {
			t.Errorf("parseDirection(%q) = %v, %v, want %v", in, got, err, want)
		}
	}
	if _, err := parseDirection("both"); err == nil {
		t.Error("expected an error for an unknown direction")
	}

	types := map[string]models.RequestType{
		"":         models.RequestTypeCFDI,
		"CFDI":     models.RequestTypeCFDI,
		"metadata": models.RequestTypeMetadata,
	}
	for in, want := range types {
		got, err := parseRequestType(in)
		if err != nil || got != want {
			t.Errorf("parseRequestType(%q) = %v, %v, want %v", in, got, err, want)
		}
	}
	if _, err := parseRequestType("pdf"); err == nil {
		t.Error("expected an error for an unknown request type")
	}
}

func TestCommandTree(t *testing.T) {
	names := make(map[string]*cobra.Command)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = c
	}
	for _, want := range []string{"reconcile", "parse", "sat", "matches", "config"} {
		if names[want] == nil {
			t.Errorf("root command has no %q subcommand", want)
		}
	}

	satNames := make(map[string]bool)
	for _, c := range satCmd.Commands() {
		satNames[c.Name()] = true
	}
	for _, want := range []string{"request", "status", "download", "sync", "verify"} {
		if !satNames[want] {
			t.Errorf("sat command has no %q subcommand", want)
		}
	}
}

func TestReconcileCommandHelp(t *testing.T) {
	var helpOutput bytes.Buffer
	reconcileCmd.SetOut(&helpOutput)
	defer reconcileCmd.SetOut(nil)
	reconcileCmd.Help()

	helpText := helpOutput.String()
	for _, section := range []string{"Usage:", "Examples:", "Flags:", "--statements", "--invoices", "--invoices-db", "--accept-high"} {
		if !strings.Contains(helpText, section) {
			t.Errorf("help text should contain '%s'", section)
		}
	}
}

func TestRunParse(t *testing.T) {
	parseAccount, parseCurrency = "BBVA-0123", "MXN"
	parseStart, parseEnd = "2025-01-01", "2025-01-31"
	parseFormat, parseVerify, parseShowLines = "table", false, false

	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})

	if err := runParse(cmd, []string{statementFixture(t)}); err != nil {
		t.Fatalf("runParse() error = %v", err)
	}

	text := out.String()
	for _, want := range []string{"(opening balance)", "PAGO SERVICIO CFE", "-450.50", "2025-01-05", "lines skipped"} {
		if !strings.Contains(text, want) {
			t.Errorf("output should contain %q:\n%s", want, text)
		}
	}
}

func TestRunParseJSON(t *testing.T) {
	parseAccount, parseCurrency = "", "MXN"
	parseStart, parseEnd = "2025-01-01", "2025-01-31"
	parseFormat, parseVerify, parseShowLines = "json", false, false

	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)

	if err := runParse(cmd, []string{statementFixture(t)}); err != nil {
		t.Fatalf("runParse() error = %v", err)
	}

	var decoded struct {
		Meta struct {
			AccountID string `json:"account_id"`
		} `json:"meta"`
		Transactions []json.RawMessage `json:"transactions"`
	}
	if err := json.Unmarshal(out.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if decoded.Meta.AccountID != "enero" {
		t.Errorf("account = %q, want the file name", decoded.Meta.AccountID)
	}
	if len(decoded.Transactions) == 0 {
		t.Error("expected transactions in the JSON output")
	}
}

func TestRunParseInvalidFormat(t *testing.T) {
	parseFormat, parseShowLines = "xml", false
	defer func() { parseFormat = "table" }()

	err := runParse(&cobra.Command{}, []string{statementFixture(t)})
	if err == nil || !strings.Contains(err.Error(), "invalid format") {
		t.Errorf("expected invalid format error, got %v", err)
	}
}

func TestRunSATSyncWithMock(t *testing.T) {
	outDir := t.TempDir()
	satMock, satJSON, satSave = true, false, false
	satRFC, satStart, satEnd = "EKU9003173C9", "2025-01-01", "2025-01-31"
	satDirection, satType, satCounterpart = "received", "cfdi", ""
	satOutDir = outDir
	defer func() { satMock, satOutDir = false, "" }()

	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})

	if err := runSATSync(cmd, nil); err != nil {
		t.Fatalf("runSATSync() error = %v", err)
	}
	if !strings.Contains(out.String(), "packages") {
		t.Errorf("unexpected output: %s", out.String())
	}

	zips, _ := filepath.Glob(filepath.Join(outDir, "*.zip"))
	if len(zips) == 0 {
		t.Fatal("expected the packages to be archived")
	}
	data, err := os.ReadFile(zips[0])
	if err != nil {
		t.Fatalf("failed to read package: %v", err)
	}
	if _, err := sat.DecodePackage(filepath.Base(zips[0]), data); err != nil {
		t.Errorf("archived package does not decode: %v", err)
	}
}

func TestRunSATStatusUnknownRequest(t *testing.T) {
	satMock, satJSON = true, false
	defer func() { satMock = false }()

	cmd := &cobra.Command{}
	cmd.SetOut(&bytes.Buffer{})

	err := runSATStatus(cmd, []string{"00000000-0000-0000-0000-000000000000"})
	if err == nil {
		t.Fatal("expected an error for an unknown request")
	}
	if code, ok := errors.AuthorityCode(err); !ok || code != "5004" {
		t.Errorf("authority code = %q, %v, want 5004", code, ok)
	}
}

func TestRunSATRequestInvalidRange(t *testing.T) {
	satMock = true
	satStart, satEnd = "2025-01-01", ""
	defer func() { satMock = false }()

	err := runSATRequest(&cobra.Command{}, nil)
	if err == nil || !strings.Contains(err.Error(), "--start and --end") {
		t.Errorf("expected a missing date error, got %v", err)
	}
}

func TestRunReconcileWithPackages(t *testing.T) {
	statement := statementFixture(t)
	pkg := packageFixture(t)
	report := filepath.Join(t.TempDir(), "report.json")

	viper.Set("reconcile.statements", []string{statement})
	viper.Set("reconcile.invoices", []string{pkg})
	viper.Set("reconcile.invoices_db", false)
	viper.Set("reconcile.account", "BBVA-0123")
	viper.Set("reconcile.currency", "MXN")
	viper.Set("reconcile.start", "2025-01-01")
	viper.Set("reconcile.end", "2025-01-31")
	viper.Set("reconcile.output_format", "json")
	viper.Set("reconcile.output_file", report)
	viper.Set("reconcile.progress", false)
	viper.Set("reconcile.save", false)
	viper.Set("reconcile.accept_high", false)
	viper.Set("reconcile.only_review", false)

	if err := validateReconcileFlags(reconcileCmd, nil); err != nil {
		t.Fatalf("validateReconcileFlags() error = %v", err)
	}
	if err := runReconcile(reconcileCmd, nil); err != nil {
		t.Fatalf("runReconcile() error = %v", err)
	}

	data, err := os.ReadFile(report)
	if err != nil {
		t.Fatalf("report was not written: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("report is not JSON: %v", err)
	}
	if _, ok := decoded["proposals"]; !ok {
		t.Error("report has no proposals section")
	}
	if !strings.Contains(string(data), cfeUUID) {
		t.Errorf("expected a proposal for invoice %s", cfeUUID)
	}
}

func TestMatchesCommandsOnEmptyDatabase(t *testing.T) {
	matchesDBPath = filepath.Join(t.TempDir(), "reconciler.db")
	matchesJSON = false
	defer func() { matchesDBPath = "" }()

	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)

	if err := runMatchesList(cmd, nil); err != nil {
		t.Fatalf("runMatchesList() error = %v", err)
	}
	if !strings.Contains(out.String(), "No accepted matches") {
		t.Errorf("unexpected output: %s", out.String())
	}

	err := runMatchesRelease(cmd, []string{"missing"})
	if !errors.HasCode(err, errors.CodeNoCandidate) {
		t.Errorf("expected no_candidate error, got %v", err)
	}

	out.Reset()
	if err := runMatchesStats(cmd, nil); err != nil {
		t.Fatalf("runMatchesStats() error = %v", err)
	}
	if !strings.Contains(out.String(), "Accepted matches:       0") {
		t.Errorf("unexpected stats output: %s", out.String())
	}
}

func TestHandleAuthorityError(t *testing.T) {
	var out bytes.Buffer
	h := &CLIErrorHandler{logger: logger.GetGlobalLogger(), out: &out}

	err := errors.AuthorityError(errors.CodeAuthorityRejected, "request download", "5002", "Se agotó las solicitudes de por vida", nil)
	code := h.HandleError(err)

	if code != err.GetExitCode() {
		t.Errorf("exit code = %d, want %d", code, err.GetExitCode())
	}
	if !strings.Contains(out.String(), "SAT code: 5002") {
		t.Errorf("output should carry the SAT code verbatim:\n%s", out.String())
	}
	if h.HandleError(nil) != 0 {
		t.Error("nil error should exit 0")
	}
}

func TestConfigCommandPrintsYAML(t *testing.T) {
	var out bytes.Buffer
	configCmd.SetOut(&out)
	defer configCmd.SetOut(nil)

	if err := configCmd.RunE(configCmd, nil); err != nil {
		t.Fatalf("config command error = %v", err)
	}
	for _, want := range []string{"sat:", "matching:", "semantic:", "storage:"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("config output should contain %q", want)
		}
	}
}

func TestStatementRequestsKeepAccount(t *testing.T) {
	accountID, currency = "BBVA-0123", "mxn"
	defer func() { accountID, currency = "", "MXN" }()

	files := statementRequests([]string{"enero.txt", "febrero.txt"}, time.Time{}, time.Time{})
	for _, f := range files {
		if f.Meta.AccountID != "BBVA-0123" || f.Meta.Currency != "MXN" {
			t.Errorf("%s: account/currency = %s/%s, want BBVA-0123/MXN", f.Path, f.Meta.AccountID, f.Meta.Currency)
		}
	}

	accountID = ""
	files = statementRequests([]string{"dir/enero.pdf"}, time.Time{}, time.Time{})
	if files[0].Meta.AccountID != "enero" {
		t.Errorf("account = %s, want the file name", files[0].Meta.AccountID)
	}
}
