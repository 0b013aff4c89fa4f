package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"

	"cfdi-reconciliation-service/cmd/reconciler/config"
	"cfdi-reconciliation-service/internal/matcher"
	"cfdi-reconciliation-service/internal/models"
	"cfdi-reconciliation-service/internal/parsers"
	"cfdi-reconciliation-service/internal/reconciler"
	"cfdi-reconciliation-service/internal/reporter"
	"cfdi-reconciliation-service/internal/storage"
	"cfdi-reconciliation-service/pkg/errors"
	"cfdi-reconciliation-service/pkg/logger"
)

// Flags for the reconcile command
var (
	statementFiles []string
	invoiceFiles   []string
	invoicesFromDB bool
	accountID      string
	currency       string
	startDate      string
	endDate        string
	outputFormat   string
	outputFile     string
	onlyReview     bool
	showProgress   bool
	saveRecords    bool
	acceptHigh     bool
	dbPath         string
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Propose matches between bank statements and CFDI invoices",
	Long: `Reconcile parses one or more bank statements, loads the invoices of the
same period and proposes a match for every movement it can pair.

Invoices come from SAT package ZIPs (--invoices) or from the local database
filled by 'reconciler sat sync' (--invoices-db). Proposals are printed as a
report; nothing is accepted unless --accept-high is given, which stores the
high-confidence proposals that need no review.

Examples:
  # Statement PDF against downloaded packages
  reconciler reconcile --statements enero.pdf --invoices paquete_01.zip

  # Several statements against synced invoices, JSON report
  reconciler reconcile --statements bbva.pdf,banorte.txt --invoices-db \
    --start 2025-01-01 --end 2025-01-31 --output-format json --output-file enero.json

  # Accept the safe proposals and list the rest for review
  reconciler reconcile --statements enero.pdf --invoices-db \
    --start 2025-01-01 --end 2025-01-31 --accept-high --only-review`,

	PreRunE: validateReconcileFlags,
	RunE:    runReconcile,
}

func init() {
	rootCmd.AddCommand(reconcileCmd)

	reconcileCmd.Flags().StringSliceVarP(&statementFiles, "statements", "s", []string{}, "comma-separated statement files, .pdf or .txt (required)")
	reconcileCmd.Flags().StringSliceVarP(&invoiceFiles, "invoices", "i", []string{}, "comma-separated SAT package ZIPs")
	reconcileCmd.Flags().BoolVar(&invoicesFromDB, "invoices-db", false, "load unmatched invoices of the window from the database")
	reconcileCmd.Flags().StringVar(&accountID, "account", "", "account identifier (default: statement file name)")
	reconcileCmd.Flags().StringVar(&currency, "currency", "MXN", "statement currency")

	reconcileCmd.Flags().StringVar(&startDate, "start", "", "window start date (YYYY-MM-DD)")
	reconcileCmd.Flags().StringVar(&endDate, "end", "", "window end date (YYYY-MM-DD)")

	reconcileCmd.Flags().StringVarP(&outputFormat, "output-format", "f", "console", "output format: console, json, csv")
	reconcileCmd.Flags().StringVarP(&outputFile, "output-file", "o", "", "output file path (default: stdout)")
	reconcileCmd.Flags().BoolVar(&onlyReview, "only-review", false, "only list proposals that need review")
	reconcileCmd.Flags().BoolVar(&showProgress, "progress", false, "show progress indicators")

	reconcileCmd.Flags().BoolVar(&saveRecords, "save", false, "store parsed transactions and loaded invoices in the database")
	reconcileCmd.Flags().BoolVar(&acceptHigh, "accept-high", false, "accept high-confidence proposals that need no review (implies --save)")
	reconcileCmd.Flags().StringVar(&dbPath, "db", "", "database path (default: storage.path)")

	reconcileCmd.MarkFlagRequired("statements")

	viper.BindPFlag("reconcile.statements", reconcileCmd.Flags().Lookup("statements"))
	viper.BindPFlag("reconcile.invoices", reconcileCmd.Flags().Lookup("invoices"))
	viper.BindPFlag("reconcile.invoices_db", reconcileCmd.Flags().Lookup("invoices-db"))
	viper.BindPFlag("reconcile.account", reconcileCmd.Flags().Lookup("account"))
	viper.BindPFlag("reconcile.currency", reconcileCmd.Flags().Lookup("currency"))
	viper.BindPFlag("reconcile.start", reconcileCmd.Flags().Lookup("start"))
	viper.BindPFlag("reconcile.end", reconcileCmd.Flags().Lookup("end"))
	viper.BindPFlag("reconcile.output_format", reconcileCmd.Flags().Lookup("output-format"))
	viper.BindPFlag("reconcile.output_file", reconcileCmd.Flags().Lookup("output-file"))
	viper.BindPFlag("reconcile.only_review", reconcileCmd.Flags().Lookup("only-review"))
	viper.BindPFlag("reconcile.progress", reconcileCmd.Flags().Lookup("progress"))
	viper.BindPFlag("reconcile.save", reconcileCmd.Flags().Lookup("save"))
	viper.BindPFlag("reconcile.accept_high", reconcileCmd.Flags().Lookup("accept-high"))
	viper.BindPFlag("reconcile.db", reconcileCmd.Flags().Lookup("db"))
}

func validateReconcileFlags(cmd *cobra.Command, args []string) error {
	// Values come from viper so a config file can provide them
	statementFiles = viper.GetStringSlice("reconcile.statements")
	invoiceFiles = viper.GetStringSlice("reconcile.invoices")
	invoicesFromDB = viper.GetBool("reconcile.invoices_db")
	accountID = viper.GetString("reconcile.account")
	currency = viper.GetString("reconcile.currency")
	startDate = viper.GetString("reconcile.start")
	endDate = viper.GetString("reconcile.end")
	outputFormat = strings.ToLower(viper.GetString("reconcile.output_format"))
	outputFile = viper.GetString("reconcile.output_file")
	onlyReview = viper.GetBool("reconcile.only_review")
	showProgress = viper.GetBool("reconcile.progress")
	saveRecords = viper.GetBool("reconcile.save")
	acceptHigh = viper.GetBool("reconcile.accept_high")
	dbPath = viper.GetString("reconcile.db")

	if len(statementFiles) == 0 {
		return fmt.Errorf("at least one statement file is required")
	}
	for i, path := range statementFiles {
		if err := validateFileExists(path, fmt.Sprintf("statement file %d", i+1)); err != nil {
			return err
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".pdf", ".txt", ".text":
		default:
			return fmt.Errorf("statement file %d has unsupported extension %q (use .pdf or .txt)", i+1, filepath.Ext(path))
		}
	}

	if len(invoiceFiles) == 0 && !invoicesFromDB {
		return fmt.Errorf("no invoice source: pass --invoices or --invoices-db")
	}
	for i, path := range invoiceFiles {
		if err := validateFileExists(path, fmt.Sprintf("invoice package %d", i+1)); err != nil {
			return err
		}
	}

	validFormats := map[string]bool{"console": true, "json": true, "csv": true}
	if !validFormats[outputFormat] {
		return fmt.Errorf("invalid output format '%s'. Valid formats: console, json, csv", outputFormat)
	}

	start, end, err := parseDateRange(startDate, endDate)
	if err != nil {
		return err
	}
	if invoicesFromDB && (start.IsZero() || end.IsZero()) {
		return fmt.Errorf("--invoices-db needs both --start and --end")
	}

	if outputFile != "" {
		dir := filepath.Dir(outputFile)
		if dir != "." {
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				return fmt.Errorf("output directory does not exist: %s", dir)
			}
		}
	}

	if acceptHigh {
		saveRecords = true
	}
	return nil
}

func runReconcile(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	cfg := currentConfig()
	log := logger.GetGlobalLogger().WithComponent("cli")

	if viper.GetBool("verbose") {
		fmt.Fprintf(os.Stderr, "Starting reconciliation...\n")
		fmt.Fprintf(os.Stderr, "Statements: %s\n", strings.Join(statementFiles, ", "))
		if len(invoiceFiles) > 0 {
			fmt.Fprintf(os.Stderr, "Invoice packages: %s\n", strings.Join(invoiceFiles, ", "))
		}
		fmt.Fprintf(os.Stderr, "Output format: %s\n", outputFormat)
	}

	start, end, err := parseDateRange(startDate, endDate)
	if err != nil {
		return err
	}

	var repo *storage.Repository
	if invoicesFromDB || saveRecords {
		repo, err = openRepository(dbPath)
		if err != nil {
			return err
		}
		defer repo.Close()
	}

	invoices, skips, err := loadInvoicePackages(invoiceFiles)
	if err != nil {
		return err
	}
	if invoicesFromDB {
		stored, err := repo.UnmatchedInvoices(ctx, start, end)
		if err != nil {
			return err
		}
		invoices = append(invoices, stored...)
	}
	log.WithField("invoices", len(invoices)).Info("Loaded invoices")

	engineConfig, err := cfg.MatcherConfig()
	if err != nil {
		return err
	}
	pipelineConfig, err := cfg.ReconcilerConfig()
	if err != nil {
		return err
	}
	strategy, closeStrategy, err := cfg.BuildStrategy(ctx)
	if err != nil {
		return err
	}
	defer closeStrategy()

	pipeline, err := reconciler.NewPipeline(pipelineConfig, matcher.NewMatchingEngine(engineConfig), strategy)
	if err != nil {
		return err
	}
	if showProgress {
		pipeline.AddProgressCallback(func(progress reconciler.Progress) {
			fmt.Fprintf(os.Stderr, "\r[%d/%d] %s (%.1f%% complete)",
				progress.CompletedSteps, progress.TotalSteps,
				progress.CurrentStep, progress.PercentComplete)
		})
	}

	request := &reconciler.Request{
		Files:    statementRequests(statementFiles, start, end),
		Invoices: invoices,
	}
	if !start.IsZero() && !end.IsZero() {
		request.Window = &reconciler.DateRange{Start: start, End: end}
	}

	result, runErr := pipeline.Run(ctx, request)
	if showProgress {
		fmt.Fprintf(os.Stderr, "\n")
	}
	if result == nil {
		return runErr
	}
	result.ParseSkips = append(result.ParseSkips, skips...)
	result.Summary.ParseSkips = len(result.ParseSkips)
	if runErr != nil {
		ShowPartialFailure(os.Stderr, "Reconciliation", runErr)
	}

	if saveRecords {
		if err := persistResult(ctx, repo, result); err != nil {
			ShowPartialFailure(os.Stderr, "Saving records", err)
		}
	}

	reportConfig, err := config.CreateReportConfig(outputFormat, onlyReview)
	if err != nil {
		return err
	}
	generator, err := reporter.NewSafeReportGenerator(reportConfig, log)
	if err != nil {
		return err
	}

	if outputFile != "" {
		written, err := generator.WriteReportFile(result, outputFile)
		if err != nil {
			return err
		}
		if written != outputFile {
			fmt.Fprintf(os.Stderr, "Report written to backup location: %s\n", written)
		}
	} else if err := generator.GenerateReportSafely(result, os.Stdout); err != nil {
		return err
	}

	if viper.GetBool("verbose") {
		s := result.Summary
		fmt.Fprintf(os.Stderr, "\nReconciliation completed.\n")
		fmt.Fprintf(os.Stderr, "Processed %d transactions and %d invoices from %d statements.\n", s.Transactions, s.Invoices, s.Statements)
		fmt.Fprintf(os.Stderr, "Proposed %d matches (%d need review), %d ambiguous, %d unmatched.\n",
			s.Matched, s.NeedsReview, s.Ambiguous, s.Unmatched)
		fmt.Fprintf(os.Stderr, "Processing time: %v\n", s.TotalTime)
	}
	return nil
}

// statementRequests attaches account metadata to each statement file. The
// account defaults to the file name without extension.
func statementRequests(paths []string, start, end time.Time) []reconciler.StatementFile {
	files := make([]reconciler.StatementFile, 0, len(paths))
	for _, path := range paths {
		account := accountID
		if account == "" {
			base := filepath.Base(path)
			account = strings.TrimSuffix(base, filepath.Ext(base))
		}
		files = append(files, reconciler.StatementFile{
			Path: path,
			Meta: parsers.StatementMeta{
				Source:      path,
				AccountID:   account,
				Currency:    strings.ToUpper(currency),
				PeriodStart: start,
				PeriodEnd:   end,
			},
		})
	}
	return files
}

// persistResult stores the run's records and, with --accept-high, the
// proposals that are safe to accept without review
func persistResult(ctx context.Context, repo *storage.Repository, result *reconciler.Result) error {
	log := logger.GetGlobalLogger().WithComponent("cli")

	saved, errs := repo.SaveTransactions(ctx, result.Transactions)
	upserted, err := repo.UpsertInvoices(ctx, result.Invoices)
	errs = multierr.Append(errs, err)

	fields := logger.Fields{"transactions": saved, "invoices": upserted}
	if acceptHigh {
		var safe []*models.Match
		for _, m := range result.Matches {
			if m.Confidence == models.ConfidenceHigh && !m.NeedsReview {
				safe = append(safe, m)
			}
		}
		accepted, err := repo.AcceptMatches(ctx, safe)
		errs = multierr.Append(errs, err)
		fields["accepted"] = accepted
		fmt.Fprintf(os.Stderr, "Accepted %d of %d high-confidence proposals\n", accepted, len(safe))
	}
	log.WithFields(fields).Info("Stored reconciliation records")

	if errs != nil && errors.HasCode(errs, errors.CodeAlreadyMatched) {
		log.Warn("Some proposals conflict with matches accepted earlier")
	}
	return errs
}
