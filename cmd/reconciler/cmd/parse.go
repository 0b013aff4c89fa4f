package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"cfdi-reconciliation-service/internal/extractor"
	"cfdi-reconciliation-service/internal/parsers"
	"cfdi-reconciliation-service/pkg/errors"
	"cfdi-reconciliation-service/pkg/logger"
)

var (
	parseAccount   string
	parseCurrency  string
	parseStart     string
	parseEnd       string
	parseFormat    string
	parseVerify    bool
	parseShowLines bool
)

var parseCmd = &cobra.Command{
	Use:   "parse <statement>",
	Short: "Parse a bank statement and print its transactions",
	Long: `Parse extracts the text of a statement (.pdf or .txt), rebuilds rows that
the extraction split across lines and prints the resulting transactions.
Lines that do not look like a movement are skipped and counted, never fatal.

Examples:
  reconciler parse enero.pdf --account BBVA-0123
  reconciler parse enero.txt --start 2025-01-01 --end 2025-01-31 --verify
  reconciler parse enero.txt --reconstructed`,
	Args: cobra.ExactArgs(1),
	RunE: runParse,
}

func init() {
	rootCmd.AddCommand(parseCmd)

	parseCmd.Flags().StringVar(&parseAccount, "account", "", "account identifier (default: file name)")
	parseCmd.Flags().StringVar(&parseCurrency, "currency", "MXN", "statement currency")
	parseCmd.Flags().StringVar(&parseStart, "start", "", "statement period start (YYYY-MM-DD), used to infer years")
	parseCmd.Flags().StringVar(&parseEnd, "end", "", "statement period end (YYYY-MM-DD)")
	parseCmd.Flags().StringVarP(&parseFormat, "format", "f", "table", "output format: table, json")
	parseCmd.Flags().BoolVar(&parseVerify, "verify", false, "check that movements add up to closing minus opening balance")
	parseCmd.Flags().BoolVar(&parseShowLines, "reconstructed", false, "print the reconstructed lines instead of transactions")
}

func runParse(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	path := args[0]
	if err := validateFileExists(path, "statement file"); err != nil {
		return err
	}
	format := strings.ToLower(parseFormat)
	if format != "table" && format != "json" {
		return fmt.Errorf("invalid format '%s'. Valid formats: table, json", parseFormat)
	}
	start, end, err := parseDateRange(parseStart, parseEnd)
	if err != nil {
		return err
	}

	text, err := extractor.New().Extract(ctx, path)
	if err != nil {
		return err
	}

	rc, err := currentConfig().ReconcilerConfig()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if parseShowLines {
		for _, line := range parsers.NewReconstructor(rc.Parser).ReconstructLines(text) {
			fmt.Fprintf(out, "%4d  %s\n", line.Number, line.Text)
		}
		return nil
	}

	parser, err := parsers.NewStatementParser(rc.Parser)
	if err != nil {
		return err
	}

	account := parseAccount
	if account == "" {
		base := filepath.Base(path)
		account = strings.TrimSuffix(base, filepath.Ext(base))
	}
	result, err := parser.Parse(ctx, text, parsers.StatementMeta{
		Source:      path,
		AccountID:   account,
		Currency:    strings.ToUpper(parseCurrency),
		PeriodStart: start,
		PeriodEnd:   end,
	})
	if err != nil {
		return err
	}

	logger.GetGlobalLogger().WithComponent("cli").WithFields(logger.Fields{
		"file":    path,
		"parsed":  result.Stats.Parsed,
		"skipped": result.Stats.Skipped,
	}).Debug("Parsed statement")

	var verifyErr error
	if parseVerify {
		verifyErr = result.VerifyBalances()
	}

	if format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return err
		}
	} else {
		printParseResult(out, result)
	}

	if parseVerify {
		if verifyErr != nil {
			return errors.ValidationError(errors.CodeInvalidAmount, "balances", path, verifyErr).
				WithSuggestion("Run with --reconstructed to find lines that were skipped or merged wrongly")
		}
		fmt.Fprintln(cmd.ErrOrStderr(), "Balances verified: movements add up to closing minus opening balance")
	}
	return nil
}

func printParseResult(w io.Writer, result *parsers.ParseResult) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LINE\tDATE\tREFERENCE\tDESCRIPTION\tAMOUNT\tBALANCE")
	for _, tx := range result.Transactions {
		balance := ""
		if tx.Balance != nil {
			balance = tx.Balance.StringFixed(2)
		}
		amount := tx.Amount.StringFixed(2)
		desc := tx.Description
		if tx.IsOpeningBalance {
			amount = ""
			desc = "(opening balance)"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			tx.SourceLine, tx.Date.Format(dateLayout), tx.Reference, truncate(desc, 48), amount, balance)
	}
	tw.Flush()

	fmt.Fprintf(w, "\n%d transactions, %d lines skipped (sign from balance: %d, from keywords: %d)\n",
		result.Stats.Parsed, result.Stats.Skipped, result.Stats.SignByBalance, result.Stats.SignByKeyword)
	if len(result.Skips) > 0 {
		fmt.Fprintln(w, errors.FormatSkipsForUser(result.Skips, 3))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
