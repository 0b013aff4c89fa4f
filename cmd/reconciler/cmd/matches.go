package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"cfdi-reconciliation-service/pkg/errors"
)

var (
	matchesDBPath string
	matchesJSON   bool
)

var matchesCmd = &cobra.Command{
	Use:   "matches",
	Short: "Inspect and release accepted matches",
	Long: `Accepted matches live in the local database. A transaction and an invoice
take part in at most one accepted match; to correct a wrong match, release it
and reconcile again.

Examples:
  reconciler matches list
  reconciler matches stats
  reconciler matches release 0b7f6c9e-2f1a-5d43-8c11-6a0e8d2d1f55`,
}

var matchesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accepted matches",
	Args:  cobra.NoArgs,
	RunE:  runMatchesList,
}

var matchesReleaseCmd = &cobra.Command{
	Use:   "release <match-id>",
	Short: "Release an accepted match",
	Args:  cobra.ExactArgs(1),
	RunE:  runMatchesRelease,
}

var matchesStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show record counts",
	Args:  cobra.NoArgs,
	RunE:  runMatchesStats,
}

func init() {
	rootCmd.AddCommand(matchesCmd)
	matchesCmd.AddCommand(matchesListCmd, matchesReleaseCmd, matchesStatsCmd)

	matchesCmd.PersistentFlags().StringVar(&matchesDBPath, "db", "", "database path (default: storage.path)")
	matchesCmd.PersistentFlags().BoolVar(&matchesJSON, "json", false, "print results as JSON")
}

func runMatchesList(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	repo, err := openRepository(matchesDBPath)
	if err != nil {
		return err
	}
	defer repo.Close()

	matches, err := repo.Matches(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if matchesJSON {
		return writeJSON(out, matches)
	}
	if len(matches) == 0 {
		fmt.Fprintln(out, "No accepted matches")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MATCH\tTRANSACTION\tINVOICE\tMETHOD\tCONFIDENCE\tAMOUNT DIFF\tDAYS")
	for _, m := range matches {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			m.ID, m.TransactionID, m.InvoiceID, m.Method, m.Confidence, m.AmountDiff.StringFixed(2), m.DaysDiff)
	}
	return tw.Flush()
}

func runMatchesRelease(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	repo, err := openRepository(matchesDBPath)
	if err != nil {
		return err
	}
	defer repo.Close()

	found, err := repo.ReleaseMatch(ctx, args[0])
	if err != nil {
		return err
	}
	if !found {
		return errors.ReconciliationError(errors.CodeNoCandidate, "match "+args[0], fmt.Errorf("no accepted match with this id")).
			WithSuggestion("Use 'reconciler matches list' to see accepted match ids")
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Released match %s\n", args[0])
	return nil
}

func runMatchesStats(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	repo, err := openRepository(matchesDBPath)
	if err != nil {
		return err
	}
	defer repo.Close()

	stats, err := repo.Stats(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if matchesJSON {
		return writeJSON(out, stats)
	}
	fmt.Fprintf(out, "Transactions:           %d\n", stats.Transactions)
	fmt.Fprintf(out, "Invoices:               %d\n", stats.Invoices)
	fmt.Fprintf(out, "Accepted matches:       %d\n", stats.Matches)
	fmt.Fprintf(out, "Unmatched transactions: %d\n", stats.UnmatchedTransactions)
	if !stats.LastAccepted.IsZero() {
		fmt.Fprintf(out, "Last accepted:          %s\n", stats.LastAccepted.Format("2006-01-02 15:04"))
	}
	return nil
}
