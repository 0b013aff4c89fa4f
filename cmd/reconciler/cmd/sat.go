package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"cfdi-reconciliation-service/internal/models"
	"cfdi-reconciliation-service/internal/sat"
	"cfdi-reconciliation-service/pkg/errors"
	"cfdi-reconciliation-service/pkg/logger"
)

var (
	satMock        bool
	satRFC         string
	satStart       string
	satEnd         string
	satDirection   string
	satType        string
	satCounterpart string
	satOutDir      string
	satSave        bool
	satDBPath      string
	satJSON        bool

	verifyIssuer   string
	verifyReceiver string
	verifyTotal    string
	verifyFromDB   bool
)

var satCmd = &cobra.Command{
	Use:   "sat",
	Short: "Download and verify CFDI invoices with the SAT web services",
	Long: `The sat commands drive SAT's bulk download protocol: a request is
submitted, polled until SAT has prepared it, and its packages are downloaded.
'sat sync' runs the whole conversation; the other commands run one step so a
slow request can be picked up later.

The e.firma certificate and key come from sat.cert_file and sat.key_file;
the key passphrase is read from SAT_KEY_PASSPHRASE. Use --mock to run
against a deterministic in-memory authority.

Examples:
  reconciler sat sync --start 2025-01-01 --end 2025-01-31 --direction received --save
  reconciler sat request --start 2025-01-01 --end 2025-01-31 --type metadata
  reconciler sat status 4e80345d-917f-40bb-a98f-4a73939343c5
  reconciler sat download 4E80345D-917F-40BB-A98F-4A73939343C5_01 --out paquetes/
  reconciler sat verify 5B9A3C6E-... --issuer AAA010101AAA --receiver XAXX010101000 --total 535.92`,
}

var satRequestCmd = &cobra.Command{
	Use:   "request",
	Short: "Submit a bulk download request and print its id",
	Args:  cobra.NoArgs,
	RunE:  runSATRequest,
}

var satStatusCmd = &cobra.Command{
	Use:   "status <request-id>",
	Short: "Check a download request once",
	Args:  cobra.ExactArgs(1),
	RunE:  runSATStatus,
}

var satDownloadCmd = &cobra.Command{
	Use:   "download <package-id>...",
	Short: "Download packages as ZIP files",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSATDownload,
}

var satSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Request, wait for and download the invoices of a period",
	Args:  cobra.NoArgs,
	RunE:  runSATSync,
}

var satVerifyCmd = &cobra.Command{
	Use:   "verify <uuid>...",
	Short: "Check the current SAT status of invoices",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSATVerify,
}

func init() {
	rootCmd.AddCommand(satCmd)
	satCmd.AddCommand(satRequestCmd, satStatusCmd, satDownloadCmd, satSyncCmd, satVerifyCmd)

	satCmd.PersistentFlags().BoolVar(&satMock, "mock", false, "use the in-memory mock authority")
	satCmd.PersistentFlags().BoolVar(&satJSON, "json", false, "print results as JSON")
	satCmd.PersistentFlags().StringVar(&satDBPath, "db", "", "database path (default: storage.path)")

	for _, c := range []*cobra.Command{satRequestCmd, satSyncCmd} {
		c.Flags().StringVar(&satRFC, "rfc", "", "requester RFC (default: sat.rfc or the certificate's RFC)")
		c.Flags().StringVar(&satStart, "start", "", "first issue date (YYYY-MM-DD, required)")
		c.Flags().StringVar(&satEnd, "end", "", "last issue date (YYYY-MM-DD, required)")
		c.Flags().StringVar(&satDirection, "direction", "received", "issued or received invoices")
		c.Flags().StringVar(&satType, "type", "cfdi", "package type: cfdi or metadata")
		c.Flags().StringVar(&satCounterpart, "counterpart", "", "only invoices from (received) or to (issued) this RFC")
		c.MarkFlagRequired("start")
		c.MarkFlagRequired("end")
	}

	satDownloadCmd.Flags().StringVar(&satOutDir, "out", "", "directory for the downloaded ZIP files (default: current directory)")
	satDownloadCmd.Flags().BoolVar(&satSave, "save", false, "also decode the packages and store their invoices")
	satSyncCmd.Flags().StringVar(&satOutDir, "out", "", "also keep the package ZIPs in this directory")
	satSyncCmd.Flags().BoolVar(&satSave, "save", false, "store the downloaded invoices in the database")

	satVerifyCmd.Flags().StringVar(&verifyIssuer, "issuer", "", "issuer RFC")
	satVerifyCmd.Flags().StringVar(&verifyReceiver, "receiver", "", "receiver RFC")
	satVerifyCmd.Flags().StringVar(&verifyTotal, "total", "", "invoice total")
	satVerifyCmd.Flags().BoolVar(&verifyFromDB, "from-db", false, "read issuer, receiver and total from stored invoices and update their status")
}

// buildQuery turns the request flags into a sat.Query
func buildQuery() (sat.Query, error) {
	start, end, err := parseDateRange(satStart, satEnd)
	if err != nil {
		return sat.Query{}, err
	}
	if start.IsZero() || end.IsZero() {
		return sat.Query{}, errors.ValidationError(errors.CodeMissingField, "start/end", nil,
			fmt.Errorf("both --start and --end are required"))
	}
	direction, err := parseDirection(satDirection)
	if err != nil {
		return sat.Query{}, err
	}
	requestType, err := parseRequestType(satType)
	if err != nil {
		return sat.Query{}, err
	}
	return sat.Query{
		RequesterRFC:   strings.ToUpper(strings.TrimSpace(satRFC)),
		Range:          models.DateRange{Start: start, End: end},
		Type:           requestType,
		Direction:      direction,
		CounterpartRFC: satCounterpart,
	}, nil
}

func runSATRequest(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	q, err := buildQuery()
	if err != nil {
		return err
	}
	service, _, err := newSATService(satMock)
	if err != nil {
		return err
	}

	req, err := service.RequestDownload(ctx, q)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if satJSON {
		return writeJSON(out, req)
	}
	fmt.Fprintf(out, "Request %s accepted (%s %s)\n", req.ID, req.StatusCode, req.Message)
	fmt.Fprintf(out, "Check it with: reconciler sat status %s\n", req.ID)
	return nil
}

func runSATStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	service, _, err := newSATService(satMock)
	if err != nil {
		return err
	}
	status, err := service.CheckStatus(ctx, args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if satJSON {
		return writeJSON(out, status)
	}
	fmt.Fprintf(out, "Request:  %s\n", status.RequestID)
	fmt.Fprintf(out, "State:    %s\n", status.State)
	fmt.Fprintf(out, "SAT code: %s %s\n", status.StatusCode, status.Message)
	if status.State == models.RequestStateReady {
		fmt.Fprintf(out, "Invoices: %d\n", status.InvoiceCount)
		for _, id := range status.PackageIDs {
			fmt.Fprintf(out, "Package:  %s\n", id)
		}
	}

	// Terminal failures are reported with their code and a non-zero exit
	switch status.State {
	case models.RequestStateRejected, models.RequestStateError:
		return errors.AuthorityError(errors.CodeAuthorityRejected, "verify request", status.StatusCode, status.Message, nil).
			WithContext("request_id", status.RequestID)
	case models.RequestStateExpired:
		return errors.AuthorityError(errors.CodeAuthorityExpired, "verify request", status.StatusCode, status.Message, nil).
			WithContext("request_id", status.RequestID).
			WithSuggestion("Submit the request again")
	}
	return nil
}

func runSATDownload(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	dir := satOutDir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.FileError(errors.CodeFilePermission, dir, err)
	}
	service, _, err := newSATService(satMock)
	if err != nil {
		return err
	}

	var invoices []*models.Invoice
	out := cmd.OutOrStdout()
	for _, id := range args {
		data, err := service.DownloadPackage(ctx, id)
		if err != nil {
			return err
		}
		path := filepath.Join(dir, id+".zip")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return errors.FileError(errors.CodeFilePermission, path, err)
		}
		fmt.Fprintf(out, "Saved %s (%d bytes)\n", path, len(data))

		if satSave {
			contents, err := sat.DecodePackage(id, data)
			if err != nil {
				return err
			}
			invoices = append(invoices, contents.Invoices...)
		}
	}

	if satSave {
		return storeInvoices(cmd, invoices)
	}
	return nil
}

func runSATSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	q, err := buildQuery()
	if err != nil {
		return err
	}
	service, satConfig, err := newSATService(satMock)
	if err != nil {
		return err
	}
	if satOutDir != "" {
		if err := os.MkdirAll(satOutDir, 0o755); err != nil {
			return errors.FileError(errors.CodeFilePermission, satOutDir, err)
		}
		service = &archivingService{Service: service, dir: satOutDir}
	}

	started := time.Now()
	result, err := sat.NewSyncer(service, satConfig).Run(ctx, q)
	if err != nil {
		if result != nil && result.Request != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Request %s stopped in state %s\n", result.Request.ID, result.Request.State)
		}
		return err
	}

	out := cmd.OutOrStdout()
	if satJSON {
		if err := writeJSON(out, result); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(out, "Request %s: %d packages, %d invoices in %v\n",
			result.Request.ID, len(result.Request.Packages), len(result.Invoices), time.Since(started).Round(time.Millisecond))
		if len(result.Skips) > 0 {
			fmt.Fprintln(out, errors.FormatSkipsForUser(result.Skips, 3))
		}
	}

	if satSave {
		return storeInvoices(cmd, result.Invoices)
	}
	return nil
}

func runSATVerify(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	service, _, err := newSATService(satMock)
	if err != nil {
		return err
	}

	var total decimal.Decimal
	if !verifyFromDB {
		if verifyIssuer == "" || verifyReceiver == "" || verifyTotal == "" {
			return errors.ValidationError(errors.CodeMissingField, "issuer/receiver/total", nil,
				fmt.Errorf("--issuer, --receiver and --total are required without --from-db"))
		}
		if total, err = models.ParseDecimalFromString(verifyTotal); err != nil {
			return errors.ValidationError(errors.CodeInvalidAmount, "total", verifyTotal, err)
		}
	}

	var changed []*models.Invoice
	lookup := func(uuid string) (*models.Invoice, error) {
		return &models.Invoice{
			UUID:        models.NormalizeUUID(uuid),
			IssuerRFC:   strings.ToUpper(verifyIssuer),
			ReceiverRFC: strings.ToUpper(verifyReceiver),
			Total:       total,
		}, nil
	}
	var save func([]*models.Invoice) error
	if verifyFromDB {
		repo, err := openRepository(satDBPath)
		if err != nil {
			return err
		}
		defer repo.Close()
		lookup = func(uuid string) (*models.Invoice, error) {
			return repo.InvoiceByUUID(ctx, models.NormalizeUUID(uuid))
		}
		save = func(invs []*models.Invoice) error {
			_, err := repo.UpsertInvoices(ctx, invs)
			return err
		}
	}

	out := cmd.OutOrStdout()
	results := make([]*sat.VerificationResult, 0, len(args))
	now := time.Now()
	for _, uuid := range args {
		inv, err := lookup(uuid)
		if err != nil {
			return err
		}
		if inv == nil {
			return errors.ValidationError(errors.CodeMissingField, "uuid", uuid,
				fmt.Errorf("invoice is not stored in the database"))
		}
		res, err := service.VerifyInvoice(ctx, sat.VerifyQueryFor(inv))
		if err != nil {
			return err
		}
		results = append(results, res)
		if verifyFromDB && res.Apply(inv, now) {
			changed = append(changed, inv)
		}
		if !satJSON {
			fmt.Fprintf(out, "%s  %-9s  %s\n", res.UUID, res.Status, res.StatusCode)
		}
	}

	if satJSON {
		if err := writeJSON(out, results); err != nil {
			return err
		}
	}
	if save != nil && len(changed) > 0 {
		if err := save(changed); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Updated the status of %d stored invoices\n", len(changed))
	}
	return nil
}

// storeInvoices upserts invoices into the configured database
func storeInvoices(cmd *cobra.Command, invoices []*models.Invoice) error {
	ctx, cancel := signalContext()
	defer cancel()

	repo, err := openRepository(satDBPath)
	if err != nil {
		return err
	}
	defer repo.Close()

	n, err := repo.UpsertInvoices(ctx, invoices)
	if err != nil {
		return err
	}
	logger.GetGlobalLogger().WithComponent("cli").WithFields(logger.Fields{
		"invoices": n,
		"db":       repo.Path(),
	}).Info("Stored invoices")
	fmt.Fprintf(cmd.ErrOrStderr(), "Stored %d invoices in %s\n", n, repo.Path())
	return nil
}

// archivingService keeps a copy of every downloaded package on disk
type archivingService struct {
	sat.Service
	dir string
}

func (a *archivingService) DownloadPackage(ctx context.Context, packageID string) ([]byte, error) {
	data, err := a.Service.DownloadPackage(ctx, packageID)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(a.dir, packageID+".zip")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, errors.FileError(errors.CodeFilePermission, path, err)
	}
	return data, nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
