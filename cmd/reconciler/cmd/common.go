package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/multierr"

	"cfdi-reconciliation-service/cmd/reconciler/config"
	"cfdi-reconciliation-service/internal/models"
	"cfdi-reconciliation-service/internal/sat"
	"cfdi-reconciliation-service/internal/storage"
	"cfdi-reconciliation-service/pkg/errors"
)

const dateLayout = "2006-01-02"

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// currentConfig returns the loaded configuration, or the defaults when a
// command runs without initConfig (tests)
func currentConfig() *config.AppConfig {
	if appConfig == nil {
		return config.DefaultAppConfig()
	}
	return appConfig
}

// parseDate parses a YYYY-MM-DD flag value; empty returns the zero time
func parseDate(flag, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.ParseInLocation(dateLayout, value, time.UTC)
	if err != nil {
		return time.Time{}, errors.ValidationError(errors.CodeInvalidDate, flag, value,
			fmt.Errorf("invalid date format, use YYYY-MM-DD: %w", err))
	}
	return t, nil
}

// parseDateRange parses two date flags. The end date covers its whole day.
func parseDateRange(start, end string) (time.Time, time.Time, error) {
	from, err := parseDate("start", start)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	to, err := parseDate("end", end)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if !from.IsZero() && !to.IsZero() && from.After(to) {
		return time.Time{}, time.Time{}, errors.ValidationError(errors.CodeInvalidDate, "start", start,
			fmt.Errorf("start date cannot be after end date"))
	}
	if !to.IsZero() {
		to = to.Add(24*time.Hour - time.Second)
	}
	return from, to, nil
}

func validateFileExists(filePath, description string) error {
	if filePath == "" {
		return fmt.Errorf("%s path cannot be empty", description)
	}

	info, err := os.Stat(filePath)
	if os.IsNotExist(err) {
		return errors.FileError(errors.CodeFileNotFound, filePath, err).
			WithSuggestion(fmt.Sprintf("Check the %s path", description))
	}
	if err != nil {
		return fmt.Errorf("error accessing %s: %w", description, err)
	}

	if info.IsDir() {
		return fmt.Errorf("%s is a directory, expected a file: %s", description, filePath)
	}

	file, err := os.Open(filePath)
	if err != nil {
		return errors.FileError(errors.CodeFilePermission, filePath, err)
	}
	file.Close()

	return nil
}

// loadInvoicePackages decodes SAT package ZIPs. Unreadable rows come back
// as skips; an unreadable package fails the whole load.
func loadInvoicePackages(paths []string) ([]*models.Invoice, []errors.ParseSkip, error) {
	var invoices []*models.Invoice
	var skips []errors.ParseSkip
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, nil, errors.FileError(errors.CodeFileNotFound, path, err)
		}
		contents, err := sat.DecodePackage(filepath.Base(path), data)
		if err != nil {
			return nil, nil, err
		}
		invoices = append(invoices, contents.Invoices...)
		skips = append(skips, contents.Skips...)
	}
	return invoices, skips, nil
}

// openRepository opens the database at path, or the configured one
func openRepository(path string) (*storage.Repository, error) {
	if path == "" {
		path = currentConfig().Storage.Path
	}
	return storage.Open(path)
}

// newSATService returns the mock service or a client built from the
// configured e.firma
func newSATService(mock bool) (sat.Service, *sat.Config, error) {
	cfg := currentConfig()
	satConfig, err := cfg.SATServiceConfig()
	if err != nil {
		return nil, nil, err
	}
	if mock {
		return sat.NewMockClient(), satConfig, nil
	}

	creds, err := cfg.SATCredentials()
	if err != nil {
		return nil, nil, err
	}
	client, err := sat.NewClient(satConfig, creds, nil)
	if err != nil {
		return nil, nil, err
	}
	return client, satConfig, nil
}

// parseDirection accepts issued/emitidos and received/recibidos
func parseDirection(s string) (models.DownloadDirection, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "issued", "emitidos":
		return models.DirectionIssued, nil
	case "", "received", "recibidos":
		return models.DirectionReceived, nil
	default:
		return "", errors.ValidationError(errors.CodeInvalidFormat, "direction", s,
			fmt.Errorf("direction must be issued or received"))
	}
}

// parseRequestType accepts cfdi and metadata
func parseRequestType(s string) (models.RequestType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "cfdi":
		return models.RequestTypeCFDI, nil
	case "metadata":
		return models.RequestTypeMetadata, nil
	default:
		return "", errors.ValidationError(errors.CodeInvalidFormat, "type", s,
			fmt.Errorf("type must be cfdi or metadata"))
	}
}

// closeAll closes every closer and combines the errors
func closeAll(closers ...func() error) error {
	var errs error
	for _, c := range closers {
		errs = multierr.Append(errs, c())
	}
	return errs
}
