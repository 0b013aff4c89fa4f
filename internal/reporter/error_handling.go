package reporter

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cfdi-reconciliation-service/internal/reconciler"
	"cfdi-reconciliation-service/pkg/errors"
	"cfdi-reconciliation-service/pkg/logger"
)

// SafeReportGenerator is the ReportGenerator used by the CLI. It refuses to
// publish proposals that break the one-match-per-record rule, falls back to
// console text when a structured format fails and never leaves a half
// written report file behind.
type SafeReportGenerator struct {
	*ReportGenerator
	logger logger.Logger
}

// NewSafeReportGenerator creates a guarded generator
func NewSafeReportGenerator(config *ReportConfig, log logger.Logger) (*SafeReportGenerator, error) {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	generator, err := NewReportGenerator(config)
	if err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "report", config, err).
			WithSuggestion("Use console, json or csv as the report format")
	}
	return &SafeReportGenerator{
		ReportGenerator: generator,
		logger:          log.WithComponent("reporter"),
	}, nil
}

// GenerateReportSafely checks the result and writes the report to w
func (srg *SafeReportGenerator) GenerateReportSafely(result *reconciler.Result, w io.Writer) error {
	if err := checkResult(result); err != nil {
		srg.logger.WithError(err).Error("Refusing to write report")
		return err
	}
	if w == nil {
		return errors.ValidationError(errors.CodeMissingField, "writer", nil, nil)
	}

	log := srg.logger.WithFields(logger.Fields{
		"format":    srg.config.Format,
		"proposals": len(result.Matches),
		"ambiguous": len(result.Ambiguous),
		"unmatched": len(result.Unmatched),
	})
	err := srg.GenerateReport(result, w)
	if err == nil {
		log.Info("Report written")
		return nil
	}
	if srg.config.Format == FormatConsole {
		return asReportError(err)
	}

	log.WithError(err).Warn("Falling back to console report")
	return srg.consoleFallback(result, w, err)
}

// WriteReportFile writes the report to path through a temporary file in the
// same directory. When the directory cannot be used the report is written to
// <tmp>/<name>_backup<ext> instead; the path actually written is returned.
func (srg *SafeReportGenerator) WriteReportFile(result *reconciler.Result, path string) (string, error) {
	if err := checkResult(result); err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err == nil {
		written, err := srg.writeAtomically(result, dir, path)
		if err == nil || !isDestinationError(err) {
			return written, err
		}
	}

	backup := backupPath(path)
	srg.logger.WithFields(logger.Fields{
		"requested": path,
		"backup":    backup,
	}).Warn("Report location not writable, using backup")

	written, err := srg.writeAtomically(result, filepath.Dir(backup), backup)
	if err != nil {
		return "", errors.FileError(errors.CodeFilePermission, path, err).
			WithSuggestion("Choose a writable --output location")
	}
	return written, nil
}

func (srg *SafeReportGenerator) writeAtomically(result *reconciler.Result, dir, path string) (string, error) {
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	if err := srg.GenerateReportSafely(result, tmp); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", err
	}
	return path, nil
}

func (srg *SafeReportGenerator) consoleFallback(result *reconciler.Result, w io.Writer, cause error) error {
	cfg := *srg.config
	cfg.Format = FormatConsole
	console, err := NewReportGenerator(&cfg)
	if err != nil {
		return asReportError(cause)
	}

	fmt.Fprintf(w, "NOTE: %s report failed (%v); showing the console report instead\n\n", srg.config.Format, cause)
	if err := console.GenerateReport(result, w); err != nil {
		return errors.InternalError("report_fallback",
			fmt.Errorf("%s report: %v; console report: %w", srg.config.Format, cause, err))
	}
	return nil
}

// checkResult rejects results a reviewer could not act on: missing pieces,
// or proposals that pair one transaction or invoice twice
func checkResult(result *reconciler.Result) error {
	if result == nil {
		return errors.ValidationError(errors.CodeMissingField, "result", nil, nil).
			WithSuggestion("Run the reconciliation before writing a report")
	}
	if result.Summary == nil {
		return errors.ValidationError(errors.CodeMissingField, "summary", nil, nil)
	}

	txs := make(map[string]string, len(result.Matches))
	invs := make(map[string]string, len(result.Matches))
	var clashes []string
	for _, m := range result.Matches {
		if m == nil {
			continue
		}
		if prev, ok := txs[m.TransactionID]; ok {
			clashes = append(clashes, fmt.Sprintf("transaction %s in %s and %s", m.TransactionID, prev, m.ID))
		}
		if prev, ok := invs[m.InvoiceID]; ok {
			clashes = append(clashes, fmt.Sprintf("invoice %s in %s and %s", m.InvoiceID, prev, m.ID))
		}
		txs[m.TransactionID] = m.ID
		invs[m.InvoiceID] = m.ID
	}
	if len(clashes) > 0 {
		return errors.ReconciliationError(errors.CodeAlreadyMatched, "report",
			fmt.Errorf("%s", strings.Join(clashes, "; ")))
	}
	return nil
}

func asReportError(err error) error {
	if re, ok := errors.AsReconcilerError(err); ok {
		return re
	}
	return errors.InternalError("report_generation", err).
		WithSuggestion("Check the output destination and report format settings")
}

// isDestinationError reports whether err came from the file system rather
// than from rendering the report
func isDestinationError(err error) bool {
	if _, ok := errors.AsReconcilerError(err); ok {
		return false
	}
	return os.IsPermission(err) || os.IsNotExist(err) || os.IsExist(err) || strings.Contains(err.Error(), "not a directory")
}

func backupPath(path string) string {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	return filepath.Join(os.TempDir(), strings.TrimSuffix(base, ext)+"_backup"+ext)
}
