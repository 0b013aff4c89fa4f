package cmd

import (
	stderrors "errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/viper"
	"go.uber.org/multierr"

	"cfdi-reconciliation-service/pkg/errors"
	"cfdi-reconciliation-service/pkg/logger"
)

// CLIErrorHandler turns command errors into messages and exit codes
type CLIErrorHandler struct {
	logger  logger.Logger
	verbose bool
	out     io.Writer
}

// NewCLIErrorHandler creates a handler writing to stderr
func NewCLIErrorHandler() *CLIErrorHandler {
	return &CLIErrorHandler{
		logger:  logger.GetGlobalLogger().WithComponent("cli"),
		verbose: viper.GetBool("verbose"),
		out:     os.Stderr,
	}
}

// HandleError prints err and returns the process exit code
func (h *CLIErrorHandler) HandleError(err error) int {
	if err == nil {
		return 0
	}

	h.logger.WithError(err).Debug("Command failed")

	if errs := multierr.Errors(err); len(errs) > 1 {
		fmt.Fprintln(h.out, FormatValidationErrors(errs))
		code := 1
		for _, e := range errs {
			if re, ok := errors.AsReconcilerError(e); ok {
				code = re.GetExitCode()
				break
			}
		}
		return code
	}

	if reconcilerErr, ok := errors.AsReconcilerError(err); ok {
		return h.handleReconcilerError(reconcilerErr)
	}
	return h.handleGenericError(err)
}

func (h *CLIErrorHandler) handleReconcilerError(err *errors.ReconcilerError) int {
	fmt.Fprintf(h.out, "Error: %s\n", err.Message)

	if code, ok := errors.AuthorityCode(err); ok {
		fmt.Fprintf(h.out, "SAT code: %s\n", code)
	}

	if len(err.Context) > 0 {
		fmt.Fprintf(h.out, "\nContext:\n")
		for key, value := range err.Context {
			if key == "authority_code" {
				continue
			}
			fmt.Fprintf(h.out, "  %s: %v\n", key, value)
		}
	}

	if err.Suggestion != "" {
		fmt.Fprintf(h.out, "\nSuggestion: %s\n", err.Suggestion)
	}

	fmt.Fprintf(h.out, "\n%s\n", getCategoryHelp(err.Category))

	if h.verbose {
		if err.Cause != nil {
			fmt.Fprintf(h.out, "\nUnderlying error: %v\n", err.Cause)
		}
		h.suggestRecoveryActions(err.Category)
	}

	return err.GetExitCode()
}

func (h *CLIErrorHandler) handleGenericError(err error) int {
	var pathErr *fs.PathError
	if stderrors.As(err, &pathErr) {
		fmt.Fprint(h.out, FormatFileError(pathErr.Path, pathErr.Err))
		return 2
	}

	if isDiskFullError(err) {
		fmt.Fprintf(h.out, "Error: Insufficient disk space\n")
		fmt.Fprintf(h.out, "Suggestion: Free up disk space and try again\n")
		return 2
	}

	fmt.Fprintf(h.out, "Error: %v\n", err)
	if !h.verbose {
		fmt.Fprintf(h.out, "\nRun with --verbose for more details\n")
	}
	return 1
}

func getCategoryHelp(category errors.ErrorCategory) string {
	switch category {
	case errors.CategoryFile:
		return `File error help:
• Check that the statement, package or database path exists
• Statements must be .txt or text-based .pdf files; scanned PDFs need OCR first
• Ensure you have permission to read the inputs and write the output`

	case errors.CategoryParse:
		return `Parse error help:
• Run 'reconciler parse' on the statement to see which lines were skipped
• SAT packages must be the ZIP files returned by 'reconciler sat download'
• Check that the statement text was not truncated during extraction`

	case errors.CategoryValidation:
		return `Validation error help:
• Dates use YYYY-MM-DD
• RFCs have 12 or 13 characters
• Amounts are decimal numbers without currency symbols`

	case errors.CategoryConfiguration:
		return `Configuration error help:
• Run 'reconciler config' to print the effective configuration
• Environment overrides use the RECONCILER_ prefix, e.g. RECONCILER_SAT_RFC
• Secrets (OPENAI_API_KEY, GEMINI_API_KEY, SAT_KEY_PASSPHRASE) can live in .env`

	case errors.CategoryReconciliation:
		return `Reconciliation error help:
• Review ambiguous proposals manually before accepting them
• Use 'reconciler matches list' to see what is already accepted
• Release a wrong match with 'reconciler matches release <id>'`

	case errors.CategoryNetwork:
		return `Network error help:
• The SAT web services are often slow or unavailable; retry later
• Check proxy settings and that the endpoints in the config are reachable`

	case errors.CategoryAuthority:
		return `SAT error help:
• 5004 means no invoices exist for the query; try a different period
• 5005 means an identical request already exists; reuse its request id
• 5002 means the lifetime request limit for this query was reached
• Expired requests must be submitted again`

	default:
		return `For more help:
• Use 'reconciler --help' for general help
• Use 'reconciler <command> --help' for command-specific help`
	}
}

func isDiskFullError(err error) bool {
	if stderrors.Is(err, syscall.ENOSPC) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "no space left") ||
		strings.Contains(errStr, "disk full")
}

// FormatValidationErrors lists several errors, at most ten
func FormatValidationErrors(errs []error) string {
	if len(errs) == 0 {
		return ""
	}
	if len(errs) == 1 {
		return fmt.Sprintf("Error: %v", errs[0])
	}

	lines := []string{fmt.Sprintf("Found %d errors:", len(errs))}
	for i, err := range errs {
		if i == 10 {
			lines = append(lines, fmt.Sprintf("  ... and %d more errors", len(errs)-10))
			break
		}
		lines = append(lines, fmt.Sprintf("  %d. %v", i+1, err))
	}
	return strings.Join(lines, "\n")
}

// FormatFileError describes a file error and suggests similarly named files
func FormatFileError(filePath string, err error) string {
	baseName := filepath.Base(filePath)
	dir := filepath.Dir(filePath)

	var message strings.Builder
	message.WriteString(fmt.Sprintf("Error with file '%s':\n", baseName))
	message.WriteString(fmt.Sprintf("  Path: %s\n", filePath))
	message.WriteString(fmt.Sprintf("  Error: %v\n", err))

	switch {
	case stderrors.Is(err, fs.ErrNotExist):
		message.WriteString("  Suggestion: Check if the file exists in the specified location\n")

		if entries, dirErr := os.ReadDir(dir); dirErr == nil {
			prefix := strings.ToLower(baseName[:min(len(baseName), 3)])
			var similar []string
			for _, entry := range entries {
				if !entry.IsDir() && strings.Contains(strings.ToLower(entry.Name()), prefix) {
					similar = append(similar, entry.Name())
				}
			}
			if len(similar) > 0 {
				message.WriteString("  Similar files found:\n")
				for _, name := range similar[:min(len(similar), 3)] {
					message.WriteString(fmt.Sprintf("    - %s\n", name))
				}
			}
		}
	case stderrors.Is(err, fs.ErrPermission):
		message.WriteString("  Suggestion: Check file permissions - you may need read access\n")
	}

	return message.String()
}

// ShowPartialFailure reports the errors of a run that still produced a result
func ShowPartialFailure(w io.Writer, operation string, err error) {
	errs := multierr.Errors(err)
	fmt.Fprintf(w, "\n%s completed with %d problem(s):\n", operation, len(errs))
	for i, e := range errs {
		if i == 5 {
			fmt.Fprintf(w, "  ... and %d more (see the report warnings)\n", len(errs)-5)
			break
		}
		fmt.Fprintf(w, "  - %v\n", e)
	}
}

func (h *CLIErrorHandler) suggestRecoveryActions(category errors.ErrorCategory) {
	fmt.Fprintf(h.out, "\nRecovery suggestions:\n")

	switch category {
	case errors.CategoryFile:
		fmt.Fprintf(h.out, "• Verify file paths and permissions\n")
		fmt.Fprintf(h.out, "• Check available disk space\n")
	case errors.CategoryParse:
		fmt.Fprintf(h.out, "• Re-extract the statement text\n")
		fmt.Fprintf(h.out, "• Download the SAT package again\n")
	case errors.CategoryConfiguration:
		fmt.Fprintf(h.out, "• Review command-line flags and the config file\n")
		fmt.Fprintf(h.out, "• Try with default settings first\n")
	case errors.CategoryNetwork, errors.CategoryAuthority:
		fmt.Fprintf(h.out, "• Check the request later with 'reconciler sat status <id>'\n")
		fmt.Fprintf(h.out, "• Try 'reconciler sat ... --mock' to rule out local problems\n")
	}
}
