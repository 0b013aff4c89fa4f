package errors

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// ErrorCategory represents different categories of errors
type ErrorCategory string

const (
	CategoryFile           ErrorCategory = "file"
	CategoryParse          ErrorCategory = "parse"
	CategoryValidation     ErrorCategory = "validation"
	CategoryConfiguration  ErrorCategory = "configuration"
	CategoryReconciliation ErrorCategory = "reconciliation"
	CategoryNetwork        ErrorCategory = "network"
	CategoryAuthority      ErrorCategory = "authority"
	CategoryInternal       ErrorCategory = "internal"
)

// ErrorCode represents specific error codes within categories
type ErrorCode string

const (
	// File errors
	CodeFileNotFound   ErrorCode = "file_not_found"
	CodeFilePermission ErrorCode = "file_permission"
	CodeFileCorrupted  ErrorCode = "file_corrupted"

	// Parse errors
	CodeParseSkip      ErrorCode = "parse_skip"
	CodeInvalidFormat  ErrorCode = "invalid_format"
	CodePackageCorrupt ErrorCode = "package_corrupt"

	// Validation errors
	CodeInvalidAmount ErrorCode = "invalid_amount"
	CodeInvalidDate   ErrorCode = "invalid_date"
	CodeMissingField  ErrorCode = "missing_field"

	// Configuration errors
	CodeInvalidConfig ErrorCode = "invalid_config"
	CodeMissingConfig ErrorCode = "missing_config"

	// Reconciliation errors
	CodeAmbiguousMatch ErrorCode = "ambiguous_match"
	CodeNoCandidate    ErrorCode = "no_candidate"
	CodeAlreadyMatched ErrorCode = "already_matched"
	CodeStrategyFailed ErrorCode = "strategy_failed"

	// Network errors
	CodeTransientNetwork ErrorCode = "transient_network"

	// Authority (SAT) errors
	CodeAuthenticationFailed ErrorCode = "authentication_failed"
	CodeInvalidDateRange     ErrorCode = "invalid_date_range"
	CodeAuthorityRejected    ErrorCode = "authority_rejected"
	CodeAuthorityExpired     ErrorCode = "authority_expired"

	// Internal errors
	CodeUnexpectedError ErrorCode = "unexpected_error"
)

// ReconcilerError is the base error type for all application errors
type ReconcilerError struct {
	Category   ErrorCategory     `json:"category"`
	Code       ErrorCode         `json:"code"`
	Message    string            `json:"message"`
	Suggestion string            `json:"suggestion,omitempty"`
	Context    Context           `json:"context,omitempty"`
	Cause      error             `json:"-"`
	StackTrace errors.StackTrace `json:"-"`
}

// Context provides additional information about the error
type Context map[string]interface{}

// Error implements the error interface
func (e *ReconcilerError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if e.Suggestion != "" {
		return fmt.Sprintf("%s (suggestion: %s)", msg, e.Suggestion)
	}
	return msg
}

// Unwrap returns the underlying cause error
func (e *ReconcilerError) Unwrap() error {
	return e.Cause
}

// GetExitCode returns an appropriate exit code for the error
func (e *ReconcilerError) GetExitCode() int {
	switch e.Category {
	case CategoryFile:
		return 2
	case CategoryParse, CategoryValidation:
		return 3
	case CategoryConfiguration:
		return 4
	case CategoryReconciliation, CategoryInternal:
		return 5
	case CategoryNetwork:
		return 6
	case CategoryAuthority:
		return 7
	default:
		return 1
	}
}

// WithContext adds context information to the error
func (e *ReconcilerError) WithContext(key string, value interface{}) *ReconcilerError {
	if e.Context == nil {
		e.Context = make(Context)
	}
	e.Context[key] = value
	return e
}

// WithSuggestion adds a suggestion for fixing the error
func (e *ReconcilerError) WithSuggestion(suggestion string) *ReconcilerError {
	e.Suggestion = suggestion
	return e
}

// New creates a new ReconcilerError
func New(category ErrorCategory, code ErrorCode, message string) *ReconcilerError {
	return &ReconcilerError{
		Category:   category,
		Code:       code,
		Message:    message,
		StackTrace: errors.New("").(stackTracer).StackTrace(),
	}
}

// Wrap wraps an existing error with ReconcilerError context
func Wrap(err error, category ErrorCategory, code ErrorCode, message string) *ReconcilerError {
	if err == nil {
		return nil
	}

	return &ReconcilerError{
		Category:   category,
		Code:       code,
		Message:    message,
		Cause:      err,
		StackTrace: errors.WithStack(err).(stackTracer).StackTrace(),
	}
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

func build(category ErrorCategory, code ErrorCode, message string, err error) *ReconcilerError {
	if err != nil {
		return Wrap(err, category, code, message)
	}
	return New(category, code, message)
}

// FileError creates a file-related error
func FileError(code ErrorCode, path string, err error) *ReconcilerError {
	var message, suggestion string

	switch code {
	case CodeFileNotFound:
		message = fmt.Sprintf("file not found: %s", path)
		suggestion = "check if the file path is correct and the file exists"
	case CodeFilePermission:
		message = fmt.Sprintf("permission denied accessing file: %s", path)
		suggestion = "check file permissions and ensure you have read access"
	case CodeFileCorrupted:
		message = fmt.Sprintf("file appears to be corrupted: %s", path)
		suggestion = "re-export the statement from the bank portal"
	default:
		message = fmt.Sprintf("file error: %s", path)
		suggestion = "check the file and try again"
	}

	return build(CategoryFile, code, message, err).
		WithSuggestion(suggestion).
		WithContext("file_path", path)
}

// ParseError creates a parsing-related error for a whole document or package.
// Single malformed statement lines are ParseSkip records, not errors.
func ParseError(code ErrorCode, source string, err error) *ReconcilerError {
	var message, suggestion string

	switch code {
	case CodeInvalidFormat:
		message = fmt.Sprintf("unrecognised format in %s", source)
		suggestion = "check that the input is a supported bank statement"
	case CodePackageCorrupt:
		message = fmt.Sprintf("SAT package %s could not be decoded", source)
		suggestion = "download the package again"
	default:
		message = fmt.Sprintf("parse error in %s", source)
		suggestion = "check the input format and data integrity"
	}

	return build(CategoryParse, code, message, err).
		WithSuggestion(suggestion).
		WithContext("source", source)
}

// ValidationError creates a validation-related error
func ValidationError(code ErrorCode, field string, value interface{}, err error) *ReconcilerError {
	var message, suggestion string

	switch code {
	case CodeInvalidAmount:
		message = fmt.Sprintf("invalid amount in field '%s': %v", field, value)
		suggestion = "ensure amounts are valid decimal numbers (e.g., '1,234.56')"
	case CodeInvalidDate:
		message = fmt.Sprintf("invalid date in field '%s': %v", field, value)
		suggestion = "use date format YYYY-MM-DD"
	case CodeMissingField:
		message = fmt.Sprintf("required field '%s' is missing or empty", field)
		suggestion = "provide a value for this required field"
	default:
		message = fmt.Sprintf("validation error in field '%s': %v", field, value)
		suggestion = "check the field value and format"
	}

	return build(CategoryValidation, code, message, err).
		WithSuggestion(suggestion).
		WithContext("field", field).
		WithContext("value", value)
}

// ConfigurationError creates a configuration-related error
func ConfigurationError(code ErrorCode, setting string, value interface{}, err error) *ReconcilerError {
	var message, suggestion string

	switch code {
	case CodeInvalidConfig:
		message = fmt.Sprintf("invalid configuration for '%s': %v", setting, value)
		suggestion = "check the configuration documentation for valid values"
	case CodeMissingConfig:
		message = fmt.Sprintf("missing required configuration: %s", setting)
		suggestion = "provide this setting in the config file, a flag or the environment"
	default:
		message = fmt.Sprintf("configuration error: %s", setting)
		suggestion = "check your configuration and try again"
	}

	return build(CategoryConfiguration, code, message, err).
		WithSuggestion(suggestion).
		WithContext("setting", setting).
		WithContext("value", value)
}

// ReconciliationError creates a matching-related error. Ambiguous and
// no-candidate outcomes use it only as diagnostics attached to results.
func ReconciliationError(code ErrorCode, subject string, err error) *ReconcilerError {
	var message, suggestion string

	switch code {
	case CodeAmbiguousMatch:
		message = fmt.Sprintf("transaction %s has several equally good invoices", subject)
		suggestion = "review the candidates manually"
	case CodeNoCandidate:
		message = fmt.Sprintf("no invoice candidate for transaction %s", subject)
		suggestion = "check that the invoice was downloaded from SAT"
	case CodeAlreadyMatched:
		message = fmt.Sprintf("%s is already part of an accepted match", subject)
		suggestion = "pass override to replace the existing match"
	case CodeStrategyFailed:
		message = fmt.Sprintf("matching strategy %s failed", subject)
		suggestion = "check the strategy's credentials and retry"
	default:
		message = fmt.Sprintf("reconciliation error for %s", subject)
		suggestion = "review the data and configuration"
	}

	return build(CategoryReconciliation, code, message, err).
		WithSuggestion(suggestion).
		WithContext("subject", subject)
}

// NetworkError creates a retryable network error
func NetworkError(endpoint string, err error) *ReconcilerError {
	return build(CategoryNetwork, CodeTransientNetwork, fmt.Sprintf("network error calling %s", endpoint), err).
		WithSuggestion("check network connectivity and try again").
		WithContext("endpoint", endpoint)
}

// AuthorityError creates a SAT protocol error. The authority's numeric code
// is kept verbatim in the message and in the context.
func AuthorityError(code ErrorCode, operation, authorityCode, authorityMessage string, err error) *ReconcilerError {
	var suggestion string

	switch code {
	case CodeAuthenticationFailed:
		suggestion = "check the e.firma certificate, key and passphrase"
	case CodeInvalidDateRange:
		suggestion = "use a range where start is before end and not in the future"
	case CodeAuthorityRejected:
		suggestion = "adjust the request; rejected requests are not retried"
	case CodeAuthorityExpired:
		suggestion = "submit a new download request"
	default:
		suggestion = "consult the SAT web service documentation for the code"
	}

	message := fmt.Sprintf("SAT %s failed", operation)
	if authorityCode != "" {
		message = fmt.Sprintf("SAT %s failed with code %s", operation, authorityCode)
	}
	if authorityMessage != "" {
		message = fmt.Sprintf("%s: %s", message, authorityMessage)
	}

	return build(CategoryAuthority, code, message, err).
		WithSuggestion(suggestion).
		WithContext("operation", operation).
		WithContext("authority_code", authorityCode)
}

// InternalError creates an internal error
func InternalError(operation string, err error) *ReconcilerError {
	return build(CategoryInternal, CodeUnexpectedError, fmt.Sprintf("unexpected error during %s", operation), err).
		WithSuggestion("this is likely a bug - please report it with the error details").
		WithContext("operation", operation)
}

// ErrorSummary provides a summary of multiple errors
type ErrorSummary struct {
	Total      int                   `json:"total"`
	ByCategory map[ErrorCategory]int `json:"by_category"`
	ByCode     map[ErrorCode]int     `json:"by_code"`
	Errors     []*ReconcilerError    `json:"errors"`
}

// NewErrorSummary creates a new error summary
func NewErrorSummary(errs []*ReconcilerError) *ErrorSummary {
	summary := &ErrorSummary{
		Total:      len(errs),
		ByCategory: make(map[ErrorCategory]int),
		ByCode:     make(map[ErrorCode]int),
		Errors:     errs,
	}
	for _, err := range errs {
		summary.ByCategory[err.Category]++
		summary.ByCode[err.Code]++
	}
	return summary
}

// Error returns a formatted error message for the summary
func (es *ErrorSummary) Error() string {
	if es.Total == 0 {
		return "no errors"
	}
	if es.Total == 1 {
		return es.Errors[0].Error()
	}

	var categories []string
	for category, count := range es.ByCategory {
		categories = append(categories, fmt.Sprintf("%s: %d", category, count))
	}
	sort.Strings(categories)

	return fmt.Sprintf("%d errors occurred (%s)", es.Total, strings.Join(categories, ", "))
}

// HasCode checks if the summary contains errors with the given code
func (es *ErrorSummary) HasCode(code ErrorCode) bool {
	return es.ByCode[code] > 0
}

// GetExitCode returns the highest priority exit code from all errors
func (es *ErrorSummary) GetExitCode() int {
	if es.Total == 0 {
		return 0
	}
	maxCode := 1
	for _, err := range es.Errors {
		if code := err.GetExitCode(); code > maxCode {
			maxCode = code
		}
	}
	return maxCode
}

// AsReconcilerError extracts a ReconcilerError from an error chain
func AsReconcilerError(err error) (*ReconcilerError, bool) {
	var reconcilerErr *ReconcilerError
	if errors.As(err, &reconcilerErr) {
		return reconcilerErr, true
	}
	return nil, false
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code ErrorCode) bool {
	re, ok := AsReconcilerError(err)
	return ok && re.Code == code
}

// AuthorityCode returns the SAT numeric code carried by err, if any.
func AuthorityCode(err error) (string, bool) {
	re, ok := AsReconcilerError(err)
	if !ok || re.Category != CategoryAuthority {
		return "", false
	}
	code, ok := re.Context["authority_code"].(string)
	return code, ok && code != ""
}

// IsRetryable reports whether err is a transient failure worth retrying.
// Authority rejections and expirations are terminal.
func IsRetryable(err error) bool {
	return HasCode(err, CodeTransientNetwork)
}

// WrapIfNeeded wraps an error if it's not already a ReconcilerError
func WrapIfNeeded(err error, category ErrorCategory, code ErrorCode, message string) *ReconcilerError {
	if err == nil {
		return nil
	}
	if reconcilerErr, ok := AsReconcilerError(err); ok {
		return reconcilerErr
	}
	return Wrap(err, category, code, message)
}
