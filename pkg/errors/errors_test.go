package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestReconcilerError(t *testing.T) {
	tests := []struct {
		name       string
		category   ErrorCategory
		code       ErrorCode
		message    string
		cause      error
		expectCode int
		expectStr  string
	}{
		{
			name:       "file error",
			category:   CategoryFile,
			code:       CodeFileNotFound,
			message:    "file not found",
			cause:      errors.New("no such file"),
			expectCode: 2,
			expectStr:  "file not found: no such file",
		},
		{
			name:       "parse error",
			category:   CategoryParse,
			code:       CodeInvalidFormat,
			message:    "invalid format",
			expectCode: 3,
			expectStr:  "invalid format",
		},
		{
			name:       "authority error",
			category:   CategoryAuthority,
			code:       CodeAuthorityRejected,
			message:    "rejected",
			expectCode: 7,
			expectStr:  "rejected",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var err *ReconcilerError
			if tt.cause != nil {
				err = Wrap(tt.cause, tt.category, tt.code, tt.message)
			} else {
				err = New(tt.category, tt.code, tt.message)
			}

			if err.Category != tt.category {
				t.Errorf("expected category %s, got %s", tt.category, err.Category)
			}
			if err.Code != tt.code {
				t.Errorf("expected code %s, got %s", tt.code, err.Code)
			}
			if err.GetExitCode() != tt.expectCode {
				t.Errorf("expected exit code %d, got %d", tt.expectCode, err.GetExitCode())
			}
			if err.Error() != tt.expectStr {
				t.Errorf("expected error string %q, got %q", tt.expectStr, err.Error())
			}
			if tt.cause != nil && err.Unwrap() != tt.cause {
				t.Errorf("expected to unwrap to %v, got %v", tt.cause, err.Unwrap())
			}
		})
	}
}

func TestReconcilerErrorWithContext(t *testing.T) {
	err := New(CategoryFile, CodeFileNotFound, "test error").
		WithContext("file", "/path/to/file").
		WithContext("line", 42).
		WithSuggestion("check file path")

	if err.Context["file"] != "/path/to/file" {
		t.Errorf("expected file context '/path/to/file', got %v", err.Context["file"])
	}
	if err.Context["line"] != 42 {
		t.Errorf("expected line context 42, got %v", err.Context["line"])
	}

	expected := "test error (suggestion: check file path)"
	if err.Error() != expected {
		t.Errorf("expected error string '%s', got '%s'", expected, err.Error())
	}
}

func TestAuthorityError(t *testing.T) {
	err := AuthorityError(CodeAuthorityRejected, "SolicitaDescarga", "5002", "Se agotó las solicitudes de por vida", nil)

	if !strings.Contains(err.Message, "5002") {
		t.Errorf("authority code missing from message: %s", err.Message)
	}
	code, ok := AuthorityCode(err)
	if !ok || code != "5002" {
		t.Errorf("AuthorityCode() = %q, %v, want 5002, true", code, ok)
	}

	wrapped := fmt.Errorf("sync: %w", err)
	code, ok = AuthorityCode(wrapped)
	if !ok || code != "5002" {
		t.Errorf("AuthorityCode(wrapped) = %q, %v, want 5002, true", code, ok)
	}
	if IsRetryable(wrapped) {
		t.Error("authority rejection must not be retryable")
	}
	if _, ok := AuthorityCode(errors.New("plain")); ok {
		t.Error("plain error must not carry an authority code")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"network", NetworkError("https://sat", errors.New("connection reset")), true},
		{"expired", AuthorityError(CodeAuthorityExpired, "VerificaSolicitudDescarga", "", "", nil), false},
		{"auth", AuthorityError(CodeAuthenticationFailed, "Autentica", "305", "", nil), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSpecificErrorConstructors(t *testing.T) {
	t.Run("FileError", func(t *testing.T) {
		cause := errors.New("permission denied")
		err := FileError(CodeFilePermission, "/test/statement.pdf", cause)

		if err.Category != CategoryFile {
			t.Errorf("expected file category, got %s", err.Category)
		}
		if err.Context["file_path"] != "/test/statement.pdf" {
			t.Errorf("expected file_path context, got %v", err.Context["file_path"])
		}
		if err.Cause != cause {
			t.Errorf("expected cause to be %v, got %v", cause, err.Cause)
		}
	})

	t.Run("ReconciliationError", func(t *testing.T) {
		err := ReconciliationError(CodeAlreadyMatched, "invoice 101", nil)
		if err.Category != CategoryReconciliation {
			t.Errorf("expected reconciliation category, got %s", err.Category)
		}
		if !HasCode(err, CodeAlreadyMatched) {
			t.Error("expected already_matched code")
		}
	})

	t.Run("ValidationError", func(t *testing.T) {
		err := ValidationError(CodeInvalidAmount, "total", "abc", nil)
		if err.Context["field"] != "total" {
			t.Errorf("expected field context, got %v", err.Context["field"])
		}
	})
}

func TestErrorSummary(t *testing.T) {
	errs := []*ReconcilerError{
		New(CategoryFile, CodeFileNotFound, "error 1"),
		New(CategoryParse, CodeParseSkip, "error 2"),
		New(CategoryParse, CodeParseSkip, "error 3"),
		New(CategoryAuthority, CodeAuthorityExpired, "error 4"),
	}

	summary := NewErrorSummary(errs)

	if summary.Total != 4 {
		t.Errorf("expected total 4, got %d", summary.Total)
	}
	if summary.ByCategory[CategoryParse] != 2 {
		t.Errorf("expected 2 parse errors, got %d", summary.ByCategory[CategoryParse])
	}
	if !summary.HasCode(CodeParseSkip) {
		t.Error("expected parse_skip code")
	}
	if summary.GetExitCode() != 7 {
		t.Errorf("expected exit code 7, got %d", summary.GetExitCode())
	}
	want := "4 errors occurred (authority: 1, file: 1, parse: 2)"
	if summary.Error() != want {
		t.Errorf("got %q, want %q", summary.Error(), want)
	}
}

func TestEmptyErrorSummary(t *testing.T) {
	summary := NewErrorSummary(nil)

	if summary.Error() != "no errors" {
		t.Errorf("expected 'no errors', got '%s'", summary.Error())
	}
	if summary.GetExitCode() != 0 {
		t.Errorf("expected exit code 0, got %d", summary.GetExitCode())
	}
}

func TestWrapIfNeeded(t *testing.T) {
	reconcilerErr := New(CategoryFile, CodeFileNotFound, "test")
	genericErr := errors.New("generic error")

	if WrapIfNeeded(reconcilerErr, CategoryParse, CodeInvalidFormat, "wrapped") != reconcilerErr {
		t.Error("expected WrapIfNeeded to return original ReconcilerError")
	}

	result := WrapIfNeeded(genericErr, CategoryParse, CodeInvalidFormat, "wrapped")
	if result.Cause != genericErr {
		t.Error("expected WrapIfNeeded to wrap generic error")
	}

	if WrapIfNeeded(nil, CategoryParse, CodeInvalidFormat, "wrapped") != nil {
		t.Error("expected WrapIfNeeded to return nil for nil input")
	}
}

func TestParseSkipCollector(t *testing.T) {
	c := NewParseSkipCollector("bbva.txt")
	c.Add(4, "  PAGINA 1 DE 3 ", SkipNoTemplate, "")
	c.Add(9, "ENE. 05 PAGO 12,3,4", SkipInvalidAmount, "12,3,4")
	c.Add(12, "otra linea", SkipNoTemplate, "")

	if c.Count() != 3 {
		t.Fatalf("Count() = %d, want 3", c.Count())
	}
	if got := c.ByReason()[SkipNoTemplate]; got != 2 {
		t.Errorf("no_template = %d, want 2", got)
	}

	skips := c.Skips()
	if skips[0].Content != "PAGINA 1 DE 3" {
		t.Errorf("content not trimmed: %q", skips[0].Content)
	}
	if skips[1].Source != "bbva.txt" {
		t.Errorf("source = %q, want bbva.txt", skips[1].Source)
	}

	summary := c.Summary()
	if !summary.HasCode(CodeParseSkip) || summary.Total != 3 {
		t.Errorf("unexpected summary: %+v", summary)
	}

	out := FormatSkipsForUser(skips, 1)
	if !strings.Contains(out, "Skipped 3 lines") || !strings.Contains(out, "... and 1 more") {
		t.Errorf("unexpected format output:\n%s", out)
	}
}
