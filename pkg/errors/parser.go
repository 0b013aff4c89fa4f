package errors

import (
	"fmt"
	"sort"
	"strings"
)

// SkipReason classifies why a statement line produced no transaction.
type SkipReason string

const (
	SkipNoTemplate       SkipReason = "no_template"
	SkipInvalidAmount    SkipReason = "invalid_amount"
	SkipInvalidDate      SkipReason = "invalid_date"
	SkipNoAmount         SkipReason = "no_amount"
	SkipDuplicateOpening SkipReason = "duplicate_opening"
)

// ParseSkip records one line the statement parser could not turn into a
// transaction. Skips never abort a batch.
type ParseSkip struct {
	Source  string     `json:"source,omitempty"`
	Line    int        `json:"line"`
	Content string     `json:"content"`
	Reason  SkipReason `json:"reason"`
	Detail  string     `json:"detail,omitempty"`
}

// Error implements the error interface so a skip can travel through error
// channels when needed.
func (s ParseSkip) Error() string {
	location := fmt.Sprintf("line %d", s.Line)
	if s.Source != "" {
		location = fmt.Sprintf("%s:%d", s.Source, s.Line)
	}
	if s.Detail != "" {
		return fmt.Sprintf("%s skipped (%s: %s): %q", location, s.Reason, s.Detail, s.Content)
	}
	return fmt.Sprintf("%s skipped (%s): %q", location, s.Reason, s.Content)
}

// AsReconcilerError converts the skip into the common taxonomy.
func (s ParseSkip) AsReconcilerError() *ReconcilerError {
	return New(CategoryParse, CodeParseSkip, s.Error()).
		WithContext("source", s.Source).
		WithContext("line", s.Line).
		WithContext("reason", string(s.Reason))
}

// ParseSkipCollector accumulates skips for one statement. The zero value is
// ready to use; it is not safe for concurrent use.
type ParseSkipCollector struct {
	source string
	skips  []ParseSkip
}

// NewParseSkipCollector creates a collector tagging skips with source.
func NewParseSkipCollector(source string) *ParseSkipCollector {
	return &ParseSkipCollector{source: source}
}

// Add records a skipped line.
func (c *ParseSkipCollector) Add(line int, content string, reason SkipReason, detail string) {
	c.skips = append(c.skips, ParseSkip{
		Source:  c.source,
		Line:    line,
		Content: strings.TrimSpace(content),
		Reason:  reason,
		Detail:  detail,
	})
}

// Count returns the number of collected skips
func (c *ParseSkipCollector) Count() int {
	return len(c.skips)
}

// Skips returns all collected skips in the order they were added
func (c *ParseSkipCollector) Skips() []ParseSkip {
	out := make([]ParseSkip, len(c.skips))
	copy(out, c.skips)
	return out
}

// ByReason counts skips per reason
func (c *ParseSkipCollector) ByReason() map[SkipReason]int {
	counts := make(map[SkipReason]int)
	for _, s := range c.skips {
		counts[s.Reason]++
	}
	return counts
}

// Summary converts the skips into an ErrorSummary.
func (c *ParseSkipCollector) Summary() *ErrorSummary {
	errs := make([]*ReconcilerError, len(c.skips))
	for i, s := range c.skips {
		errs[i] = s.AsReconcilerError()
	}
	return NewErrorSummary(errs)
}

// FormatSkipsForUser renders skips grouped by reason, showing at most
// maxPerReason examples for each.
func FormatSkipsForUser(skips []ParseSkip, maxPerReason int) string {
	if len(skips) == 0 {
		return "No skipped lines"
	}

	grouped := make(map[SkipReason][]ParseSkip)
	for _, s := range skips {
		grouped[s.Reason] = append(grouped[s.Reason], s)
	}
	reasons := make([]string, 0, len(grouped))
	for r := range grouped {
		reasons = append(reasons, string(r))
	}
	sort.Strings(reasons)

	lines := []string{fmt.Sprintf("Skipped %d lines:", len(skips))}
	for _, r := range reasons {
		group := grouped[SkipReason(r)]
		lines = append(lines, fmt.Sprintf("  %s (%d)", r, len(group)))
		for i, s := range group {
			if i == maxPerReason {
				lines = append(lines, fmt.Sprintf("    ... and %d more", len(group)-maxPerReason))
				break
			}
			lines = append(lines, fmt.Sprintf("    line %d: %s", s.Line, s.Content))
		}
	}
	return strings.Join(lines, "\n")
}
