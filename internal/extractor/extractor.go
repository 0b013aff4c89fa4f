// Package extractor supplies raw statement text to the parser. Plain text
// exports are read as-is; PDFs go through ledongthuc/pdf.
package extractor

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"

	"cfdi-reconciliation-service/pkg/errors"
	"cfdi-reconciliation-service/pkg/logger"
)

// Extractor turns a statement document into the text block the parser consumes.
type Extractor struct {
	logger logger.Logger
}

// New creates an Extractor
func New() *Extractor {
	return &Extractor{logger: logger.GetGlobalLogger().WithComponent("extractor")}
}

// Extract reads the document at path. Pages are separated by a blank line so
// the reconstructor never folds rows across a page break.
func (e *Extractor) Extract(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", errors.FileError(errors.CodeFileNotFound, path, err)
		}
		return "", errors.FileError(errors.CodeFilePermission, path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		pages, err := extractPDF(path)
		if err != nil {
			return "", errors.FileError(errors.CodeFileCorrupted, path, err)
		}
		e.logger.WithFields(logger.Fields{"file": path, "pages": len(pages)}).Debug("Extracted PDF text")
		return strings.Join(pages, "\n\n"), nil
	case ".txt", ".text", "":
		data, err := os.ReadFile(path)
		if err != nil {
			return "", errors.FileError(errors.CodeFilePermission, path, err)
		}
		return strings.ReplaceAll(string(data), "\r\n", "\n"), nil
	default:
		return "", errors.ParseError(errors.CodeInvalidFormat, path,
			fmt.Errorf("unsupported statement extension %q", filepath.Ext(path)))
	}
}

// extractPDF tries row-based extraction first, which keeps table rows
// together, then the reader's plain text.
func extractPDF(path string) (pages []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdf reader panicked: %v", r)
		}
	}()

	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	n := r.NumPage()
	if n == 0 {
		return nil, fmt.Errorf("pdf has no pages")
	}

	for i := 1; i <= n; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		rows, err := page.GetTextByRow()
		if err != nil {
			continue
		}
		lines := make([]string, 0, len(rows))
		for _, row := range rows {
			words := make([]string, 0, len(row.Content))
			for _, w := range row.Content {
				words = append(words, w.S)
			}
			if line := strings.TrimSpace(strings.Join(words, " ")); line != "" {
				lines = append(lines, line)
			}
		}
		if len(lines) > 0 {
			pages = append(pages, strings.Join(lines, "\n"))
		}
	}
	if len(pages) > 0 {
		return pages, nil
	}

	plain, err := r.GetPlainText()
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(plain)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(string(data)) == "" {
		return nil, fmt.Errorf("no text layer found, the statement may be scanned")
	}
	return []string{string(data)}, nil
}
