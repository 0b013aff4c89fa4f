package parsers

import (
	"regexp"
	"strings"
	"unicode"
)

// Line is one logical statement line after reconstruction. Number is the
// 1-based line in the original text where the logical line starts.
type Line struct {
	Number int
	Text   string

	transaction bool
}

var (
	whitespaceRun = regexp.MustCompile(`\s+`)

	transactionStart = regexp.MustCompile(`(?i)^(?:(?:` + monthAlt + `)\.?\s*\d{1,2}|\d{1,2}[-/ ](?:` + monthAlt + `)\b|\d{2}/\d{2}/\d{2,4}\b|(?:` + openingTokens + `)\b)`)

	headerPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^(?:P[AÁ]GINA|PAGE|HOJA)\s*\d+\s*(?:DE|OF|/)\s*\d+$`),
		regexp.MustCompile(`(?i)^(?:FECHA|DATE)\b.*\b(?:SALDO|BALANCE|CARGOS?|ABONOS?|DESCRIPCI[OÓ]N|DESCRIPTION|CONCEPTO)\b`),
		regexp.MustCompile(`(?i)^(?:OPER\.?|LIQ\.?)\s+(?:OPER\.?|LIQ\.?)\b`),
		regexp.MustCompile(`(?i)^(?:ESTADO DE CUENTA|DETALLE DE MOVIMIENTOS|STATEMENT OF ACCOUNT|ACCOUNT STATEMENT)\b`),
		regexp.MustCompile(`(?i)^(?:CONTINUA EN LA SIGUIENTE P[AÁ]GINA|CONTINUED ON NEXT PAGE)\b`),
	}

	delimiterLine = regexp.MustCompile(`^(?:[-=_*+|]\s*){3,}$`)

	noisePatterns = []*regexp.Regexp{
		regexp.MustCompile(`^[\d\s.,]{1,4}$`),
		regexp.MustCompile(`^[|()\[\]\s.:;,'"-]+$`),
	}

	referenceToken = regexp.MustCompile(`^\d+$`)

	amountsOnly = regexp.MustCompile(`^(?:` + amountPattern + `\s*){1,2}$`)

	anyAmount = regexp.MustCompile(amountPattern)

	trailingAmounts = regexp.MustCompile(`\s(?:` + amountPattern + `)(?:\s+` + amountPattern + `)?$`)

	stopPrefixes = regexp.MustCompile(`(?i)^(?:TOTAL|SALDO FINAL|SALDO PROMEDIO|SALDO AL CORTE|RESUMEN|CLOSING BALANCE)\b`)
)

// Reconstructor cleans extracted statement text: it drops table headers,
// page markers and noise, and folds wrapped transaction fragments back into
// one logical line. It is a pure function of its input and idempotent.
type Reconstructor struct {
	config *ParserConfig
}

// NewReconstructor creates a reconstructor. A nil config uses the defaults.
func NewReconstructor(config *ParserConfig) *Reconstructor {
	if config == nil {
		config = DefaultParserConfig()
	}
	return &Reconstructor{config: config}
}

// Reconstruct returns the cleaned text, one logical line per row. Blank lines
// in the output mark places where folding must not continue.
func (r *Reconstructor) Reconstruct(text string) string {
	lines := r.ReconstructLines(text)
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l.Text
	}
	return strings.Join(out, "\n")
}

// ReconstructLines is Reconstruct keeping the original line numbers.
func (r *Reconstructor) ReconstructLines(text string) []Line {
	var (
		out      []Line
		buf      *Line
		absorbed int
	)

	flush := func() {
		if buf != nil {
			out = append(out, *buf)
			buf = nil
		}
	}

	for i, rawLine := range strings.Split(text, "\n") {
		number := i + 1
		line := normalizeText(rawLine)

		switch {
		case line == "" || delimiterLine.MatchString(line):
			flush()
			continue
		case isHeader(line) || isNoise(line):
			continue
		case transactionStart.MatchString(line):
			flush()
			buf = &Line{Number: number, Text: line, transaction: true}
			absorbed = 0
			continue
		}

		if buf != nil && absorbed < r.config.MaxContinuationLines && r.isContinuation(line) {
			buf.Text = joinContinuation(buf.Text, line)
			absorbed++
			continue
		}

		// A free-standing line right after a transaction is fenced off with a
		// blank line so a second pass does not fold it in.
		flush()
		if len(out) > 0 && out[len(out)-1].transaction {
			out = append(out, Line{Number: number, Text: ""})
		}
		out = append(out, Line{Number: number, Text: line})
	}
	flush()

	return out
}

func (r *Reconstructor) isContinuation(line string) bool {
	if stopPrefixes.MatchString(line) {
		return false
	}
	for _, tok := range strings.Fields(line) {
		if len(tok) >= r.config.MinReferenceDigits && referenceToken.MatchString(tok) {
			return true
		}
	}
	if amountsOnly.MatchString(line) || containsKeyword(line, r.config.ContinuationKeywords) {
		return true
	}
	n := len([]rune(line))
	if n < r.config.MinContinuationLength || n > r.config.MaxContinuationLength {
		return false
	}
	return letterRatio(line) >= 0.3
}

// joinContinuation folds cont into row. Reference and beneficiary lines
// printed under a complete row go before the row's trailing amounts so the
// amounts stay at the end of the logical line.
func joinContinuation(row, cont string) string {
	if loc := trailingAmounts.FindStringIndex(row); loc != nil && !anyAmount.MatchString(cont) {
		return row[:loc[0]] + " " + cont + row[loc[0]:]
	}
	return row + " " + cont
}

func normalizeText(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '\uFFFD', '\u200B', '\uFEFF':
			return -1
		case '\u00A0', '\t':
			return ' '
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(s, " "))
}

func isHeader(line string) bool {
	for _, p := range headerPatterns {
		if p.MatchString(line) {
			return true
		}
	}
	return false
}

func isNoise(line string) bool {
	for _, p := range noisePatterns {
		if p.MatchString(line) {
			return true
		}
	}
	return false
}

func letterRatio(s string) float64 {
	var letters, total int
	for _, r := range s {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		if unicode.IsLetter(r) {
			letters++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(letters) / float64(total)
}
