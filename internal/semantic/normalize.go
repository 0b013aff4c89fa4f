package semantic

import (
	"fmt"
	"os"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

// NoiseRules lists the fragments stripped from descriptions and names
// before they are compared
type NoiseRules struct {
	// Prefixes are payment processor markers removed wherever they occur,
	// e.g. "STRIPE *".
	Prefixes []string `yaml:"prefixes"`
	// Tokens are dropped anywhere in the text.
	Tokens []string `yaml:"tokens"`
	// TrailingTokens are dropped repeatedly from the end: country codes and
	// corporate suffixes such as SA DE CV.
	TrailingTokens []string `yaml:"trailing_tokens"`
}

// DefaultNoiseRules returns the built-in rule set
func DefaultNoiseRules() *NoiseRules {
	return &NoiseRules{
		Prefixes: []string{"STRIPE *", "PAYPAL *", "SQ *", "MERPAGO*", "DLO*", "GOOGLE *", "APPLE.COM/BILL"},
		Tokens:   []string{"VISA", "MC", "MASTERCARD", "AMEX", "POS", "COMPRA", "CARGO", "SPEI", "TEF", "PAGO"},
		TrailingTokens: []string{
			"MX", "MEX", "MEXICO", "USA", "US", "CDMX",
			"SA", "DE", "CV", "SAPI", "RL", "SC", "S", "A", "C", "V",
		},
	}
}

// LoadNoiseRules reads a YAML rules file. Sections missing from the file keep
// their default values.
func LoadNoiseRules(path string) (*NoiseRules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read noise rules %s: %w", path, err)
	}

	rules := DefaultNoiseRules()
	var file NoiseRules
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse noise rules %s: %w", path, err)
	}
	if file.Prefixes != nil {
		rules.Prefixes = file.Prefixes
	}
	if file.Tokens != nil {
		rules.Tokens = file.Tokens
	}
	if file.TrailingTokens != nil {
		rules.TrailingTokens = file.TrailingTokens
	}
	return rules, nil
}

// Normalizer turns free text into the comparable form used by encoders
type Normalizer struct {
	prefixes []string
	tokens   map[string]bool
	trailing map[string]bool
}

// NewNormalizer builds a normalizer; nil rules means DefaultNoiseRules
func NewNormalizer(rules *NoiseRules) *Normalizer {
	if rules == nil {
		rules = DefaultNoiseRules()
	}
	n := &Normalizer{
		tokens:   make(map[string]bool, len(rules.Tokens)),
		trailing: make(map[string]bool, len(rules.TrailingTokens)),
	}
	for _, p := range rules.Prefixes {
		if p = strings.ToUpper(strings.TrimSpace(p)); p != "" {
			n.prefixes = append(n.prefixes, p)
		}
	}
	for _, t := range rules.Tokens {
		n.tokens[strings.ToUpper(t)] = true
	}
	for _, t := range rules.TrailingTokens {
		n.trailing[strings.ToUpper(t)] = true
	}
	return n
}

// Normalize uppercases s, removes processor prefixes and noise tokens, and
// collapses punctuation to single spaces. Trailing stripping always leaves
// one token, so a bare "MEXICO" survives.
func (n *Normalizer) Normalize(s string) string {
	s = strings.ToUpper(s)
	for _, p := range n.prefixes {
		s = strings.ReplaceAll(s, p, " ")
	}

	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	kept := fields[:0]
	for _, f := range fields {
		if !n.tokens[f] {
			kept = append(kept, f)
		}
	}
	for len(kept) > 1 && n.trailing[kept[len(kept)-1]] {
		kept = kept[:len(kept)-1]
	}
	return strings.Join(kept, " ")
}
