package matcher

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
	"github.com/texttheater/golang-levenshtein/levenshtein"

	"cfdi-reconciliation-service/internal/models"
)

// NameSimilarity scores how well a bank description covers a counterparty
// name. Each name token of three or more characters is compared with its
// closest description token by Levenshtein ratio and the ratios are
// averaged. The result is in [0, 1].
func NameSimilarity(description, name string) float64 {
	descTokens := tokens(description)
	nameTokens := tokens(name)
	if len(descTokens) == 0 || len(nameTokens) == 0 {
		return 0
	}

	var sum float64
	var counted int
	for _, nt := range nameTokens {
		if len(nt) < 3 {
			continue
		}
		best := 0.0
		for _, dt := range descTokens {
			if r := levenshtein.RatioForStrings(nt, dt, levenshtein.DefaultOptions); r > best {
				best = r
			}
		}
		sum += best
		counted++
	}
	if counted == 0 {
		return 0
	}
	return sum / float64(counted)
}

// tokens splits s into uppercase alphanumeric runs
func tokens(s string) [][]rune {
	fields := strings.FieldsFunc(strings.ToUpper(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make([][]rune, len(fields))
	for i, f := range fields {
		out[i] = []rune(f)
	}
	return out
}

// generateMatchReasons explains an accepted pairing for the review UI
func (me *MatchingEngine) generateMatchReasons(tx *models.Transaction, inv *models.Invoice, tier Tier, amountDiff decimal.Decimal, days int) []string {
	var reasons []string

	if amountDiff.IsZero() {
		reasons = append(reasons, "Exact amount match")
	} else {
		reasons = append(reasons, fmt.Sprintf("Amount differs by $%s (tier %s allows $%s)",
			amountDiff.StringFixed(2), tier.Name, tier.AmountTolerance.StringFixed(2)))
	}

	switch days {
	case 0:
		reasons = append(reasons, "Same date")
	case 1:
		reasons = append(reasons, "1 day apart")
	default:
		reasons = append(reasons, fmt.Sprintf("%d days apart", days))
	}

	name := inv.CounterpartyName(me.Config.OwnRFC)
	if sim := NameSimilarity(tx.Description, name); sim >= me.Config.NameSimilarityThreshold && sim > 0 {
		reasons = append(reasons, fmt.Sprintf("Description resembles %s (%.2f)", name, sim))
	}

	if me.Config.OwnRFC != "" {
		if tx.Amount.IsNegative() {
			reasons = append(reasons, "Outflow pays a received invoice")
		} else {
			reasons = append(reasons, "Inflow collects an issued invoice")
		}
	}

	return reasons
}
