package matcher

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"cfdi-reconciliation-service/internal/models"
)

// duplicateDescriptionThreshold is the NameSimilarity above which two
// descriptions on the same day and amount are flagged as one payment
const duplicateDescriptionThreshold = 0.8

// EdgeCaseHandler flags inputs that usually indicate a data problem rather
// than a matching one: repeated statement rows and repeated invoices.
type EdgeCaseHandler struct {
	Config *MatchingConfig
}

// NewEdgeCaseHandler creates a new edge case handler
func NewEdgeCaseHandler(config *MatchingConfig) *EdgeCaseHandler {
	return &EdgeCaseHandler{
		Config: config,
	}
}

// DuplicateDetectionResult represents the result of duplicate detection
type DuplicateDetectionResult struct {
	Groups []DuplicateGroup `json:"groups"`
}

// DuplicateGroup is a set of records that look like the same payment or
// the same invoice
type DuplicateGroup struct {
	GroupID      string                `json:"group_id"`
	Transactions []*models.Transaction `json:"transactions,omitempty"`
	Invoices     []*models.Invoice     `json:"invoices,omitempty"`
	Confidence   float64               `json:"confidence"`
	Reason       string                `json:"reason"`
}

// DetectDuplicates groups transactions with the same signed amount on the
// same normalized day whose descriptions are near identical. Opening
// balance rows are ignored.
func (ech *EdgeCaseHandler) DetectDuplicates(transactions []*models.Transaction) *DuplicateDetectionResult {
	result := &DuplicateDetectionResult{}
	processed := make(map[string]bool)

	for i, tx1 := range transactions {
		if processed[tx1.ID] || tx1.IsOpeningBalance {
			continue
		}

		duplicates := []*models.Transaction{tx1}
		for j := i + 1; j < len(transactions); j++ {
			tx2 := transactions[j]
			if processed[tx2.ID] || tx2.IsOpeningBalance {
				continue
			}
			if ech.isPotentialDuplicate(tx1, tx2) {
				duplicates = append(duplicates, tx2)
				processed[tx2.ID] = true
			}
		}
		processed[tx1.ID] = true

		if len(duplicates) > 1 {
			result.Groups = append(result.Groups, DuplicateGroup{
				GroupID:      fmt.Sprintf("DUP_%s", tx1.ID),
				Transactions: duplicates,
				Confidence:   ech.calculateDuplicateConfidence(duplicates),
				Reason: fmt.Sprintf("%d transactions of %s on %s with matching descriptions",
					len(duplicates), tx1.Amount.StringFixed(2), tx1.Date.Format("2006-01-02")),
			})
		}
	}
	return result
}

// DetectDuplicateInvoices groups invoices that share issuer, receiver, total
// and issue day under different UUIDs. Cancelled invoices are ignored since a
// cancel-and-reissue legitimately produces this shape.
func (ech *EdgeCaseHandler) DetectDuplicateInvoices(invoices []*models.Invoice) *DuplicateDetectionResult {
	result := &DuplicateDetectionResult{}
	byKey := make(map[string][]*models.Invoice)
	var order []string

	for _, inv := range invoices {
		if inv.IsCancelled() {
			continue
		}
		key := strings.Join([]string{
			strings.ToUpper(inv.IssuerRFC),
			strings.ToUpper(inv.ReceiverRFC),
			inv.Total.StringFixed(2),
			ech.Config.NormalizeTime(inv.IssueDate).Format("2006-01-02"),
		}, "|")
		if _, seen := byKey[key]; !seen {
			order = append(order, key)
		}
		byKey[key] = append(byKey[key], inv)
	}

	for _, key := range order {
		group := byKey[key]
		if len(group) < 2 {
			continue
		}
		result.Groups = append(result.Groups, DuplicateGroup{
			GroupID:    fmt.Sprintf("DUPINV_%s", group[0].ID),
			Invoices:   group,
			Confidence: 0.9,
			Reason: fmt.Sprintf("%d invoices from %s for %s issued the same day",
				len(group), group[0].IssuerRFC, group[0].Total.StringFixed(2)),
		})
	}
	return result
}

func (ech *EdgeCaseHandler) isPotentialDuplicate(tx1, tx2 *models.Transaction) bool {
	if !tx1.Amount.Equal(tx2.Amount) {
		return false
	}
	if models.DaysBetween(ech.Config.NormalizeTime(tx1.Date), ech.Config.NormalizeTime(tx2.Date)) != 0 {
		return false
	}
	if tx1.Reference != "" && tx2.Reference != "" && tx1.Reference != tx2.Reference {
		return false
	}
	return descriptionSimilarity(tx1.Description, tx2.Description) >= duplicateDescriptionThreshold
}

// calculateDuplicateConfidence scores a group against its first member
func (ech *EdgeCaseHandler) calculateDuplicateConfidence(transactions []*models.Transaction) float64 {
	if len(transactions) < 2 {
		return 0.0
	}

	reference := transactions[0]
	total := 0.0
	for _, tx := range transactions[1:] {
		score := 0.5
		if strings.EqualFold(reference.Description, tx.Description) {
			score += 0.3
		} else {
			score += 0.3 * descriptionSimilarity(reference.Description, tx.Description)
		}
		if reference.Reference != "" && reference.Reference == tx.Reference {
			score += 0.2
		}
		total += score
	}
	return total / float64(len(transactions)-1)
}

// descriptionSimilarity is NameSimilarity made symmetric
func descriptionSimilarity(a, b string) float64 {
	if strings.TrimSpace(a) == "" && strings.TrimSpace(b) == "" {
		return 1
	}
	ab := NameSimilarity(a, b)
	ba := NameSimilarity(b, a)
	if ab < ba {
		return ab
	}
	return ba
}

// SumCandidates returns the subsets, in input order, of up to maxParts
// invoices whose totals add up to amount within tolerance. It is the manual
// review aid for one payment settling several invoices; the engine itself
// never pairs one transaction with more than one invoice.
func (ech *EdgeCaseHandler) SumCandidates(amount decimal.Decimal, invoices []*models.Invoice, maxParts int, tolerance decimal.Decimal) [][]*models.Invoice {
	var out [][]*models.Invoice
	var combo []*models.Invoice

	var walk func(start int, total decimal.Decimal)
	walk = func(start int, total decimal.Decimal) {
		if len(combo) >= 2 && total.Sub(amount).Abs().LessThanOrEqual(tolerance) {
			out = append(out, append([]*models.Invoice(nil), combo...))
		}
		if len(combo) == maxParts {
			return
		}
		for i := start; i < len(invoices); i++ {
			next := total.Add(invoices[i].Total)
			if next.Sub(amount).GreaterThan(tolerance) {
				continue
			}
			combo = append(combo, invoices[i])
			walk(i+1, next)
			combo = combo[:len(combo)-1]
		}
	}
	walk(0, decimal.Zero)
	return out
}
