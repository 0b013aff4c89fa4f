package matcher

import (
	"sort"

	"github.com/shopspring/decimal"

	"cfdi-reconciliation-service/internal/models"
)

// InvoiceIndex keeps the invoice pool sorted by total so candidate lookup is
// a range scan instead of a full pass. Invoices removed from the pool stay in
// the slice and are skipped.
type InvoiceIndex struct {
	// AmountRangeIndex holds every invoice sorted by total, then by id
	AmountRangeIndex []*models.Invoice

	removed map[string]bool
}

// IndexStats describes the contents of an index
type IndexStats struct {
	TotalInvoices     int
	AvailableInvoices int
	MinTotal          decimal.Decimal
	MaxTotal          decimal.Decimal
}

// NewInvoiceIndex builds an index over invoices
func NewInvoiceIndex(invoices []*models.Invoice) *InvoiceIndex {
	index := &InvoiceIndex{
		AmountRangeIndex: append([]*models.Invoice(nil), invoices...),
		removed:          make(map[string]bool),
	}

	sort.SliceStable(index.AmountRangeIndex, func(i, j int) bool {
		a, b := index.AmountRangeIndex[i], index.AmountRangeIndex[j]
		if c := a.Total.Cmp(b.Total); c != 0 {
			return c < 0
		}
		return a.ID < b.ID
	})
	return index
}

// InRange returns available invoices whose total lies within tolerance of
// amount, in (total, id) order.
func (ii *InvoiceIndex) InRange(amount, tolerance decimal.Decimal) []*models.Invoice {
	lo := amount.Sub(tolerance)
	hi := amount.Add(tolerance)

	start := sort.Search(len(ii.AmountRangeIndex), func(i int) bool {
		return ii.AmountRangeIndex[i].Total.GreaterThanOrEqual(lo)
	})

	var out []*models.Invoice
	for i := start; i < len(ii.AmountRangeIndex); i++ {
		inv := ii.AmountRangeIndex[i]
		if inv.Total.GreaterThan(hi) {
			break
		}
		if !ii.removed[inv.ID] {
			out = append(out, inv)
		}
	}
	return out
}

// Nearest returns the available invoice with the closest total, for
// diagnostics on unmatched transactions. Nil when the pool is empty.
func (ii *InvoiceIndex) Nearest(amount decimal.Decimal) *models.Invoice {
	i := sort.Search(len(ii.AmountRangeIndex), func(i int) bool {
		return ii.AmountRangeIndex[i].Total.GreaterThanOrEqual(amount)
	})

	var best *models.Invoice
	var bestDiff decimal.Decimal
	consider := func(inv *models.Invoice) {
		diff := inv.Total.Sub(amount).Abs()
		if best == nil || diff.LessThan(bestDiff) {
			best, bestDiff = inv, diff
		}
	}
	for j := i; j < len(ii.AmountRangeIndex); j++ {
		if inv := ii.AmountRangeIndex[j]; !ii.removed[inv.ID] {
			consider(inv)
			break
		}
	}
	for j := i - 1; j >= 0; j-- {
		if inv := ii.AmountRangeIndex[j]; !ii.removed[inv.ID] {
			consider(inv)
			break
		}
	}
	return best
}

// Remove takes an invoice out of the pool
func (ii *InvoiceIndex) Remove(invoiceID string) {
	ii.removed[invoiceID] = true
}

// Available reports whether the invoice is still in the pool
func (ii *InvoiceIndex) Available(invoiceID string) bool {
	return !ii.removed[invoiceID]
}

// Remaining returns available invoices in input order
func (ii *InvoiceIndex) Remaining(invoices []*models.Invoice) []*models.Invoice {
	var out []*models.Invoice
	for _, inv := range invoices {
		if !ii.removed[inv.ID] {
			out = append(out, inv)
		}
	}
	return out
}

// GetIndexStats returns statistics about the index
func (ii *InvoiceIndex) GetIndexStats() IndexStats {
	stats := IndexStats{
		TotalInvoices: len(ii.AmountRangeIndex),
	}
	for _, inv := range ii.AmountRangeIndex {
		if !ii.removed[inv.ID] {
			stats.AvailableInvoices++
		}
	}
	if n := len(ii.AmountRangeIndex); n > 0 {
		stats.MinTotal = ii.AmountRangeIndex[0].Total
		stats.MaxTotal = ii.AmountRangeIndex[n-1].Total
	}
	return stats
}
