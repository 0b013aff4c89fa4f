package matcher

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"cfdi-reconciliation-service/internal/models"
	"cfdi-reconciliation-service/pkg/errors"
	"cfdi-reconciliation-service/pkg/logger"
)

// MatchingEngine is the deterministic tiered matcher
type MatchingEngine struct {
	Config *MatchingConfig
	edges  *EdgeCaseHandler
	logger logger.Logger
}

// MatchResult is the outcome of one deterministic pass
type MatchResult struct {
	Matches        []*models.Match          `json:"matches"`
	Ambiguous      []*models.AmbiguousMatch `json:"ambiguous,omitempty"`
	Unmatched      []*models.Unmatched      `json:"unmatched,omitempty"`
	UnusedInvoices []*models.Invoice        `json:"unused_invoices,omitempty"`
	Duplicates     []DuplicateGroup         `json:"duplicates,omitempty"`
	Summary        MatchSummary             `json:"summary"`
}

// MatchSummary provides aggregate statistics about a pass
type MatchSummary struct {
	TotalTransactions    int                       `json:"total_transactions"`
	EligibleTransactions int                       `json:"eligible_transactions"`
	TotalInvoices        int                       `json:"total_invoices"`
	EligibleInvoices     int                       `json:"eligible_invoices"`
	Matched              int                       `json:"matched"`
	Ambiguous            int                       `json:"ambiguous"`
	Unmatched            int                       `json:"unmatched"`
	ByTier               map[string]int            `json:"by_tier"`
	ByConfidence         map[models.Confidence]int `json:"by_confidence"`
	TotalAmountMatched   decimal.Decimal           `json:"total_amount_matched"`
	TotalAmountUnmatched decimal.Decimal           `json:"total_amount_unmatched"`
}

// NewMatchingEngine creates a new matching engine with the specified configuration
func NewMatchingEngine(config *MatchingConfig) *MatchingEngine {
	if config == nil {
		config = DefaultMatchingConfig()
	}
	return &MatchingEngine{
		Config: config,
		edges:  NewEdgeCaseHandler(config),
		logger: logger.GetGlobalLogger().WithComponent("matcher"),
	}
}

// Match runs one greedy pass over transactions in input order. Opening
// balance rows and transactions that already carry a match are ignored.
// Finding nothing is a valid outcome and never an error.
func (me *MatchingEngine) Match(transactions []*models.Transaction, invoices []*models.Invoice) *MatchResult {
	result := &MatchResult{
		Summary: MatchSummary{
			TotalTransactions:    len(transactions),
			TotalInvoices:        len(invoices),
			ByTier:               make(map[string]int),
			ByConfidence:         make(map[models.Confidence]int),
			TotalAmountMatched:   decimal.Zero,
			TotalAmountUnmatched: decimal.Zero,
		},
	}

	eligible := me.eligibleInvoices(invoices)
	result.Summary.EligibleInvoices = len(eligible)
	index := NewInvoiceIndex(eligible)

	for _, tx := range transactions {
		if tx.IsOpeningBalance || tx.IsMatched() {
			continue
		}
		result.Summary.EligibleTransactions++

		tier, best := me.bestInTiers(tx, index)
		switch {
		case len(best) == 1:
			m := me.newMatch(tx, best[0], tier)
			index.Remove(best[0].ID)
			result.Matches = append(result.Matches, m)
			result.Summary.Matched++
			result.Summary.ByTier[tier.Name]++
			result.Summary.ByConfidence[m.Confidence]++
			result.Summary.TotalAmountMatched = result.Summary.TotalAmountMatched.Add(tx.AbsAmount())
			me.logger.WithFields(logger.Fields{
				"transaction_id": tx.ID,
				"invoice_id":     m.InvoiceID,
				"tier":           tier.Name,
				"confidence":     m.Confidence,
			}).Debug("Matched transaction")

		case len(best) > 1:
			result.Ambiguous = append(result.Ambiguous, &models.AmbiguousMatch{
				Transaction: tx,
				Tier:        tier.Name,
				Candidates:  best,
			})
			result.Summary.Ambiguous++
			result.Summary.TotalAmountUnmatched = result.Summary.TotalAmountUnmatched.Add(tx.AbsAmount())
			me.logger.WithFields(logger.Fields{
				"transaction_id": tx.ID,
				"tier":           tier.Name,
				"candidates":     len(best),
			}).Warn("Ambiguous match left for review")

		default:
			result.Unmatched = append(result.Unmatched, &models.Unmatched{
				Transaction: tx,
				Reason:      string(errors.CodeNoCandidate),
				Diagnostic:  me.diagnose(tx, index),
			})
			result.Summary.Unmatched++
			result.Summary.TotalAmountUnmatched = result.Summary.TotalAmountUnmatched.Add(tx.AbsAmount())
		}
	}

	result.UnusedInvoices = index.Remaining(eligible)
	result.Duplicates = me.edges.DetectDuplicates(transactions).Groups

	me.logger.WithFields(logger.Fields{
		"transactions": result.Summary.EligibleTransactions,
		"invoices":     result.Summary.EligibleInvoices,
		"matched":      result.Summary.Matched,
		"ambiguous":    result.Summary.Ambiguous,
		"unmatched":    result.Summary.Unmatched,
	}).Info("Deterministic matching completed")

	return result
}

// bestInTiers walks the tiers strictest first and returns the first tier
// with candidates together with the invoices minimising (amount, days).
// More than one invoice means an exact tie.
func (me *MatchingEngine) bestInTiers(tx *models.Transaction, index *InvoiceIndex) (Tier, []*models.Invoice) {
	amount := tx.AbsAmount()
	for _, tier := range me.Config.Tiers {
		var best []*models.Invoice
		var bestAmount decimal.Decimal
		bestDays := 0

		for _, inv := range index.InRange(amount, tier.AmountTolerance) {
			if !me.compatible(tx, inv) {
				continue
			}
			diff := amount.Sub(inv.Total).Abs()
			days := me.daysBetween(tx, inv)
			if !tier.Accepts(diff, days) {
				continue
			}

			switch {
			case len(best) == 0:
				best, bestAmount, bestDays = []*models.Invoice{inv}, diff, days
			case diff.LessThan(bestAmount) || (diff.Equal(bestAmount) && days < bestDays):
				best, bestAmount, bestDays = []*models.Invoice{inv}, diff, days
			case diff.Equal(bestAmount) && days == bestDays:
				best = append(best, inv)
			}
		}

		if len(best) > 0 {
			return tier, best
		}
	}
	return Tier{}, nil
}

// Candidates ranks every invoice any tier would accept for tx, strictest
// tier first, then by amount and day difference. It does not consume the
// pool and is meant for manual review.
func (me *MatchingEngine) Candidates(tx *models.Transaction, invoices []*models.Invoice) []*models.Match {
	index := NewInvoiceIndex(me.eligibleInvoices(invoices))
	amount := tx.AbsAmount()

	var out []*models.Match
	for _, inv := range index.InRange(amount, me.Config.Loosest().AmountTolerance) {
		if !me.compatible(tx, inv) {
			continue
		}
		diff := amount.Sub(inv.Total).Abs()
		days := me.daysBetween(tx, inv)
		for _, tier := range me.Config.Tiers {
			if tier.Accepts(diff, days) {
				out = append(out, me.newMatch(tx, inv, tier))
				break
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if c := out[i].AmountDiff.Cmp(out[j].AmountDiff); c != 0 {
			return c < 0
		}
		return out[i].DaysDiff < out[j].DaysDiff
	})
	return out
}

func (me *MatchingEngine) newMatch(tx *models.Transaction, inv *models.Invoice, tier Tier) *models.Match {
	diff := tx.AbsAmount().Sub(inv.Total).Abs()
	days := me.daysBetween(tx, inv)

	m := models.NewMatch(tx, inv, models.MethodExact, tier.Score, Classify(tier.Score, diff, days))
	m.Tier = tier.Name
	m.DaysDiff = days
	m.Reasons = me.generateMatchReasons(tx, inv, tier, diff, days)
	return m
}

func (me *MatchingEngine) eligibleInvoices(invoices []*models.Invoice) []*models.Invoice {
	out := make([]*models.Invoice, 0, len(invoices))
	for _, inv := range invoices {
		if inv.IsCancelled() && !me.Config.IncludeCancelled {
			continue
		}
		out = append(out, inv)
	}
	return out
}

// compatible applies the currency and direction checks
func (me *MatchingEngine) compatible(tx *models.Transaction, inv *models.Invoice) bool {
	if me.Config.RequireSameCurrency && tx.Currency != "" && inv.Currency != "" &&
		!strings.EqualFold(tx.Currency, inv.Currency) {
		return false
	}
	if own := me.Config.OwnRFC; own != "" {
		if tx.Amount.IsNegative() {
			return strings.EqualFold(inv.ReceiverRFC, own)
		}
		return strings.EqualFold(inv.IssuerRFC, own)
	}
	return true
}

func (me *MatchingEngine) daysBetween(tx *models.Transaction, inv *models.Invoice) int {
	return models.DaysBetween(me.Config.NormalizeTime(tx.Date), me.Config.NormalizeTime(inv.IssueDate))
}

// diagnose explains why nothing qualified, naming the closest invoice
func (me *MatchingEngine) diagnose(tx *models.Transaction, index *InvoiceIndex) string {
	loosest := me.Config.Loosest()
	nearest := index.Nearest(tx.AbsAmount())
	if nearest == nil {
		return "no invoices left in the pool"
	}
	diff := tx.AbsAmount().Sub(nearest.Total).Abs()
	days := me.daysBetween(tx, nearest)
	msg := fmt.Sprintf("closest invoice %s (%s) differs by $%s and %d days; loosest tier %s allows $%s and %d days",
		nearest.UUID, nearest.IssuerName, diff.StringFixed(2), days,
		loosest.Name, loosest.AmountTolerance.StringFixed(2), loosest.MaxDays)
	if loosest.Accepts(diff, days) && !me.compatible(tx, nearest) {
		msg += "; rejected by currency or direction check"
	}
	return msg
}

// ValidateConfiguration validates the matching engine configuration
func (me *MatchingEngine) ValidateConfiguration() error {
	return me.Config.Validate()
}

// GetConfiguration returns a copy of the current configuration
func (me *MatchingEngine) GetConfiguration() *MatchingConfig {
	return me.Config.Clone()
}
