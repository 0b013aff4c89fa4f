package matcher

import (
	"github.com/shopspring/decimal"

	"cfdi-reconciliation-service/internal/models"
)

// Confidence thresholds shared by every strategy. A label is the best one
// whose score, amount and day bounds are all met.
var (
	highConfidence   = confidenceRule{minScore: 0.75, maxAmount: decimal.NewFromInt(1), maxDays: 3}
	mediumConfidence = confidenceRule{minScore: 0.6, maxAmount: decimal.NewFromInt(5), maxDays: 5}
)

type confidenceRule struct {
	minScore  float64
	maxAmount decimal.Decimal
	maxDays   int
}

func (r confidenceRule) met(score float64, amountDiff decimal.Decimal, days int) bool {
	return score >= r.minScore && amountDiff.LessThanOrEqual(r.maxAmount) && days <= r.maxDays
}

// Classify derives the confidence label from a similarity score and the
// independently computed differences. Deterministic, embedding and AI
// matches all go through it, so consumers never need to know the strategy.
func Classify(score float64, amountDiff decimal.Decimal, days int) models.Confidence {
	amountDiff = amountDiff.Abs()
	switch {
	case highConfidence.met(score, amountDiff, days):
		return models.ConfidenceHigh
	case mediumConfidence.met(score, amountDiff, days):
		return models.ConfidenceMedium
	default:
		return models.ConfidenceLow
	}
}
