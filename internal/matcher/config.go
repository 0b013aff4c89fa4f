// Package matcher pairs bank transactions with CFDI invoices using tiered
// amount and date tolerances.
//
// Tiers are evaluated from strictest to loosest. The first tier that yields
// at least one candidate decides the transaction; a transaction matched at a
// strict tier is never looked at again by a looser one. Within a tier the
// invoice with the smallest amount difference wins, then the smallest day
// difference. An exact tie is not resolved: it is reported as an
// AmbiguousMatch for manual review.
//
// Assignment is greedy and single pass in transaction order. Each accepted
// pairing removes the invoice from the pool, so a locally best match can
// block a better global pairing. This is a known limitation.
//
// Example usage:
//
//	engine := matcher.NewMatchingEngine(matcher.DefaultMatchingConfig())
//	result := engine.Match(transactions, invoices)
//	for _, m := range result.Matches {
//		fmt.Println(m.TransactionID, m.InvoiceID, m.Tier, m.Confidence)
//	}
package matcher

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TimezoneMode defines how dates are normalised before day differences are
// computed.
type TimezoneMode int

const (
	// TimezoneIgnore compares calendar dates as written. Statement dates carry
	// no time of day, so this is the default.
	TimezoneIgnore TimezoneMode = iota

	// TimezoneUTC converts both sides to UTC first.
	TimezoneUTC

	// TimezoneBusiness converts both sides to BusinessTimezone first. CFDI
	// issue dates are local Mexican time.
	TimezoneBusiness
)

// String returns the string representation of TimezoneMode
func (tm TimezoneMode) String() string {
	switch tm {
	case TimezoneIgnore:
		return "Ignore"
	case TimezoneUTC:
		return "UTC"
	case TimezoneBusiness:
		return "Business"
	default:
		return "Unknown"
	}
}

// Tier is one row of the tolerance table.
type Tier struct {
	Name string `json:"name"`
	// Score is reported as the match score for pairs accepted at this tier.
	Score float64 `json:"score"`
	// AmountTolerance is the maximum | |amount| - total | in currency units.
	AmountTolerance decimal.Decimal `json:"amount_tolerance"`
	// MaxDays is the maximum calendar-day distance.
	MaxDays int `json:"max_days"`
}

// Accepts reports whether the differences fall within the tier.
func (t Tier) Accepts(amountDiff decimal.Decimal, days int) bool {
	return amountDiff.LessThanOrEqual(t.AmountTolerance) && days <= t.MaxDays
}

func (t Tier) String() string {
	return fmt.Sprintf("%s(<=$%s, <=%dd)", t.Name, t.AmountTolerance.StringFixed(2), t.MaxDays)
}

// Tier names
const (
	TierPerfect = "perfect"
	TierHigh    = "high"
	TierMedium  = "medium"
	TierLow     = "low"
)

// DefaultTiers returns the standard tolerance table, strictest first.
func DefaultTiers() []Tier {
	return []Tier{
		{Name: TierPerfect, Score: 1.0, AmountTolerance: decimal.Zero, MaxDays: 1},
		{Name: TierHigh, Score: 0.9, AmountTolerance: decimal.NewFromInt(2), MaxDays: 2},
		{Name: TierMedium, Score: 0.8, AmountTolerance: decimal.NewFromInt(5), MaxDays: 3},
		{Name: TierLow, Score: 0.7, AmountTolerance: decimal.NewFromInt(10), MaxDays: 5},
	}
}

// MatchingConfig holds the parameters of the deterministic matcher.
type MatchingConfig struct {
	// Tiers ordered from strictest to loosest
	Tiers []Tier `json:"tiers"`

	// OwnRFC enables the direction check: outflows pay invoices received by
	// OwnRFC, inflows collect invoices issued by it. Empty disables the check.
	OwnRFC string `json:"own_rfc"`

	// IncludeCancelled lets cancelled invoices take part in matching
	IncludeCancelled bool `json:"include_cancelled"`

	// RequireSameCurrency rejects pairs whose currencies are both set and differ
	RequireSameCurrency bool `json:"require_same_currency"`

	// TimezoneHandling defines how to handle timezone differences
	TimezoneHandling TimezoneMode `json:"timezone_handling"`

	// BusinessTimezone is used with TimezoneBusiness
	BusinessTimezone string `json:"business_timezone"`

	// NameSimilarityThreshold is the Levenshtein ratio at which a reason
	// mentions that the description resembles the counterparty name.
	NameSimilarityThreshold float64 `json:"name_similarity_threshold"`
}

// DefaultMatchingConfig returns a configuration with the standard tier table
func DefaultMatchingConfig() *MatchingConfig {
	return &MatchingConfig{
		Tiers:                   DefaultTiers(),
		RequireSameCurrency:     true,
		TimezoneHandling:        TimezoneIgnore,
		BusinessTimezone:        "America/Mexico_City",
		NameSimilarityThreshold: 0.6,
	}
}

// StrictMatchingConfig only accepts the perfect and high tiers
func StrictMatchingConfig() *MatchingConfig {
	config := DefaultMatchingConfig()
	config.Tiers = config.Tiers[:2]
	return config
}

// Validate checks the tier table and the timezone settings. Tiers must be
// non-empty, uniquely named, and loosen monotonically.
func (mc *MatchingConfig) Validate() error {
	if len(mc.Tiers) == 0 {
		return fmt.Errorf("at least one tier is required")
	}

	seen := make(map[string]bool, len(mc.Tiers))
	for i, t := range mc.Tiers {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return fmt.Errorf("tier %d has no name", i)
		}
		if seen[name] {
			return fmt.Errorf("duplicate tier name %q", name)
		}
		seen[name] = true

		if t.AmountTolerance.IsNegative() {
			return fmt.Errorf("tier %s: amount tolerance cannot be negative: %s", name, t.AmountTolerance)
		}
		if t.MaxDays < 0 {
			return fmt.Errorf("tier %s: max days cannot be negative: %d", name, t.MaxDays)
		}
		if t.Score <= 0 || t.Score > 1 {
			return fmt.Errorf("tier %s: score must be in (0, 1]: %f", name, t.Score)
		}
		if i > 0 {
			prev := mc.Tiers[i-1]
			if t.AmountTolerance.LessThan(prev.AmountTolerance) || t.MaxDays < prev.MaxDays {
				return fmt.Errorf("tier %s is stricter than the preceding tier %s", name, prev.Name)
			}
			if t.Score > prev.Score {
				return fmt.Errorf("tier %s scores higher than the preceding tier %s", name, prev.Name)
			}
		}
	}

	if mc.NameSimilarityThreshold < 0 || mc.NameSimilarityThreshold > 1 {
		return fmt.Errorf("name similarity threshold must be between 0.0 and 1.0: %f", mc.NameSimilarityThreshold)
	}

	if mc.TimezoneHandling == TimezoneBusiness {
		if _, err := time.LoadLocation(mc.BusinessTimezone); err != nil {
			return fmt.Errorf("invalid business timezone '%s': %w", mc.BusinessTimezone, err)
		}
	}

	return nil
}

// Loosest returns the last tier, which bounds every candidate search
func (mc *MatchingConfig) Loosest() Tier {
	return mc.Tiers[len(mc.Tiers)-1]
}

// Clone creates a deep copy of the matching configuration
func (mc *MatchingConfig) Clone() *MatchingConfig {
	if mc == nil {
		return nil
	}
	clone := *mc
	clone.Tiers = append([]Tier(nil), mc.Tiers...)
	return &clone
}

// NormalizeTime normalizes time according to the timezone handling configuration
func (mc *MatchingConfig) NormalizeTime(t time.Time) time.Time {
	switch mc.TimezoneHandling {
	case TimezoneUTC:
		return t.UTC()
	case TimezoneBusiness:
		if loc, err := time.LoadLocation(mc.BusinessTimezone); err == nil {
			return t.In(loc)
		}
		return t.UTC()
	default:
		return t
	}
}

// String returns a human-readable description of the configuration
func (mc *MatchingConfig) String() string {
	tiers := make([]string, len(mc.Tiers))
	for i, t := range mc.Tiers {
		tiers[i] = t.String()
	}
	return fmt.Sprintf("MatchingConfig{Tiers: [%s], OwnRFC: %q, Timezone: %s}",
		strings.Join(tiers, " "), mc.OwnRFC, mc.TimezoneHandling)
}
