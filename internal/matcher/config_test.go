package matcher

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestMatchingConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *MatchingConfig)
		wantErr bool
	}{
		{"default", func(c *MatchingConfig) {}, false},
		{"strict", func(c *MatchingConfig) { c.Tiers = c.Tiers[:2] }, false},
		{"no tiers", func(c *MatchingConfig) { c.Tiers = nil }, true},
		{"unnamed tier", func(c *MatchingConfig) { c.Tiers[1].Name = " " }, true},
		{"duplicate name", func(c *MatchingConfig) { c.Tiers[1].Name = TierPerfect }, true},
		{"negative tolerance", func(c *MatchingConfig) { c.Tiers[0].AmountTolerance = decimal.NewFromInt(-1) }, true},
		{"negative days", func(c *MatchingConfig) { c.Tiers[0].MaxDays = -1 }, true},
		{"zero score", func(c *MatchingConfig) { c.Tiers[3].Score = 0 }, true},
		{"tighter after looser", func(c *MatchingConfig) { c.Tiers[2].AmountTolerance = decimal.NewFromInt(1) }, true},
		{"score increases", func(c *MatchingConfig) { c.Tiers[2].Score = 0.95 }, true},
		{"threshold out of range", func(c *MatchingConfig) { c.NameSimilarityThreshold = 1.5 }, true},
		{"bad business timezone", func(c *MatchingConfig) {
			c.TimezoneHandling = TimezoneBusiness
			c.BusinessTimezone = "Mars/Olympus"
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultMatchingConfig()
			tt.mutate(config)
			err := config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMatchingConfig_Clone(t *testing.T) {
	original := DefaultMatchingConfig()
	clone := original.Clone()
	clone.Tiers[0].MaxDays = 9
	clone.OwnRFC = "OTE130508JZ6"

	if original.Tiers[0].MaxDays != 1 {
		t.Errorf("clone shares tiers with original")
	}
	if original.OwnRFC != "" {
		t.Errorf("clone shares fields with original")
	}
}

func TestMatchingConfig_NormalizeTime(t *testing.T) {
	// 23:30 in Mexico City on the 10th is already the 11th in UTC.
	mx, err := time.LoadLocation("America/Mexico_City")
	if err != nil {
		t.Skipf("timezone data unavailable: %v", err)
	}
	local := time.Date(2025, 1, 10, 23, 30, 0, 0, mx)

	tests := []struct {
		mode    TimezoneMode
		wantDay int
	}{
		{TimezoneIgnore, 10},
		{TimezoneUTC, 11},
		{TimezoneBusiness, 10},
	}

	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			config := DefaultMatchingConfig()
			config.TimezoneHandling = tt.mode
			if got := config.NormalizeTime(local).Day(); got != tt.wantDay {
				t.Errorf("NormalizeTime day = %d, want %d", got, tt.wantDay)
			}
		})
	}
}

func TestTier_Accepts(t *testing.T) {
	tier := DefaultTiers()[1]
	tests := []struct {
		amount string
		days   int
		want   bool
	}{
		{"0", 0, true},
		{"2.00", 2, true},
		{"2.01", 0, false},
		{"0", 3, false},
	}
	for _, tt := range tests {
		if got := tier.Accepts(dec(tt.amount), tt.days); got != tt.want {
			t.Errorf("%s.Accepts(%s, %d) = %v, want %v", tier, tt.amount, tt.days, got, tt.want)
		}
	}
}
