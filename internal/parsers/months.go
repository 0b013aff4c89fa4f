package parsers

import (
	"sort"
	"strings"
	"time"
)

// monthNames maps every spelling seen on Mexican and US statements to a month.
var monthNames = map[string]time.Month{
	"ENE": time.January, "ENERO": time.January, "JAN": time.January, "JANUARY": time.January,
	"FEB": time.February, "FEBRERO": time.February, "FEBRUARY": time.February,
	"MAR": time.March, "MARZO": time.March, "MARCH": time.March,
	"ABR": time.April, "ABRIL": time.April, "APR": time.April, "APRIL": time.April,
	"MAY": time.May, "MAYO": time.May,
	"JUN": time.June, "JUNIO": time.June, "JUNE": time.June,
	"JUL": time.July, "JULIO": time.July, "JULY": time.July,
	"AGO": time.August, "AGOSTO": time.August, "AUG": time.August, "AUGUST": time.August,
	"SEP": time.September, "SEPT": time.September, "SEPTIEMBRE": time.September, "SETIEMBRE": time.September, "SEPTEMBER": time.September,
	"OCT": time.October, "OCTUBRE": time.October, "OCTOBER": time.October,
	"NOV": time.November, "NOVIEMBRE": time.November, "NOVEMBER": time.November,
	"DIC": time.December, "DICIEMBRE": time.December, "DEC": time.December, "DECEMBER": time.December,
}

// lookupMonth resolves a month token, ignoring case and a trailing dot.
func lookupMonth(token string) (time.Month, bool) {
	m, ok := monthNames[strings.TrimSuffix(strings.ToUpper(strings.TrimSpace(token)), ".")]
	return m, ok
}

// monthAlternation returns the regex alternation of all month spellings,
// longest first so "SEPTIEMBRE" wins over "SEP".
func monthAlternation() string {
	names := make([]string, 0, len(monthNames))
	for name := range monthNames {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) > len(names[j])
		}
		return names[i] < names[j]
	})
	return strings.Join(names, "|")
}

// inferYear picks the year for a day/month without year. Statement periods
// that cross a year boundary put December rows in the previous year.
func inferYear(month time.Month, periodStart, periodEnd time.Time, fallback int) int {
	if periodEnd.IsZero() {
		if !periodStart.IsZero() {
			return periodStart.Year()
		}
		return fallback
	}
	if month > periodEnd.Month() {
		return periodEnd.Year() - 1
	}
	return periodEnd.Year()
}

// normalizeYear expands two-digit years.
func normalizeYear(y int) int {
	if y < 100 {
		return 2000 + y
	}
	return y
}
