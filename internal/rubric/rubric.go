// Package rubric defines the fixed grading criteria and the banding scale
// every score display is derived from.
package rubric

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Criterion names one of the fixed rubric criteria.
type Criterion string

const (
	BusinessValueArticulation Criterion = "business_value_articulation"
	AudienceAdaptation        Criterion = "audience_adaptation"
	HandlingObjections        Criterion = "handling_objections"
	ClarityAndStructure       Criterion = "clarity_and_structure"
	HonestyAndLimitations     Criterion = "honesty_and_limitations"
	ActionableRecommendation  Criterion = "actionable_recommendation"
)

// Criteria lists every criterion in display order.
var Criteria = []Criterion{
	BusinessValueArticulation,
	AudienceAdaptation,
	HandlingObjections,
	ClarityAndStructure,
	HonestyAndLimitations,
	ActionableRecommendation,
}

var labels = map[Criterion]string{
	BusinessValueArticulation: "Business Value Articulation",
	AudienceAdaptation:        "Audience Adaptation",
	HandlingObjections:        "Handling Objections",
	ClarityAndStructure:       "Clarity and Structure",
	HonestyAndLimitations:     "Honesty and Limitations",
	ActionableRecommendation:  "Actionable Recommendation",
}

// DefaultMaxScores are the reference maxima used when seeding scenarios.
// Grades carry their own max scores and never read this table.
var DefaultMaxScores = map[Criterion]float64{
	BusinessValueArticulation: 25,
	AudienceAdaptation:        20,
	HandlingObjections:        20,
	ClarityAndStructure:       15,
	HonestyAndLimitations:     10,
	ActionableRecommendation:  10,
}

// Valid reports whether c is one of the fixed criteria.
func (c Criterion) Valid() bool {
	_, ok := labels[c]
	return ok
}

// Label returns the English display label for c.
func (c Criterion) Label() string {
	if l, ok := labels[c]; ok {
		return l
	}
	return string(c)
}

// Parse converts a name into a Criterion.
func Parse(name string) (Criterion, error) {
	c := Criterion(strings.TrimSpace(strings.ToLower(name)))
	if !c.Valid() {
		return "", fmt.Errorf("unknown criterion %q", name)
	}
	return c, nil
}

// ValidateSet checks that keys contain exactly the fixed criteria.
func ValidateSet(keys []Criterion) error {
	seen := make(map[Criterion]bool, len(keys))
	var extra []string
	for _, k := range keys {
		if !k.Valid() {
			extra = append(extra, string(k))
			continue
		}
		seen[k] = true
	}
	var missing []string
	for _, c := range Criteria {
		if !seen[c] {
			missing = append(missing, string(c))
		}
	}
	if len(missing) == 0 && len(extra) == 0 {
		return nil
	}
	sort.Strings(extra)
	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "missing "+strings.Join(missing, ", "))
	}
	if len(extra) > 0 {
		parts = append(parts, "unknown "+strings.Join(extra, ", "))
	}
	return fmt.Errorf("criterion set: %s", strings.Join(parts, "; "))
}

// Band is a qualitative tier of a score fraction.
type Band string

const (
	BandLow  Band = "low"
	BandMid  Band = "mid"
	BandHigh Band = "high"
)

// Percent returns score as a percentage of maxScore. A non-positive maximum yields 0.
func Percent(score, maxScore float64) float64 {
	if maxScore <= 0 {
		return 0
	}
	return score * 100 / maxScore
}

// BandOf maps a score to its band: below 60% is low, 60 to 79% is mid, 80% and above is high.
func BandOf(score, maxScore float64) Band {
	p := Percent(score, maxScore)
	switch {
	case p >= 80:
		return BandHigh
	case p >= 60:
		return BandMid
	default:
		return BandLow
	}
}

// Round1 rounds to one decimal place.
func Round1(v float64) float64 {
	return math.Round(v*10) / 10
}
