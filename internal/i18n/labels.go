package i18n

import (
	"context"
	"strings"
	"unicode"

	"github.com/pavelanni/roleplay/internal/cohort"
	"github.com/pavelanni/roleplay/internal/model"
	"github.com/pavelanni/roleplay/internal/rubric"
)

// ReasonLabel returns the student-facing text for an eligibility reason.
func ReasonLabel(ctx context.Context, r model.Reason) string {
	return T(ctx, "Reason"+camel(string(r)))
}

// BandLabel returns the display name of a score band.
func BandLabel(ctx context.Context, b rubric.Band) string {
	return T(ctx, "Band"+camel(string(b)))
}

// CriterionLabel returns the display name of a rubric criterion.
func CriterionLabel(ctx context.Context, c rubric.Criterion) string {
	return T(ctx, "Criterion"+camel(string(c)))
}

// BucketLabel returns the display name of a distribution bucket. Numeric
// ranges are shown as is.
func BucketLabel(ctx context.Context, b cohort.Bucket) string {
	if b == cohort.BucketBelow60 {
		return T(ctx, "BucketBelow60")
	}
	return string(b)
}

// AttentionLabel explains why a student was flagged.
func AttentionLabel(ctx context.Context, reason string, threshold float64) string {
	return Td(ctx, "Attention"+camel(reason), map[string]any{"Threshold": threshold})
}

// AttemptsRemaining renders the pluralized remaining-attempts line.
func AttemptsRemaining(ctx context.Context, n int) string {
	return Tp(ctx, "AttemptsRemaining", n)
}

// camel turns snake_case codes into the CamelCase message ID suffix.
func camel(code string) string {
	var sb strings.Builder
	for _, part := range strings.Split(code, "_") {
		if part == "" {
			continue
		}
		r := []rune(part)
		r[0] = unicode.ToUpper(r[0])
		sb.WriteString(string(r))
	}
	return sb.String()
}
