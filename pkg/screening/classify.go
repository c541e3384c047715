// Package screening turns GP model predictions into screening statuses,
// explanations and the flagged patients action list.
package screening

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/viva-health/screening/pkg/common/models"
)

const (
	StatusRoutine       = "Routine"
	StatusUrgent        = "Urgent: high predicted risk"
	StatusGeneticMarker = "Genetic Marker"
	StatusReviewBMI     = "Review: high risk + missing BMI"

	geneticSuffix = " + " + StatusGeneticMarker

	UrgentThreshold = 1.5
	ReviewThreshold = 1.2
)

// Classify applies the flagging rules in order; each later rule sees the
// label left by the earlier ones.
func Classify(multiplier float64, highRiskMarker, hasBMI bool) string {
	status := StatusRoutine
	if multiplier > UrgentThreshold {
		status = StatusUrgent
	}
	if highRiskMarker {
		if status == StatusRoutine {
			status = StatusGeneticMarker
		} else {
			status += geneticSuffix
		}
	}
	// missing BMI makes the estimate unreliable and replaces any earlier label
	if multiplier > ReviewThreshold && !hasBMI {
		status = StatusReviewBMI
	}
	return status
}

func IsFlagged(status string) bool {
	return status != StatusRoutine
}

// RiskPercentage is the increase over population risk, never negative.
func RiskPercentage(multiplier float64) float64 {
	if multiplier <= 1 {
		return 0
	}
	return math.Max(0, Round2((multiplier-1)*100))
}

// FormatPercentage renders 1.8 as "80.0%", 1.5556 as "55.56%" and anything
// at or below 1.0 as "0%".
func FormatPercentage(multiplier float64) string {
	if multiplier <= 1 {
		return "0%"
	}
	s := strconv.FormatFloat(RiskPercentage(multiplier), 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s + "%"
}

// FeatureBreakdown is a fixed rule-of-thumb explanation of what raised a
// patient's risk, ordered by weight. It does not inspect the model.
func FeatureBreakdown(p models.PatientRecord, geneticOrdinal int) []models.FeatureImpact {
	impacts := []models.FeatureImpact{}
	if p.Age > 50 {
		impacts = append(impacts, models.FeatureImpact{Label: "Age Factor", Weight: 0.25})
	}
	if geneticOrdinal != 0 {
		impacts = append(impacts, models.FeatureImpact{Label: "Genetic Marker Found", Weight: 0.60})
	}
	if p.BMI != nil && *p.BMI > 25 {
		impacts = append(impacts, models.FeatureImpact{Label: "BMI/Lifestyle", Weight: 0.15})
	}
	sort.SliceStable(impacts, func(i, j int) bool {
		return impacts[i].Weight > impacts[j].Weight
	})
	return impacts
}

// Round2 rounds half away from zero to two decimals.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
