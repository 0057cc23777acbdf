// Package comparator implements the four artifact comparison methods used
// to judge actual sandbox outputs against expected outputs.
package comparator

import (
	"fmt"

	"phiacta-verify/internal/models"
)

// Result describes the outcome of comparing expected vs actual output.
type Result struct {
	Matched bool
	Method  models.ComparisonMethod
	// Score is a similarity score between 0.0 (completely different) and
	// 1.0 (identical).
	Score   float64
	Details map[string]any
}

// Options carries method-specific configuration. Zero values select the
// documented defaults.
type Options struct {
	// RTol and ATol are the relative and absolute tolerances for
	// NUMERICAL_TOLERANCE (defaults 1e-10 and 1e-12).
	RTol *float64
	ATol *float64
	// SignificanceLevel is the maximum allowed normalised deviation per
	// summary statistic for STATISTICAL (default 0.05).
	SignificanceLevel *float64
	// Threshold is the minimum byte-similarity ratio for PERCEPTUAL_HASH
	// (default 0.95).
	Threshold *float64
}

// Comparator compares an expected payload against an actual payload.
type Comparator interface {
	Compare(expected, actual []byte, opts Options) Result
}

// ForMethod returns the comparator implementing the given method.
// An unknown method is a programming error in the caller, reported as an
// error rather than a panic so the worker can fail the job cleanly.
func ForMethod(method models.ComparisonMethod) (Comparator, error) {
	switch method {
	case models.CompareExact:
		return exactComparator{}, nil
	case models.CompareNumericalTolerance:
		return numericalComparator{}, nil
	case models.CompareStatistical:
		return statisticalComparator{}, nil
	case models.ComparePerceptualHash:
		return perceptualComparator{}, nil
	default:
		return nil, fmt.Errorf("unknown comparison method %q", method)
	}
}

// OptionsForTolerance maps a job's single tolerance knob onto the option
// the method actually consumes.
func OptionsForTolerance(method models.ComparisonMethod, tolerance *float64) Options {
	if tolerance == nil {
		return Options{}
	}
	switch method {
	case models.CompareNumericalTolerance:
		return Options{RTol: tolerance}
	case models.CompareStatistical:
		return Options{SignificanceLevel: tolerance}
	case models.ComparePerceptualHash:
		return Options{Threshold: tolerance}
	default:
		return Options{}
	}
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
