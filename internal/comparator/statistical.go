package comparator

import (
	"math"
	"sort"

	"phiacta-verify/internal/models"
)

const defaultSignificance = 0.05

// statisticalComparator compares expected and actual outputs as numeric
// distributions.
//
// Numbers are extracted with the same strategy as the numerical comparator;
// NaN and infinite values are silently dropped. The comparison passes when
// the normalised deviation of every summary statistic (mean, population
// std, min, max, median) stays below the significance level.
//
// A two-sample Kolmogorov-Smirnov statistic is also computed and exposed in
// the details, but it does not influence the verdict.
type statisticalComparator struct{}

func (statisticalComparator) Compare(expected, actual []byte, opts Options) Result {
	significance := defaultSignificance
	if opts.SignificanceLevel != nil {
		significance = *opts.SignificanceLevel
	}

	expectedValues := finiteOnly(parseNumbers(expected))
	actualValues := finiteOnly(parseNumbers(actual))

	if len(expectedValues) == 0 && len(actualValues) == 0 {
		return Result{
			Matched: true,
			Method:  models.CompareStatistical,
			Score:   1.0,
			Details: map[string]any{"note": "both outputs produced no finite numbers"},
		}
	}
	if len(expectedValues) == 0 || len(actualValues) == 0 {
		return Result{
			Matched: false,
			Method:  models.CompareStatistical,
			Score:   0.0,
			Details: map[string]any{
				"note":           "one output produced no finite numbers",
				"expected_count": len(expectedValues),
				"actual_count":   len(actualValues),
			},
		}
	}

	expStats := summarize(expectedValues)
	actStats := summarize(actualValues)

	details := map[string]any{
		"count_expected": len(expectedValues),
		"count_actual":   len(actualValues),
	}

	maxDeviation := 0.0
	deviations := map[string]float64{}
	for _, stat := range []string{"mean", "std", "min", "max", "median"} {
		expVal := expStats[stat]
		actVal := actStats[stat]
		details[stat+"_expected"] = expVal
		details[stat+"_actual"] = actVal
		dev := normalizedDeviation(expVal, actVal)
		deviations[stat] = dev
		maxDeviation = math.Max(maxDeviation, dev)
	}
	details["deviations"] = deviations
	details["max_deviation"] = maxDeviation
	details["ks_statistic"] = ksStatistic(expectedValues, actualValues)

	matched := maxDeviation <= significance
	var score float64
	if math.IsInf(maxDeviation, 0) || math.IsNaN(maxDeviation) {
		score = 0.0
	} else {
		score = clampScore(1.0 - maxDeviation)
	}

	return Result{
		Matched: matched,
		Method:  models.CompareStatistical,
		Score:   score,
		Details: details,
	}
}

func finiteOnly(values []float64) []float64 {
	out := values[:0:0]
	for _, v := range values {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			out = append(out, v)
		}
	}
	return out
}

// summarize computes mean, population standard deviation, min, max, and
// median. The input must be non-empty.
func summarize(values []float64) map[string]float64 {
	n := float64(len(values))
	var sum float64
	minVal := values[0]
	maxVal := values[0]
	for _, v := range values {
		sum += v
		if v < minVal {
			minVal = v
		}
		if v > maxVal {
			maxVal = v
		}
	}
	mean := sum / n

	var sqSum float64
	for _, v := range values {
		d := v - mean
		sqSum += d * d
	}
	std := math.Sqrt(sqSum / n)

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	var median float64
	if len(sorted)%2 == 1 {
		median = sorted[len(sorted)/2]
	} else {
		median = (sorted[len(sorted)/2-1] + sorted[len(sorted)/2]) / 2
	}

	return map[string]float64{
		"mean":   mean,
		"std":    std,
		"min":    minVal,
		"max":    maxVal,
		"median": median,
	}
}

// normalizedDeviation computes |expected-actual| / max(|expected|, |actual|, 1),
// dimensionless and well-defined even when both values are zero.
func normalizedDeviation(expected, actual float64) float64 {
	if expected == actual {
		return 0
	}
	diff := math.Abs(expected - actual)
	scale := math.Max(math.Max(math.Abs(expected), math.Abs(actual)), 1.0)
	return diff / scale
}

// ksStatistic computes the two-sample Kolmogorov-Smirnov statistic: the
// maximum absolute difference between the empirical CDFs of a and b.
func ksStatistic(a, b []float64) float64 {
	sortedA := append([]float64(nil), a...)
	sortedB := append([]float64(nil), b...)
	sort.Float64s(sortedA)
	sort.Float64s(sortedB)

	na := len(sortedA)
	nb := len(sortedB)
	ia, ib := 0, 0
	maxDiff := 0.0

	for ia < na && ib < nb {
		switch {
		case sortedA[ia] < sortedB[ib]:
			ia++
		case sortedB[ib] < sortedA[ia]:
			ib++
		default:
			ia++
			ib++
		}
		diff := math.Abs(float64(ia)/float64(na) - float64(ib)/float64(nb))
		if diff > maxDiff {
			maxDiff = diff
		}
	}
	return maxDiff
}
