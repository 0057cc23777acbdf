package comparator

import (
	"bytes"
	"encoding/json"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"

	"phiacta-verify/internal/models"
)

// Default tolerances, matching numpy.allclose semantics.
const (
	defaultRTol = 1e-10
	defaultATol = 1e-12
)

// numberRe matches a floating-point or integer literal with optional sign,
// scientific notation (including Fortran-style d/D exponents), and the
// special tokens inf/infinity/nan.
var numberRe = regexp.MustCompile(
	`(?i)[+-]?(?:inf(?:inity)?|nan|(?:\d+\.?\d*|\.\d+)(?:[eEdD][+-]?\d+)?)`,
)

// numericalComparator compares ordered sequences of numbers parsed from the
// two payloads.
//
// Numbers are extracted with a liberal parser that understands one number
// per line, CSV rows, JSON documents (all numeric leaves in document
// order), scientific notation, and the IEEE 754 tokens nan/inf/-inf.
//
// Comparison semantics mirror numpy.allclose:
//
//	|expected - actual| <= atol + rtol*|expected|
//
// with the addition that NaN equals NaN, and infinities only equal
// themselves with identical sign.
type numericalComparator struct{}

func (numericalComparator) Compare(expected, actual []byte, opts Options) Result {
	rtol := defaultRTol
	if opts.RTol != nil {
		rtol = *opts.RTol
	}
	atol := defaultATol
	if opts.ATol != nil {
		atol = *opts.ATol
	}

	expectedValues := parseNumbers(expected)
	actualValues := parseNumbers(actual)

	count := len(expectedValues)
	if len(actualValues) > count {
		count = len(actualValues)
	}
	if count == 0 {
		// Nothing to compare. Degenerate but technically a match.
		return Result{
			Matched: true,
			Method:  models.CompareNumericalTolerance,
			Score:   1.0,
			Details: map[string]any{
				"max_relative_error": 0.0,
				"max_absolute_error": 0.0,
				"values_compared":    0,
				"mismatches":         []map[string]any{},
			},
		}
	}

	mismatches := []map[string]any{}
	maxRelErr := 0.0
	maxAbsErr := 0.0

	lengthMismatch := len(expectedValues) != len(actualValues)
	pairs := len(expectedValues)
	if len(actualValues) < pairs {
		pairs = len(actualValues)
	}

	for i := 0; i < pairs; i++ {
		absErr, relErr, ok := valuesClose(expectedValues[i], actualValues[i], rtol, atol)
		maxAbsErr = math.Max(maxAbsErr, absErr)
		maxRelErr = math.Max(maxRelErr, relErr)
		if !ok {
			mismatches = append(mismatches, map[string]any{
				"index":          i,
				"expected":       formatValue(expectedValues[i]),
				"actual":         formatValue(actualValues[i]),
				"absolute_error": absErr,
				"relative_error": relErr,
			})
		}
	}

	// Unpaired values are mismatches in their own right.
	if lengthMismatch {
		longer := expectedValues
		source := "expected"
		if len(actualValues) > len(expectedValues) {
			longer = actualValues
			source = "actual"
		}
		for i := pairs; i < len(longer); i++ {
			entry := map[string]any{
				"index":          i,
				"expected":       "<missing>",
				"actual":         "<missing>",
				"absolute_error": math.Inf(1),
				"relative_error": math.Inf(1),
				"note":           "value only present in " + source,
			}
			if i < len(expectedValues) {
				entry["expected"] = formatValue(expectedValues[i])
			}
			if i < len(actualValues) {
				entry["actual"] = formatValue(actualValues[i])
			}
			mismatches = append(mismatches, entry)
		}
		maxAbsErr = math.Inf(1)
		maxRelErr = math.Inf(1)
	}

	matched := len(mismatches) == 0
	var score float64
	if math.IsInf(maxRelErr, 0) || math.IsNaN(maxRelErr) {
		score = 0.0
	} else {
		score = clampScore(1.0 - maxRelErr)
	}

	return Result{
		Matched: matched,
		Method:  models.CompareNumericalTolerance,
		Score:   score,
		Details: map[string]any{
			"max_relative_error": maxRelErr,
			"max_absolute_error": maxAbsErr,
			"values_compared":    count,
			"mismatches":         mismatches,
		},
	}
}

// parseNumbers extracts an ordered list of numbers from data. A valid JSON
// document contributes its numeric leaves in document order; anything else
// falls back to a regex scan of the text.
func parseNumbers(data []byte) []float64 {
	if values, ok := jsonNumbers(data); ok && len(values) > 0 {
		return values
	}
	return regexNumbers(string(data))
}

// jsonNumbers walks the token stream of a JSON document, collecting every
// numeric leaf in document order. Returns ok=false when data is not valid
// JSON.
func jsonNumbers(data []byte) ([]float64, bool) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var values []float64
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false
		}
		if n, ok := tok.(json.Number); ok {
			f, err := n.Float64()
			if err != nil {
				return nil, false
			}
			values = append(values, f)
		}
	}
	return values, true
}

func regexNumbers(text string) []float64 {
	var values []float64
	for _, token := range numberRe.FindAllString(text, -1) {
		v, err := parseNumberToken(token)
		if err != nil {
			continue
		}
		values = append(values, v)
	}
	return values
}

// parseNumberToken converts a matched token to a float, normalising
// Fortran-style D exponents to E first.
func parseNumberToken(token string) (float64, error) {
	normalized := strings.Map(func(r rune) rune {
		if r == 'd' || r == 'D' {
			return 'e'
		}
		return r
	}, token)
	return strconv.ParseFloat(normalized, 64)
}

// valuesClose checks whether two values are close within tolerance and
// returns (absoluteError, relativeError, isClose). NaN equals NaN for
// verification purposes; infinities must match exactly in sign.
func valuesClose(expected, actual, rtol, atol float64) (float64, float64, bool) {
	if math.IsNaN(expected) && math.IsNaN(actual) {
		return 0, 0, true
	}
	if math.IsNaN(expected) || math.IsNaN(actual) {
		return math.Inf(1), math.Inf(1), false
	}

	// Exact match covers +/-inf and zero.
	if expected == actual {
		return 0, 0, true
	}
	if math.IsInf(expected, 0) || math.IsInf(actual, 0) {
		return math.Inf(1), math.Inf(1), false
	}

	absErr := math.Abs(expected - actual)
	var relErr float64
	if expected == 0 {
		relErr = absErr // degenerate; absolute error stands in
	} else {
		relErr = absErr / math.Abs(expected)
	}

	ok := absErr <= atol+rtol*math.Abs(expected)
	return absErr, relErr, ok
}

// formatValue returns a JSON-friendly representation of v: NaN and the
// infinities become strings, everything else stays a float.
func formatValue(v float64) any {
	switch {
	case math.IsNaN(v):
		return "NaN"
	case math.IsInf(v, 1):
		return "Infinity"
	case math.IsInf(v, -1):
		return "-Infinity"
	default:
		return v
	}
}
