package comparator

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"phiacta-verify/internal/models"
)

// exactComparator compares expected and actual outputs for exact equality.
//
// Two strategies are attempted in order:
//
//  1. Text mode: if both inputs are valid UTF-8, strip trailing whitespace
//     from every line and trailing empty lines from the whole document, then
//     compare. This avoids false negatives from editors or runners that
//     append or trim whitespace.
//  2. Binary mode: raw byte-for-byte comparison.
type exactComparator struct{}

func (exactComparator) Compare(expected, actual []byte, _ Options) Result {
	details := map[string]any{
		"byte_length_expected": len(expected),
		"byte_length_actual":   len(actual),
	}

	var matched bool
	if utf8.Valid(expected) && utf8.Valid(actual) {
		matched = normalizeText(string(expected)) == normalizeText(string(actual))
		details["mode"] = "text"
	} else {
		matched = bytes.Equal(expected, actual)
		details["mode"] = "binary"
	}

	score := 0.0
	if matched {
		score = 1.0
	}
	return Result{
		Matched: matched,
		Method:  models.CompareExact,
		Score:   score,
		Details: details,
	}
}

// normalizeText strips trailing whitespace from each line and removes
// trailing empty lines. Lines are split the way Python's splitlines treats
// \n and \r\n; other exotic separators are not canonicalised.
func normalizeText(text string) string {
	// Treat \r\n as a single break, then split on \n. A lone trailing \r
	// on a line is removed by TrimRight below along with other whitespace.
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t\r\v\f")
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}
