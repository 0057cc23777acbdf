package comparator

import (
	"crypto/sha256"
	"encoding/hex"

	"phiacta-verify/internal/models"
)

const defaultSimilarityThreshold = 0.95

// perceptualComparator compares binary payloads (typically images) by byte
// similarity.
//
// It deliberately avoids image-processing dependencies: SHA-256 equality is
// the fast path, otherwise the ratio of matching bytes in the overlapping
// prefix over max(len(expected), len(actual)) is the score. This detects
// bit-exact matches and gross corruption; true perceptual similarity
// (rotation, crop, colour-space changes) is out of scope.
type perceptualComparator struct{}

func (perceptualComparator) Compare(expected, actual []byte, opts Options) Result {
	threshold := defaultSimilarityThreshold
	if opts.Threshold != nil {
		threshold = *opts.Threshold
	}

	hashExpected := sha256.Sum256(expected)
	hashActual := sha256.Sum256(actual)

	details := map[string]any{
		"hash_expected": hex.EncodeToString(hashExpected[:]),
		"hash_actual":   hex.EncodeToString(hashActual[:]),
		"size_expected": len(expected),
		"size_actual":   len(actual),
	}

	if hashExpected == hashActual {
		details["bytes_total"] = len(expected)
		details["bytes_matching"] = len(expected)
		details["similarity"] = 1.0
		return Result{
			Matched: true,
			Method:  models.ComparePerceptualHash,
			Score:   1.0,
			Details: details,
		}
	}

	total, matching := byteSimilarity(expected, actual)
	similarity := 0.0
	if total > 0 {
		similarity = float64(matching) / float64(total)
	}

	details["bytes_total"] = total
	details["bytes_matching"] = matching
	details["similarity"] = similarity

	return Result{
		Matched: similarity >= threshold,
		Method:  models.ComparePerceptualHash,
		Score:   similarity,
		Details: details,
	}
}

// byteSimilarity counts matching bytes between a and b. Bytes beyond the
// shorter payload count as mismatches.
func byteSimilarity(a, b []byte) (total, matching int) {
	total = len(a)
	if len(b) > total {
		total = len(b)
	}
	overlap := len(a)
	if len(b) < overlap {
		overlap = len(b)
	}
	for i := 0; i < overlap; i++ {
		if a[i] == b[i] {
			matching++
		}
	}
	return total, matching
}
