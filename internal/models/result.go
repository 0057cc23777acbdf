package models

import (
	"time"

	"github.com/google/uuid"
)

// OutputComparison is the result of comparing a single actual output
// artifact against its expected value.
type OutputComparison struct {
	Name    string           `json:"name"`
	Matched bool             `json:"matched"`
	Method  ComparisonMethod `json:"method"`
	// Score is a similarity score in [0, 1]. Semantics depend on the
	// method: 1.0 is a perfect match for EXACT/NUMERICAL_TOLERANCE,
	// a deviation-based score for STATISTICAL, and the byte similarity
	// ratio for PERCEPTUAL_HASH.
	Score   float64        `json:"score"`
	Details map[string]any `json:"details,omitempty"`
}

// VerificationResult is the immutable record produced after a verification
// job completes.
type VerificationResult struct {
	ID                   uuid.UUID          `json:"id"`
	JobID                uuid.UUID          `json:"job_id"`
	ClaimID              uuid.UUID          `json:"claim_id"`
	VerificationLevel    VerificationLevel  `json:"verification_level"`
	Passed               bool               `json:"passed"`
	CodeHash             string             `json:"code_hash"`
	Signature            string             `json:"signature"`
	ExecutionTimeSeconds float64            `json:"execution_time_seconds"`
	OutputsMatched       []OutputComparison `json:"outputs_matched,omitempty"`
	Stdout               string             `json:"stdout,omitempty"`
	Stderr               string             `json:"stderr,omitempty"`
	ErrorMessage         string             `json:"error_message,omitempty"`
	RunnerImage          string             `json:"runner_image"`
	CreatedAt            time.Time          `json:"created_at"`
}

// NewVerificationResult builds a result with a fresh ID and a UTC creation
// timestamp. The signature is filled by the signer afterwards.
func NewVerificationResult(jobID, claimID uuid.UUID, level VerificationLevel, passed bool, codeHash string) *VerificationResult {
	return &VerificationResult{
		ID:                uuid.New(),
		JobID:             jobID,
		ClaimID:           claimID,
		VerificationLevel: level,
		Passed:            passed,
		CodeHash:          codeHash,
		CreatedAt:         time.Now().UTC(),
	}
}
