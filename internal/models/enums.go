// Package models defines the core data types of the verification engine:
// jobs, results, and the enums that classify them.
package models

import "fmt"

// VerificationLevel is the hierarchical verification ladder. Each level
// subsumes all guarantees of the levels below it.
type VerificationLevel string

const (
	// LevelUnverified means no verification has been performed.
	LevelUnverified VerificationLevel = "L0_UNVERIFIED"
	// LevelSyntaxVerified means the code parses without syntax errors.
	LevelSyntaxVerified VerificationLevel = "L1_SYNTAX_VERIFIED"
	// LevelExecutionVerified means the code ran to completion without
	// runtime errors.
	LevelExecutionVerified VerificationLevel = "L2_EXECUTION_VERIFIED"
	// LevelOutputDeterministic means outputs matched expected values via
	// deterministic comparison.
	LevelOutputDeterministic VerificationLevel = "L3_OUTPUT_VERIFIED_DETERMINISTIC"
	// LevelOutputStatistical means outputs matched expected distributions.
	LevelOutputStatistical VerificationLevel = "L4_OUTPUT_VERIFIED_STATISTICAL"
	// LevelIndependentlyReplicated means results were replicated by a
	// separate runner/environment. Awarded by orchestration above this core.
	LevelIndependentlyReplicated VerificationLevel = "L5_INDEPENDENTLY_REPLICATED"
	// LevelFormallyProven means correctness was established through formal
	// proof (e.g. a Lean 4 kernel check).
	LevelFormallyProven VerificationLevel = "L6_FORMALLY_PROVEN"
)

var levelRank = map[VerificationLevel]int{
	LevelUnverified:              0,
	LevelSyntaxVerified:          1,
	LevelExecutionVerified:       2,
	LevelOutputDeterministic:     3,
	LevelOutputStatistical:       4,
	LevelIndependentlyReplicated: 5,
	LevelFormallyProven:          6,
}

// Rank returns the position of the level in the total order L0 < L1 < ... < L6.
func (l VerificationLevel) Rank() int {
	return levelRank[l]
}

// Valid reports whether the level is one of the defined constants.
func (l VerificationLevel) Valid() bool {
	_, ok := levelRank[l]
	return ok
}

// RunnerType identifies the execution environment for a job.
type RunnerType string

const (
	RunnerPythonScript   RunnerType = "PYTHON_SCRIPT"
	RunnerPythonNotebook RunnerType = "PYTHON_NOTEBOOK"
	RunnerRScript        RunnerType = "R_SCRIPT"
	RunnerRMarkdown      RunnerType = "R_MARKDOWN"
	RunnerJulia          RunnerType = "JULIA"
	RunnerLean4          RunnerType = "LEAN4"
	RunnerSymPy          RunnerType = "SYMPY"
	RunnerSage           RunnerType = "SAGE"
)

// Valid reports whether the runner type is supported.
func (r RunnerType) Valid() bool {
	switch r {
	case RunnerPythonScript, RunnerPythonNotebook, RunnerRScript,
		RunnerRMarkdown, RunnerJulia, RunnerLean4, RunnerSymPy, RunnerSage:
		return true
	}
	return false
}

// JobStatus is the lifecycle state of a verification job.
//
// The state machine is:
//
//	PENDING -> QUEUED -> RUNNING -> {COMPLETED | FAILED | TIMED_OUT | CANCELLED}
//
// Terminal states are absorbing.
type JobStatus string

const (
	StatusPending   JobStatus = "PENDING"
	StatusQueued    JobStatus = "QUEUED"
	StatusRunning   JobStatus = "RUNNING"
	StatusCompleted JobStatus = "COMPLETED"
	StatusFailed    JobStatus = "FAILED"
	StatusTimedOut  JobStatus = "TIMED_OUT"
	StatusCancelled JobStatus = "CANCELLED"
)

// Terminal reports whether the status is absorbing.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	}
	return false
}

var statusOrder = map[JobStatus]int{
	StatusPending: 0,
	StatusQueued:  1,
	StatusRunning: 2,
	// All terminal states share the final position.
	StatusCompleted: 3,
	StatusFailed:    3,
	StatusTimedOut:  3,
	StatusCancelled: 3,
}

// CanTransitionTo reports whether moving from s to next respects the state
// machine: status only advances, and terminal states never change.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	if s.Terminal() {
		return false
	}
	from, okFrom := statusOrder[s]
	to, okTo := statusOrder[next]
	if !okFrom || !okTo {
		return false
	}
	return to > from
}

// ParseJobStatus converts a stored string back into a JobStatus.
func ParseJobStatus(s string) (JobStatus, error) {
	status := JobStatus(s)
	if _, ok := statusOrder[status]; !ok {
		return "", fmt.Errorf("unknown job status %q", s)
	}
	return status, nil
}

// ComparisonMethod selects the algorithm used to compare actual outputs
// against expected outputs.
type ComparisonMethod string

const (
	CompareExact              ComparisonMethod = "EXACT"
	CompareNumericalTolerance ComparisonMethod = "NUMERICAL_TOLERANCE"
	CompareStatistical        ComparisonMethod = "STATISTICAL"
	ComparePerceptualHash     ComparisonMethod = "PERCEPTUAL_HASH"
)
