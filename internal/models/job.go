package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ResourceLimits are hard resource limits enforced by the sandbox container.
// All fields must be strictly positive.
type ResourceLimits struct {
	CPUSeconds     int `json:"cpu_seconds"`
	MemoryMB       int `json:"memory_mb"`
	DiskMB         int `json:"disk_mb"`
	TimeoutSeconds int `json:"timeout_seconds"`
	PidsLimit      int `json:"pids_limit"`
}

// DefaultResourceLimits returns the limits applied when a submission omits them.
func DefaultResourceLimits() ResourceLimits {
	return ResourceLimits{
		CPUSeconds:     120,
		MemoryMB:       2048,
		DiskMB:         256,
		TimeoutSeconds: 120,
		PidsLimit:      64,
	}
}

// Validate rejects any non-positive limit.
func (r ResourceLimits) Validate() error {
	checks := []struct {
		name  string
		value int
	}{
		{"cpu_seconds", r.CPUSeconds},
		{"memory_mb", r.MemoryMB},
		{"disk_mb", r.DiskMB},
		{"timeout_seconds", r.TimeoutSeconds},
		{"pids_limit", r.PidsLimit},
	}
	for _, c := range checks {
		if c.value <= 0 {
			return fmt.Errorf("resource limit %s must be positive, got %d", c.name, c.value)
		}
	}
	return nil
}

// ExpectedOutput is an expected artifact to compare against the runner's
// actual output. Content and ContentHash are mutually supplementary.
type ExpectedOutput struct {
	Name             string           `json:"name"`
	Content          []byte           `json:"content,omitempty"`
	ContentHash      string           `json:"content_hash,omitempty"`
	ComparisonMethod ComparisonMethod `json:"comparison_method"`
	Tolerance        *float64         `json:"tolerance,omitempty"`
}

// EnvironmentSpec is the free-form environment specification attached to a
// job. Only the Env sub-mapping is consumed by the engine; unknown fields
// are ignored for forward compatibility.
type EnvironmentSpec struct {
	Env map[string]string `json:"env,omitempty"`
}

// UnmarshalJSON tolerates arbitrary extra keys in the environment spec
// document and only extracts the "env" sub-mapping.
func (e *EnvironmentSpec) UnmarshalJSON(data []byte) error {
	var raw struct {
		Env map[string]string `json:"env"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.Env = raw.Env
	return nil
}

// VerificationJob is an immutable submission record for sandboxed execution.
type VerificationJob struct {
	ID              uuid.UUID        `json:"id"`
	ClaimID         uuid.UUID        `json:"claim_id"`
	RunnerType      RunnerType       `json:"runner_type"`
	CodeHash        string           `json:"code_hash"`
	CodeContent     string           `json:"code_content"`
	EnvironmentSpec *EnvironmentSpec `json:"environment_spec,omitempty"`
	ExpectedOutputs []ExpectedOutput `json:"expected_outputs,omitempty"`
	ResourceLimits  ResourceLimits   `json:"resource_limits"`
	Status          JobStatus        `json:"status"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	SubmittedBy     string           `json:"submitted_by"`
}

// NewVerificationJob builds a job with a fresh ID, PENDING status, and UTC
// timestamps. The code hash must already be computed over the code bytes.
func NewVerificationJob(claimID uuid.UUID, runnerType RunnerType, codeHash, codeContent, submittedBy string) *VerificationJob {
	now := time.Now().UTC()
	return &VerificationJob{
		ID:             uuid.New(),
		ClaimID:        claimID,
		RunnerType:     runnerType,
		CodeHash:       codeHash,
		CodeContent:    codeContent,
		ResourceLimits: DefaultResourceLimits(),
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
		SubmittedBy:    submittedBy,
	}
}

// EnvVars returns the process environment from the environment spec's env
// sub-mapping, or nil when none was provided.
func (j *VerificationJob) EnvVars() map[string]string {
	if j.EnvironmentSpec == nil {
		return nil
	}
	return j.EnvironmentSpec.Env
}
