// Package worker consumes verification jobs from the queue and drives
// them through the runner, sandbox, comparator, and signer pipeline.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"phiacta-verify/internal/comparator"
	"phiacta-verify/internal/logging"
	"phiacta-verify/internal/metrics"
	"phiacta-verify/internal/models"
	"phiacta-verify/internal/phiacta"
	"phiacta-verify/internal/queue"
	"phiacta-verify/internal/runner"
	"phiacta-verify/internal/sandbox"
)

// ConsumerGroup is the Redis Streams consumer group all workers join.
const ConsumerGroup = "verify-workers"

const (
	dequeueBlock = 5 * time.Second
	retryDelay   = time.Second
	// stored stdout/stderr are diagnostic snippets, not full transcripts
	storedLogLimit = 1000
)

// jobQueue is the queue surface the worker needs.
type jobQueue interface {
	Dequeue(ctx context.Context, group, consumer string, count int64, blockFor time.Duration) ([]queue.Message, error)
	Acknowledge(ctx context.Context, group, msgID string) error
	SetStatus(ctx context.Context, jobID string, status models.JobStatus) error
	StoreResult(ctx context.Context, jobID string, result *models.VerificationResult, status models.JobStatus) error
}

// executor is the sandbox surface the worker needs.
type executor interface {
	Run(ctx context.Context, spec sandbox.RunSpec) (*sandbox.Result, error)
}

// resultSigner stamps results with a detached signature.
type resultSigner interface {
	Sign(result *models.VerificationResult) (string, error)
}

// claimReporter posts verification reviews back to the claims platform.
type claimReporter interface {
	SubmitReview(ctx context.Context, claimID uuid.UUID, review phiacta.Review) error
}

// Worker pulls jobs from the consumer group and processes them one at a
// time. Run several Workers with distinct consumer names to scale out.
type Worker struct {
	queue    jobQueue
	sandbox  executor
	signer   resultSigner
	reporter claimReporter
	consumer string
	cpuLimit float64
}

// New builds a worker with a unique consumer name within ConsumerGroup.
func New(q jobQueue, sb executor, signer resultSigner, consumer string) *Worker {
	return &Worker{queue: q, sandbox: sb, signer: signer, consumer: consumer}
}

// WithReporter makes the worker post a review upstream after each
// stored result. Reporting failures are logged, never fatal.
func (w *Worker) WithReporter(r claimReporter) *Worker {
	w.reporter = r
	return w
}

// WithCPULimit sets the CPU allowance per sandbox container in whole or
// fractional CPUs. Zero keeps the policy default of one CPU.
func (w *Worker) WithCPULimit(cpus float64) *Worker {
	w.cpuLimit = cpus
	return w
}

// Run loops until ctx is cancelled. Every dequeued message is
// acknowledged exactly once, whether processing succeeded or not, so a
// poisoned job cannot be redelivered forever.
func (w *Worker) Run(ctx context.Context) {
	log := logging.L().With(zap.String("consumer", w.consumer))
	log.Info("worker starting", zap.String("group", ConsumerGroup))

	for {
		if ctx.Err() != nil {
			log.Info("worker shutting down")
			return
		}

		messages, err := w.queue.Dequeue(ctx, ConsumerGroup, w.consumer, 1, dequeueBlock)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("worker shutting down")
				return
			}
			log.Error("worker loop error, retrying", zap.Error(err))
			select {
			case <-time.After(retryDelay):
			case <-ctx.Done():
			}
			continue
		}

		for _, msg := range messages {
			jobID := msg.Job.ID.String()
			if err := w.ProcessJob(ctx, msg.Job); err != nil {
				log.Error("failed to process job", zap.String("job_id", jobID), zap.Error(err))
				if statusErr := w.queue.SetStatus(ctx, jobID, models.StatusFailed); statusErr != nil {
					log.Error("failed to mark job failed", zap.String("job_id", jobID), zap.Error(statusErr))
				}
				metrics.JobsProcessed.WithLabelValues("failed").Inc()
			}
			if err := w.queue.Acknowledge(ctx, ConsumerGroup, msg.ID); err != nil {
				log.Error("failed to ack message", zap.String("msg_id", msg.ID), zap.Error(err))
			}
		}
	}
}

// ProcessJob executes a single verification job end to end: runner
// prepare, sandboxed execution, output comparison, classification,
// signing, and result storage.
func (w *Worker) ProcessJob(ctx context.Context, job *models.VerificationJob) error {
	jobID := job.ID.String()
	log := logging.L().With(zap.String("job_id", jobID), zap.String("consumer", w.consumer))

	if err := w.queue.SetStatus(ctx, jobID, models.StatusRunning); err != nil {
		return err
	}

	r, err := runner.ForType(job.RunnerType)
	if err != nil {
		return err
	}
	prep, err := r.Prepare(job)
	if err != nil {
		return err
	}

	policy, err := sandbox.NewSecurityPolicy(
		job.ResourceLimits.MemoryMB,
		job.ResourceLimits.TimeoutSeconds,
		job.ResourceLimits.DiskMB,
		int64(job.ResourceLimits.PidsLimit),
	)
	if err != nil {
		return err
	}
	if w.cpuLimit > 0 {
		policy.CPUQuota = int64(w.cpuLimit * float64(policy.CPUPeriod))
	}

	start := time.Now()
	sbResult, err := w.sandbox.Run(ctx, sandbox.RunSpec{
		Image:     prep.Image,
		Command:   prep.Command,
		CodeFiles: prep.CodeFiles,
		DataFiles: prep.DataFiles,
		EnvVars:   prep.EnvVars,
		Policy:    policy,
	})
	if err != nil {
		return fmt.Errorf("sandbox run: %w", err)
	}
	metrics.SandboxExecutionSeconds.Observe(time.Since(start).Seconds())

	out := r.ParseOutput(sbResult.ExitCode, sbResult.Stdout, sbResult.Stderr, sbResult.OutputFiles)

	var comparisons []models.OutputComparison
	if out.Success && len(job.ExpectedOutputs) > 0 {
		comparisons, err = compareOutputs(job.ExpectedOutputs, out.Files)
		if err != nil {
			return err
		}
	}

	level, passed := classify(sbResult, out, comparisons)

	result := models.NewVerificationResult(job.ID, job.ClaimID, level, passed, job.CodeHash)
	result.ExecutionTimeSeconds = sbResult.ExecutionTimeSeconds
	result.OutputsMatched = comparisons
	result.Stdout = clip(sbResult.Stdout, storedLogLimit)
	result.Stderr = clip(sbResult.Stderr, storedLogLimit)
	result.RunnerImage = prep.Image
	if !passed {
		result.ErrorMessage = out.Errors
	}

	signature, err := w.signer.Sign(result)
	if err != nil {
		return fmt.Errorf("signing result: %w", err)
	}
	result.Signature = signature

	terminal := models.StatusCompleted
	if sbResult.TimedOut {
		terminal = models.StatusTimedOut
	}
	if err := w.queue.StoreResult(ctx, jobID, result, terminal); err != nil {
		return err
	}

	if w.reporter != nil {
		if err := w.reporter.SubmitReview(ctx, job.ClaimID, reviewFor(result)); err != nil {
			log.Warn("failed to report review upstream", zap.Error(err))
		}
	}

	metrics.JobsProcessed.WithLabelValues(outcomeLabel(terminal, passed)).Inc()
	log.Info("job finished",
		zap.String("level", string(level)),
		zap.Bool("passed", passed),
		zap.Float64("execution_seconds", sbResult.ExecutionTimeSeconds))
	return nil
}

// compareOutputs evaluates each expected artifact against the actual
// sandbox outputs. A missing artifact is a mismatch, not an error.
func compareOutputs(expected []models.ExpectedOutput, actual map[string][]byte) ([]models.OutputComparison, error) {
	comparisons := make([]models.OutputComparison, 0, len(expected))
	for _, exp := range expected {
		actualData, ok := actual[exp.Name]
		if !ok {
			comparisons = append(comparisons, models.OutputComparison{
				Name:    exp.Name,
				Matched: false,
				Method:  exp.ComparisonMethod,
				Score:   0.0,
				Details: map[string]any{"error": "output not found"},
			})
			continue
		}

		cmp, err := comparator.ForMethod(exp.ComparisonMethod)
		if err != nil {
			return nil, err
		}
		res := cmp.Compare(exp.Content, actualData,
			comparator.OptionsForTolerance(exp.ComparisonMethod, exp.Tolerance))
		comparisons = append(comparisons, models.OutputComparison{
			Name:    exp.Name,
			Matched: res.Matched,
			Method:  res.Method,
			Score:   res.Score,
			Details: res.Details,
		})
	}
	return comparisons, nil
}

// classify derives the verification level and pass flag. The first
// matching rule wins.
func classify(sb *sandbox.Result, out runner.Output, comparisons []models.OutputComparison) (models.VerificationLevel, bool) {
	if sb.TimedOut {
		return models.LevelUnverified, false
	}
	if !out.Success {
		// A non-zero exit means the interpreter at least parsed the code
		// far enough to produce diagnostics.
		if sb.ExitCode != 0 {
			return models.LevelSyntaxVerified, false
		}
		return models.LevelUnverified, false
	}
	if len(comparisons) > 0 {
		for _, c := range comparisons {
			if !c.Matched {
				return models.LevelExecutionVerified, false
			}
		}
		return out.Level, true
	}
	return out.Level, out.Success
}

// reviewFor maps a result onto an upstream review. Confidence scales
// with the verification level so a formal proof outranks a plain run.
func reviewFor(result *models.VerificationResult) phiacta.Review {
	verdict := "FAILED"
	confidence := 0.0
	if result.Passed {
		verdict = "VERIFIED"
		confidence = float64(result.VerificationLevel.Rank()) / float64(models.LevelFormallyProven.Rank())
	}
	return phiacta.Review{
		Verdict:    verdict,
		Confidence: confidence,
		Comment:    fmt.Sprintf("automated verification at %s", result.VerificationLevel),
	}
}

func clip(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

func outcomeLabel(status models.JobStatus, passed bool) string {
	switch {
	case status == models.StatusTimedOut:
		return "timed_out"
	case passed:
		return "passed"
	default:
		return "not_passed"
	}
}
