// Package api exposes the verification engine over HTTP: job
// submission, status and result lookup, and the operational probes.
package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"phiacta-verify/internal/comparator"
	"phiacta-verify/internal/config"
	"phiacta-verify/internal/logging"
	"phiacta-verify/internal/metrics"
	"phiacta-verify/internal/middleware"
	"phiacta-verify/internal/models"
	"phiacta-verify/internal/queue"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// jobStore is the queue surface the API needs.
type jobStore interface {
	Enqueue(ctx context.Context, job *models.VerificationJob) (string, error)
	GetStatus(ctx context.Context, jobID string) (models.JobStatus, error)
	GetResult(ctx context.Context, jobID string) (*models.VerificationResult, error)
	ListRecentJobs(ctx context.Context, limit int64) ([]queue.JobStatusEntry, error)
	HealthCheck(ctx context.Context) bool
}

// Server holds the handler dependencies.
type Server struct {
	queue jobStore
	cfg   *config.Config
}

// NewServer creates an API server over the given queue.
func NewServer(q jobStore, cfg *config.Config) *Server {
	return &Server{queue: q, cfg: cfg}
}

// Router assembles the full gin engine with the middleware stack and
// all routes.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(
		middleware.RequestID(),
		middleware.Recovery(),
		middleware.Logger(),
		middleware.Metrics(),
		middleware.CORS(s.cfg.CORSAllowedOrigins),
	)

	r.GET("/health", s.Health)
	r.GET("/ready", s.Ready)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	{
		limiter := middleware.NewIPRateLimiter(60, 10)
		v1.POST("/jobs", middleware.RateLimit(limiter), s.SubmitJob)
		v1.GET("/jobs", s.ListJobs)
		v1.GET("/jobs/:id", s.GetJobStatus)
		v1.GET("/jobs/:id/result", s.GetJobResult)
	}

	return r
}

// submitRequest is the job submission body.
type submitRequest struct {
	ClaimID         uuid.UUID               `json:"claim_id" binding:"required"`
	RunnerType      models.RunnerType       `json:"runner_type" binding:"required"`
	CodeContent     string                  `json:"code_content" binding:"required"`
	EnvironmentSpec *models.EnvironmentSpec `json:"environment_spec"`
	ExpectedOutputs []models.ExpectedOutput `json:"expected_outputs"`
	ResourceLimits  *models.ResourceLimits  `json:"resource_limits"`
	SubmittedBy     string                  `json:"submitted_by"`
}

// SubmitJob validates a submission, hashes the code, and enqueues the
// job for a worker to pick up.
func (s *Server) SubmitJob(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !req.RunnerType.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported runner type: " + string(req.RunnerType)})
		return
	}
	if len(req.CodeContent) > s.cfg.MaxCodeSizeBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error":          "code exceeds maximum size",
			"max_size_bytes": s.cfg.MaxCodeSizeBytes,
		})
		return
	}
	for _, exp := range req.ExpectedOutputs {
		if _, err := comparator.ForMethod(exp.ComparisonMethod); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.ResourceLimits != nil {
		if err := req.ResourceLimits.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	sum := sha256.Sum256([]byte(req.CodeContent))
	codeHash := hex.EncodeToString(sum[:])

	job := models.NewVerificationJob(req.ClaimID, req.RunnerType, codeHash, req.CodeContent, req.SubmittedBy)
	job.EnvironmentSpec = req.EnvironmentSpec
	job.ExpectedOutputs = req.ExpectedOutputs
	if req.ResourceLimits != nil {
		job.ResourceLimits = *req.ResourceLimits
	} else {
		// Submissions without explicit limits get the engine-wide defaults.
		if s.cfg.ContainerTimeoutSeconds > 0 {
			job.ResourceLimits.TimeoutSeconds = s.cfg.ContainerTimeoutSeconds
		}
		if s.cfg.ContainerMemoryLimitMB > 0 {
			job.ResourceLimits.MemoryMB = s.cfg.ContainerMemoryLimitMB
		}
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	if _, err := s.queue.Enqueue(ctx, job); err != nil {
		logging.L().Error("failed to enqueue job",
			zap.String("job_id", job.ID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue job"})
		return
	}

	metrics.JobsEnqueued.WithLabelValues(string(req.RunnerType)).Inc()
	c.JSON(http.StatusCreated, gin.H{
		"job_id":    job.ID.String(),
		"status":    models.StatusQueued,
		"code_hash": codeHash,
	})
}

// GetJobStatus returns the current status of one job.
func (s *Server) GetJobStatus(c *gin.Context) {
	jobID := c.Param("id")
	status, err := s.queue.GetStatus(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch job status"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": jobID, "status": status})
}

// GetJobResult returns the signed verification result once stored.
func (s *Server) GetJobResult(c *gin.Context) {
	jobID := c.Param("id")
	result, err := s.queue.GetResult(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "result not available"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch result"})
		return
	}
	c.JSON(http.StatusOK, result)
}

// ListJobs returns recent jobs newest-first, up to ?limit= entries.
func (s *Server) ListJobs(c *gin.Context) {
	limit := int64(defaultListLimit)
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 1 || parsed > maxListLimit {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "limit must be an integer between 1 and 200",
			})
			return
		}
		limit = parsed
	}

	jobs, err := s.queue.ListRecentJobs(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list jobs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
}

// Health always answers 200 while the process is alive.
func (s *Server) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Ready answers 200 only when the queue backend is reachable.
func (s *Server) Ready(c *gin.Context) {
	if !s.queue.HealthCheck(c.Request.Context()) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "queue": "unreachable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
