package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phiacta-verify/internal/config"
	"phiacta-verify/internal/models"
	"phiacta-verify/internal/queue"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeStore struct {
	enqueued   []*models.VerificationJob
	enqueueErr error
	statuses   map[string]models.JobStatus
	results    map[string]*models.VerificationResult
	recent     []queue.JobStatusEntry
	lastLimit  int64
	healthy    bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		statuses: make(map[string]models.JobStatus),
		results:  make(map[string]*models.VerificationResult),
		healthy:  true,
	}
}

func (f *fakeStore) Enqueue(_ context.Context, job *models.VerificationJob) (string, error) {
	if f.enqueueErr != nil {
		return "", f.enqueueErr
	}
	f.enqueued = append(f.enqueued, job)
	return "1-0", nil
}

func (f *fakeStore) GetStatus(_ context.Context, jobID string) (models.JobStatus, error) {
	status, ok := f.statuses[jobID]
	if !ok {
		return "", queue.ErrNotFound
	}
	return status, nil
}

func (f *fakeStore) GetResult(_ context.Context, jobID string) (*models.VerificationResult, error) {
	result, ok := f.results[jobID]
	if !ok {
		return nil, queue.ErrNotFound
	}
	return result, nil
}

func (f *fakeStore) ListRecentJobs(_ context.Context, limit int64) ([]queue.JobStatusEntry, error) {
	f.lastLimit = limit
	if int64(len(f.recent)) > limit {
		return f.recent[:limit], nil
	}
	return f.recent, nil
}

func (f *fakeStore) HealthCheck(_ context.Context) bool { return f.healthy }

func testConfig() *config.Config {
	cfg := &config.Config{
		MaxCodeSizeBytes:   1024,
		CORSAllowedOrigins: []string{"http://localhost:3000"},
	}
	return cfg
}

func newTestRouter(store *fakeStore) *gin.Engine {
	return NewServer(store, testConfig()).Router()
}

func submitBody(t *testing.T, overrides map[string]any) []byte {
	t.Helper()
	body := map[string]any{
		"claim_id":     uuid.New().String(),
		"runner_type":  "PYTHON_SCRIPT",
		"code_content": "print('hi')\n",
		"submitted_by": "tester",
	}
	for k, v := range overrides {
		body[k] = v
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return raw
}

func doJSON(r *gin.Engine, method, path string, body []byte) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func TestSubmitJob(t *testing.T) {
	t.Run("accepts a valid submission", func(t *testing.T) {
		store := newFakeStore()
		r := newTestRouter(store)

		code := "print('hi')\n"
		w := doJSON(r, http.MethodPost, "/v1/jobs", submitBody(t, nil))

		require.Equal(t, http.StatusCreated, w.Code)

		var resp map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, string(models.StatusQueued), resp["status"])

		sum := sha256.Sum256([]byte(code))
		assert.Equal(t, hex.EncodeToString(sum[:]), resp["code_hash"])

		require.Len(t, store.enqueued, 1)
		job := store.enqueued[0]
		assert.Equal(t, resp["job_id"], job.ID.String())
		assert.Equal(t, models.RunnerPythonScript, job.RunnerType)
		assert.Equal(t, code, job.CodeContent)
		assert.Equal(t, models.DefaultResourceLimits(), job.ResourceLimits)
	})

	t.Run("rejects an unknown runner type", func(t *testing.T) {
		r := newTestRouter(newFakeStore())
		w := doJSON(r, http.MethodPost, "/v1/jobs",
			submitBody(t, map[string]any{"runner_type": "COBOL"}))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "unsupported runner type")
	})

	t.Run("rejects oversize code with 413", func(t *testing.T) {
		store := newFakeStore()
		r := newTestRouter(store)
		w := doJSON(r, http.MethodPost, "/v1/jobs",
			submitBody(t, map[string]any{"code_content": strings.Repeat("x", 2048)}))

		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
		assert.Empty(t, store.enqueued)
	})

	t.Run("rejects a missing code body", func(t *testing.T) {
		r := newTestRouter(newFakeStore())
		w := doJSON(r, http.MethodPost, "/v1/jobs",
			submitBody(t, map[string]any{"code_content": ""}))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("rejects an unknown comparison method", func(t *testing.T) {
		r := newTestRouter(newFakeStore())
		w := doJSON(r, http.MethodPost, "/v1/jobs", submitBody(t, map[string]any{
			"expected_outputs": []map[string]any{
				{"name": "out.txt", "comparison_method": "VIBES"},
			},
		}))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "unknown comparison method")
	})

	t.Run("rejects non-positive resource limits", func(t *testing.T) {
		r := newTestRouter(newFakeStore())
		w := doJSON(r, http.MethodPost, "/v1/jobs", submitBody(t, map[string]any{
			"resource_limits": map[string]any{
				"cpu_seconds":     120,
				"memory_mb":       -1,
				"disk_mb":         256,
				"timeout_seconds": 120,
				"pids_limit":      64,
			},
		}))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "memory_mb")
	})

	t.Run("carries custom limits onto the job", func(t *testing.T) {
		store := newFakeStore()
		r := newTestRouter(store)
		w := doJSON(r, http.MethodPost, "/v1/jobs", submitBody(t, map[string]any{
			"resource_limits": map[string]any{
				"cpu_seconds":     30,
				"memory_mb":       512,
				"disk_mb":         64,
				"timeout_seconds": 30,
				"pids_limit":      16,
			},
		}))

		require.Equal(t, http.StatusCreated, w.Code)
		require.Len(t, store.enqueued, 1)
		assert.Equal(t, 512, store.enqueued[0].ResourceLimits.MemoryMB)
		assert.Equal(t, 30, store.enqueued[0].ResourceLimits.TimeoutSeconds)
	})

	t.Run("maps enqueue failure to 500", func(t *testing.T) {
		store := newFakeStore()
		store.enqueueErr = errors.New("redis down")
		r := newTestRouter(store)
		w := doJSON(r, http.MethodPost, "/v1/jobs", submitBody(t, nil))

		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}

func TestGetJobStatus(t *testing.T) {
	store := newFakeStore()
	jobID := uuid.New().String()
	store.statuses[jobID] = models.StatusRunning
	r := newTestRouter(store)

	t.Run("known job", func(t *testing.T) {
		w := doJSON(r, http.MethodGet, "/v1/jobs/"+jobID, nil)
		require.Equal(t, http.StatusOK, w.Code)

		var resp map[string]string
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, jobID, resp["job_id"])
		assert.Equal(t, string(models.StatusRunning), resp["status"])
	})

	t.Run("unknown job is 404", func(t *testing.T) {
		w := doJSON(r, http.MethodGet, "/v1/jobs/"+uuid.New().String(), nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestGetJobResult(t *testing.T) {
	store := newFakeStore()
	jobID := uuid.New()
	result := models.NewVerificationResult(jobID, uuid.New(), models.LevelExecutionVerified, true, "deadbeef")
	result.Signature = "c2lnbmVk"
	store.results[jobID.String()] = result
	r := newTestRouter(store)

	t.Run("stored result round-trips", func(t *testing.T) {
		w := doJSON(r, http.MethodGet, fmt.Sprintf("/v1/jobs/%s/result", jobID), nil)
		require.Equal(t, http.StatusOK, w.Code)

		var got models.VerificationResult
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
		assert.Equal(t, jobID, got.JobID)
		assert.True(t, got.Passed)
		assert.Equal(t, "c2lnbmVk", got.Signature)
	})

	t.Run("missing result is 404", func(t *testing.T) {
		w := doJSON(r, http.MethodGet, fmt.Sprintf("/v1/jobs/%s/result", uuid.New()), nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Contains(t, w.Body.String(), "result not available")
	})
}

func TestListJobs(t *testing.T) {
	store := newFakeStore()
	store.recent = []queue.JobStatusEntry{
		{JobID: "b", Status: "RUNNING"},
		{JobID: "a", Status: "COMPLETED"},
	}
	r := newTestRouter(store)

	t.Run("default limit is 50", func(t *testing.T) {
		w := doJSON(r, http.MethodGet, "/v1/jobs", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, int64(50), store.lastLimit)

		var resp struct {
			Jobs  []queue.JobStatusEntry `json:"jobs"`
			Count int                    `json:"count"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, 2, resp.Count)
		assert.Equal(t, "b", resp.Jobs[0].JobID)
	})

	t.Run("custom limit is forwarded", func(t *testing.T) {
		w := doJSON(r, http.MethodGet, "/v1/jobs?limit=5", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, int64(5), store.lastLimit)
	})

	t.Run("out-of-range limits are rejected", func(t *testing.T) {
		for _, limit := range []string{"0", "-3", "201", "abc"} {
			w := doJSON(r, http.MethodGet, "/v1/jobs?limit="+limit, nil)
			assert.Equal(t, http.StatusBadRequest, w.Code, "limit=%s", limit)
		}
	})
}

func TestProbes(t *testing.T) {
	t.Run("health is always 200", func(t *testing.T) {
		store := newFakeStore()
		store.healthy = false
		r := newTestRouter(store)

		w := doJSON(r, http.MethodGet, "/health", nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("ready reflects the queue backend", func(t *testing.T) {
		store := newFakeStore()
		r := newTestRouter(store)

		w := doJSON(r, http.MethodGet, "/ready", nil)
		assert.Equal(t, http.StatusOK, w.Code)

		store.healthy = false
		w = doJSON(r, http.MethodGet, "/ready", nil)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	r := newTestRouter(newFakeStore())
	w := doJSON(r, http.MethodGet, "/metrics", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "verify_server_startup_timestamp")
}

func TestSubmitJobAppliesEngineDefaultLimits(t *testing.T) {
	store := newFakeStore()
	cfg := testConfig()
	cfg.ContainerTimeoutSeconds = 300
	cfg.ContainerMemoryLimitMB = 1024
	r := NewServer(store, cfg).Router()

	w := doJSON(r, http.MethodPost, "/v1/jobs", submitBody(t, nil))
	require.Equal(t, http.StatusCreated, w.Code)

	require.Len(t, store.enqueued, 1)
	limits := store.enqueued[0].ResourceLimits
	assert.Equal(t, 300, limits.TimeoutSeconds)
	assert.Equal(t, 1024, limits.MemoryMB)
}
