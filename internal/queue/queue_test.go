package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phiacta-verify/internal/models"
)

// fakeBackend is an in-memory stand-in for the redis commands the queue
// uses. It models just enough stream semantics for the tests: messages
// are delivered once per group and tracked as pending until acked.
type fakeBackend struct {
	kv      map[string]string
	zscores map[string]float64

	streamSeq int
	messages  []redis.XMessage
	groups    map[string]int      // group name -> index of next undelivered message
	pending   map[string]struct{} // group + "/" + msgID
	acked     map[string]struct{}

	pingErr error
	setErr  error
	closed  bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		kv:      map[string]string{},
		zscores: map[string]float64{},
		groups:  map[string]int{},
		pending: map[string]struct{}{},
		acked:   map[string]struct{}{},
	}
}

func (f *fakeBackend) Ping(ctx context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", f.pingErr)
}

func (f *fakeBackend) Set(ctx context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	if f.setErr != nil {
		return redis.NewStatusResult("", f.setErr)
	}
	switch v := value.(type) {
	case string:
		f.kv[key] = v
	case []byte:
		f.kv[key] = string(v)
	default:
		f.kv[key] = fmt.Sprint(v)
	}
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeBackend) Get(ctx context.Context, key string) *redis.StringCmd {
	v, ok := f.kv[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeBackend) ZAdd(ctx context.Context, key string, members ...*redis.Z) *redis.IntCmd {
	for _, m := range members {
		f.zscores[m.Member.(string)] = m.Score
	}
	return redis.NewIntResult(int64(len(members)), nil)
}

func (f *fakeBackend) ZRevRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd {
	members := make([]string, 0, len(f.zscores))
	for m := range f.zscores {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool {
		return f.zscores[members[i]] > f.zscores[members[j]]
	})
	if stop >= 0 && int64(len(members)) > stop+1 {
		members = members[:stop+1]
	}
	return redis.NewStringSliceResult(members, nil)
}

func (f *fakeBackend) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.streamSeq++
	id := fmt.Sprintf("%d-0", f.streamSeq)
	values := map[string]interface{}{}
	switch vals := a.Values.(type) {
	case map[string]interface{}:
		for k, v := range vals {
			values[k] = v
		}
	}
	f.messages = append(f.messages, redis.XMessage{ID: id, Values: values})
	return redis.NewStringResult(id, nil)
}

func (f *fakeBackend) XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd {
	if _, exists := f.groups[group]; exists {
		return redis.NewStatusResult("", errors.New("BUSYGROUP Consumer Group name already exists"))
	}
	f.groups[group] = 0
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeBackend) XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd {
	next := f.groups[a.Group]
	if next >= len(f.messages) {
		return redis.NewXStreamSliceCmdResult(nil, redis.Nil)
	}
	end := len(f.messages)
	if a.Count > 0 && next+int(a.Count) < end {
		end = next + int(a.Count)
	}
	delivered := f.messages[next:end]
	f.groups[a.Group] = end
	for _, m := range delivered {
		f.pending[a.Group+"/"+m.ID] = struct{}{}
	}
	return redis.NewXStreamSliceCmdResult([]redis.XStream{
		{Stream: streamKey, Messages: delivered},
	}, nil)
}

func (f *fakeBackend) XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd {
	var n int64
	for _, id := range ids {
		key := group + "/" + id
		if _, ok := f.pending[key]; ok {
			delete(f.pending, key)
			f.acked[key] = struct{}{}
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeBackend) Close() error {
	f.closed = true
	return nil
}

func testJob(t *testing.T) *models.VerificationJob {
	t.Helper()
	return models.NewVerificationJob(
		uuid.New(),
		models.RunnerPythonScript,
		"deadbeef",
		"import math\nprint(math.pi)\n",
		"tester",
	)
}

func TestEnqueueStoresIndexesAndPublishes(t *testing.T) {
	fake := newFakeBackend()
	q := NewJobQueue(fake)
	ctx := context.Background()

	job := testJob(t)
	msgID, err := q.Enqueue(ctx, job)
	require.NoError(t, err)
	assert.NotEmpty(t, msgID)

	jobID := job.ID.String()
	assert.Contains(t, fake.kv, jobPrefix+jobID)
	assert.Contains(t, fake.zscores, jobID)
	require.Len(t, fake.messages, 1)
	assert.Equal(t, jobID, fake.messages[0].Values["job_id"])

	status, err := q.GetStatus(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, status)
}

func TestDequeueRoundTrip(t *testing.T) {
	fake := newFakeBackend()
	q := NewJobQueue(fake)
	ctx := context.Background()

	job := testJob(t)
	_, err := q.Enqueue(ctx, job)
	require.NoError(t, err)

	msgs, err := q.Dequeue(ctx, "verify-workers", "worker-1", 1, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, job.ID, msgs[0].Job.ID)
	assert.Equal(t, job.CodeContent, msgs[0].Job.CodeContent)
	assert.Equal(t, job.RunnerType, msgs[0].Job.RunnerType)

	// Group already exists on the second call; BUSYGROUP must be ignored
	// and an empty read is not an error.
	msgs, err = q.Dequeue(ctx, "verify-workers", "worker-1", 1, time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestDequeueSkipsCorruptMessages(t *testing.T) {
	fake := newFakeBackend()
	q := NewJobQueue(fake)
	ctx := context.Background()

	fake.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		Values: map[string]interface{}{"job_id": "bogus", "data": "{not json"},
	})
	job := testJob(t)
	_, err := q.Enqueue(ctx, job)
	require.NoError(t, err)

	msgs, err := q.Dequeue(ctx, "verify-workers", "worker-1", 10, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, job.ID, msgs[0].Job.ID)
}

func TestAcknowledgeClearsPending(t *testing.T) {
	fake := newFakeBackend()
	q := NewJobQueue(fake)
	ctx := context.Background()

	job := testJob(t)
	_, err := q.Enqueue(ctx, job)
	require.NoError(t, err)

	msgs, err := q.Dequeue(ctx, "verify-workers", "worker-1", 1, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Len(t, fake.pending, 1)

	require.NoError(t, q.Acknowledge(ctx, "verify-workers", msgs[0].ID))
	assert.Empty(t, fake.pending)
	assert.Len(t, fake.acked, 1)
}

func TestStatusLifecycle(t *testing.T) {
	fake := newFakeBackend()
	q := NewJobQueue(fake)
	ctx := context.Background()

	_, err := q.GetStatus(ctx, "unknown-job")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, q.SetStatus(ctx, "job-1", models.StatusRunning))
	status, err := q.GetStatus(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, status)

	// A corrupted status value surfaces as an error, not a bogus status.
	fake.kv[statusPrefix+"job-2"] = "EXPLODED"
	_, err = q.GetStatus(ctx, "job-2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown job status")
}

func TestStoreAndGetResult(t *testing.T) {
	fake := newFakeBackend()
	q := NewJobQueue(fake)
	ctx := context.Background()

	job := testJob(t)
	result := models.NewVerificationResult(
		job.ID, job.ClaimID, models.LevelExecutionVerified, true, job.CodeHash)
	jobID := job.ID.String()

	_, err := q.GetResult(ctx, jobID)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, q.StoreResult(ctx, jobID, result, models.StatusCompleted))

	got, err := q.GetResult(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, result.JobID, got.JobID)
	assert.Equal(t, models.LevelExecutionVerified, got.VerificationLevel)
	assert.True(t, got.Passed)

	status, err := q.GetStatus(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, status)
}

func TestStoreResultRejectsNonTerminalStatus(t *testing.T) {
	q := NewJobQueue(newFakeBackend())
	job := testJob(t)
	result := models.NewVerificationResult(
		job.ID, job.ClaimID, models.LevelUnverified, false, job.CodeHash)

	err := q.StoreResult(context.Background(), job.ID.String(), result, models.StatusRunning)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not terminal")
}

func TestGetJobRoundTrip(t *testing.T) {
	fake := newFakeBackend()
	q := NewJobQueue(fake)
	ctx := context.Background()

	_, err := q.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	job := testJob(t)
	_, err = q.Enqueue(ctx, job)
	require.NoError(t, err)

	got, err := q.GetJob(ctx, job.ID.String())
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, job.CodeHash, got.CodeHash)
}

func TestListRecentJobsNewestFirst(t *testing.T) {
	fake := newFakeBackend()
	q := NewJobQueue(fake)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		job := testJob(t)
		job.CreatedAt = job.CreatedAt.Add(time.Duration(i) * time.Minute)
		_, err := q.Enqueue(ctx, job)
		require.NoError(t, err)
		ids = append(ids, job.ID.String())
	}

	entries, err := q.ListRecentJobs(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ids[2], entries[0].JobID)
	assert.Equal(t, ids[1], entries[1].JobID)
	for _, e := range entries {
		assert.Equal(t, string(models.StatusQueued), e.Status)
	}
}

func TestListRecentJobsUnknownStatus(t *testing.T) {
	fake := newFakeBackend()
	q := NewJobQueue(fake)
	ctx := context.Background()

	job := testJob(t)
	_, err := q.Enqueue(ctx, job)
	require.NoError(t, err)
	delete(fake.kv, statusPrefix+job.ID.String())

	entries, err := q.ListRecentJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "UNKNOWN", entries[0].Status)
}

func TestHealthCheck(t *testing.T) {
	fake := newFakeBackend()
	q := NewJobQueue(fake)

	assert.True(t, q.HealthCheck(context.Background()))
	fake.pingErr = errors.New("connection refused")
	assert.False(t, q.HealthCheck(context.Background()))
}

func TestEnqueuePropagatesStorageErrors(t *testing.T) {
	fake := newFakeBackend()
	fake.setErr = errors.New("redis down")
	q := NewJobQueue(fake)

	_, err := q.Enqueue(context.Background(), testJob(t))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "redis down"))
}

func TestClose(t *testing.T) {
	fake := newFakeBackend()
	q := NewJobQueue(fake)
	require.NoError(t, q.Close())
	assert.True(t, fake.closed)
}
