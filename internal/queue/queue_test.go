package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestQueue(t *testing.T, cfg Config) *Queue {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return New(client, cfg, zap.NewNop())
}

func job(id string) Job {
	return Job{ID: id, Type: "test_job", Payload: json.RawMessage(`{"n":1}`)}
}

func TestEnqueue_DedupesPendingJobs(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()

	ok, err := q.Enqueue(ctx, job("job-1"), 0)
	require.NoError(t, err)
	assert.True(t, ok)

	// Same ID while pending is a no-op.
	ok, err = q.Enqueue(ctx, job("job-1"), 0)
	require.NoError(t, err)
	assert.False(t, ok)

	pending, err := q.PendingCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, pending)
}

func TestEnqueue_RequiresIDAndType(t *testing.T) {
	q := newTestQueue(t, Config{})

	_, err := q.Enqueue(context.Background(), Job{Type: "x"}, 0)
	assert.Error(t, err)

	_, err = q.Enqueue(context.Background(), Job{ID: "x"}, 0)
	assert.Error(t, err)
}

func TestClaimDue_HonoursDelay(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, job("delayed"), 100*time.Millisecond)
	require.NoError(t, err)

	jobs, err := q.claimDue(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	time.Sleep(150 * time.Millisecond)
	jobs, err = q.claimDue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "delayed", jobs[0].ID)
}

func TestClaimDue_LeasedJobNotReclaimed(t *testing.T) {
	q := newTestQueue(t, Config{LeaseTTL: time.Hour})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, job("leased"), 0)
	require.NoError(t, err)

	jobs, err := q.claimDue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	jobs, err = q.claimDue(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestCompleteReleasesID(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, job("job-1"), 0)
	require.NoError(t, err)

	jobs, err := q.claimDue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	require.NoError(t, q.complete(ctx, "job-1"))

	// ID is free again.
	ok, err := q.Enqueue(ctx, job("job-1"), 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRetry_AppliesExponentialBackoff(t *testing.T) {
	q := newTestQueue(t, Config{RetryBase: 20 * time.Millisecond})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, job("flaky"), 0)
	require.NoError(t, err)
	jobs, err := q.claimDue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	failed := jobs[0]
	failed.Attempts = 3 // third failure: 20ms * 2^2 = 80ms
	require.NoError(t, q.retry(ctx, failed))

	jobs, err = q.claimDue(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	time.Sleep(120 * time.Millisecond)
	jobs, err = q.claimDue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 3, jobs[0].Attempts)
}

func TestBury_MovesJobToDeadList(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, job("doomed"), 0)
	require.NoError(t, err)
	jobs, err := q.claimDue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	require.NoError(t, q.bury(ctx, jobs[0]))

	dead, err := q.DeadCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, dead)

	pending, err := q.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestConsumer_ProcessesAndCompletes(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()

	c := NewConsumer(q, zap.NewNop(), nil)

	var handled []string
	c.Register("test_job", func(_ context.Context, job Job) error {
		handled = append(handled, job.ID)
		return nil
	})

	_, err := q.Enqueue(ctx, job("job-a"), 0)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, job("job-b"), 0)
	require.NoError(t, err)

	require.NoError(t, c.RunOnce(ctx))
	assert.ElementsMatch(t, []string{"job-a", "job-b"}, handled)

	pending, err := q.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestConsumer_RetriesThenBuries(t *testing.T) {
	q := newTestQueue(t, Config{MaxAttempts: 2, RetryBase: time.Millisecond})
	ctx := context.Background()

	c := NewConsumer(q, zap.NewNop(), nil)

	attempts := 0
	c.Register("test_job", func(context.Context, Job) error {
		attempts++
		return errors.New("boom")
	})

	_, err := q.Enqueue(ctx, job("always-fails"), 0)
	require.NoError(t, err)

	// First pass fails and schedules a retry.
	require.NoError(t, c.RunOnce(ctx))
	assert.Equal(t, 1, attempts)

	// Second pass exhausts attempts and buries.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.RunOnce(ctx))
	assert.Equal(t, 2, attempts)

	dead, err := q.DeadCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, dead)
}

func TestConsumer_UnknownJobTypeIsBuried(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()

	c := NewConsumer(q, zap.NewNop(), nil)

	_, err := q.Enqueue(ctx, Job{ID: "mystery", Type: "unknown_type"}, 0)
	require.NoError(t, err)

	require.NoError(t, c.RunOnce(ctx))

	dead, err := q.DeadCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, dead)
}

func TestReap_ReturnsExpiredLeases(t *testing.T) {
	q := newTestQueue(t, Config{LeaseTTL: 50 * time.Millisecond})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, job("crashed"), 0)
	require.NoError(t, err)
	jobs, err := q.claimDue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	// Consumer died; after the lease expires the job is claimable again.
	time.Sleep(100 * time.Millisecond)
	jobs, err = q.claimDue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "crashed", jobs[0].ID)
}
