package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/queue"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func setupQueue(t *testing.T) (*JobQueue, *fakeClock) {
	t.Helper()
	client, _ := setupTestRedis(t)
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}

	q := NewJobQueue(client, queue.Config{MaxAttempts: 3, BackoffBase: time.Second, Lease: 30 * time.Second}, zap.NewNop())
	q.now = clock.Now
	return q, clock
}

func testJob(body string) queue.Job {
	return queue.Job{
		NotificationID: uuid.New(),
		UserID:         "u1",
		Channel:        db.ChannelEmail,
		Recipient:      "a@x.io",
		Body:           body,
	}
}

func TestJobQueue_EnqueueAndClaim(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()
	job := testJob("hello")

	require.NoError(t, q.Enqueue(ctx, job))

	d, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, job.NotificationID, d.Job.NotificationID)
	assert.Equal(t, "hello", d.Job.Body)
	assert.Equal(t, 1, d.Attempt)
	assert.NotEmpty(t, d.Receipt)

	next, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, next, "a claimed job must not be handed out twice")

	require.NoError(t, q.Complete(ctx, d))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{}, stats)
}

func TestJobQueue_EnqueueIsIdempotentPerNotification(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()
	job := testJob("first")

	require.NoError(t, q.Enqueue(ctx, job))
	job.Body = "second"
	require.NoError(t, q.Enqueue(ctx, job))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Scheduled)

	d, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "second", d.Job.Body)

	next, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestJobQueue_RetriesWithBackoffThenTerminal(t *testing.T) {
	q, clock := setupQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, testJob("x")))
	cause := errors.New("provider down")

	d, err := q.Claim(ctx)
	require.NoError(t, err)
	terminal, err := q.Fail(ctx, d, cause)
	require.NoError(t, err)
	assert.False(t, terminal)

	d, err = q.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, d, "retry must wait for the backoff")

	clock.Advance(time.Second)
	d, err = q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, 2, d.Attempt)
	terminal, err = q.Fail(ctx, d, cause)
	require.NoError(t, err)
	assert.False(t, terminal)

	clock.Advance(time.Second)
	d, err = q.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, d, "second backoff is two seconds")

	clock.Advance(time.Second)
	d, err = q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, 3, d.Attempt)
	terminal, err = q.Fail(ctx, d, cause)
	require.NoError(t, err)
	assert.True(t, terminal)

	clock.Advance(time.Hour)
	d, err = q.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, d)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Failed)
}

func TestJobQueue_EnqueueWhileActiveRearms(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()
	job := testJob("original")
	require.NoError(t, q.Enqueue(ctx, job))

	d, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)

	job.Body = "replacement"
	require.NoError(t, q.Enqueue(ctx, job))

	concurrent, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, concurrent, "same notification must not run twice at once")

	require.NoError(t, q.Complete(ctx, d))

	rearmed, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, rearmed)
	assert.Equal(t, "replacement", rearmed.Job.Body)
	assert.Equal(t, 1, rearmed.Attempt)
}

func TestJobQueue_RequeueAfterTerminalFailure(t *testing.T) {
	q, clock := setupQueue(t)
	ctx := context.Background()
	job := testJob("x")
	require.NoError(t, q.Enqueue(ctx, job))

	d, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Bury(ctx, d, errors.New("no sender")))

	job.Retries = 3
	require.NoError(t, q.Enqueue(ctx, job))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, stats.Failed)
	assert.EqualValues(t, 1, stats.Scheduled)

	clock.Advance(time.Millisecond)
	d, err = q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, 1, d.Attempt, "a re-enqueued job gets a fresh attempt budget")
	assert.Equal(t, 3, d.Job.Retries)
}

func TestJobQueue_EnqueueIfAbsent(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()
	job := testJob("x")

	added, err := q.EnqueueIfAbsent(ctx, job)
	require.NoError(t, err)
	assert.True(t, added)

	added, err = q.EnqueueIfAbsent(ctx, job)
	require.NoError(t, err)
	assert.False(t, added, "queued job must not be replaced")

	d, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)

	added, err = q.EnqueueIfAbsent(ctx, job)
	require.NoError(t, err)
	assert.False(t, added, "running job must not be re-armed")

	require.NoError(t, q.Complete(ctx, d))
	next, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestJobQueue_ReapExpiredLease(t *testing.T) {
	q, clock := setupQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, testJob("x")))

	stale, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, stale)

	res, err := q.ReapExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Requeued, "lease still valid")

	clock.Advance(31 * time.Second)
	res, err = q.ReapExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Requeued)
	assert.Empty(t, res.Exhausted)

	fresh, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, fresh)
	assert.Equal(t, 2, fresh.Attempt)

	assert.ErrorIs(t, q.Complete(ctx, stale), queue.ErrLeaseLost)
	require.NoError(t, q.Complete(ctx, fresh))
}

func TestJobQueue_ReapExpiredOnFinalAttempt(t *testing.T) {
	q, clock := setupQueue(t)
	ctx := context.Background()
	job := testJob("x")
	require.NoError(t, q.Enqueue(ctx, job))

	for attempt := 1; attempt <= 3; attempt++ {
		d, err := q.Claim(ctx)
		require.NoError(t, err)
		require.NotNil(t, d)
		assert.Equal(t, attempt, d.Attempt)

		clock.Advance(31 * time.Second)
		res, err := q.ReapExpired(ctx)
		require.NoError(t, err)
		if attempt < 3 {
			assert.Equal(t, 1, res.Requeued)
			assert.Empty(t, res.Exhausted)
			continue
		}
		assert.Zero(t, res.Requeued)
		assert.Equal(t, []uuid.UUID{job.NotificationID}, res.Exhausted)
	}

	next, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Failed)
	assert.Zero(t, stats.Active)
}

func TestJobQueue_RejectsInvalidJob(t *testing.T) {
	q, _ := setupQueue(t)
	job := testJob("x")
	job.Recipient = ""

	err := q.Enqueue(context.Background(), job)
	assert.ErrorIs(t, err, queue.ErrInvalidJob)
}
