package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/pixelmill/transcode-api/errors"
)

func testConfig() Config {
	cfg := FastConfig()
	cfg.RateLimitMax = 100
	return cfg
}

func newTestQueue(t *testing.T, cfg Config) (*Queue, *eventRecorder) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q := New(client, cfg)
	rec := &eventRecorder{}
	q.SetNotifier(rec.record)
	return q, rec
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]EventKind, len(r.events))
	for i, ev := range r.events {
		kinds[i] = ev.Kind
	}
	return kinds
}

func TestEnqueueClaimComplete(t *testing.T) {
	q, rec := newTestQueue(t, testConfig())
	ctx := context.Background()

	payload := Payload{
		RawObjectKey:     "raw-videos/abc-lesson.mp4",
		OriginalFilename: "lesson.mp4",
		Stage:            "fast",
		CorrelationID:    "corr-1",
	}
	require.NoError(t, q.Enqueue(ctx, "job-1", payload, 0))

	entry, err := q.tryClaim(ctx, "worker-0")
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.Equal(t, "job-1", entry.JobID)
	require.Equal(t, payload, entry.Payload)
	require.Equal(t, 1, entry.AttemptsMade)
	require.Equal(t, "worker-0", entry.LockOwner)

	require.NoError(t, q.Complete(ctx, entry, Result{HLSMasterURL: "http://x/hls/p/master.m3u8"}))

	// nothing left to claim
	entry, err = q.tryClaim(ctx, "worker-0")
	require.NoError(t, err)
	require.Nil(t, entry)

	require.Equal(t, []EventKind{EventAdded, EventActive, EventCompleted}, rec.kinds())

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Completed)
	require.EqualValues(t, 0, stats.Active)
}

func TestEnqueueWhileQueuedConflicts(t *testing.T) {
	q, _ := newTestQueue(t, testConfig())
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "job-1", Payload{Stage: "fast"}, 0))
	err := q.Enqueue(ctx, "job-1", Payload{Stage: "fast"}, 0)
	require.ErrorAs(t, err, &errors.AlreadyQueuedError{})

	// a terminal entry can be re-queued under the same id
	entry, err := q.tryClaim(ctx, "worker-0")
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.NoError(t, q.Complete(ctx, entry, Result{}))
	require.NoError(t, q.Enqueue(ctx, "job-1", Payload{Stage: "fast"}, 0))
}

func TestClaimOrderFollowsAvailability(t *testing.T) {
	q, _ := newTestQueue(t, testConfig())
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "job-a", Payload{Stage: "fast"}, 0))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, "job-b", Payload{Stage: "fast"}, 0))

	first, err := q.tryClaim(ctx, "worker-0")
	require.NoError(t, err)
	require.NotNil(t, first)
	second, err := q.tryClaim(ctx, "worker-0")
	require.NoError(t, err)
	require.NotNil(t, second)
	require.Equal(t, "job-a", first.JobID)
	require.Equal(t, "job-b", second.JobID)
}

func TestRetrySchedulesDelayedEntry(t *testing.T) {
	q, _ := newTestQueue(t, testConfig())
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "job-1", Payload{Stage: "fast"}, 0))
	entry, err := q.tryClaim(ctx, "worker-0")
	require.NoError(t, err)
	require.NotNil(t, entry)

	require.NoError(t, q.Retry(ctx, entry, "EncoderError: 360p", "boom"))

	// backoff delay keeps it unclaimable for now
	entry, err = q.tryClaim(ctx, "worker-0")
	require.NoError(t, err)
	require.Nil(t, entry)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Delayed)
	require.EqualValues(t, 0, stats.Active)
}

func TestRetryPastMaxAttemptsFails(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 1
	q, rec := newTestQueue(t, cfg)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "job-1", Payload{Stage: "fast"}, 0))
	entry, err := q.tryClaim(ctx, "worker-0")
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.Equal(t, 1, entry.AttemptsMade)

	require.NoError(t, q.Retry(ctx, entry, "EncoderError: 360p", "boom"))

	kinds := rec.kinds()
	require.Equal(t, EventFailed, kinds[len(kinds)-1])

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Failed)
}

func TestStallRecoveryReturnsEntryToWaiting(t *testing.T) {
	cfg := testConfig()
	cfg.LockDuration = 20 * time.Millisecond
	q, rec := newTestQueue(t, cfg)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "job-1", Payload{Stage: "fast"}, 0))
	entry, err := q.tryClaim(ctx, "worker-0")
	require.NoError(t, err)
	require.NotNil(t, entry)

	time.Sleep(30 * time.Millisecond)
	recovered, failed, err := q.RecoverStalled(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"job-1"}, recovered)
	require.Empty(t, failed)

	// the old lock is gone
	require.ErrorAs(t, q.Heartbeat(ctx, entry), &errors.ConflictError{})

	// second attempt claims it again, attempts incremented
	entry, err = q.tryClaim(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.Equal(t, 2, entry.AttemptsMade)
	require.Contains(t, rec.kinds(), EventStalled)
}

func TestRepeatedStallsFailTheEntry(t *testing.T) {
	cfg := testConfig()
	cfg.LockDuration = 20 * time.Millisecond
	q, rec := newTestQueue(t, cfg)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "job-1", Payload{Stage: "fast"}, 0))
	for i := 0; i < maxStallRecoveries; i++ {
		entry, err := q.tryClaim(ctx, "worker-0")
		require.NoError(t, err)
		require.NotNil(t, entry)
		time.Sleep(30 * time.Millisecond)
		recovered, failed, err := q.RecoverStalled(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"job-1"}, recovered)
		require.Empty(t, failed)
	}

	entry, err := q.tryClaim(ctx, "worker-0")
	require.NoError(t, err)
	require.NotNil(t, entry)
	time.Sleep(30 * time.Millisecond)
	recovered, failed, err := q.RecoverStalled(ctx)
	require.NoError(t, err)
	require.Empty(t, recovered)
	require.Equal(t, []string{"job-1"}, failed)

	kinds := rec.kinds()
	require.Equal(t, EventFailed, kinds[len(kinds)-1])
}

func TestClaimRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitMax = 2
	q, _ := newTestQueue(t, cfg)
	ctx := context.Background()

	for _, id := range []string{"job-1", "job-2", "job-3"} {
		require.NoError(t, q.Enqueue(ctx, id, Payload{Stage: "fast"}, 0))
	}

	for i := 0; i < 2; i++ {
		entry, err := q.tryClaim(ctx, "worker-0")
		require.NoError(t, err)
		require.NotNil(t, entry)
	}
	entry, err := q.tryClaim(ctx, "worker-0")
	require.NoError(t, err)
	require.Nil(t, entry)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Waiting)
}

func TestHeartbeatExtendsLock(t *testing.T) {
	q, _ := newTestQueue(t, testConfig())
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "job-1", Payload{Stage: "fast"}, 0))
	entry, err := q.tryClaim(ctx, "worker-0")
	require.NoError(t, err)
	require.NotNil(t, entry)

	before := entry.LockExpiresAt
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, q.Heartbeat(ctx, entry))
	require.True(t, entry.LockExpiresAt.After(before))
}

func TestReleaseReturnsEntryToWaiting(t *testing.T) {
	q, _ := newTestQueue(t, testConfig())
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "job-1", Payload{Stage: "fast"}, 0))
	entry, err := q.tryClaim(ctx, "worker-0")
	require.NoError(t, err)
	require.NotNil(t, entry)

	require.NoError(t, q.Release(ctx, entry))

	entry, err = q.tryClaim(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.Equal(t, 2, entry.AttemptsMade)
}

func TestReportProgressEmitsEvent(t *testing.T) {
	q, rec := newTestQueue(t, testConfig())
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "job-1", Payload{Stage: "fast"}, 0))
	entry, err := q.tryClaim(ctx, "worker-0")
	require.NoError(t, err)
	require.NotNil(t, entry)

	require.NoError(t, q.ReportProgress(ctx, entry, 42))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	last := rec.events[len(rec.events)-1]
	require.Equal(t, EventProgress, last.Kind)
	require.Equal(t, 42, last.Progress)
}
