package taskqueue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// queues runs a test against every embedded queue implementation.
func queues(t *testing.T, fn func(t *testing.T, q Queue)) {
	t.Run("memory", func(t *testing.T) {
		t.Parallel()
		fn(t, NewMemoryQueue())
	})
	t.Run("leveldb", func(t *testing.T) {
		t.Parallel()
		q, err := NewLevelDBQueue(LevelDBQueueConfig{Path: filepath.Join(t.TempDir(), "queue")})
		require.NoError(t, err)
		t.Cleanup(func() { q.Close() })
		fn(t, q)
	})
}

func TestQueue_EnqueueDefaults(t *testing.T) {
	queues(t, func(t *testing.T, q Queue) {
		ctx := context.Background()
		task := &Task{Type: TaskTypeBackup, Key: "vid1", Payload: []byte(`{"videoId":"vid1"}`)}
		require.NoError(t, q.Enqueue(ctx, task))

		assert.NotEmpty(t, task.ID)
		assert.Equal(t, StatusPending, task.Status)
		assert.Equal(t, DefaultMaxRetries, task.MaxRetries)
		assert.False(t, task.CreatedAt.IsZero())

		got, err := q.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, "vid1", got.Key)
		assert.JSONEq(t, `{"videoId":"vid1"}`, string(got.Payload))
	})
}

func TestQueue_DequeuePriorityAndType(t *testing.T) {
	queues(t, func(t *testing.T, q Queue) {
		ctx := context.Background()
		low := &Task{Type: TaskTypeBackup, Priority: PriorityLow}
		high := &Task{Type: TaskTypeBackup, Priority: PriorityHigh}
		event := &Task{Type: TaskTypeEvent, Priority: PriorityHigh}
		for _, task := range []*Task{low, high, event} {
			require.NoError(t, q.Enqueue(ctx, task))
		}

		got, err := q.Dequeue(ctx, "w1", TaskTypeBackup)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, high.ID, got.ID)
		assert.Equal(t, StatusRunning, got.Status)
		assert.Equal(t, "w1", got.WorkerID)

		got, err = q.Dequeue(ctx, "w1", TaskTypeBackup)
		require.NoError(t, err)
		assert.Equal(t, low.ID, got.ID)

		got, err = q.Dequeue(ctx, "w1", TaskTypeBackup)
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestQueue_FailRequeuesWithBackoff(t *testing.T) {
	queues(t, func(t *testing.T, q Queue) {
		ctx := context.Background()
		task := &Task{Type: TaskTypeBackup}
		require.NoError(t, q.Enqueue(ctx, task))

		_, err := q.Dequeue(ctx, "w1")
		require.NoError(t, err)
		require.NoError(t, q.Fail(ctx, task.ID, errors.New("local directory missing")))

		got, err := q.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, got.Status)
		assert.Equal(t, 1, got.Attempts)
		assert.Equal(t, "local directory missing", got.LastError)
		assert.True(t, got.RetryAfter.After(time.Now()))

		// Not ready until the backoff passes.
		again, err := q.Dequeue(ctx, "w1")
		require.NoError(t, err)
		assert.Nil(t, again)

		// Same task, no duplicate entry.
		all, err := q.List(ctx, TaskFilter{Type: TaskTypeBackup})
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})
}

func TestQueue_PermanentFailureDeadLetters(t *testing.T) {
	queues(t, func(t *testing.T, q Queue) {
		ctx := context.Background()
		task := &Task{Type: TaskTypeBackup}
		require.NoError(t, q.Enqueue(ctx, task))
		_, err := q.Dequeue(ctx, "w1")
		require.NoError(t, err)

		require.NoError(t, q.Fail(ctx, task.ID, Permanent(errors.New("upload exhausted"))))

		got, err := q.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusDeadLetter, got.Status)
		assert.NotNil(t, got.CompletedAt)
	})
}

func TestQueue_FailAfterCancelKeepsCancelled(t *testing.T) {
	queues(t, func(t *testing.T, q Queue) {
		ctx := context.Background()
		task := &Task{Type: TaskTypeBackup}
		require.NoError(t, q.Enqueue(ctx, task))
		_, err := q.Dequeue(ctx, "w1")
		require.NoError(t, err)

		require.NoError(t, q.Cancel(ctx, task.ID))
		require.NoError(t, q.Fail(ctx, task.ID, context.Canceled))
		require.NoError(t, q.Complete(ctx, task.ID))

		got, err := q.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, got.Status)
	})
}

func TestQueue_Heartbeat(t *testing.T) {
	queues(t, func(t *testing.T, q Queue) {
		ctx := context.Background()
		task := &Task{Type: TaskTypeEvent}
		require.NoError(t, q.Enqueue(ctx, task))

		assert.ErrorIs(t, q.Heartbeat(ctx, task.ID, "w1"), ErrTaskNotFound)

		_, err := q.Dequeue(ctx, "w1")
		require.NoError(t, err)
		assert.NoError(t, q.Heartbeat(ctx, task.ID, "w1"))
		assert.ErrorIs(t, q.Heartbeat(ctx, task.ID, "w2"), ErrTaskNotFound)
	})
}

func TestQueue_ListStatsCleanup(t *testing.T) {
	queues(t, func(t *testing.T, q Queue) {
		ctx := context.Background()
		a := &Task{Type: TaskTypeBackup, Key: "a"}
		b := &Task{Type: TaskTypeBackup, Key: "b"}
		e := &Task{Type: TaskTypeEvent}
		for _, task := range []*Task{a, b, e} {
			require.NoError(t, q.Enqueue(ctx, task))
		}

		byKey, err := q.List(ctx, TaskFilter{Key: "b"})
		require.NoError(t, err)
		require.Len(t, byKey, 1)
		assert.Equal(t, b.ID, byKey[0].ID)

		limited, err := q.List(ctx, TaskFilter{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, limited, 2)

		_, err = q.Dequeue(ctx, "w1", TaskTypeEvent)
		require.NoError(t, err)
		require.NoError(t, q.Complete(ctx, e.ID))

		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), stats.Pending)
		assert.Equal(t, int64(1), stats.Completed)
		assert.Equal(t, int64(2), stats.ByType[TaskTypeBackup])
		assert.NotNil(t, stats.OldestPending)

		n, err := q.Cleanup(ctx, -time.Second)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		_, err = q.Get(ctx, e.ID)
		assert.ErrorIs(t, err, ErrTaskNotFound)
	})
}

func TestQueue_Closed(t *testing.T) {
	queues(t, func(t *testing.T, q Queue) {
		require.NoError(t, q.Close())
		assert.ErrorIs(t, q.Enqueue(context.Background(), &Task{Type: TaskTypeEvent}), ErrQueueClosed)
		_, err := q.Dequeue(context.Background(), "w1")
		assert.ErrorIs(t, err, ErrQueueClosed)
	})
}

func TestLevelDBQueue_RecoversRunningTasks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue")
	q, err := NewLevelDBQueue(LevelDBQueueConfig{Path: path})
	require.NoError(t, err)

	task := &Task{Type: TaskTypeBackup, Key: "vid"}
	require.NoError(t, q.Enqueue(ctx, task))
	_, err = q.Dequeue(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, q.Close())

	q, err = NewLevelDBQueue(LevelDBQueueConfig{Path: path})
	require.NoError(t, err)
	defer q.Close()

	got, err := q.Dequeue(ctx, "w2")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, "w2", got.WorkerID)
}

func TestPermanent(t *testing.T) {
	t.Parallel()

	base := errors.New("boom")
	assert.Nil(t, Permanent(nil))
	assert.False(t, IsPermanent(base))
	assert.True(t, IsPermanent(Permanent(base)))
	assert.ErrorIs(t, Permanent(base), base)
}

func TestBackoff(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 2*time.Second, Backoff(1))
	assert.Equal(t, 8*time.Second, Backoff(3))
	assert.Equal(t, 5*time.Minute, Backoff(40))
}
