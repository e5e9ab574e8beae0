package taskqueue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type funcHandler struct {
	taskType TaskType
	fn       func(ctx context.Context, task *Task) error
}

func (h *funcHandler) Type() TaskType { return h.taskType }

func (h *funcHandler) Handle(ctx context.Context, task *Task) error {
	return h.fn(ctx, task)
}

func TestWorker_Defaults(t *testing.T) {
	t.Parallel()

	w := NewWorker(WorkerConfig{Queue: NewMemoryQueue()})
	assert.NotEmpty(t, w.ID())
	assert.Equal(t, DefaultConcurrency, w.concurrency)
	assert.Equal(t, DefaultPollInterval, w.pollInterval)

	w.RegisterHandler(nil)
	assert.Empty(t, w.HandlerTypes())
}

func TestWorker_CompletesTask(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		q := NewMemoryQueue()
		var seen atomic.Int32
		w := NewWorker(WorkerConfig{ID: "w1", Queue: q, PollInterval: time.Second, Concurrency: 1})
		w.RegisterHandler(&funcHandler{taskType: TaskTypeEvent, fn: func(ctx context.Context, task *Task) error {
			seen.Add(1)
			return nil
		}})

		task := &Task{Type: TaskTypeEvent}
		require.NoError(t, q.Enqueue(ctx, task))

		w.Start(ctx)
		time.Sleep(1500 * time.Millisecond)
		synctest.Wait()

		assert.Equal(t, int32(1), seen.Load())
		got, err := q.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, got.Status)

		w.Stop()
	})
}

func TestWorker_RetriesThenDeadLetters(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		q := NewMemoryQueue()
		var calls atomic.Int32
		w := NewWorker(WorkerConfig{ID: "w1", Queue: q, PollInterval: time.Second, Concurrency: 1})
		w.RegisterHandler(&funcHandler{taskType: TaskTypeBackup, fn: func(ctx context.Context, task *Task) error {
			calls.Add(1)
			return errors.New("receiver unreachable")
		}})

		task := &Task{Type: TaskTypeBackup, MaxRetries: 3}
		require.NoError(t, q.Enqueue(ctx, task))

		w.Start(ctx)
		// Attempts at ~1s, then after 2s and 4s backoff.
		time.Sleep(time.Minute)
		synctest.Wait()
		w.Stop()

		assert.Equal(t, int32(3), calls.Load())
		got, err := q.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusDeadLetter, got.Status)
		assert.Equal(t, 3, got.Attempts)
	})
}

func TestWorker_PermanentErrorNotRetried(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		q := NewMemoryQueue()
		var calls atomic.Int32
		w := NewWorker(WorkerConfig{ID: "w1", Queue: q, PollInterval: time.Second, Concurrency: 1})
		w.RegisterHandler(&funcHandler{taskType: TaskTypeBackup, fn: func(ctx context.Context, task *Task) error {
			calls.Add(1)
			return Permanent(errors.New("timed out waiting for receiver"))
		}})

		task := &Task{Type: TaskTypeBackup}
		require.NoError(t, q.Enqueue(ctx, task))

		w.Start(ctx)
		time.Sleep(time.Minute)
		synctest.Wait()
		w.Stop()

		assert.Equal(t, int32(1), calls.Load())
		got, err := q.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusDeadLetter, got.Status)
	})
}

func TestWorker_HeartbeatsLongTasks(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		q := NewMemoryQueue()
		w := NewWorker(WorkerConfig{ID: "w1", Queue: q, PollInterval: time.Second, HeartbeatInterval: 10 * time.Second, Concurrency: 1})
		release := make(chan struct{})
		w.RegisterHandler(&funcHandler{taskType: TaskTypeBackup, fn: func(ctx context.Context, task *Task) error {
			<-release
			return nil
		}})

		task := &Task{Type: TaskTypeBackup}
		require.NoError(t, q.Enqueue(ctx, task))
		w.Start(ctx)

		time.Sleep(time.Second + time.Millisecond)
		synctest.Wait()
		first, err := q.Get(ctx, task.ID)
		require.NoError(t, err)
		require.NotNil(t, first.HeartbeatAt)

		time.Sleep(25 * time.Second)
		synctest.Wait()
		later, err := q.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.True(t, later.HeartbeatAt.After(*first.HeartbeatAt))

		close(release)
		synctest.Wait()
		w.Stop()
	})
}

func TestWorker_PanicIsPermanent(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		q := NewMemoryQueue()
		w := NewWorker(WorkerConfig{ID: "w1", Queue: q, PollInterval: time.Second, Concurrency: 1})
		w.RegisterHandler(&funcHandler{taskType: TaskTypeEvent, fn: func(ctx context.Context, task *Task) error {
			panic("bad payload")
		}})

		task := &Task{Type: TaskTypeEvent}
		require.NoError(t, q.Enqueue(ctx, task))
		w.Start(ctx)
		time.Sleep(2 * time.Second)
		synctest.Wait()
		w.Stop()

		got, err := q.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusDeadLetter, got.Status)
		assert.Contains(t, got.LastError, "bad payload")
	})
}

func TestRunMaintenance(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())

		q := NewMemoryQueue()
		task := &Task{Type: TaskTypeEvent}
		require.NoError(t, q.Enqueue(ctx, task))
		_, err := q.Dequeue(ctx, "w1")
		require.NoError(t, err)
		require.NoError(t, q.Complete(ctx, task.ID))

		done := make(chan struct{})
		go func() {
			RunMaintenance(ctx, q, time.Minute, time.Hour)
			close(done)
		}()

		time.Sleep(2 * time.Hour)
		synctest.Wait()
		_, err = q.Get(ctx, task.ID)
		assert.ErrorIs(t, err, ErrTaskNotFound)

		cancel()
		<-done
	})
}
