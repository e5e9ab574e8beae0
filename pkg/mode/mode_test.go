package mode

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDrain_WaitsForReaders(t *testing.T) {
	t.Parallel()

	c := New()
	require.NoError(t, c.ReaderOpened())
	require.NoError(t, c.ReaderOpened())

	var calls atomic.Int32
	h, err := c.RequestDrainThenReceive(func() { calls.Add(1) })
	require.NoError(t, err)
	assert.Equal(t, Draining, c.State())
	assert.Zero(t, calls.Load())
	assert.False(t, h.Notified())

	c.ReaderClosed()
	assert.Equal(t, Draining, c.State())
	assert.Zero(t, calls.Load())

	c.ReaderClosed()
	assert.Equal(t, Receiving, c.State())
	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, h.Notified())
	select {
	case <-h.Done():
	default:
		t.Fatal("handoff not done")
	}

	// An unpaired close neither goes negative nor re-fires.
	c.ReaderClosed()
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 0, c.ActiveReaders())
}

func TestDrain_NoReadersSwitchesImmediately(t *testing.T) {
	t.Parallel()

	var seen []State
	c := New(func(from, to State) { seen = append(seen, to) })

	called := false
	h, err := c.RequestDrainThenReceive(func() { called = true })
	require.NoError(t, err)
	assert.True(t, called)
	assert.True(t, h.Notified())
	assert.Equal(t, Receiving, c.State())
	assert.Equal(t, []State{Receiving}, seen)
}

func TestDrain_WhileDrainingIsRefused(t *testing.T) {
	t.Parallel()

	c := New()
	require.NoError(t, c.ReaderOpened())
	_, err := c.RequestDrainThenReceive(nil)
	require.NoError(t, err)

	_, err = c.RequestDrainThenReceive(nil)
	assert.ErrorIs(t, err, ErrDrainInProgress)
}

func TestDrain_WhileReceivingFiresAtOnce(t *testing.T) {
	t.Parallel()

	c := New()
	_, err := c.RequestDrainThenReceive(nil)
	require.NoError(t, err)

	called := false
	h, err := c.RequestDrainThenReceive(func() { called = true })
	require.NoError(t, err)
	assert.True(t, called)
	assert.True(t, h.Notified())
}

func TestReaders_RefusedOutsideStreaming(t *testing.T) {
	t.Parallel()

	c := New()
	require.NoError(t, c.ReaderOpened())
	_, err := c.RequestDrainThenReceive(nil)
	require.NoError(t, err)

	assert.ErrorIs(t, c.ReaderOpened(), ErrNotServing)
	assert.ErrorIs(t, c.BeginWrite(), ErrNotReceiving)

	c.ReaderClosed()
	assert.ErrorIs(t, c.ReaderOpened(), ErrNotServing)
	assert.NoError(t, c.BeginWrite())

	c.ReturnToStreaming()
	assert.NoError(t, c.ReaderOpened())
	assert.ErrorIs(t, c.BeginWrite(), ErrNotReceiving)
}

func TestReturnToStreaming_CancelsPendingHandoff(t *testing.T) {
	t.Parallel()

	c := New()
	require.NoError(t, c.ReaderOpened())

	called := false
	h, err := c.RequestDrainThenReceive(func() { called = true })
	require.NoError(t, err)

	c.ReturnToStreaming()
	assert.Equal(t, Streaming, c.State())
	select {
	case <-h.Cancelled():
	default:
		t.Fatal("handoff not cancelled")
	}

	// The reader finishing later must not fire the abandoned callback.
	c.ReaderClosed()
	assert.False(t, called)
	assert.False(t, h.Notified())
	assert.Equal(t, Streaming, c.State())
}

func TestHandoff_Cancel(t *testing.T) {
	t.Parallel()

	c := New()
	require.NoError(t, c.ReaderOpened())
	h, err := c.RequestDrainThenReceive(func() {})
	require.NoError(t, err)

	assert.True(t, h.Cancel())
	assert.False(t, h.Cancel())
	assert.Equal(t, Streaming, c.State())
	assert.Equal(t, 1, c.ActiveReaders())

	// A fired hand-off cannot be cancelled.
	c.ReaderClosed()
	h, err = c.RequestDrainThenReceive(nil)
	require.NoError(t, err)
	assert.False(t, h.Cancel())
	assert.Equal(t, Receiving, c.State())
}

func TestBeginRead_ReleaseOnce(t *testing.T) {
	t.Parallel()

	c := New()
	release, err := c.BeginRead()
	require.NoError(t, err)
	other, err := c.BeginRead()
	require.NoError(t, err)

	release()
	release()
	assert.Equal(t, 1, c.ActiveReaders())
	other()
	assert.Equal(t, 0, c.ActiveReaders())
}

func TestConcurrentReadersAndDrain(t *testing.T) {
	t.Parallel()

	c := New()
	var calls atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			release, err := c.BeginRead()
			if err != nil {
				return
			}
			release()
		}()
	}

	close(start)
	h, err := c.RequestDrainThenReceive(func() { calls.Add(1) })
	require.NoError(t, err)
	wg.Wait()

	<-h.Done()
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, Receiving, c.State())
	assert.Equal(t, 0, c.ActiveReaders())
}

func TestMiddleware(t *testing.T) {
	t.Parallel()

	c := New()
	var inside int
	readers := c.ReaderMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inside = c.ActiveReaders()
		w.WriteHeader(http.StatusOK)
	}))
	writers := c.WriterMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	rec := httptest.NewRecorder()
	readers.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/hls/a.m3u8", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, inside)
	assert.Equal(t, 0, c.ActiveReaders())

	rec = httptest.NewRecorder()
	writers.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/chunk", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))

	_, err := c.RequestDrainThenReceive(nil)
	require.NoError(t, err)

	rec = httptest.NewRecorder()
	writers.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/chunk", nil))
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = httptest.NewRecorder()
	readers.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/hls/a.m3u8", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), ErrNotServing.Error())
}
