package client

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/LeeDigitalWorks/hlsferry/pkg/retry"
	"github.com/LeeDigitalWorks/hlsferry/pkg/transfer"
	"github.com/LeeDigitalWorks/hlsferry/pkg/types"
	"github.com/minio/sha256-simd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestHome_SendChunk(t *testing.T) {
	t.Parallel()

	var got struct {
		id, index, owner, body string
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chunk", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		got.id = r.Header.Get(types.HeaderTransferID)
		got.index = r.Header.Get(types.HeaderChunkIndex)
		got.owner = r.Header.Get(types.HeaderOwnerID)
		got.body = string(body)
		writeJSON(w, http.StatusOK, types.ChunkResponse{Message: "stored", ChunkIndex: 2})
	}))
	defer srv.Close()

	c := NewHome(srv.URL, WithOwner("alice"), WithRateLimit(1<<20))
	require.NoError(t, c.SendChunk(context.Background(), "abc123", 2, strings.NewReader("payload"), 7))

	assert.Equal(t, "abc123", got.id)
	assert.Equal(t, "2", got.index)
	assert.Equal(t, "alice", got.owner)
	assert.Equal(t, "payload", got.body)
}

func TestHome_ErrorMapping(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/chunk":
			writeJSON(w, http.StatusTooManyRequests, types.ErrorResponse{Error: "admission denied"})
		case "/complete":
			writeJSON(w, http.StatusBadRequest, types.ErrorResponse{Error: "chunks missing", Missing: []int{1, 4}})
		case "/cancel":
			writeJSON(w, http.StatusOK, types.MessageResponse{Message: "cancelled"})
		}
	}))
	defer srv.Close()

	c := NewHome(srv.URL)
	ctx := context.Background()

	err := c.SendChunk(ctx, "t1", 0, strings.NewReader("x"), 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, transfer.ErrAdmissionDenied)
	assert.True(t, IsStatus(err, http.StatusTooManyRequests))

	err = c.Complete(ctx, "t1", 5, transfer.FileMeta{Filename: "movie.mp4"})
	require.Error(t, err)
	assert.ErrorIs(t, err, transfer.ErrChunkMissing)
	var missing *transfer.ChunkMissingError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []int{1, 4}, missing.Missing)

	require.NoError(t, c.Cancel(ctx, "t1"))
}

func TestHome_WithHandoff(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/recv/chunk", r.URL.Path)
		hits.Add(1)
		writeJSON(w, http.StatusOK, types.ChunkResponse{})
	}))
	defer srv.Close()

	c := NewHome("http://unused.invalid").WithHandoff(types.HandoffNotice{UploadURL: srv.URL + "/recv/chunk"})
	require.NoError(t, c.SendChunk(context.Background(), "t1", 0, strings.NewReader("x"), 1))
	assert.Equal(t, int32(1), hits.Load())
}

func TestHome_ChunksAndMode(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/chunks/abc123":
			writeJSON(w, http.StatusOK, transfer.ChunkInfo{
				TotalChunks: 2,
				Chunks:      []transfer.ChunkEntry{{Index: 0, Size: 4}, {Index: 1, Size: 2}},
				TotalSize:   6,
			})
		case "/mode":
			writeJSON(w, http.StatusOK, types.ModeResponse{State: "draining", ActiveReaders: 2, DrainPending: true})
		}
	}))
	defer srv.Close()

	c := NewHome(srv.URL)
	info, err := c.Chunks(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, int64(6), info.TotalSize)
	assert.Len(t, info.Chunks, 2)

	m, err := c.Mode(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "draining", m.State)
	assert.True(t, m.DrainPending)
}

func TestBackup_Receive(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		sum := sha256.Sum256(body)
		if r.Header.Get(types.HeaderContentSHA256) != hex.EncodeToString(sum[:]) {
			writeJSON(w, http.StatusBadRequest, types.ErrorResponse{Error: "digest mismatch"})
			return
		}
		assert.Equal(t, "vid1", r.Header.Get(types.HeaderVideoID))
		writeJSON(w, http.StatusOK, types.ReceiveResponse{Status: "received", Filename: r.Header.Get(types.HeaderFilename)})
	}))
	defer srv.Close()

	c := NewBackup(srv.URL)
	data := "#EXTM3U\n"
	sum := sha256.Sum256([]byte(data))
	ctx := context.Background()

	require.NoError(t, c.Receive(ctx, srv.URL, "vid1", "index.m3u8", strings.NewReader(data), int64(len(data)), hex.EncodeToString(sum[:])))

	// A 400 stops a retry loop after one attempt.
	var attempts int
	err := retry.Do(ctx, retry.Constant(3, 0), func(ctx context.Context, _ int) error {
		attempts++
		return c.Receive(ctx, srv.URL, "vid1", "index.m3u8", strings.NewReader(data), int64(len(data)), "bad")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.True(t, IsStatus(err, http.StatusBadRequest))
}

func TestBackup_ServerErrorsAreRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, types.BackupCompleteResponse{MissingFiles: []string{}})
	}))
	defer srv.Close()

	c := NewBackup(srv.URL)
	var missing []string
	err := retry.Do(context.Background(), retry.Constant(3, 0), func(ctx context.Context, _ int) error {
		var err error
		missing, err = c.Complete(ctx, srv.URL, types.BackupCompleteRequest{VideoID: "vid1", Status: "ok"})
		return err
	})
	require.NoError(t, err)
	assert.Empty(t, missing)
	assert.Equal(t, int32(3), calls.Load())
}

func TestBackup_ReadyDefaultsToNodeEndpoint(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/backup/ready", r.URL.Path)
		var req types.ReadyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		writeJSON(w, http.StatusOK, types.ReadyResponse{
			LinkToReceive:        "http://b/backup/receive",
			LinkToNoticeComplete: "http://b/backup/complete",
		})
	}))
	defer srv.Close()

	resp, err := NewBackup(srv.URL).Ready(context.Background(), "", "vid1")
	require.NoError(t, err)
	assert.True(t, resp.Ready())
}

func TestStatusError(t *testing.T) {
	t.Parallel()

	assert.True(t, (&StatusError{StatusCode: 503}).Retryable())
	assert.True(t, (&StatusError{StatusCode: 429}).Retryable())
	assert.False(t, (&StatusError{StatusCode: 404}).Retryable())
	assert.False(t, IsStatus(errors.New("x"), 404))
}

func TestFileDigest(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "segment_000.ts")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	digest, size, err := FileDigest(path)
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", digest)
}
