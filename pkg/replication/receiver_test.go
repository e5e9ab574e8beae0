package replication

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/LeeDigitalWorks/hlsferry/pkg/admission"
	"github.com/LeeDigitalWorks/hlsferry/pkg/storage/backend"
	"github.com/LeeDigitalWorks/hlsferry/pkg/types"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedAdmitter admission.Decision

func (f fixedAdmitter) CanAccept(requiredMB int64) admission.Decision {
	return admission.Decision(f)
}

func newTestReceiver(t *testing.T) (*Receiver, *backend.MemoryStorage) {
	t.Helper()
	store := backend.NewMemoryStorage()
	r := NewReceiver(ReceiverConfig{Storage: store, PublicURL: "http://backup:8080/"})
	r.now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	return r, store
}

func digestOf(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func receive(t *testing.T, r *Receiver, videoID, name, body string) {
	t.Helper()
	require.NoError(t, r.Receive(context.Background(), videoID, name, strings.NewReader(body), int64(len(body)), digestOf(body)))
}

func readKey(t *testing.T, store backend.Storage, key string) string {
	t.Helper()
	rc, err := store.Read(context.Background(), key)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestReceiver_Ready(t *testing.T) {
	t.Parallel()

	r, _ := newTestReceiver(t)
	links, err := r.Ready(context.Background(), "vid1")
	require.NoError(t, err)
	assert.Equal(t, "http://backup:8080/backup/receive", links.LinkToReceive)
	assert.Equal(t, "http://backup:8080/backup/complete", links.LinkToNoticeComplete)
	assert.True(t, links.Ready())

	_, err = r.Ready(context.Background(), "../etc")
	assert.ErrorIs(t, err, ErrInvalidFilename)
}

func TestReceiver_ReadyRefusedWithoutSpace(t *testing.T) {
	t.Parallel()

	r := NewReceiver(ReceiverConfig{
		Storage:    backend.NewMemoryStorage(),
		Admission:  fixedAdmitter{OK: false, FreeMB: 12},
		RequiredMB: 100,
	})
	_, err := r.Ready(context.Background(), "vid1")
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestReceiver_ReceiveIsIdempotent(t *testing.T) {
	t.Parallel()

	r, store := newTestReceiver(t)
	receive(t, r, "vid1", "segment_001.ts", "one")
	receive(t, r, "vid1", "segment_000.ts", "zero")
	receive(t, r, "vid1", "segment_001.ts", "one")

	assert.Equal(t, "one", readKey(t, store, "vid1/segment_001.ts"))

	man, err := r.Manifest(context.Background(), "vid1")
	require.NoError(t, err)
	assert.Equal(t, []string{"segment_000.ts", "segment_001.ts"}, man.Received)
	assert.False(t, man.Completed)
}

func TestReceiver_ReceiveWithoutDigest(t *testing.T) {
	t.Parallel()

	r, store := newTestReceiver(t)
	require.NoError(t, r.Receive(context.Background(), "vid1", "index.m3u8", strings.NewReader("#EXTM3U"), -1, ""))
	assert.Equal(t, "#EXTM3U", readKey(t, store, "vid1/index.m3u8"))
}

func TestReceiver_RejectsNames(t *testing.T) {
	t.Parallel()

	r, store := newTestReceiver(t)
	ctx := context.Background()

	for _, tc := range []struct{ video, file string }{
		{"vid1", "run.sh"},
		{"vid1", ManifestName},
		{"vid1", "../segment.ts"},
		{"vid1", ""},
		{"..", "segment.ts"},
	} {
		err := r.Receive(ctx, tc.video, tc.file, strings.NewReader("x"), 1, "")
		assert.ErrorIs(t, err, ErrInvalidFilename, "%s/%s", tc.video, tc.file)
	}

	objects, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, objects)
}

func TestReceiver_DigestMismatchDropsFile(t *testing.T) {
	t.Parallel()

	r, store := newTestReceiver(t)
	ctx := context.Background()
	receive(t, r, "vid1", "segment_000.ts", "good")

	err := r.Receive(ctx, "vid1", "segment_000.ts", strings.NewReader("corrupt"), 7, digestOf("good"))
	assert.ErrorIs(t, err, ErrDigestMismatch)

	exists, err := store.Exists(ctx, "vid1/segment_000.ts")
	require.NoError(t, err)
	assert.False(t, exists)

	man, err := r.Manifest(ctx, "vid1")
	require.NoError(t, err)
	assert.Empty(t, man.Received)
}

func TestReceiver_Complete(t *testing.T) {
	t.Parallel()

	r, _ := newTestReceiver(t)
	ctx := context.Background()
	receive(t, r, "vid1", "index.m3u8", "#EXTM3U")
	receive(t, r, "vid1", "segment_000.ts", "zero")

	req := types.BackupCompleteRequest{
		VideoID:       "vid1",
		Status:        "success",
		UploadedFiles: []string{"index.m3u8", "segment_000.ts", "segment_001.ts"},
	}
	missing, err := r.Complete(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, []string{"segment_001.ts"}, missing)

	man, err := r.Manifest(ctx, "vid1")
	require.NoError(t, err)
	assert.False(t, man.Completed)
	assert.Equal(t, "incomplete", man.Status)
	assert.Nil(t, man.CompletedAt)

	receive(t, r, "vid1", "segment_001.ts", "one")
	missing, err = r.Complete(ctx, req)
	require.NoError(t, err)
	assert.Empty(t, missing)
	assert.NotNil(t, missing)

	man, err = r.Manifest(ctx, "vid1")
	require.NoError(t, err)
	completedAt := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	want := &Manifest{
		VideoID:       "vid1",
		Received:      []string{"index.m3u8", "segment_000.ts", "segment_001.ts"},
		Completed:     true,
		CompletedAt:   &completedAt,
		Status:        "success",
		UploadedFiles: req.UploadedFiles,
	}
	if diff := cmp.Diff(want, man); diff != "" {
		t.Errorf("manifest mismatch (-want +got):\n%s", diff)
	}
}

func TestReceiver_CompleteUnknownVideo(t *testing.T) {
	t.Parallel()

	r, _ := newTestReceiver(t)
	missing, err := r.Complete(context.Background(), types.BackupCompleteRequest{
		VideoID:       "vid9",
		Status:        "success",
		UploadedFiles: []string{"a.ts", "a.ts", "b.ts"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.ts", "b.ts"}, missing)
}

func TestReceiver_Cancel(t *testing.T) {
	t.Parallel()

	r, store := newTestReceiver(t)
	ctx := context.Background()
	receive(t, r, "vid1", "index.m3u8", "#EXTM3U")
	receive(t, r, "vid1", "segment_000.ts", "zero")
	receive(t, r, "vid2", "segment_000.ts", "other")

	deleted, err := r.Cancel(ctx, types.BackupCancelRequest{
		VideoID:       "vid1",
		Reason:        "upload failed",
		FailedFiles:   []string{"segment_001.ts"},
		UploadedFiles: []string{"index.m3u8", "segment_000.ts"},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"index.m3u8", "segment_000.ts"}, deleted)

	objects, err := store.List(ctx, "vid1/")
	require.NoError(t, err)
	assert.Empty(t, objects)
	assert.Equal(t, "other", readKey(t, store, "vid2/segment_000.ts"))

	_, err = r.Cancel(ctx, types.BackupCancelRequest{VideoID: "vid1"})
	assert.ErrorIs(t, err, ErrBackupNotFound)

	_, err = r.Manifest(ctx, "vid1")
	assert.ErrorIs(t, err, ErrBackupNotFound)
}

// parkedWrite holds writes of one key until release is closed.
type parkedWrite struct {
	*backend.MemoryStorage
	key     string
	writing chan struct{}
	release chan struct{}
}

func (p *parkedWrite) Write(ctx context.Context, key string, data io.Reader, size int64) error {
	if key == p.key {
		close(p.writing)
		<-p.release
	}
	return p.MemoryStorage.Write(ctx, key, data, size)
}

func TestReceiver_CancelWaitsForInflightReceive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := &parkedWrite{
		MemoryStorage: backend.NewMemoryStorage(),
		key:           "vid1/segment_001.ts",
		writing:       make(chan struct{}),
		release:       make(chan struct{}),
	}
	r := NewReceiver(ReceiverConfig{Storage: store})
	receive(t, r, "vid1", "segment_000.ts", "seg0")

	received := make(chan error, 1)
	go func() {
		received <- r.Receive(ctx, "vid1", "segment_001.ts", strings.NewReader("seg1"), 4, digestOf("seg1"))
	}()
	<-store.writing

	type result struct {
		deleted []string
		err     error
	}
	cancelled := make(chan result, 1)
	go func() {
		deleted, err := r.Cancel(ctx, types.BackupCancelRequest{VideoID: "vid1", Reason: "test"})
		cancelled <- result{deleted, err}
	}()

	select {
	case <-cancelled:
		t.Fatal("cancel finished while a receive was still writing")
	case <-time.After(50 * time.Millisecond):
	}

	close(store.release)
	require.NoError(t, <-received)
	res := <-cancelled
	require.NoError(t, res.err)
	assert.ElementsMatch(t, []string{"segment_000.ts", "segment_001.ts"}, res.deleted)

	objs, err := store.List(ctx, "vid1/")
	require.NoError(t, err)
	assert.Empty(t, objs)

	_, err = r.Manifest(ctx, "vid1")
	assert.ErrorIs(t, err, ErrBackupNotFound)
}

func TestReceiver_ManifestJSON(t *testing.T) {
	t.Parallel()

	r, store := newTestReceiver(t)
	ctx := context.Background()
	receive(t, r, "vid1", "segment_000.ts", "zero")
	_, err := r.Complete(ctx, types.BackupCompleteRequest{VideoID: "vid1", Status: "success", UploadedFiles: []string{"segment_000.ts"}})
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(readKey(t, store, "vid1/"+ManifestName)), &doc))
	assert.Equal(t, []any{"segment_000.ts"}, doc["received"])
	assert.Equal(t, true, doc["completed"])
	assert.Equal(t, "2025-03-01T12:00:00Z", doc["completedAt"])
	assert.Equal(t, "success", doc["status"])
}

func TestMissingFrom(t *testing.T) {
	t.Parallel()

	man := &Manifest{Received: []string{"a.ts", "c.ts"}}
	assert.Equal(t, []string{"b.ts"}, missingFrom(man, []string{"a.ts", "b.ts", "c.ts"}))
	assert.Equal(t, []string{}, missingFrom(man, nil))

	assert.True(t, addReceived(man, "b.ts"))
	assert.False(t, addReceived(man, "b.ts"))
	assert.Equal(t, []string{"a.ts", "b.ts", "c.ts"}, man.Received)
	removeReceived(man, "a.ts")
	assert.Equal(t, []string{"b.ts", "c.ts"}, man.Received)
}
