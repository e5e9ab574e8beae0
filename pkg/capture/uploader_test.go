package capture

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LeeDigitalWorks/hlsferry/pkg/admission"
	"github.com/LeeDigitalWorks/hlsferry/pkg/chunkstore"
	"github.com/LeeDigitalWorks/hlsferry/pkg/client"
	"github.com/LeeDigitalWorks/hlsferry/pkg/mode"
	"github.com/LeeDigitalWorks/hlsferry/pkg/node"
	"github.com/LeeDigitalWorks/hlsferry/pkg/retry"
	"github.com/LeeDigitalWorks/hlsferry/pkg/storage/backend"
	"github.com/LeeDigitalWorks/hlsferry/pkg/transfer"
	"github.com/LeeDigitalWorks/hlsferry/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	prometheusgo "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedAdmitter admission.Decision

func (f fixedAdmitter) CanAccept(requiredMB int64) admission.Decision {
	return admission.Decision(f)
}

type fixture struct {
	home     *node.Home
	hlsDir   string
	modes    *mode.Coordinator
	uploader *Uploader
}

// newFixture starts a home node behind wrap and an uploader whose notify
// endpoint is served by its own test server.
func newFixture(t *testing.T, admitter fixedAdmitter, wrap func(http.Handler) http.Handler) *fixture {
	t.Helper()
	f := &fixture{hlsDir: t.TempDir(), modes: mode.New()}

	srv := httptest.NewUnstartedServer(nil)
	home, err := node.NewHome(node.HomeConfig{
		Transfers:    transfer.NewCoordinator(chunkstore.New(backend.NewMemoryStorage()), transfer.DefaultConfig()),
		Mode:         f.modes,
		Admission:    admitter,
		PublicURL:    "http://" + srv.Listener.Addr().String(),
		HLSDir:       f.hlsDir,
		WorkDir:      t.TempDir(),
		NotifyPolicy: retry.Constant(3, 10*time.Millisecond),
	})
	require.NoError(t, err)
	var h http.Handler = home
	if wrap != nil {
		h = wrap(home)
	}
	srv.Config.Handler = h
	srv.Start()
	t.Cleanup(srv.Close)
	t.Cleanup(home.Close)
	f.home = home

	f.uploader = New(Config{
		Home:           client.NewHome(srv.URL, client.WithOwner("camera-1")),
		ChunkSize:      4,
		ChunkPolicy:    retry.Constant(3, 0),
		AdmitPolicy:    retry.Constant(2, 0),
		HandoffTimeout: 5 * time.Second,
	})
	notify := httptest.NewServer(f.uploader.NotifyHandler())
	t.Cleanup(notify.Close)
	f.uploader.cfg.NotifyURL = notify.URL
	return f
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m prometheusgo.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func (f *fixture) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return f.home.Inflight() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestUpload_EndToEnd(t *testing.T) {
	f := newFixture(t, fixedAdmitter{OK: true, FreeMB: 100}, nil)
	path := writeFile(t, "aaaabbbbcc")
	sent, bytes := counterValue(t, ChunksSent), counterValue(t, BytesSent)

	err := f.uploader.Upload(context.Background(), File{Path: path, TransferID: "t1", VideoID: "vid1"})
	require.NoError(t, err)
	f.waitIdle(t)
	assert.Equal(t, sent+3, counterValue(t, ChunksSent))
	assert.Equal(t, bytes+10, counterValue(t, BytesSent))

	data, err := os.ReadFile(filepath.Join(f.hlsDir, "vid1", "clip.mp4"))
	require.NoError(t, err)
	assert.Equal(t, "aaaabbbbcc", string(data))
	assert.Equal(t, mode.Streaming, f.modes.State())
}

func TestUpload_RetriesFlakyChunks(t *testing.T) {
	var failed atomic.Bool
	f := newFixture(t, fixedAdmitter{OK: true, FreeMB: 100}, func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/chunk" && r.Header.Get(types.HeaderChunkIndex) == "1" && failed.CompareAndSwap(false, true) {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			next.ServeHTTP(w, r)
		})
	})
	path := writeFile(t, "0123456789ab")

	require.NoError(t, f.uploader.Upload(context.Background(), File{Path: path, TransferID: "t2", VideoID: "vid2", Filename: "out.ts"}))
	f.waitIdle(t)

	assert.True(t, failed.Load())
	data, err := os.ReadFile(filepath.Join(f.hlsDir, "vid2", "out.ts"))
	require.NoError(t, err)
	assert.Equal(t, "0123456789ab", string(data))
}

func TestUpload_NotAccepted(t *testing.T) {
	f := newFixture(t, fixedAdmitter{OK: false, FreeMB: 1}, nil)
	path := writeFile(t, "abc")

	err := f.uploader.Upload(context.Background(), File{Path: path, TransferID: "t3"})
	require.ErrorIs(t, err, ErrNotAccepted)
	assert.Equal(t, mode.Streaming, f.modes.State())
}

func TestUpload_EmptyFile(t *testing.T) {
	f := newFixture(t, fixedAdmitter{OK: true, FreeMB: 100}, nil)
	path := writeFile(t, "")

	err := f.uploader.Upload(context.Background(), File{Path: path, TransferID: "t4"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty")
}

// fakeHome accepts every transfer but never posts a notice.
type fakeHome struct {
	mu      sync.Mutex
	cancels []string
}

func (h *fakeHome) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/can-accept":
		_ = json.NewEncoder(w).Encode(types.CanAcceptResponse{CanAccept: true, FreeMB: 100})
	case "/cancel":
		var req types.CancelRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		h.mu.Lock()
		h.cancels = append(h.cancels, req.TransferID)
		h.mu.Unlock()
		_ = json.NewEncoder(w).Encode(types.MessageResponse{Message: "cancelled"})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func TestUpload_HandoffTimeoutCancels(t *testing.T) {
	fake := &fakeHome{}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	u := New(Config{
		Home:           client.NewHome(srv.URL),
		NotifyURL:      "http://127.0.0.1:1/notify",
		AdmitPolicy:    retry.Constant(1, 0),
		HandoffTimeout: 50 * time.Millisecond,
	})
	path := writeFile(t, "abc")

	err := u.Upload(context.Background(), File{Path: path, TransferID: "t5"})
	require.ErrorIs(t, err, ErrHandoffTimeout)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, []string{"t5"}, fake.cancels)
}

func TestNotifyHandler(t *testing.T) {
	u := New(Config{})
	ch := u.expect("t6")
	defer u.forget("t6")

	post := func(body string) int {
		rec := httptest.NewRecorder()
		u.NotifyHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/notify", strings.NewReader(body)))
		return rec.Code
	}

	assert.Equal(t, http.StatusNotFound, post(`{"transferId":"other"}`))
	assert.Equal(t, http.StatusBadRequest, post(`not json`))
	assert.Equal(t, http.StatusNoContent, post(`{"transferId":"t6","uploadUrl":"http://home/chunk"}`))
	// a duplicate does not block
	assert.Equal(t, http.StatusNoContent, post(`{"transferId":"t6","uploadUrl":"http://home/chunk"}`))

	notice := <-ch
	assert.Equal(t, "http://home/chunk", notice.UploadURL)

	rec := httptest.NewRecorder()
	u.NotifyHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/notify", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
