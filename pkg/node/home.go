// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/LeeDigitalWorks/hlsferry/pkg/client"
	"github.com/LeeDigitalWorks/hlsferry/pkg/events"
	"github.com/LeeDigitalWorks/hlsferry/pkg/logger"
	"github.com/LeeDigitalWorks/hlsferry/pkg/mode"
	"github.com/LeeDigitalWorks/hlsferry/pkg/replication"
	"github.com/LeeDigitalWorks/hlsferry/pkg/retry"
	"github.com/LeeDigitalWorks/hlsferry/pkg/transfer"
	"github.com/LeeDigitalWorks/hlsferry/pkg/types"
	"github.com/LeeDigitalWorks/hlsferry/pkg/utils"
)

const (
	DefaultDrainTimeout  = 10 * time.Minute
	DefaultMaxChunkBytes = 128 << 20
)

// HomeConfig wires the home node's components.
type HomeConfig struct {
	Transfers *transfer.Coordinator
	Mode      *mode.Coordinator

	// Admission answers can-accept; nil admits everything.
	Admission replication.Admitter

	// PublicURL is the base URL capture nodes upload to.
	PublicURL string

	// HLSDir holds one output directory per video and is served on /hls/.
	HLSDir string

	// WorkDir holds merged uploads while they are processed.
	WorkDir string

	// Processor defaults to PassthroughProcessor.
	Processor Processor

	// Forwarder, when set, receives every completed transfer.
	Forwarder transfer.Forwarder

	// Backup, when set, queues a backup of every processed video.
	Backup *replication.Sender

	// Notifier posts hand-off notices under NotifyPolicy.
	Notifier     *client.Client
	NotifyPolicy retry.Policy

	// DrainTimeout abandons a drain whose readers never finish.
	DrainTimeout time.Duration

	// OpenWrites accepts chunks in any mode instead of only while Receiving.
	OpenWrites bool

	MaxChunkBytes int64
	Emitter       *events.Emitter
}

// inflight is an admitted transfer the node is receiving or processing.
type inflight struct {
	notifyURL  string
	handoff    *mode.Handoff
	processing bool
}

// Home serves the home node API.
type Home struct {
	cfg HomeConfig
	mux *http.ServeMux

	mu       sync.Mutex
	inflight map[string]*inflight

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

// NewHome validates cfg and registers the routes.
func NewHome(cfg HomeConfig) (*Home, error) {
	if cfg.Transfers == nil || cfg.Mode == nil {
		return nil, errors.New("home node needs a transfer and a mode coordinator")
	}
	if cfg.HLSDir == "" {
		return nil, errors.New("home node needs an HLS directory")
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(os.TempDir(), "hlsferry-work")
	}
	if cfg.Processor == nil {
		cfg.Processor = PassthroughProcessor{}
	}
	if cfg.Notifier == nil {
		cfg.Notifier = client.New()
	}
	if cfg.NotifyPolicy.MaxAttempts <= 0 {
		cfg.NotifyPolicy = retry.Exponential(5, time.Second, 30*time.Second)
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if cfg.MaxChunkBytes <= 0 {
		cfg.MaxChunkBytes = DefaultMaxChunkBytes
	}

	ctx, stop := context.WithCancel(context.Background())
	h := &Home{
		cfg:      cfg,
		mux:      http.NewServeMux(),
		inflight: make(map[string]*inflight),
		ctx:      ctx,
		stop:     stop,
	}
	h.registerRoutes()
	return h, nil
}

func (h *Home) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Close stops background hand-off and processing work and waits for it.
func (h *Home) Close() {
	h.stop()
	h.wg.Wait()
}

func (h *Home) registerRoutes() {
	writer := func(fn http.HandlerFunc) http.Handler {
		if h.cfg.OpenWrites {
			return fn
		}
		return h.cfg.Mode.WriterMiddleware(fn)
	}

	// Transfer intake
	h.mux.Handle("POST /can-accept", handlerFunc("can_accept", h.canAccept))
	h.mux.Handle("POST /chunk", instrument("chunk", writer(h.chunk)))
	h.mux.Handle("POST /complete", instrument("complete", writer(h.complete)))
	h.mux.Handle("POST /cancel", handlerFunc("cancel", h.cancel))
	h.mux.Handle("GET /chunks/{transferId}", handlerFunc("chunks", h.chunks))

	// Streaming
	files := http.StripPrefix("/hls/", http.FileServer(http.Dir(h.cfg.HLSDir)))
	h.mux.Handle("GET /hls/", instrument("hls", h.cfg.Mode.ReaderMiddleware(files)))
	h.mux.Handle("GET /mode", handlerFunc("mode", h.modeStatus))

	// Backup jobs
	h.mux.Handle("POST /backup/jobs", handlerFunc("backup_enqueue", h.enqueueBackup))
	h.mux.Handle("POST /backup/jobs/{videoId}/cancel", handlerFunc("backup_cancel", h.cancelBackup))
}

// spawn runs fn in the background until Close.
func (h *Home) spawn(fn func(ctx context.Context)) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		fn(h.ctx)
	}()
}

// Inflight returns the number of admitted transfers not yet finished.
func (h *Home) Inflight() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.inflight)
}

// finish forgets an admitted transfer. The last one out returns the node to
// Streaming.
func (h *Home) finish(transferID string) {
	h.mu.Lock()
	if _, ok := h.inflight[transferID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.inflight, transferID)
	last := len(h.inflight) == 0
	InflightTransfers.Set(float64(len(h.inflight)))
	h.mu.Unlock()

	if last {
		h.cfg.Mode.ReturnToStreaming()
		logger.Info().Str("transfer_id", transferID).Msg("Returned to streaming")
	}
}

func (h *Home) chunk(w http.ResponseWriter, r *http.Request) {
	transferID := r.Header.Get(types.HeaderTransferID)
	if transferID == "" {
		writeError(w, r, badRequest("%s header is required", types.HeaderTransferID))
		return
	}
	index, err := strconv.Atoi(r.Header.Get(types.HeaderChunkIndex))
	if err != nil || index < 0 {
		writeError(w, r, badRequest("invalid %s header %q", types.HeaderChunkIndex, r.Header.Get(types.HeaderChunkIndex)))
		return
	}
	owner := r.Header.Get(types.HeaderOwnerID)
	if owner == "" {
		owner = types.DefaultOwnerID
	}

	body := http.MaxBytesReader(w, r.Body, h.cfg.MaxChunkBytes)
	written, err := h.cfg.Transfers.AcceptChunk(r.Context(), transferID, owner, index, body, r.ContentLength)
	if err != nil {
		writeError(w, r, err)
		return
	}

	msg := "chunk stored"
	if !written {
		msg = "chunk already stored"
	}
	writeJSON(w, http.StatusOK, types.ChunkResponse{Message: msg, ChunkIndex: index})
}

func (h *Home) complete(w http.ResponseWriter, r *http.Request) {
	var req types.CompleteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.TransferID == "" {
		writeError(w, r, badRequest("transferId is required"))
		return
	}
	if req.Filename == "" {
		req.Filename = req.TransferID
	}
	if req.VideoID == "" {
		req.VideoID = req.TransferID
	}
	for _, name := range []string{req.Filename, req.VideoID} {
		if err := utils.SafeName(name); err != nil {
			writeError(w, r, badRequest("name %q: %v", name, err))
			return
		}
	}

	handle, err := h.cfg.Transfers.Complete(r.Context(), req.TransferID, req.TotalChunks, transfer.FileMeta{
		Filename: req.Filename,
		VideoID:  req.VideoID,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	owner := handle.Session.OwnerID
	h.cfg.Emitter.EmitTransfer(r.Context(), events.EventTransferCompleted, req.TransferID, owner, handle.TotalSize())

	// Transfers completed without a can-accept are tracked as well.
	h.mu.Lock()
	entry, ok := h.inflight[req.TransferID]
	if !ok && !h.cfg.OpenWrites {
		entry = &inflight{}
		h.inflight[req.TransferID] = entry
		InflightTransfers.Set(float64(len(h.inflight)))
	}
	if entry != nil {
		entry.processing = true
	}
	h.mu.Unlock()

	h.spawn(func(ctx context.Context) {
		h.process(ctx, handle, req)
	})
	writeJSON(w, http.StatusOK, types.CompleteResponse{Status: "processing", TransferID: req.TransferID})
}

func (h *Home) cancel(w http.ResponseWriter, r *http.Request) {
	var req types.CancelRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.TransferID == "" {
		writeError(w, r, badRequest("transferId is required"))
		return
	}

	var owner string
	if s, ok := h.cfg.Transfers.Get(req.TransferID); ok {
		owner = s.OwnerID
	}
	h.cfg.Transfers.Cancel(r.Context(), req.TransferID)

	h.mu.Lock()
	entry := h.inflight[req.TransferID]
	processing := entry != nil && entry.processing
	h.mu.Unlock()

	// A completed transfer belongs to its post-receive run, which returns
	// the node to Streaming when it finishes.
	s, ok := h.cfg.Transfers.Get(req.TransferID)
	if processing || (ok && s.Status == transfer.StatusCompleted) {
		logger.Info().Str("transfer_id", req.TransferID).Msg("Cancel ignored for completed transfer")
		writeJSON(w, http.StatusOK, types.MessageResponse{Message: "transfer already completed"})
		return
	}

	if entry != nil && entry.handoff != nil {
		entry.handoff.Cancel()
	}
	h.finish(req.TransferID)

	h.cfg.Emitter.EmitTransfer(r.Context(), events.EventTransferCancelled, req.TransferID, owner, 0)
	writeJSON(w, http.StatusOK, types.MessageResponse{Message: "transfer cancelled"})
}

func (h *Home) chunks(w http.ResponseWriter, r *http.Request) {
	info, err := h.cfg.Transfers.ChunkInfo(r.Context(), r.PathValue("transferId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Home) modeStatus(w http.ResponseWriter, r *http.Request) {
	snap := h.cfg.Mode.Snapshot()
	writeJSON(w, http.StatusOK, types.ModeResponse{
		State:         snap.State,
		ActiveReaders: snap.ActiveReaders,
		DrainPending:  snap.DrainPending,
	})
}

func (h *Home) enqueueBackup(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Backup == nil {
		writeError(w, r, errors.Join(errNotFound, errors.New("backup is not configured")))
		return
	}
	var req types.BackupJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Dir == "" && req.VideoID != "" && utils.SafeName(req.VideoID) == nil {
		req.Dir = filepath.Join(h.cfg.HLSDir, req.VideoID)
	}

	task, created, err := h.cfg.Backup.Enqueue(r.Context(), replication.BackupPayload{
		VideoID: req.VideoID,
		Dir:     req.Dir,
		Files:   req.Files,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusAccepted
	if !created {
		status = http.StatusOK
	}
	writeJSON(w, status, types.BackupJobResponse{VideoID: req.VideoID, TaskID: task.ID, Created: created})
}

func (h *Home) cancelBackup(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Backup == nil {
		writeError(w, r, errors.Join(errNotFound, errors.New("backup is not configured")))
		return
	}
	resp, err := h.cfg.Backup.CancelJob(r.Context(), r.PathValue("videoId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
