// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package capture drives the sending side of the transfer protocol: ask the
// home node for room, wait for its hand-off notice, upload the file in
// chunks and complete it, cancelling the transfer when anything fails.
package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/LeeDigitalWorks/hlsferry/pkg/client"
	"github.com/LeeDigitalWorks/hlsferry/pkg/logger"
	"github.com/LeeDigitalWorks/hlsferry/pkg/retry"
	"github.com/LeeDigitalWorks/hlsferry/pkg/transfer"
	"github.com/LeeDigitalWorks/hlsferry/pkg/types"

	"github.com/dustin/go-humanize"
)

const (
	DefaultChunkSize      = 8 << 20
	DefaultHandoffTimeout = 15 * time.Minute
	DefaultRepairRounds   = 3
)

var (
	// ErrNotAccepted means the home node kept refusing the transfer.
	ErrNotAccepted = errors.New("home node did not accept the transfer")

	ErrHandoffTimeout = errors.New("timed out waiting for hand-off notice")
)

// Config configures an Uploader.
type Config struct {
	Home *client.Home

	// NotifyURL is where the home node posts the hand-off notice. It must
	// reach NotifyHandler.
	NotifyURL string

	ChunkSize int64

	// ChunkPolicy retries each chunk and the completion call.
	ChunkPolicy retry.Policy

	// AdmitPolicy retries can-accept while the home node refuses.
	AdmitPolicy retry.Policy

	HandoffTimeout time.Duration

	// RepairRounds bounds re-sends of chunks the home node reports missing.
	RepairRounds int
}

// File is one upload.
type File struct {
	Path       string
	TransferID string
	VideoID    string

	// Filename defaults to the base name of Path.
	Filename string
}

// Uploader uploads files to one home node.
type Uploader struct {
	cfg Config

	mu      sync.Mutex
	waiting map[string]chan types.HandoffNotice
}

func New(cfg Config) *Uploader {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.ChunkPolicy.MaxAttempts <= 0 {
		cfg.ChunkPolicy = retry.Constant(3, 2*time.Second)
	}
	if cfg.AdmitPolicy.MaxAttempts <= 0 {
		cfg.AdmitPolicy = retry.Constant(30, 10*time.Second)
	}
	if cfg.HandoffTimeout <= 0 {
		cfg.HandoffTimeout = DefaultHandoffTimeout
	}
	if cfg.RepairRounds <= 0 {
		cfg.RepairRounds = DefaultRepairRounds
	}
	return &Uploader{cfg: cfg, waiting: make(map[string]chan types.HandoffNotice)}
}

// NotifyHandler receives hand-off notices for uploads in progress.
func (u *Uploader) NotifyHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var notice types.HandoffNotice
		if err := json.NewDecoder(r.Body).Decode(&notice); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		u.mu.Lock()
		ch, ok := u.waiting[notice.TransferID]
		u.mu.Unlock()
		if !ok {
			http.Error(w, "unknown transfer", http.StatusNotFound)
			return
		}
		select {
		case ch <- notice:
		default:
			// a repeated notice while the first is still unread
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func (u *Uploader) expect(transferID string) <-chan types.HandoffNotice {
	ch := make(chan types.HandoffNotice, 1)
	u.mu.Lock()
	u.waiting[transferID] = ch
	u.mu.Unlock()
	return ch
}

func (u *Uploader) forget(transferID string) {
	u.mu.Lock()
	delete(u.waiting, transferID)
	u.mu.Unlock()
}

func (u *Uploader) policy(transferID string, step string) retry.Policy {
	p := u.cfg.ChunkPolicy
	p.OnRetry = func(attempt int, err error, wait time.Duration) {
		logger.Warn().Err(err).Str("transfer_id", transferID).Str("step", step).Int("attempt", attempt).Dur("wait", wait).Msg("Upload request failed, retrying")
	}
	return p
}

// Upload sends one file through the whole protocol. On failure after the
// hand-off the transfer is cancelled on the home node.
func (u *Uploader) Upload(ctx context.Context, f File) (err error) {
	if f.Filename == "" {
		f.Filename = filepath.Base(f.Path)
	}
	file, err := os.Open(f.Path)
	if err != nil {
		return err
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return err
	}
	size := info.Size()
	if size == 0 {
		return fmt.Errorf("%s is empty", f.Path)
	}
	total := int((size + u.cfg.ChunkSize - 1) / u.cfg.ChunkSize)

	notices := u.expect(f.TransferID)
	defer u.forget(f.TransferID)

	start := time.Now()
	defer func() {
		result := "success"
		if err != nil {
			result = "failed"
		}
		UploadsTotal.WithLabelValues(result).Inc()
	}()

	if err := u.admit(ctx, f, size); err != nil {
		return err
	}

	var notice types.HandoffNotice
	timer := time.NewTimer(u.cfg.HandoffTimeout)
	defer timer.Stop()
	select {
	case notice = <-notices:
	case <-timer.C:
		err = fmt.Errorf("%w: transfer %s after %s", ErrHandoffTimeout, f.TransferID, u.cfg.HandoffTimeout)
		u.cancel(ctx, u.cfg.Home, f.TransferID)
		return err
	case <-ctx.Done():
		u.cancel(ctx, u.cfg.Home, f.TransferID)
		return ctx.Err()
	}
	logger.Info().Str("transfer_id", f.TransferID).Str("upload_url", notice.UploadURL).Msg("Hand-off received, uploading")

	home := u.cfg.Home.WithHandoff(notice)
	if err := u.send(ctx, home, file, f, size, total); err != nil {
		u.cancel(ctx, home, f.TransferID)
		return err
	}

	logger.Info().
		Str("transfer_id", f.TransferID).
		Str("size", humanize.IBytes(uint64(size))).
		Int("chunks", total).
		Dur("elapsed", time.Since(start)).
		Msg("Upload completed")
	return nil
}

func (u *Uploader) admit(ctx context.Context, f File, size int64) error {
	req := types.CanAcceptRequest{
		RequiredSpaceMB: size>>20 + 1,
		NotifyURL:       u.cfg.NotifyURL,
		TransferID:      f.TransferID,
	}
	p := u.cfg.AdmitPolicy
	p.OnRetry = func(attempt int, err error, wait time.Duration) {
		logger.Info().Err(err).Str("transfer_id", f.TransferID).Int("attempt", attempt).Dur("wait", wait).Msg("Home node busy, asking again")
	}
	return retry.Do(ctx, p, func(ctx context.Context, attempt int) error {
		resp, err := u.cfg.Home.CanAccept(ctx, req)
		if err != nil {
			return err
		}
		if !resp.CanAccept {
			return fmt.Errorf("%w: %s (%d MB free)", ErrNotAccepted, resp.Message, resp.FreeMB)
		}
		return nil
	})
}

func (u *Uploader) send(ctx context.Context, home *client.Home, file io.ReaderAt, f File, size int64, total int) error {
	held := make(map[int]int64)
	if info, err := home.Chunks(ctx, f.TransferID); err == nil {
		for _, c := range info.Chunks {
			held[c.Index] = c.Size
		}
	}

	for i := range total {
		if n, ok := held[i]; ok && n == u.chunkLen(i, size) {
			ChunksSkipped.Inc()
			continue
		}
		if err := u.sendChunk(ctx, home, file, f.TransferID, i, size); err != nil {
			return err
		}
	}

	meta := transfer.FileMeta{Filename: f.Filename, VideoID: f.VideoID}
	for round := 0; ; round++ {
		err := u.complete(ctx, home, f.TransferID, total, meta)
		var missing *transfer.ChunkMissingError
		if !errors.As(err, &missing) {
			return err
		}
		if round >= u.cfg.RepairRounds {
			return err
		}
		logger.Warn().Str("transfer_id", f.TransferID).Ints("missing", missing.Missing).Msg("Home node reports missing chunks, re-sending")
		for _, i := range missing.Missing {
			if i < 0 || i >= total {
				return err
			}
			if err := u.sendChunk(ctx, home, file, f.TransferID, i, size); err != nil {
				return err
			}
		}
	}
}

// complete treats a closed transfer on a repeated attempt as success: the
// earlier attempt went through and only its reply was lost.
func (u *Uploader) complete(ctx context.Context, home *client.Home, transferID string, total int, meta transfer.FileMeta) error {
	return retry.Do(ctx, u.policy(transferID, "complete"), func(ctx context.Context, attempt int) error {
		err := home.Complete(ctx, transferID, total, meta)
		if attempt > 1 && errors.Is(err, transfer.ErrTransferClosed) {
			return nil
		}
		return err
	})
}

func (u *Uploader) chunkLen(index int, size int64) int64 {
	off := int64(index) * u.cfg.ChunkSize
	return min(u.cfg.ChunkSize, size-off)
}

func (u *Uploader) sendChunk(ctx context.Context, home *client.Home, file io.ReaderAt, transferID string, index int, size int64) error {
	off := int64(index) * u.cfg.ChunkSize
	n := u.chunkLen(index, size)
	err := retry.Do(ctx, u.policy(transferID, fmt.Sprintf("chunk %d", index)), func(ctx context.Context, attempt int) error {
		return home.SendChunk(ctx, transferID, index, io.NewSectionReader(file, off, n), n)
	})
	if err != nil {
		return fmt.Errorf("chunk %d: %w", index, err)
	}
	ChunksSent.Inc()
	BytesSent.Add(float64(n))
	return nil
}

func (u *Uploader) cancel(ctx context.Context, home *client.Home, transferID string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := home.Cancel(cctx, transferID); err != nil {
		logger.Warn().Err(err).Str("transfer_id", transferID).Msg("Failed to cancel transfer on home node")
		return
	}
	logger.Info().Str("transfer_id", transferID).Msg("Transfer cancelled on home node")
}
