// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package replication

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/LeeDigitalWorks/hlsferry/pkg/admission"
	"github.com/LeeDigitalWorks/hlsferry/pkg/events"
	"github.com/LeeDigitalWorks/hlsferry/pkg/logger"
	"github.com/LeeDigitalWorks/hlsferry/pkg/storage/backend"
	"github.com/LeeDigitalWorks/hlsferry/pkg/types"
	"github.com/LeeDigitalWorks/hlsferry/pkg/utils"

	"github.com/google/uuid"
	"github.com/minio/sha256-simd"
)

// Admitter decides whether the receiver has room for another backup.
type Admitter interface {
	CanAccept(requiredMB int64) admission.Decision
}

// ReceiverConfig configures the backup side.
type ReceiverConfig struct {
	Storage backend.Storage

	// Admission gates Ready. Nil always admits.
	Admission  Admitter
	RequiredMB int64

	// PublicURL is the base URL senders reach this node at; the links handed
	// out by Ready are built from it.
	PublicURL string

	Extensions []string
	Emitter    *events.Emitter
}

// Receiver stores backed-up files and their manifests.
type Receiver struct {
	cfg       ReceiverConfig
	manifests manifestStore
	locks     utils.KeyedMutex
	now       func() time.Time
}

func NewReceiver(cfg ReceiverConfig) *Receiver {
	if len(cfg.Extensions) == 0 {
		cfg.Extensions = DefaultExtensions
	}
	return &Receiver{
		cfg:       cfg,
		manifests: manifestStore{store: cfg.Storage},
		now:       time.Now,
	}
}

// Ready returns the upload and completion links, or ErrNotReady while the
// node cannot take another backup.
func (r *Receiver) Ready(ctx context.Context, videoID string) (*types.ReadyResponse, error) {
	if err := utils.SafeName(videoID); err != nil {
		return nil, fmt.Errorf("%w: videoId %q", ErrInvalidFilename, videoID)
	}
	if r.cfg.Admission != nil {
		if d := r.cfg.Admission.CanAccept(r.cfg.RequiredMB); !d.OK {
			logger.Info().Str("video_id", videoID).Int64("free_mb", d.FreeMB).Msg("Backup receiver not ready")
			return nil, fmt.Errorf("%w: %d MB free", ErrNotReady, d.FreeMB)
		}
	}
	base := strings.TrimRight(r.cfg.PublicURL, "/")
	return &types.ReadyResponse{
		LinkToReceive:        base + "/backup/receive",
		LinkToNoticeComplete: base + "/backup/complete",
	}, nil
}

func (r *Receiver) checkNames(videoID, filename string) error {
	if err := utils.SafeName(videoID); err != nil {
		return fmt.Errorf("%w: videoId %q", ErrInvalidFilename, videoID)
	}
	if err := utils.SafeName(filename); err != nil || filename == ManifestName {
		return fmt.Errorf("%w: %q", ErrInvalidFilename, filename)
	}
	if !allowedExtension(filename, r.cfg.Extensions) {
		return fmt.Errorf("%w: extension of %q not allowed", ErrInvalidFilename, filename)
	}
	return nil
}

// Receive streams body to <videoID>/<filename> and records it in the
// manifest. When digest is set the stored bytes must hash to it.
func (r *Receiver) Receive(ctx context.Context, videoID, filename string, body io.Reader, size int64, digest string) error {
	if err := r.checkNames(videoID, filename); err != nil {
		return err
	}

	// Held across the write so a Cancel cannot run between the file landing
	// and the manifest recording it.
	unlock := r.locks.Lock(videoID)
	defer unlock()

	key := videoID + "/" + filename
	h := sha256.New()
	if err := r.cfg.Storage.Write(ctx, key, io.TeeReader(body, h), size); err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	sum := hex.EncodeToString(h.Sum(nil))

	man, err := r.manifests.load(ctx, videoID)
	if err != nil {
		return err
	}
	if man == nil {
		man = &Manifest{VideoID: videoID, Received: []string{}}
	}

	if digest != "" && !strings.EqualFold(digest, sum) {
		if err := r.cfg.Storage.Delete(ctx, key); err != nil {
			logger.Warn().Err(err).Str("key", key).Msg("Failed to delete corrupt backup file")
		}
		removeReceived(man, filename)
		if err := r.manifests.save(ctx, man); err != nil {
			logger.Warn().Err(err).Str("video_id", videoID).Msg("Failed to save manifest")
		}
		return fmt.Errorf("%w: %s: got %s want %s", ErrDigestMismatch, filename, sum, digest)
	}

	if addReceived(man, filename) {
		if err := r.manifests.save(ctx, man); err != nil {
			return fmt.Errorf("save manifest %s: %w", videoID, err)
		}
	}

	FilesReceived.Inc()
	if size > 0 {
		BytesReceived.Add(float64(size))
	}
	logger.Debug().Str("video_id", videoID).Str("filename", filename).Str("sha256", sum).Msg("Backup file received")
	return nil
}

// Complete compares the sender's declared files with the manifest. It returns
// the missing ones; only when nothing is missing is the manifest marked
// completed.
func (r *Receiver) Complete(ctx context.Context, req types.BackupCompleteRequest) ([]string, error) {
	if err := utils.SafeName(req.VideoID); err != nil {
		return nil, fmt.Errorf("%w: videoId %q", ErrInvalidFilename, req.VideoID)
	}

	unlock := r.locks.Lock(req.VideoID)
	defer unlock()

	man, err := r.manifests.load(ctx, req.VideoID)
	if err != nil {
		return nil, err
	}
	if man == nil {
		man = &Manifest{VideoID: req.VideoID, Received: []string{}}
	}

	missing := missingFrom(man, req.UploadedFiles)
	man.UploadedFiles = append([]string{}, req.UploadedFiles...)
	if len(missing) == 0 {
		now := r.now().UTC()
		man.Completed = true
		man.CompletedAt = &now
		man.Status = req.Status
		man.Message = ""
	} else {
		man.Completed = false
		man.CompletedAt = nil
		man.Status = "incomplete"
		man.Message = fmt.Sprintf("%d of %d files missing (sender status %q)", len(missing), len(req.UploadedFiles), req.Status)
	}

	if err := r.manifests.save(ctx, man); err != nil {
		return nil, fmt.Errorf("save manifest %s: %w", req.VideoID, err)
	}

	if man.Completed {
		r.cfg.Emitter.EmitBackup(ctx, events.EventBackupCompleted, req.VideoID, man.Status, "")
		logger.Info().Str("video_id", req.VideoID).Int("files", len(man.Received)).Msg("Backup marked completed")
	} else {
		logger.Warn().Str("video_id", req.VideoID).Strs("missing", missing).Msg("Backup incomplete")
	}
	return missing, nil
}

// Cancel deletes every file of a video and its manifest. The pre-deletion
// listing is written to the audit log. A video with nothing stored returns
// ErrBackupNotFound.
func (r *Receiver) Cancel(ctx context.Context, req types.BackupCancelRequest) ([]string, error) {
	if err := utils.SafeName(req.VideoID); err != nil {
		return nil, fmt.Errorf("%w: videoId %q", ErrInvalidFilename, req.VideoID)
	}

	unlock := r.locks.Lock(req.VideoID)
	defer unlock()

	prefix := req.VideoID + "/"
	objects, err := r.cfg.Storage.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	if len(objects) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrBackupNotFound, req.VideoID)
	}

	deleted := make([]string, 0, len(objects))
	all := make([]string, 0, len(objects))
	for _, o := range objects {
		name := path.Base(o.Key)
		all = append(all, name)
		if name != ManifestName {
			deleted = append(deleted, name)
		}
	}

	logger.Warn().
		Str("audit_id", uuid.New().String()).
		Str("video_id", req.VideoID).
		Str("reason", req.Reason).
		Str("error", req.Error).
		Strs("failed_files", req.FailedFiles).
		Strs("uploaded_files", req.UploadedFiles).
		Strs("files", all).
		Msg("Backup cancelled, deleting files")

	if err := r.cfg.Storage.DeletePrefix(ctx, prefix); err != nil {
		logger.Error().Err(err).Str("video_id", req.VideoID).Msg("Backup cleanup incomplete")
	}

	BackupsCancelled.Inc()
	r.cfg.Emitter.EmitBackup(ctx, events.EventBackupCancelled, req.VideoID, "cancelled", req.Reason)
	return deleted, nil
}

// Manifest returns the manifest of a video.
func (r *Receiver) Manifest(ctx context.Context, videoID string) (*Manifest, error) {
	if err := utils.SafeName(videoID); err != nil {
		return nil, fmt.Errorf("%w: videoId %q", ErrInvalidFilename, videoID)
	}
	man, err := r.manifests.load(ctx, videoID)
	if err != nil {
		return nil, err
	}
	if man == nil {
		return nil, fmt.Errorf("%w: %s", ErrBackupNotFound, videoID)
	}
	return man, nil
}
