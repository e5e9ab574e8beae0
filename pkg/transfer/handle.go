// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/LeeDigitalWorks/hlsferry/pkg/chunkstore"
	"github.com/LeeDigitalWorks/hlsferry/pkg/logger"
	"github.com/LeeDigitalWorks/hlsferry/pkg/retry"
)

// Forwarder sends a completed transfer to a downstream node using the same
// chunk protocol.
type Forwarder interface {
	SendChunk(ctx context.Context, transferID string, index int, body io.Reader, size int64) error
	Complete(ctx context.Context, transferID string, totalChunks int, meta FileMeta) error
	Cancel(ctx context.Context, transferID string) error
}

// Handle is the result of a successful Complete. It gives the next pipeline
// stage access to the ordered chunks until Release is called.
type Handle struct {
	c       *Coordinator
	Session Session
	Meta    FileMeta
	Chunks  []chunkstore.Chunk
}

// TransferID returns the id of the completed transfer.
func (h *Handle) TransferID() string {
	return h.Session.ID
}

func (h *Handle) TotalSize() int64 {
	return h.Session.TotalSizeBytes
}

// Merge writes the chunks to w in index order.
func (h *Handle) Merge(ctx context.Context, w io.Writer) (int64, error) {
	var written int64
	for _, ch := range h.Chunks {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		r, err := h.c.store.Open(ctx, h.Session.ID, ch.Index)
		if err != nil {
			return written, fmt.Errorf("open chunk %d: %w", ch.Index, err)
		}
		n, err := io.Copy(w, r)
		r.Close()
		written += n
		if err != nil {
			return written, fmt.Errorf("copy chunk %d: %w", ch.Index, err)
		}
	}
	return written, nil
}

// Forward sends every chunk downstream, each under the coordinator's retry
// policy, then completes the downstream transfer. When any step exhausts its
// budget the downstream transfer is cancelled and ErrTransferFailure is
// returned, so nothing partial is left visible there.
func (h *Handle) Forward(ctx context.Context, f Forwarder) error {
	id := h.Session.ID
	policy := h.c.cfg.ForwardPolicy
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		ForwardRetries.Inc()
		logger.Warn().Err(err).Str("transfer_id", id).Int("attempt", attempt).Dur("wait", wait).Msg("Forward attempt failed, retrying")
	}

	fail := func(step string, err error) error {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if cerr := f.Cancel(cctx, id); cerr != nil {
			logger.Warn().Err(cerr).Str("transfer_id", id).Msg("Failed to cancel downstream transfer")
		}
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: %s %s: %w", ErrTransferFailure, id, step, err)
	}

	for _, ch := range h.Chunks {
		err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
			r, err := h.c.store.Open(ctx, id, ch.Index)
			if err != nil {
				return retry.Stop(err)
			}
			defer r.Close()
			return f.SendChunk(ctx, id, ch.Index, r, ch.Size)
		})
		if err != nil {
			return fail(fmt.Sprintf("chunk %d", ch.Index), err)
		}
	}

	err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		return f.Complete(ctx, id, len(h.Chunks), h.Meta)
	})
	if err != nil {
		return fail("complete", err)
	}

	logger.Info().Str("transfer_id", id).Int("chunks", len(h.Chunks)).Msg("Transfer forwarded downstream")
	return nil
}

// Release deletes the stored chunks and forgets the session. Storage errors
// are logged only.
func (h *Handle) Release(ctx context.Context) {
	if err := h.c.store.DeleteAll(ctx, h.Session.ID); err != nil {
		logger.Warn().Err(err).Str("transfer_id", h.Session.ID).Msg("Failed to release transfer chunks")
	}
	h.c.forget(h.Session.ID)
}
