// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/LeeDigitalWorks/hlsferry/pkg/events"
	"github.com/LeeDigitalWorks/hlsferry/pkg/logger"
	"github.com/LeeDigitalWorks/hlsferry/pkg/mode"
	"github.com/LeeDigitalWorks/hlsferry/pkg/retry"
	"github.com/LeeDigitalWorks/hlsferry/pkg/types"
)

// canAccept admits a transfer, drains readers and, once the node is
// receiving, posts the hand-off notice to the capture node.
func (h *Home) canAccept(w http.ResponseWriter, r *http.Request) {
	var req types.CanAcceptRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.TransferID == "" || req.NotifyURL == "" {
		writeError(w, r, badRequest("transferId and notifyUrl are required"))
		return
	}
	if req.OwnerID == "" {
		req.OwnerID = types.DefaultOwnerID
	}
	ctx := r.Context()

	var freeMB int64
	if h.cfg.Admission != nil {
		d := h.cfg.Admission.CanAccept(req.RequiredSpaceMB)
		if !d.OK {
			h.cfg.Emitter.EmitTransfer(ctx, events.EventTransferDenied, req.TransferID, req.OwnerID, req.RequiredSpaceMB<<20)
			writeJSON(w, http.StatusOK, types.CanAcceptResponse{CanAccept: false, FreeMB: d.FreeMB, Message: "insufficient free space"})
			return
		}
		freeMB = d.FreeMB
	}

	// Repeated can-accept for an admitted transfer re-sends a notice that may
	// have been lost.
	h.mu.Lock()
	if entry, ok := h.inflight[req.TransferID]; ok {
		entry.notifyURL = req.NotifyURL
		notified := entry.handoff != nil && entry.handoff.Notified()
		h.mu.Unlock()
		if notified {
			h.spawn(func(ctx context.Context) { h.notify(ctx, req.TransferID, req.NotifyURL) })
		}
		writeJSON(w, http.StatusOK, types.CanAcceptResponse{CanAccept: true, FreeMB: freeMB, Message: "already admitted"})
		return
	}
	h.mu.Unlock()

	_, existed := h.cfg.Transfers.Get(req.TransferID)
	if _, err := h.cfg.Transfers.Begin(ctx, req.TransferID, req.OwnerID); err != nil {
		h.cfg.Emitter.EmitTransfer(ctx, events.EventTransferDenied, req.TransferID, req.OwnerID, req.RequiredSpaceMB<<20)
		writeError(w, r, err)
		return
	}

	entry := &inflight{notifyURL: req.NotifyURL}
	h.mu.Lock()
	h.inflight[req.TransferID] = entry
	InflightTransfers.Set(float64(len(h.inflight)))
	h.mu.Unlock()

	handoff, err := h.cfg.Mode.RequestDrainThenReceive(func() {
		h.spawn(func(ctx context.Context) { h.notify(ctx, req.TransferID, req.NotifyURL) })
	})
	if err != nil {
		h.mu.Lock()
		delete(h.inflight, req.TransferID)
		InflightTransfers.Set(float64(len(h.inflight)))
		h.mu.Unlock()
		if !existed {
			h.cfg.Transfers.Cancel(ctx, req.TransferID)
		}
		Handoffs.WithLabelValues("busy").Inc()
		logger.Info().Err(err).Str("transfer_id", req.TransferID).Msg("Can-accept refused while draining")
		writeJSON(w, http.StatusOK, types.CanAcceptResponse{CanAccept: false, FreeMB: freeMB, Message: err.Error()})
		return
	}

	h.mu.Lock()
	entry.handoff = handoff
	h.mu.Unlock()

	if !handoff.Notified() {
		h.spawn(func(ctx context.Context) { h.watchHandoff(ctx, req.TransferID, handoff) })
	}

	h.cfg.Emitter.EmitTransfer(ctx, events.EventTransferAdmitted, req.TransferID, req.OwnerID, req.RequiredSpaceMB<<20)
	logger.Info().
		Str("transfer_id", req.TransferID).
		Str("owner_id", req.OwnerID).
		Int64("required_mb", req.RequiredSpaceMB).
		Bool("draining", !handoff.Notified()).
		Msg("Transfer admitted")
	writeJSON(w, http.StatusOK, types.CanAcceptResponse{CanAccept: true, FreeMB: freeMB})
}

// watchHandoff gives up on a drain that does not finish in time.
func (h *Home) watchHandoff(ctx context.Context, transferID string, handoff *mode.Handoff) {
	timer := time.NewTimer(h.cfg.DrainTimeout)
	defer timer.Stop()

	select {
	case <-handoff.Done():
		return
	case <-handoff.Cancelled():
		Handoffs.WithLabelValues("cancelled").Inc()
	case <-timer.C:
		if !handoff.Cancel() {
			return
		}
		Handoffs.WithLabelValues("drain_timeout").Inc()
		logger.Warn().Str("transfer_id", transferID).Dur("timeout", h.cfg.DrainTimeout).Msg("Drain timed out, abandoning hand-off")
	case <-ctx.Done():
		return
	}
	h.finish(transferID)
}

// notice is the hand-off payload telling a capture node where to upload.
func (h *Home) notice(transferID string) types.HandoffNotice {
	base := strings.TrimRight(h.cfg.PublicURL, "/")
	return types.HandoffNotice{
		TransferID:  transferID,
		UploadURL:   base + "/chunk",
		CompleteURL: base + "/complete",
		CancelURL:   base + "/cancel",
	}
}

// notify posts the hand-off notice. When the capture node cannot be reached
// the transfer is released so the node does not stay in Receiving.
func (h *Home) notify(ctx context.Context, transferID, notifyURL string) {
	policy := h.cfg.NotifyPolicy
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		logger.Warn().Err(err).Str("transfer_id", transferID).Int("attempt", attempt).Dur("wait", wait).Msg("Hand-off notice failed, retrying")
	}

	notice := h.notice(transferID)
	err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		return h.cfg.Notifier.PostJSON(ctx, notifyURL, notice, nil)
	})
	if err == nil {
		Handoffs.WithLabelValues("notified").Inc()
		h.cfg.Emitter.EmitTransfer(ctx, events.EventHandoffReady, transferID, "", 0)
		logger.Info().Str("transfer_id", transferID).Str("notify_url", notifyURL).Msg("Hand-off notice delivered")
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}

	Handoffs.WithLabelValues("notify_failed").Inc()
	logger.Error().Err(err).Str("transfer_id", transferID).Str("notify_url", notifyURL).Msg("Hand-off notice undeliverable, releasing transfer")
	h.finish(transferID)
}
