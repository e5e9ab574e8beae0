// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"context"
	"time"

	"github.com/LeeDigitalWorks/hlsferry/pkg/events"
	"github.com/LeeDigitalWorks/hlsferry/pkg/logger"
	"github.com/LeeDigitalWorks/hlsferry/pkg/transfer"
)

// RunJanitor expires transfers idle for longer than idle every interval and
// releases the admitted ones among them, so an abandoned upload cannot hold
// the node in Receiving.
func (h *Home) RunJanitor(ctx context.Context, interval, idle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.sweep(ctx, idle)
		}
	}
}

func (h *Home) sweep(ctx context.Context, idle time.Duration) {
	expired := h.cfg.Transfers.ExpireIdle(ctx, idle)

	var abandoned []string
	h.mu.Lock()
	for id, entry := range h.inflight {
		// draining hand-offs belong to watchHandoff
		if entry.processing || entry.handoff == nil || !entry.handoff.Notified() {
			continue
		}
		if s, ok := h.cfg.Transfers.Get(id); ok && s.Status != transfer.StatusCancelled {
			continue
		}
		abandoned = append(abandoned, id)
	}
	h.mu.Unlock()

	for _, id := range abandoned {
		logger.Warn().Str("transfer_id", id).Dur("idle", idle).Msg("Releasing abandoned transfer")
		h.cfg.Emitter.EmitTransfer(ctx, events.EventTransferExpired, id, "", 0)
		h.finish(id)
	}
	if expired > 0 || len(abandoned) > 0 {
		logger.Info().Int("expired", expired).Int("released", len(abandoned)).Msg("Janitor pass")
	}
}
