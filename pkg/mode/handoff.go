// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package mode

import (
	"sync"
	"sync/atomic"
)

// Handoff is the one-shot result of a drain request. It resolves exactly
// once: either the node became ready (Done closes and the callback runs) or
// the request was abandoned (Cancelled closes).
type Handoff struct {
	c         *Coordinator
	onReady   func()
	once      sync.Once
	done      chan struct{}
	cancelled chan struct{}
	notified  atomic.Bool
}

func newHandoff(c *Coordinator, onReady func()) *Handoff {
	return &Handoff{
		c:         c,
		onReady:   onReady,
		done:      make(chan struct{}),
		cancelled: make(chan struct{}),
	}
}

// Done is closed once the node is Receiving and the callback has run.
func (h *Handoff) Done() <-chan struct{} {
	return h.done
}

// Cancelled is closed when the hand-off was abandoned before the node
// became ready.
func (h *Handoff) Cancelled() <-chan struct{} {
	return h.cancelled
}

// Notified reports whether the callback ran.
func (h *Handoff) Notified() bool {
	return h.notified.Load()
}

// Cancel abandons a hand-off that has not fired yet and returns the node to
// Streaming. It reports whether this call did the cancelling.
func (h *Handoff) Cancel() bool {
	if !h.c.cancelHandoff(h) {
		return false
	}
	return h.resolve(false)
}

func (h *Handoff) resolve(ready bool) bool {
	resolved := false
	h.once.Do(func() {
		resolved = true
		if !ready {
			close(h.cancelled)
			return
		}
		h.notified.Store(true)
		if h.onReady != nil {
			h.onReady()
		}
		close(h.done)
	})
	return resolved
}
