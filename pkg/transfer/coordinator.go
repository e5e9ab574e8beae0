// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package transfer tracks resumable chunked uploads: per-owner admission,
// idempotent chunk ingestion, completeness checks and cleanup.
package transfer

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/LeeDigitalWorks/hlsferry/pkg/chunkstore"
	"github.com/LeeDigitalWorks/hlsferry/pkg/logger"
	"github.com/LeeDigitalWorks/hlsferry/pkg/retry"
)

const (
	DefaultMaxPerOwner    = 3
	DefaultForwardRetries = 3
	DefaultForwardBackoff = 2 * time.Second
)

// Config holds coordinator settings.
type Config struct {
	// MaxPerOwner caps concurrently open transfers per owner.
	MaxPerOwner int

	// Validator checks non-final chunk sizes at completion (nil = off).
	Validator ChunkValidator

	// ForwardPolicy is the per-chunk retry budget used by Handle.Forward.
	ForwardPolicy retry.Policy
}

// DefaultConfig returns the default coordinator settings.
func DefaultConfig() Config {
	return Config{
		MaxPerOwner:   DefaultMaxPerOwner,
		ForwardPolicy: retry.Constant(DefaultForwardRetries, DefaultForwardBackoff),
	}
}

// Coordinator owns transfer sessions and the per-owner admission sets.
// All session state is guarded by mu; chunk bytes are written outside it.
type Coordinator struct {
	cfg   Config
	store *chunkstore.Store

	mu       sync.Mutex
	sessions map[string]*Session
	owners   map[string]map[string]struct{}

	now func() time.Time
}

func NewCoordinator(store *chunkstore.Store, cfg Config) *Coordinator {
	if cfg.MaxPerOwner <= 0 {
		cfg.MaxPerOwner = DefaultMaxPerOwner
	}
	if cfg.ForwardPolicy.MaxAttempts <= 0 {
		cfg.ForwardPolicy = retry.Constant(DefaultForwardRetries, DefaultForwardBackoff)
	}
	return &Coordinator{
		cfg:      cfg,
		store:    store,
		sessions: make(map[string]*Session),
		owners:   make(map[string]map[string]struct{}),
		now:      time.Now,
	}
}

// Store returns the chunk store backing the coordinator.
func (c *Coordinator) Store() *chunkstore.Store {
	return c.store
}

// Begin registers a transfer for owner, or continues it if the same owner
// already has it open. A cancelled id may be reused.
func (c *Coordinator) Begin(ctx context.Context, transferID, ownerID string) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.beginLocked(transferID, ownerID)
	if err != nil {
		return nil, err
	}
	return s.clone(), nil
}

func (c *Coordinator) beginLocked(transferID, ownerID string) (*Session, error) {
	if s, ok := c.sessions[transferID]; ok {
		switch {
		case s.Status == StatusCompleted:
			return nil, fmt.Errorf("%w: %s is %s", ErrTransferClosed, transferID, s.Status)
		case s.Status.Open() && s.OwnerID != ownerID:
			return nil, fmt.Errorf("%w: %s", ErrOwnerMismatch, transferID)
		case s.Status.Open():
			return s, nil
		}
		// cancelled: fall through and start over
	}

	active := c.owners[ownerID]
	if len(active) >= c.cfg.MaxPerOwner {
		AdmissionDenied.Inc()
		return nil, fmt.Errorf("%w: owner %s has %d open transfers", ErrAdmissionDenied, ownerID, len(active))
	}
	if active == nil {
		active = make(map[string]struct{})
		c.owners[ownerID] = active
	}
	active[transferID] = struct{}{}

	now := c.now()
	s := &Session{
		ID:        transferID,
		OwnerID:   ownerID,
		Received:  make(map[int]int64),
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	c.sessions[transferID] = s
	OpenTransfers.Inc()

	logger.Debug().Str("transfer_id", transferID).Str("owner_id", ownerID).Msg("Transfer registered")
	return s, nil
}

func (c *Coordinator) releaseSlotLocked(s *Session) {
	active := c.owners[s.OwnerID]
	if _, ok := active[s.ID]; !ok {
		return
	}
	delete(active, s.ID)
	if len(active) == 0 {
		delete(c.owners, s.OwnerID)
	}
	OpenTransfers.Dec()
}

// AcceptChunk stores chunk index of a transfer, beginning the transfer if
// needed. Re-sending a stored index succeeds without rewriting it; written
// reports whether bytes were stored by this call.
func (c *Coordinator) AcceptChunk(ctx context.Context, transferID, ownerID string, index int, body io.Reader, size int64) (written bool, err error) {
	c.mu.Lock()
	s, err := c.beginLocked(transferID, ownerID)
	if err == nil && s.completing {
		err = fmt.Errorf("%w: %s is completing", ErrTransferClosed, transferID)
	}
	c.mu.Unlock()
	if err != nil {
		return false, err
	}

	chunk, written, err := c.store.Put(ctx, transferID, index, body, size)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if cur := c.sessions[transferID]; cur != s || !s.Status.Open() {
		// Cancelled while the bytes were in flight.
		if written {
			go c.discard(transferID)
		}
		return false, fmt.Errorf("%w: %s", ErrTransferClosed, transferID)
	}
	s.Received[index] = chunk.Size
	s.Status = StatusReceiving
	s.UpdatedAt = c.now()
	return written, nil
}

func (c *Coordinator) discard(transferID string) {
	c.mu.Lock()
	s, ok := c.sessions[transferID]
	reopened := ok && s.Status.Open()
	c.mu.Unlock()
	if reopened {
		return
	}
	if err := c.store.DeleteAll(context.Background(), transferID); err != nil {
		logger.Warn().Err(err).Str("transfer_id", transferID).Msg("Failed to discard chunks of closed transfer")
	}
}

// Complete verifies that chunks 0..expectedTotal-1 are stored. On a gap it
// returns a *ChunkMissingError and leaves the transfer untouched; otherwise
// the transfer is marked completed, the owner's slot is released and a
// Handle to the stored chunks is returned. Completion succeeds at most once.
func (c *Coordinator) Complete(ctx context.Context, transferID string, expectedTotal int, meta FileMeta) (*Handle, error) {
	if expectedTotal <= 0 {
		return nil, ErrInvalidTotal
	}

	c.mu.Lock()
	s, known := c.sessions[transferID]
	if known {
		if !s.Status.Open() {
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: %s is %s", ErrTransferClosed, transferID, s.Status)
		}
		if s.completing {
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: %s is completing", ErrTransferClosed, transferID)
		}
		s.completing = true
	}
	c.mu.Unlock()

	chunks, err := c.verify(ctx, transferID, expectedTotal)
	if err != nil {
		if known {
			c.mu.Lock()
			s.completing = false
			c.mu.Unlock()
		}
		return nil, err
	}

	var total int64
	for _, ch := range chunks {
		total += ch.Size
	}

	c.mu.Lock()
	cur := c.sessions[transferID]
	switch {
	case known && (cur != s || !s.Status.Open()):
		// Cancelled while the chunks were being listed.
		s.completing = false
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrTransferClosed, transferID, s.Status)
	case !known && cur != nil && (!cur.Status.Open() || cur.completing):
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTransferClosed, transferID)
	case !known && cur != nil:
		s = cur
	case !known:
		// Chunks survived a restart; adopt them without an owner slot.
		s = &Session{ID: transferID, Received: make(map[int]int64), CreatedAt: c.now()}
		c.sessions[transferID] = s
	}
	s.completing = false
	for _, ch := range chunks {
		s.Received[ch.Index] = ch.Size
	}
	s.Status = StatusCompleted
	s.TotalChunks = expectedTotal
	s.TotalSizeBytes = total
	s.Filename = meta.Filename
	s.UpdatedAt = c.now()
	c.releaseSlotLocked(s)
	snapshot := s.clone()
	c.mu.Unlock()

	TransfersTotal.WithLabelValues("completed").Inc()
	logger.Info().
		Str("transfer_id", transferID).
		Int("chunks", expectedTotal).
		Int64("bytes", total).
		Str("filename", meta.Filename).
		Msg("Transfer completed")

	return &Handle{c: c, Session: *snapshot, Meta: meta, Chunks: chunks}, nil
}

func (c *Coordinator) verify(ctx context.Context, transferID string, expectedTotal int) ([]chunkstore.Chunk, error) {
	chunks, err := c.store.List(ctx, transferID)
	if err != nil {
		return nil, err
	}

	present := make(map[int]chunkstore.Chunk, len(chunks))
	var extra []int
	for _, ch := range chunks {
		if ch.Index >= expectedTotal {
			extra = append(extra, ch.Index)
			continue
		}
		present[ch.Index] = ch
	}

	var missing []int
	ordered := make([]chunkstore.Chunk, 0, expectedTotal)
	for i := range expectedTotal {
		ch, ok := present[i]
		if !ok {
			missing = append(missing, i)
			continue
		}
		ordered = append(ordered, ch)
	}
	if len(missing) > 0 {
		return nil, &ChunkMissingError{TransferID: transferID, Missing: missing}
	}
	if len(extra) > 0 {
		return nil, fmt.Errorf("%w: %s has %v for total %d", ErrUnexpectedChunks, transferID, extra, expectedTotal)
	}

	if c.cfg.Validator != nil {
		for _, ch := range ordered[:len(ordered)-1] {
			if err := c.cfg.Validator.Validate(ch.Index, ch.Size); err != nil {
				return nil, err
			}
		}
	}
	return ordered, nil
}

// Cancel drops a transfer and its chunks. It is safe on unknown or already
// cancelled ids. Completed transfers are left to their Handle. A Complete
// still verifying the transfer observes the cancel and fails with
// ErrTransferClosed. Storage errors are logged, never returned.
func (c *Coordinator) Cancel(ctx context.Context, transferID string) {
	c.cancel(ctx, transferID, "cancelled")
}

func (c *Coordinator) cancel(ctx context.Context, transferID, result string) {
	c.mu.Lock()
	s, ok := c.sessions[transferID]
	if ok && s.Status == StatusCompleted {
		c.mu.Unlock()
		logger.Debug().Str("transfer_id", transferID).Msg("Cancel ignored for completed transfer")
		return
	}
	wasOpen := ok && s.Status.Open()
	if wasOpen {
		s.Status = StatusCancelled
		s.UpdatedAt = c.now()
		c.releaseSlotLocked(s)
	}
	c.mu.Unlock()

	if err := c.store.DeleteAll(ctx, transferID); err != nil {
		logger.Warn().Err(err).Str("transfer_id", transferID).Msg("Failed to delete chunks of cancelled transfer")
	}
	if wasOpen {
		TransfersTotal.WithLabelValues(result).Inc()
		logger.Info().Str("transfer_id", transferID).Str("reason", result).Msg("Transfer cancelled")
	}
}

// ChunkInfo lists the chunks stored for a transfer, sorted by index.
func (c *Coordinator) ChunkInfo(ctx context.Context, transferID string) (*ChunkInfo, error) {
	chunks, err := c.store.List(ctx, transferID)
	if err != nil {
		return nil, err
	}
	info := &ChunkInfo{
		TotalChunks: len(chunks),
		Chunks:      make([]ChunkEntry, 0, len(chunks)),
	}
	for _, ch := range chunks {
		info.Chunks = append(info.Chunks, ChunkEntry{Index: ch.Index, Size: ch.Size})
		info.TotalSize += ch.Size
	}
	return info, nil
}

// Get returns a copy of a session.
func (c *Coordinator) Get(transferID string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[transferID]
	if !ok {
		return nil, false
	}
	return s.clone(), true
}

// OpenCount returns the number of open transfers held by owner.
func (c *Coordinator) OpenCount(ownerID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.owners[ownerID])
}

// ExpireIdle cancels open transfers untouched for olderThan and forgets
// closed ones of the same age. It returns the number cancelled.
func (c *Coordinator) ExpireIdle(ctx context.Context, olderThan time.Duration) int {
	cutoff := c.now().Add(-olderThan)

	var stale []string
	c.mu.Lock()
	for id, s := range c.sessions {
		if !s.UpdatedAt.Before(cutoff) || s.completing {
			continue
		}
		if s.Status.Open() {
			stale = append(stale, id)
		} else {
			delete(c.sessions, id)
		}
	}
	c.mu.Unlock()

	for _, id := range stale {
		logger.Info().Str("transfer_id", id).Dur("idle", olderThan).Msg("Expiring idle transfer")
		c.cancel(ctx, id, "expired")
	}
	return len(stale)
}

func (c *Coordinator) forget(transferID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[transferID]; ok && s.Status == StatusCompleted {
		delete(c.sessions, transferID)
	}
}
