// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package mode switches a node between serving HLS readers and receiving a
// transfer. A switch to receiving first drains the readers in flight.
package mode

import (
	"errors"
	"sync"

	"github.com/LeeDigitalWorks/hlsferry/pkg/logger"
)

type State int32

const (
	Streaming State = iota
	Draining
	Receiving
)

func (s State) String() string {
	switch s {
	case Streaming:
		return "streaming"
	case Draining:
		return "draining"
	case Receiving:
		return "receiving"
	}
	return "unknown"
}

var (
	// ErrNotServing refuses a reader outside Streaming.
	ErrNotServing = errors.New("node is not serving streams")

	// ErrNotReceiving refuses a writer outside Receiving.
	ErrNotReceiving = errors.New("node is not receiving")

	ErrDrainInProgress = errors.New("drain already in progress")
)

// Observer is told about every state change, outside the coordinator lock.
type Observer func(from, to State)

// Coordinator is the per-node mode state machine. The zero value is not
// usable; call New.
type Coordinator struct {
	mu        sync.Mutex
	state     State
	readers   int
	pending   *Handoff
	observers []Observer
}

func New(observers ...Observer) *Coordinator {
	c := &Coordinator{state: Streaming, observers: observers}
	StateGauge.Set(float64(Streaming))
	return c
}

// Snapshot is a consistent view of the coordinator.
type Snapshot struct {
	State         string `json:"state"`
	ActiveReaders int    `json:"activeReaders"`
	DrainPending  bool   `json:"drainPending"`
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) ActiveReaders() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readers
}

func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{State: c.state.String(), ActiveReaders: c.readers, DrainPending: c.pending != nil}
}

// setLocked changes state and returns a func that reports the change; call
// it after unlocking.
func (c *Coordinator) setLocked(to State) func() {
	from := c.state
	if from == to {
		return func() {}
	}
	c.state = to
	StateGauge.Set(float64(to))
	Transitions.WithLabelValues(from.String(), to.String()).Inc()
	return func() {
		logger.Info().Str("from", from.String()).Str("to", to.String()).Msg("Node mode changed")
		for _, o := range c.observers {
			o(from, to)
		}
	}
}

// RequestDrainThenReceive asks the node to stop serving readers and start
// receiving. With no readers in flight the switch happens now and onReady
// runs before this returns. Otherwise the node drains and onReady runs when
// the last reader closes. From Receiving, onReady runs at once.
func (c *Coordinator) RequestDrainThenReceive(onReady func()) (*Handoff, error) {
	h := newHandoff(c, onReady)

	c.mu.Lock()
	switch c.state {
	case Draining:
		c.mu.Unlock()
		return nil, ErrDrainInProgress
	case Receiving:
		c.mu.Unlock()
		h.resolve(true)
		return h, nil
	}

	if c.readers == 0 {
		notify := c.setLocked(Receiving)
		c.mu.Unlock()
		notify()
		h.resolve(true)
		return h, nil
	}

	c.pending = h
	notify := c.setLocked(Draining)
	readers := c.readers
	c.mu.Unlock()
	notify()

	logger.Info().Int("active_readers", readers).Msg("Draining readers before receiving")
	return h, nil
}

// ReaderOpened counts a new reader. It is refused unless the node is
// Streaming.
func (c *Coordinator) ReaderOpened() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Streaming {
		Refused.WithLabelValues("reader").Inc()
		return ErrNotServing
	}
	c.readers++
	ActiveReaders.Set(float64(c.readers))
	return nil
}

// ReaderClosed releases a reader counted by ReaderOpened. The count never
// goes below zero. Closing the last reader while Draining switches to
// Receiving and fires the pending hand-off.
func (c *Coordinator) ReaderClosed() {
	c.mu.Lock()
	if c.readers == 0 {
		c.mu.Unlock()
		logger.Warn().Msg("Reader closed with no active readers")
		return
	}
	c.readers--
	ActiveReaders.Set(float64(c.readers))

	if c.readers > 0 || c.state != Draining {
		c.mu.Unlock()
		return
	}

	h := c.pending
	c.pending = nil
	notify := c.setLocked(Receiving)
	c.mu.Unlock()
	notify()

	if h != nil {
		h.resolve(true)
	}
}

// BeginRead counts a reader and returns its release. Calling release more
// than once has no further effect.
func (c *Coordinator) BeginRead() (release func(), err error) {
	if err := c.ReaderOpened(); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(c.ReaderClosed) }, nil
}

// BeginWrite reports whether writer endpoints are live.
func (c *Coordinator) BeginWrite() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Receiving {
		Refused.WithLabelValues("writer").Inc()
		return ErrNotReceiving
	}
	return nil
}

// ReturnToStreaming switches back to Streaming from any state. A pending
// hand-off is cancelled.
func (c *Coordinator) ReturnToStreaming() {
	c.mu.Lock()
	h := c.pending
	c.pending = nil
	notify := c.setLocked(Streaming)
	c.mu.Unlock()
	notify()

	if h != nil {
		h.resolve(false)
	}
}

// cancelHandoff detaches h if it is still the pending hand-off.
func (c *Coordinator) cancelHandoff(h *Handoff) bool {
	c.mu.Lock()
	if c.pending != h {
		c.mu.Unlock()
		return false
	}
	c.pending = nil
	notify := c.setLocked(Streaming)
	c.mu.Unlock()
	notify()
	return true
}
