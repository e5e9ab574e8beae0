// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"maps"
	"slices"
	"time"
)

type Status int

const (
	StatusPending Status = iota
	StatusReceiving
	StatusCompleted
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusReceiving:
		return "receiving"
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Open reports whether chunks may still be added.
func (s Status) Open() bool {
	return s == StatusPending || s == StatusReceiving
}

// Session is one transfer as seen by the coordinator. Values handed out by
// the coordinator are copies.
type Session struct {
	ID             string
	OwnerID        string
	TotalChunks    int
	TotalSizeBytes int64
	Filename       string
	Received       map[int]int64
	Status         Status
	CreatedAt      time.Time
	UpdatedAt      time.Time

	completing bool
}

// Indices returns the received chunk indices in order.
func (s *Session) Indices() []int {
	return slices.Sorted(maps.Keys(s.Received))
}

func (s *Session) clone() *Session {
	c := *s
	c.Received = maps.Clone(s.Received)
	if c.Received == nil {
		c.Received = make(map[int]int64)
	}
	return &c
}

// FileMeta describes the file a transfer carries.
type FileMeta struct {
	Filename string `json:"filename"`
	VideoID  string `json:"videoId,omitempty"`
}

// ChunkEntry is one row of a ChunkInfo listing.
type ChunkEntry struct {
	Index int   `json:"index"`
	Size  int64 `json:"size"`
}

// ChunkInfo lists the stored chunks of a transfer.
type ChunkInfo struct {
	TotalChunks int          `json:"totalChunks"`
	Chunks      []ChunkEntry `json:"chunks"`
	TotalSize   int64        `json:"totalSize"`
}
