// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package chunkstore

import (
	"github.com/LeeDigitalWorks/hlsferry/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	ChunksWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hlsferry",
		Subsystem: "chunkstore",
		Name:      "chunks_written_total",
		Help:      "Chunks written to storage",
	})

	ChunkBytesWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hlsferry",
		Subsystem: "chunkstore",
		Name:      "bytes_written_total",
		Help:      "Chunk bytes written to storage",
	})

	// ChunksDeduplicated counts resubmitted chunks that were already stored
	ChunksDeduplicated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hlsferry",
		Subsystem: "chunkstore",
		Name:      "chunks_deduplicated_total",
		Help:      "Chunk submissions skipped because the index was already stored",
	})
)

func init() {
	debug.Registry().MustRegister(ChunksWritten, ChunkBytesWritten, ChunksDeduplicated)
}
