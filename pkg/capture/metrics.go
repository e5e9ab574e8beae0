// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package capture

import (
	"github.com/LeeDigitalWorks/hlsferry/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	UploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hlsferry",
			Subsystem: "capture",
			Name:      "uploads_total",
			Help:      "File uploads to the home node by result",
		},
		[]string{"result"},
	)

	ChunksSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hlsferry",
			Subsystem: "capture",
			Name:      "chunks_sent_total",
			Help:      "Chunks accepted by the home node",
		},
	)

	ChunksSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hlsferry",
			Subsystem: "capture",
			Name:      "chunks_skipped_total",
			Help:      "Chunks already held by the home node on resume",
		},
	)

	BytesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hlsferry",
			Subsystem: "capture",
			Name:      "bytes_sent_total",
			Help:      "Chunk bytes accepted by the home node",
		},
	)
)

func init() {
	debug.Registry().MustRegister(UploadsTotal, ChunksSent, ChunksSkipped, BytesSent)
}
