// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"github.com/LeeDigitalWorks/hlsferry/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hlsferry",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Latency of node API requests",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"handler", "code", "method"},
	)

	Handoffs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hlsferry",
			Subsystem: "home",
			Name:      "handoffs_total",
			Help:      "Hand-offs to capture nodes by result",
		},
		[]string{"result"},
	)

	ProcessingTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hlsferry",
			Subsystem: "home",
			Name:      "processing_total",
			Help:      "Post-receive processing runs by result",
		},
		[]string{"result"},
	)

	InflightTransfers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "hlsferry",
			Subsystem: "home",
			Name:      "inflight_transfers",
			Help:      "Admitted transfers not yet processed",
		},
	)
)

func init() {
	debug.Registry().MustRegister(RequestDuration, Handoffs, ProcessingTotal, InflightTransfers)
}
