// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"github.com/LeeDigitalWorks/hlsferry/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	OpenTransfers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "hlsferry",
		Subsystem: "transfer",
		Name:      "open",
		Help:      "Transfers currently accepting chunks",
	})

	TransfersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hlsferry",
		Subsystem: "transfer",
		Name:      "finished_total",
		Help:      "Transfers that reached a terminal state",
	}, []string{"result"}) // result: "completed", "cancelled", "expired"

	AdmissionDenied = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hlsferry",
		Subsystem: "transfer",
		Name:      "admission_denied_total",
		Help:      "Transfers refused because the owner was at its cap",
	})

	ForwardRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hlsferry",
		Subsystem: "transfer",
		Name:      "forward_retries_total",
		Help:      "Chunk forward attempts that failed and were retried",
	})
)

func init() {
	debug.Registry().MustRegister(OpenTransfers, TransfersTotal, AdmissionDenied, ForwardRetries)
}
