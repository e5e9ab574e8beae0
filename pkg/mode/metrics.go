// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package mode

import (
	"github.com/LeeDigitalWorks/hlsferry/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// StateGauge holds the current state: 0 streaming, 1 draining, 2 receiving
	StateGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "hlsferry",
		Subsystem: "mode",
		Name:      "state",
		Help:      "Current node mode (0 streaming, 1 draining, 2 receiving)",
	})

	ActiveReaders = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "hlsferry",
		Subsystem: "mode",
		Name:      "active_readers",
		Help:      "Readers currently being served",
	})

	Transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hlsferry",
		Subsystem: "mode",
		Name:      "transitions_total",
		Help:      "Mode transitions",
	}, []string{"from", "to"})

	Refused = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hlsferry",
		Subsystem: "mode",
		Name:      "refused_total",
		Help:      "Requests refused because of the current mode",
	}, []string{"kind"}) // kind: "reader", "writer"
)

func init() {
	debug.Registry().MustRegister(StateGauge, ActiveReaders, Transitions, Refused)
}
