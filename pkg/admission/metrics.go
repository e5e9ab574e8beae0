// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package admission

import (
	"github.com/LeeDigitalWorks/hlsferry/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	Decisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hlsferry",
		Subsystem: "admission",
		Name:      "decisions_total",
		Help:      "Can-accept answers by result",
	}, []string{"result"})

	FreeBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "hlsferry",
		Subsystem: "admission",
		Name:      "free_bytes",
		Help:      "Usable free bytes after the reserve, as of the last probe",
	})

	ProbeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hlsferry",
		Subsystem: "admission",
		Name:      "probe_errors_total",
		Help:      "Free space probes that failed",
	})
)

func init() {
	debug.Registry().MustRegister(Decisions, FreeBytes, ProbeErrors)
}
