// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"github.com/LeeDigitalWorks/hlsferry/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// EventsEmittedTotal tracks total events emitted by event type
	EventsEmittedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hlsferry",
		Subsystem: "events",
		Name:      "emitted_total",
		Help:      "Total number of pipeline events emitted",
	}, []string{"event_type"})

	// EventsDroppedTotal tracks events dropped (emitter disabled)
	EventsDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hlsferry",
		Subsystem: "events",
		Name:      "dropped_total",
		Help:      "Total number of pipeline events dropped (emitter disabled)",
	})

	// EventsErrorsTotal tracks event emission errors
	EventsErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hlsferry",
		Subsystem: "events",
		Name:      "errors_total",
		Help:      "Total number of event emission errors",
	}, []string{"error_type"}) // error_type: "marshal", "enqueue", "payload"

	EventsDeliveredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hlsferry",
		Subsystem: "events",
		Name:      "delivered_total",
		Help:      "Total number of events delivered to publishers",
	}, []string{"publisher"})

	EventsDeliveryErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hlsferry",
		Subsystem: "events",
		Name:      "delivery_errors_total",
		Help:      "Total number of event delivery errors",
	}, []string{"publisher"})

	EventsDeliveryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "hlsferry",
		Subsystem: "events",
		Name:      "delivery_duration_seconds",
		Help:      "Time spent delivering events to publishers",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"publisher"})
)

func init() {
	debug.Registry().MustRegister(
		EventsEmittedTotal,
		EventsDroppedTotal,
		EventsErrorsTotal,
		EventsDeliveredTotal,
		EventsDeliveryErrorsTotal,
		EventsDeliveryDuration,
	)
}
