// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package taskqueue

import (
	"github.com/LeeDigitalWorks/hlsferry/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// TasksProcessedTotal tracks total tasks processed by type and status
	TasksProcessedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hlsferry",
		Subsystem: "taskqueue",
		Name:      "tasks_processed_total",
		Help:      "Total number of tasks processed",
	}, []string{"type", "status"}) // status: "completed", "failed", "permanent", "no_handler"

	// TaskProcessingDuration tracks task processing time by type
	TaskProcessingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "hlsferry",
		Subsystem: "taskqueue",
		Name:      "task_processing_duration_seconds",
		Help:      "Time spent processing tasks",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 900, 3600},
	}, []string{"type"})

	TasksEnqueuedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hlsferry",
		Subsystem: "taskqueue",
		Name:      "tasks_enqueued_total",
		Help:      "Total number of tasks enqueued",
	}, []string{"type"})

	// QueueDepth tracks current queue depth by status
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "hlsferry",
		Subsystem: "taskqueue",
		Name:      "queue_depth",
		Help:      "Current number of tasks in queue by status",
	}, []string{"status"})

	WorkerActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "hlsferry",
		Subsystem: "taskqueue",
		Name:      "workers_active",
		Help:      "Number of tasks currently being handled",
	})

	DequeueErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hlsferry",
		Subsystem: "taskqueue",
		Name:      "dequeue_errors_total",
		Help:      "Total number of dequeue errors",
	})

	DeadlockRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hlsferry",
		Subsystem: "taskqueue",
		Name:      "deadlock_retries_total",
		Help:      "Database deadlocks retried by the SQL queue",
	})
)

func init() {
	debug.Registry().MustRegister(
		TasksProcessedTotal,
		TaskProcessingDuration,
		TasksEnqueuedTotal,
		QueueDepth,
		WorkerActive,
		DequeueErrors,
		DeadlockRetries,
	)
}

// RecordStats publishes a stats snapshot to the queue depth gauge.
func RecordStats(s *QueueStats) {
	QueueDepth.WithLabelValues(string(StatusPending)).Set(float64(s.Pending))
	QueueDepth.WithLabelValues(string(StatusRunning)).Set(float64(s.Running))
	QueueDepth.WithLabelValues(string(StatusDeadLetter)).Set(float64(s.DeadLetter))
}
