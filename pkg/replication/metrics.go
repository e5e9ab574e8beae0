// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package replication

import (
	"github.com/LeeDigitalWorks/hlsferry/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	JobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hlsferry",
		Subsystem: "backup",
		Name:      "jobs_total",
		Help:      "Backup jobs finished by result",
	}, []string{"result"}) // result: success, timeout, transfer_failure, reconciliation, cancelled, requeued

	JobsDeduplicated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hlsferry",
		Subsystem: "backup",
		Name:      "jobs_deduplicated_total",
		Help:      "Backup enqueues skipped because a job for the video was already queued",
	})

	FilesUploaded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hlsferry",
		Subsystem: "backup",
		Name:      "files_uploaded_total",
		Help:      "Files uploaded to the backup node",
	})

	BytesUploaded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hlsferry",
		Subsystem: "backup",
		Name:      "bytes_uploaded_total",
		Help:      "Bytes uploaded to the backup node",
	})

	UploadRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hlsferry",
		Subsystem: "backup",
		Name:      "upload_retries_total",
		Help:      "Failed upload attempts that were retried",
	})

	ReconcileRounds = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hlsferry",
		Subsystem: "backup",
		Name:      "reconcile_rounds_total",
		Help:      "Repair rounds triggered by missing files",
	})

	FilesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hlsferry",
		Subsystem: "backup",
		Name:      "files_received_total",
		Help:      "Files stored by the backup receiver",
	})

	BytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hlsferry",
		Subsystem: "backup",
		Name:      "bytes_received_total",
		Help:      "Bytes stored by the backup receiver",
	})

	BackupsCancelled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hlsferry",
		Subsystem: "backup",
		Name:      "cancelled_total",
		Help:      "Backups deleted on the receiver by a cancel request",
	})
)

func init() {
	debug.Registry().MustRegister(
		JobsTotal,
		JobsDeduplicated,
		FilesUploaded,
		BytesUploaded,
		UploadRetries,
		ReconcileRounds,
		FilesReceived,
		BytesReceived,
		BackupsCancelled,
	)
}
