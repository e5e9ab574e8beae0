// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package replication pushes finished HLS output from a home node to a
// backup node and keeps the backup node's per-video manifest.
//
// Sender side: a backup job is a taskqueue task. The Sender handler polls the
// receiver until it hands out upload links, uploads every file with a fixed
// retry budget, then reports completion and re-uploads whatever the receiver
// says is missing. Exhausting a file's budget cancels the backup on the
// receiver and fails the job for good.
//
// Receiver side: Receiver stores files under <videoId>/<filename> in a
// backend and tracks them in <videoId>/manifest.json.
package replication

import (
	"errors"

	"github.com/LeeDigitalWorks/hlsferry/pkg/transfer"
)

var (
	// ErrTimeoutWaitingForReceiver means the receiver never became ready
	// within the poll budget. The job is not retried.
	ErrTimeoutWaitingForReceiver = errors.New("timeout waiting for receiver")

	// ErrTransferFailure means a file exhausted its upload attempts.
	ErrTransferFailure = transfer.ErrTransferFailure

	// ErrReconciliationRequired means the receiver still reported missing
	// files after the last repair round.
	ErrReconciliationRequired = errors.New("reconciliation required")

	// ErrInvalidPayload is returned for jobs without a video id or source dir.
	ErrInvalidPayload = errors.New("invalid backup payload")

	// ErrSourceMissing means the job's local directory does not exist (yet).
	ErrSourceMissing = errors.New("backup source directory missing")

	ErrJobCancelled = errors.New("backup job cancelled")

	// Receiver errors
	ErrNotReady        = errors.New("receiver not ready")
	ErrBackupNotFound  = errors.New("backup not found")
	ErrInvalidFilename = errors.New("invalid filename")
	ErrDigestMismatch  = errors.New("content digest mismatch")
)
