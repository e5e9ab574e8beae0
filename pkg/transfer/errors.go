// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrAdmissionDenied is returned when an owner already has the maximum
	// number of open transfers.
	ErrAdmissionDenied = errors.New("admission denied")

	ErrChunkMissing = errors.New("chunks missing")

	// ErrTransferFailure is terminal: forwarding exhausted its retry budget
	// and the downstream transfer was cancelled.
	ErrTransferFailure = errors.New("transfer failed")

	ErrTransferClosed   = errors.New("transfer is closed")
	ErrOwnerMismatch    = errors.New("transfer belongs to another owner")
	ErrInvalidChunkSize = errors.New("invalid chunk size")
	ErrUnexpectedChunks = errors.New("chunks beyond declared total")
	ErrInvalidTotal     = errors.New("total chunks must be positive")
)

// ChunkMissingError lists the indices absent at completion time.
type ChunkMissingError struct {
	TransferID string
	Missing    []int
}

func (e *ChunkMissingError) Error() string {
	parts := make([]string, len(e.Missing))
	for i, idx := range e.Missing {
		parts[i] = strconv.Itoa(idx)
	}
	return fmt.Sprintf("transfer %s: chunks missing: [%s]", e.TransferID, strings.Join(parts, ","))
}

func (e *ChunkMissingError) Unwrap() error {
	return ErrChunkMissing
}
