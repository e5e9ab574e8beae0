// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package node serves the HTTP surface of the home node (transfer intake,
// HLS streaming, mode and backup jobs) and of the backup node (/backup/*).
package node

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/LeeDigitalWorks/hlsferry/pkg/logger"
	"github.com/LeeDigitalWorks/hlsferry/pkg/mode"
	"github.com/LeeDigitalWorks/hlsferry/pkg/replication"
	"github.com/LeeDigitalWorks/hlsferry/pkg/transfer"
	"github.com/LeeDigitalWorks/hlsferry/pkg/types"
	"github.com/LeeDigitalWorks/hlsferry/pkg/utils"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	errBadRequest = errors.New("bad request")
	errNotFound   = errors.New("not found")
)

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

// statusOf maps a pipeline error to its HTTP status.
func statusOf(err error) int {
	var tooLarge *http.MaxBytesError
	var missing *transfer.ChunkMissingError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.As(err, &missing):
		return http.StatusBadRequest
	case errors.Is(err, transfer.ErrAdmissionDenied):
		return http.StatusTooManyRequests
	case errors.Is(err, errBadRequest),
		errors.Is(err, utils.ErrUnsafeName),
		errors.Is(err, transfer.ErrInvalidChunkSize),
		errors.Is(err, transfer.ErrInvalidTotal),
		errors.Is(err, transfer.ErrUnexpectedChunks),
		errors.Is(err, replication.ErrInvalidFilename),
		errors.Is(err, replication.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, transfer.ErrTransferClosed),
		errors.Is(err, transfer.ErrOwnerMismatch),
		errors.Is(err, mode.ErrDrainInProgress):
		return http.StatusConflict
	case errors.Is(err, mode.ErrNotServing),
		errors.Is(err, mode.ErrNotReceiving),
		errors.Is(err, replication.ErrNotReady):
		return http.StatusServiceUnavailable
	case errors.Is(err, errNotFound),
		errors.Is(err, replication.ErrBackupNotFound):
		return http.StatusNotFound
	}
	// includes digest mismatches, which senders retry
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	resp := types.ErrorResponse{Error: err.Error()}

	var missing *transfer.ChunkMissingError
	if errors.As(err, &missing) {
		resp.Missing = missing.Missing
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", strconv.Itoa(mode.RetryAfter))
	}

	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("Request failed")
	} else {
		logger.Debug().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Int("status", status).Msg("Request rejected")
	}
	writeJSON(w, status, resp)
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return badRequest("decode body: %v", err)
	}
	return nil
}

// instrument records request latency under the route name.
func instrument(name string, h http.Handler) http.Handler {
	return promhttp.InstrumentHandlerDuration(
		RequestDuration.MustCurryWith(prometheus.Labels{"handler": name}), h)
}

func handlerFunc(name string, fn http.HandlerFunc) http.Handler {
	return instrument(name, fn)
}
