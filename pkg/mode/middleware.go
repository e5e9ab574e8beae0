// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package mode

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// RetryAfter is the Retry-After hint sent with 503 refusals.
var RetryAfter = 5

func refuse(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", strconv.Itoa(RetryAfter))
	w.WriteHeader(http.StatusServiceUnavailable)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// ReaderMiddleware counts each request as a reader for its full duration and
// refuses requests with 503 unless the node is Streaming.
func (c *Coordinator) ReaderMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		release, err := c.BeginRead()
		if err != nil {
			refuse(w, err)
			return
		}
		defer release()
		next.ServeHTTP(w, r)
	})
}

// WriterMiddleware refuses requests with 503 unless the node is Receiving.
func (c *Coordinator) WriterMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := c.BeginWrite(); err != nil {
			refuse(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}
