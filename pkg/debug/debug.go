// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package debug serves the operator endpoints of every node: Prometheus
// metrics, pprof, liveness and readiness.
package debug

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LeeDigitalWorks/hlsferry/pkg/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ready atomic.Bool

	readyCheckMu sync.RWMutex
	readyCheck   func() bool

	statusMu sync.RWMutex
	statusFn func() any

	registry = prometheus.NewRegistry()
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

func SetReady()    { ready.Store(true) }
func SetNotReady() { ready.Store(false) }

// SetReadyCheck adds a condition to readiness on top of SetReady. The home
// node uses it to report not-ready while it is draining or receiving, so a
// load balancer stops routing HLS readers to it.
func SetReadyCheck(check func() bool) {
	readyCheckMu.Lock()
	defer readyCheckMu.Unlock()
	readyCheck = check
}

// SetStatus registers a function whose result is served as JSON on /status.
func SetStatus(fn func() any) {
	statusMu.Lock()
	defer statusMu.Unlock()
	statusFn = fn
}

func IsReady() bool {
	if !ready.Load() {
		return false
	}
	readyCheckMu.RLock()
	check := readyCheck
	readyCheckMu.RUnlock()
	if check != nil {
		return check()
	}
	return true
}

// Registry returns the Prometheus registry for registering custom metrics.
func Registry() prometheus.Registerer {
	return registry
}

// Gatherer exposes the registry for tests.
func Gatherer() prometheus.Gatherer {
	return registry
}

func GetMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/", pprof.Index)
	mux.HandleFunc("/debug/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/profile", pprof.Profile)
	mux.HandleFunc("/debug/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/trace", pprof.Trace)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	})

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		statusMu.RLock()
		fn := statusFn
		statusMu.RUnlock()
		if fn == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(fn())
	})

	return mux
}

// Serve runs the debug server until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           GetMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", addr).Msg("debug server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
