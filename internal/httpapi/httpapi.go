// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

// Package httpapi hosts the ambient /health and /metrics endpoints
// spec.md §6 names as an external collaborator surface: the full
// binary-cache route set (/nar/*, /*.narinfo, ...) is a named non-goal
// (spec.md §1) and is not implemented here. What spec.md §1 does carry
// regardless of that non-goal is the surrounding HTTP plumbing a
// complete daemon needs — logging middleware, panic recovery, and a
// liveness/readiness surface for an operator's load balancer or
// orchestrator — built with github.com/gorilla/handlers the way the
// pack's spongix router does (SPEC_FULL.md §11).
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"golang.org/x/time/rate"

	"harmonia.build/daemon/internal/pool"
	"harmonia.build/daemon/internal/storedb"
)

// ExpvarPoolMetrics implements [pool.Metrics] with plain counters
// exposed verbatim by [Handler]'s /metrics route, so the connection
// pool's invariant-adjacent state (spec.md §4.5) is observable without
// requiring a Prometheus client library, consistent with spec.md §1
// naming "Prometheus wiring" a non-goal.
type ExpvarPoolMetrics struct {
	mu                sync.Mutex
	idle, active, wait int
	created, errors   int64
	acquireCount      int64
	acquireTotal      time.Duration
}

func (m *ExpvarPoolMetrics) SetIdle(n int)    { m.mu.Lock(); m.idle = n; m.mu.Unlock() }
func (m *ExpvarPoolMetrics) SetActive(n int)  { m.mu.Lock(); m.active = n; m.mu.Unlock() }
func (m *ExpvarPoolMetrics) SetWaiting(n int) { m.mu.Lock(); m.wait = n; m.mu.Unlock() }
func (m *ExpvarPoolMetrics) IncCreated()      { m.mu.Lock(); m.created++; m.mu.Unlock() }
func (m *ExpvarPoolMetrics) IncErrors()       { m.mu.Lock(); m.errors++; m.mu.Unlock() }
func (m *ExpvarPoolMetrics) ObserveAcquireDuration(d time.Duration) {
	m.mu.Lock()
	m.acquireCount++
	m.acquireTotal += d
	m.mu.Unlock()
}

func (m *ExpvarPoolMetrics) snapshot() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	avg := time.Duration(0)
	if m.acquireCount > 0 {
		avg = m.acquireTotal / time.Duration(m.acquireCount)
	}
	return map[string]any{
		"pool_idle":                   m.idle,
		"pool_active":                 m.active,
		"pool_waiting":                m.wait,
		"pool_connections_created":    m.created,
		"pool_errors":                 m.errors,
		"pool_acquire_duration_avg_ms": avg.Milliseconds(),
	}
}

var _ pool.Metrics = (*ExpvarPoolMetrics)(nil)

// Options configures a [Handler].
type Options struct {
	DB      storedb.DB
	Metrics *ExpvarPoolMetrics
	// Limiter bounds the rate of incoming health/metrics requests,
	// grounded on Mic92-niks3's ratelimit package (SPEC_FULL.md §11).
	Limiter *rate.Limiter
}

// NewHandler returns the ambient HTTP surface: /health (liveness plus a
// DB round-trip), /metrics (pool counters as JSON), and /version.
func NewHandler(opts Options, version string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", opts.healthHandler)
	mux.HandleFunc("/metrics", opts.metricsHandler)
	mux.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(version))
	})

	var h http.Handler = mux
	if opts.Limiter != nil {
		h = opts.rateLimit(h)
	}
	h = handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(h)
	h = handlers.CombinedLoggingHandler(logWriter{}, h)
	return h
}

func (o Options) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !o.Limiter.Allow() {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (o Options) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if o.DB != nil {
		if _, err := o.DB.CountValidPaths(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "error", "error": err.Error()})
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (o Options) metricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if o.Metrics == nil {
		json.NewEncoder(w).Encode(map[string]any{})
		return
	}
	json.NewEncoder(w).Encode(o.Metrics.snapshot())
}

// logWriter adapts zombiezen.com/go/log's package-level logging to the
// io.Writer handlers.CombinedLoggingHandler wants, so HTTP access logs
// flow through the same sink as the rest of the daemon instead of going
// straight to stdout.
type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	logAccess(string(p))
	return len(p), nil
}
