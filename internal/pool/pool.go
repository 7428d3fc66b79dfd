// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

// Package pool implements the bounded connection pool (component C5):
// `active + idle ≤ capacity` as a proof-level invariant, checked in
// every build (a violation panics) around state transitions (spec.md §4.5,
// §9 "Resource discipline"). Grounded on 256lights-zb's mutexMap
// (internal/backend/mutex_map.go) for the lock+waiter-notify shape,
// generalized from "one lock per key" to "N interchangeable slots".
package pool

import (
	"container/list"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"zombiezen.com/go/log"

	"harmonia.build/daemon/internal/wire"
)

// Conn is a pooled daemon client connection: a raw transport plus the
// negotiated handshake state from [wire.ClientHandshake].
type Conn struct {
	net.Conn
	Handshake *wire.HandshakeInfo

	idleSince time.Time
	broken    bool
}

// MarkBroken flags the connection as unusable; returning it to the pool
// afterward drops it instead of making it available for reuse (spec.md
// §4.5 "Guard drop").
func (c *Conn) MarkBroken() { c.broken = true }

// Dial opens a new connection to addr (a Unix domain socket path or
// "host:port" for TCP) and performs the client handshake.
func Dial(ctx context.Context, network, addr string) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("pool: dial %s %s: %w", network, addr, err)
	}
	hs, err := wire.ClientHandshake(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("pool: dial %s %s: %w", network, addr, err)
	}
	return &Conn{Conn: nc, Handshake: hs}, nil
}

// Metrics receives per-state counters on every pool state transition, per
// spec.md §4.5's "per-state metrics... published through a pluggable
// metrics sink".
type Metrics interface {
	SetIdle(n int)
	SetActive(n int)
	SetWaiting(n int)
	IncCreated()
	IncErrors()
	ObserveAcquireDuration(d time.Duration)
}

// NopMetrics discards all observations.
type NopMetrics struct{}

func (NopMetrics) SetIdle(int)                        {}
func (NopMetrics) SetActive(int)                      {}
func (NopMetrics) SetWaiting(int)                     {}
func (NopMetrics) IncCreated()                         {}
func (NopMetrics) IncErrors()                          {}
func (NopMetrics) ObserveAcquireDuration(time.Duration) {}

// Options configures a [Pool].
type Options struct {
	Capacity       int
	MaxIdleTime    time.Duration
	AcquireTimeout time.Duration
	// Limiter, if non-nil, bounds the rate of new-connection dials
	// (spec.md §11 domain stack: golang.org/x/time/rate on pool acquire).
	Limiter *rate.Limiter
	Metrics Metrics
	Dial    func(ctx context.Context) (*Conn, error)
}

type idleEntry struct {
	conn *Conn
}

// Pool is a bounded pool of [*Conn], holding the invariant
// active + idle ≤ capacity independent of interleaving (spec.md §4.5).
type Pool struct {
	opts Options

	mu      sync.Mutex
	idle    *list.List // of *idleEntry
	active  int
	waiters *list.List // of chan struct{}
}

// New constructs a Pool per opts. opts.Dial and opts.Capacity are required.
func New(opts Options) *Pool {
	if opts.Capacity <= 0 {
		panic("pool: capacity must be positive")
	}
	if opts.Metrics == nil {
		opts.Metrics = NopMetrics{}
	}
	return &Pool{
		opts:    opts,
		idle:    list.New(),
		waiters: list.New(),
	}
}

func (p *Pool) checkInvariant() {
	if p.active+p.idle.Len() > p.opts.Capacity {
		panic(fmt.Sprintf("pool: invariant violated: active(%d) + idle(%d) > capacity(%d)",
			p.active, p.idle.Len(), p.opts.Capacity))
	}
}

func (p *Pool) publishLocked() {
	p.opts.Metrics.SetIdle(p.idle.Len())
	p.opts.Metrics.SetActive(p.active)
	p.opts.Metrics.SetWaiting(p.waiters.Len())
}

// Guard is a held connection; callers MUST call [Guard.Release] exactly
// once (typically via defer) to return it to the pool or discard it if
// marked broken.
type Guard struct {
	p    *Pool
	conn *Conn
}

// Conn returns the held connection.
func (g *Guard) Conn() *Conn { return g.conn }

// Release returns the connection to the pool (spec.md §4.5 "Guard drop").
// Broken connections reduce active without returning to idle, and one
// waiter (if any) is woken.
func (g *Guard) Release() {
	g.p.release(g.conn)
}

// Acquire returns a [Guard] holding a ready connection, per spec.md §4.5:
// reuse an idle connection within MaxIdleTime if one exists; else create
// a new one if active < capacity; else wait for a release or timeout.
func (p *Pool) Acquire(ctx context.Context) (*Guard, error) {
	start := time.Now()
	defer func() { p.opts.Metrics.ObserveAcquireDuration(time.Since(start)) }()

	if p.opts.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.AcquireTimeout)
		defer cancel()
	}

	for {
		p.mu.Lock()
		p.checkInvariant()

		if e := p.idle.Front(); e != nil {
			entry := e.Value.(*idleEntry)
			p.idle.Remove(e)
			if p.opts.MaxIdleTime > 0 && time.Since(entry.conn.idleSince) > p.opts.MaxIdleTime {
				// Stale: drop without counting against active, try again.
				entry.conn.Close()
				p.checkInvariant()
				p.publishLocked()
				p.mu.Unlock()
				continue
			}
			p.active++
			p.checkInvariant()
			p.publishLocked()
			p.mu.Unlock()
			return &Guard{p: p, conn: entry.conn}, nil
		}

		if p.active < p.opts.Capacity {
			p.active++
			p.checkInvariant()
			p.publishLocked()
			p.mu.Unlock()

			if p.opts.Limiter != nil {
				if err := p.opts.Limiter.Wait(ctx); err != nil {
					p.mu.Lock()
					p.active--
					p.publishLocked()
					p.mu.Unlock()
					return nil, fmt.Errorf("pool: acquire: rate limited: %w", err)
				}
			}
			conn, err := p.opts.Dial(ctx)
			if err != nil {
				p.opts.Metrics.IncErrors()
				p.mu.Lock()
				p.active--
				p.checkInvariant()
				p.publishLocked()
				p.mu.Unlock()
				return nil, fmt.Errorf("pool: acquire: %w", err)
			}
			p.opts.Metrics.IncCreated()
			return &Guard{p: p, conn: conn}, nil
		}

		// Capacity exhausted: enqueue a waiter and sleep.
		wake := make(chan struct{}, 1)
		elem := p.waiters.PushBack(wake)
		p.publishLocked()
		p.mu.Unlock()

		select {
		case <-wake:
			// Woken by a release; loop around to try to acquire again.
		case <-ctx.Done():
			p.mu.Lock()
			// Best-effort removal if we timed out before being woken.
			for e := p.waiters.Front(); e != nil; e = e.Next() {
				if e.Value.(chan struct{}) == wake {
					p.waiters.Remove(e)
					break
				}
			}
			p.publishLocked()
			p.mu.Unlock()
			return nil, fmt.Errorf("pool: acquire: %w", ctx.Err())
		}
	}
}

func (p *Pool) release(conn *Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.checkInvariant()
	p.active--
	if conn.broken {
		conn.Close()
	} else {
		conn.idleSince = time.Now()
		p.idle.PushBack(&idleEntry{conn: conn})
	}
	p.checkInvariant()
	p.publishLocked()

	if e := p.waiters.Front(); e != nil {
		p.waiters.Remove(e)
		wake := e.Value.(chan struct{})
		select {
		case wake <- struct{}{}:
		default:
		}
	}
}

// Close drains and closes every idle connection. Active connections held
// by outstanding guards are left for their callers to release.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for e := p.idle.Front(); e != nil; e = e.Next() {
		entry := e.Value.(*idleEntry)
		if err := entry.conn.Close(); err != nil {
			log.Warnf(context.Background(), "pool: close idle connection: %v", err)
		}
	}
	p.idle.Init()
	p.publishLocked()
	return nil
}

// Stats is a snapshot of the pool's state, useful for tests and
// diagnostics.
type Stats struct {
	Idle    int
	Active  int
	Waiting int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Idle: p.idle.Len(), Active: p.active, Waiting: p.waiters.Len()}
}
