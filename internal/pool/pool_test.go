// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package pool

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func fakeConn() *Conn {
	c1, c2 := net.Pipe()
	go drainConn(c2)
	return &Conn{Conn: c1}
}

func drainConn(c net.Conn) {
	buf := make([]byte, 256)
	for {
		if _, err := c.Read(buf); err != nil {
			return
		}
	}
}

func newTestPool(capacity int) *Pool {
	return New(Options{
		Capacity: capacity,
		Dial: func(ctx context.Context) (*Conn, error) {
			return fakeConn(), nil
		},
	})
}

func TestAcquireReleaseReuses(t *testing.T) {
	p := newTestPool(1)
	g1, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	c1 := g1.Conn()
	g1.Release()

	g2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if g2.Conn() != c1 {
		t.Error("expected idle connection to be reused")
	}
	g2.Release()
}

func TestAcquireBlocksAtCapacity(t *testing.T) {
	p := newTestPool(1)
	g1, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(ctx); err == nil {
		t.Error("expected acquire to time out while at capacity")
	}
	g1.Release()
}

func TestReleaseWakesWaiter(t *testing.T) {
	p := newTestPool(1)
	g1, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	var got atomic.Bool
	done := make(chan struct{})
	go func() {
		g2, err := p.Acquire(context.Background())
		if err == nil {
			got.Store(true)
			g2.Release()
		}
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	g1.Release()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter was never woken")
	}
	if !got.Load() {
		t.Error("waiter did not successfully acquire")
	}
}

func TestBrokenConnectionNotReused(t *testing.T) {
	p := newTestPool(1)
	g1, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	bad := g1.Conn()
	bad.MarkBroken()
	g1.Release()

	g2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if g2.Conn() == bad {
		t.Error("broken connection should not be reused")
	}
	g2.Release()
}

func TestInvariantHoldsUnderConcurrency(t *testing.T) {
	const capacity = 4
	p := newTestPool(capacity)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g, err := p.Acquire(context.Background())
			if err != nil {
				return
			}
			time.Sleep(time.Millisecond)
			stats := p.Stats()
			if stats.Active+stats.Idle > capacity {
				panic(fmt.Sprintf("invariant violated: %+v", stats))
			}
			g.Release()
		}()
	}
	wg.Wait()
}
