/*
 * MIT License
 *
 * Copyright (c) 2019 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 */

// Package stats holds the cross-worker connection counters (§4.A) and the
// per-connection partial/local pair that buffers increments between
// flushes.
package stats

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// FlushInterval is the contract of §4.A/§9: a connection's partial counters
// are flushed into the shared accumulators by the first AddSent/AddRecv call
// made at least this long after the previous flush, and on close.
const FlushInterval = 2 * time.Second

// Registry is the process-wide aggregator. All four counters are shared
// across worker goroutines by reference and updated with atomics, which
// satisfies §5's "updated under per-counter mutual exclusion (atomics
// acceptable)" without requiring real OS shared memory.
type Registry struct {
	current atomic.Int64
	total   atomic.Int64
	sent    atomic.Int64
	recv    atomic.Int64
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) IncrementConnections() {
	r.current.Add(1)
	r.total.Add(1)
}

func (r *Registry) DecrementConnections() {
	r.current.Add(-1)
}

func (r *Registry) addSent(n int64) { r.sent.Add(n) }
func (r *Registry) addRecv(n int64) { r.recv.Add(n) }

// Snapshot reads the four shared counters without locking and renders the
// wire line of §6: "current;total;sent;recv".
func (r *Registry) Snapshot() string {
	return fmt.Sprintf("%d;%d;%d;%d", r.current.Load(), r.total.Load(), r.sent.Load(), r.recv.Load())
}

func (r *Registry) Current() int64 { return r.current.Load() }
func (r *Registry) Total() int64   { return r.total.Load() }
func (r *Registry) Sent() int64    { return r.sent.Load() }
func (r *Registry) Recv() int64    { return r.recv.Load() }

// Counter is the per-connection state §3 calls `stats`: local (reported on
// termination) plus partial (buffered, flushed into the shared Registry
// every ≥2s or on close).
// Counter's fields are mutated from two goroutines at once: connmachine's
// proxy splices client->backend and backend->client on separate goroutines,
// each reporting through AddSent/AddRecv respectively (§5's two suspension
// points running concurrently within one connection). mu guards the shared
// lastFlush bookkeeping both paths touch.
type Counter struct {
	registry *Registry

	mu sync.Mutex

	localSent int64
	localRecv int64

	partialSent int64
	partialRecv int64

	lastFlush time.Time
	start     time.Time
	end       time.Time
}

func NewCounter(r *Registry) *Counter {
	return &Counter{registry: r, lastFlush: time.Now(), start: time.Now()}
}

// AddSent mutates the partial and local totals and flushes into the shared
// registry once FlushInterval has elapsed since the last flush.
func (c *Counter) AddSent(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.localSent += n
	c.partialSent += n
	c.maybeFlushLocked(false)
}

func (c *Counter) AddRecv(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.localRecv += n
	c.partialRecv += n
	c.maybeFlushLocked(false)
}

func (c *Counter) maybeFlushLocked(force bool) {
	if !force && time.Since(c.lastFlush) < FlushInterval {
		return
	}
	if c.partialSent != 0 {
		c.registry.addSent(c.partialSent)
		c.partialSent = 0
	}
	if c.partialRecv != 0 {
		c.registry.addRecv(c.partialRecv)
		c.partialRecv = 0
	}
	c.lastFlush = time.Now()
}

// Close records the end timestamp and force-flushes any remaining partials.
// It does not touch connections_current — callers pair it with their own
// DecrementConnections call to preserve §3's close-symmetry invariant.
func (c *Counter) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.end = time.Now()
	c.maybeFlushLocked(true)
}

func (c *Counter) LocalSent() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localSent
}

func (c *Counter) LocalRecv() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localRecv
}

func (c *Counter) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.end.IsZero() {
		return time.Since(c.start)
	}
	return c.end.Sub(c.start)
}
