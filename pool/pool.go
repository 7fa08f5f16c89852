// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package pool implements a bounded warm-connection pool and the
// EWMA/burst/Poisson predictor that sizes its background pre-warming,
// shared by the TLS-backed outbounds (trojan, VLESS).
package pool

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultCapacity is the pool's bounded deque size.
	DefaultCapacity = 16
	// DefaultMaxIdle is how long a pooled stream may sit unused before
	// try_get treats it as stale and drops it.
	DefaultMaxIdle = 60 * time.Second
)

type entry struct {
	stream    net.Conn
	createdAt time.Time
}

// Pool is a bounded, no-eviction idle-connection deque: Put drops the
// connection when the pool is already full rather than evicting the
// oldest entry.
type Pool struct {
	mu       sync.Mutex
	entries  []entry
	capacity int
	maxIdle  time.Duration

	warmingCount int64 // atomic
	currentSize  int64 // atomic

	hits   int64 // atomic
	misses int64 // atomic

	ring *timestampRing
}

// New builds a Pool with the given bounded capacity and a 10-second
// timestamp ring feeding the predictor.
func New(capacity int) *Pool {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Pool{
		capacity: capacity,
		maxIdle:  DefaultMaxIdle,
		ring:     newTimestampRing(10*time.Second, 4096),
	}
}

// TryGet records an arrival timestamp (feeding the predictor), then pops
// entries from the front until it finds one that isn't stale, or the
// pool is empty.
func (p *Pool) TryGet() net.Conn {
	p.ring.record(time.Now())

	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.entries) > 0 {
		e := p.entries[0]
		p.entries = p.entries[1:]
		atomic.AddInt64(&p.currentSize, -1)
		if time.Since(e.createdAt) <= p.maxIdle {
			atomic.AddInt64(&p.hits, 1)
			return e.stream
		}
		_ = e.stream.Close()
	}
	atomic.AddInt64(&p.misses, 1)
	return nil
}

// Put pushes a freshly warmed (or returned) stream onto the back of the
// deque. A full pool drops the connection; there is no eviction.
func (p *Pool) Put(stream net.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.entries) >= p.capacity {
		_ = stream.Close()
		return
	}
	p.entries = append(p.entries, entry{stream: stream, createdAt: time.Now()})
	atomic.AddInt64(&p.currentSize, 1)
}

// Available reports how many streams currently sit idle in the pool.
func (p *Pool) Available() int {
	return int(atomic.LoadInt64(&p.currentSize))
}

// Warming reports how many background fill tasks are in flight.
func (p *Pool) Warming() int64 { return atomic.LoadInt64(&p.warmingCount) }

func (p *Pool) beginWarm() { atomic.AddInt64(&p.warmingCount, 1) }
func (p *Pool) endWarm()   { atomic.AddInt64(&p.warmingCount, -1) }

// Stats is a snapshot of hit/miss counters.
type Stats struct {
	Hits, Misses int64
}

func (p *Pool) Stats() Stats {
	return Stats{
		Hits:   atomic.LoadInt64(&p.hits),
		Misses: atomic.LoadInt64(&p.misses),
	}
}

// Close drains the pool, closing every idle stream.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		_ = e.stream.Close()
	}
	p.entries = nil
	atomic.StoreInt64(&p.currentSize, 0)
}
