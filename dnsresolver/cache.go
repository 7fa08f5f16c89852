// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package dnsresolver

import (
	"net/netip"
	"sync"
	"time"

	"github.com/opencoff/go-sieve"
)

const (
	DefaultCacheSize = 4096
	DefaultTTL       = 300 * time.Second
)

// cacheEntry wraps a resolved answer with its own expiry, independent of
// the SIEVE cache's eviction — a SIEVE-eligible entry can still be stale
// and is checked against its TTL on every Get, exactly as the reference
// LRU-plus-manual-TTL cache does.
type cacheEntry struct {
	ips     []netip.Addr
	created time.Time
	ttl     time.Duration
}

func (e cacheEntry) expired() bool {
	return time.Since(e.created) > e.ttl
}

// Cache is the resolved-answer cache: bounded by entry count via a SIEVE
// eviction policy (cheaper to maintain under scan-like DNS traffic than
// strict LRU), with a TTL ceiling layered on top per-entry.
type Cache struct {
	mu         sync.Mutex
	store      *sieve.Sieve[string, cacheEntry]
	defaultTTL time.Duration
}

func NewCache(size int) *Cache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	return &Cache{store: sieve.New[string, cacheEntry](size), defaultTTL: DefaultTTL}
}

func NewCacheWithTTL(size int, ttl time.Duration) *Cache {
	c := NewCache(size)
	c.defaultTTL = ttl
	return c
}

func (c *Cache) Get(domain string) ([]netip.Addr, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.store.Get(domain)
	if !ok {
		return nil, false
	}
	if e.expired() {
		c.store.Remove(domain)
		return nil, false
	}
	return e.ips, true
}

func (c *Cache) Put(domain string, ips []netip.Addr) {
	c.PutWithTTL(domain, ips, c.defaultTTL)
}

func (c *Cache) PutWithTTL(domain string, ips []netip.Addr, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.Add(domain, cacheEntry{ips: ips, created: time.Now(), ttl: ttl})
}

func (c *Cache) Remove(domain string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.Remove(domain)
}

func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.Purge()
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Len()
}
