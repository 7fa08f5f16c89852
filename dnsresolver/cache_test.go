// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package dnsresolver

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCachePutGet(t *testing.T) {
	c := NewCache(100)
	ip := netip.MustParseAddr("8.8.8.8")
	c.Put("example.com", []netip.Addr{ip})

	got, ok := c.Get("example.com")
	require.True(t, ok)
	require.Equal(t, []netip.Addr{ip}, got)
}

func TestCacheExpiry(t *testing.T) {
	c := NewCacheWithTTL(100, 10*time.Millisecond)
	ip := netip.MustParseAddr("8.8.8.8")
	c.Put("example.com", []netip.Addr{ip})

	time.Sleep(20 * time.Millisecond)

	_, ok := c.Get("example.com")
	require.False(t, ok)
}

func TestCacheClear(t *testing.T) {
	c := NewCache(100)
	c.Put("example.com", []netip.Addr{netip.MustParseAddr("8.8.8.8")})
	require.Equal(t, 1, c.Len())

	c.Clear()
	require.Equal(t, 0, c.Len())
}

func TestHostsOverlay(t *testing.T) {
	h := NewHostsOverlay()
	ip := netip.MustParseAddr("10.0.0.1")
	h.Set("router.lan", []netip.Addr{ip})

	got, ok := h.Lookup("ROUTER.LAN")
	require.True(t, ok)
	require.Equal(t, []netip.Addr{ip}, got)

	_, ok = h.Lookup("other.lan")
	require.False(t, ok)
}
