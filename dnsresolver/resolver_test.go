// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package dnsresolver

import (
	"context"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveIPLiteralPassthrough(t *testing.T) {
	r, err := New(Config{})
	require.NoError(t, err)

	addr, err := r.Resolve(context.Background(), "8.8.8.8")
	require.NoError(t, err)
	require.Equal(t, "8.8.8.8", addr.String())
}

func TestResolveHostsOverlay(t *testing.T) {
	r, err := New(Config{Hosts: map[string]string{"router.lan": "10.0.0.1"}})
	require.NoError(t, err)

	addr, err := r.Resolve(context.Background(), "router.lan")
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1", addr.String())
}

func TestResolveUsesCacheBeforeUpstream(t *testing.T) {
	r, err := New(Config{})
	require.NoError(t, err)

	r.cache.Put("cached.example", []netip.Addr{netip.MustParseAddr("1.2.3.4")})

	addr, err := r.Resolve(context.Background(), "cached.example")
	require.NoError(t, err)
	require.Equal(t, "1.2.3.4", addr.String())
}
