// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package outbound

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistryHasDirectAndReject(t *testing.T) {
	r := NewRegistry()
	d, err := r.Get(Direct)
	require.NoError(t, err)
	require.Equal(t, KindDirect, d.Kind())

	b, err := r.Get(Reject)
	require.NoError(t, err)
	require.Equal(t, KindReject, b.Kind())
}

func TestRegistryGetMissing(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("NOPE")
	require.Error(t, err)
}

func TestRejectDialFails(t *testing.T) {
	p := NewReject()
	_, err := p.Dial(context.Background(), "tcp", "example.com:443")
	require.Error(t, err)
}

func TestDirectDialsLoopback(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		c, err := ln.Accept()
		if err == nil {
			c.Close()
		}
	}()

	p := NewDirect()
	conn, err := p.Dial(context.Background(), "tcp", ln.Addr().String())
	require.NoError(t, err)
	conn.Close()
}
