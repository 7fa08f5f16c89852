// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package router

import (
	"context"
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rethinkdns/gatewaycore/metadata"
	"github.com/rethinkdns/gatewaycore/outbound"
	"github.com/rethinkdns/gatewaycore/rule"
	"github.com/rethinkdns/gatewaycore/stats"
)

func newTestTunnel(t *testing.T) *Tunnel {
	t.Helper()
	reg := outbound.NewRegistry()
	engine := rule.NewEngine(nil)
	sm := stats.NewManager()
	return New(reg, engine, sm)
}

func TestHandleTCPDirectMode(t *testing.T) {
	tun := newTestTunnel(t)
	tun.SetMode(ModeDirect)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		accepted <- c
	}()

	addr := ln.Addr().(*net.TCPAddr)
	ip, err := netip.ParseAddr(addr.IP.String())
	require.NoError(t, err)
	m := metadata.NewTCP().WithDstIP(ip).WithDstPort(uint16(addr.Port))

	conn, err := tun.HandleTCP(context.Background(), m)
	require.NoError(t, err)
	defer conn.Close()

	server := <-accepted
	defer server.Close()

	require.Equal(t, 1, tun.stats.ConnectionCount())

	n, err := conn.Write([]byte("hi"))
	require.NoError(t, err)
	require.Equal(t, 2, n)

	up, _ := tun.stats.Total()
	require.Equal(t, uint64(2), up)

	require.NoError(t, conn.Close())
	require.Equal(t, 0, tun.stats.ConnectionCount())
}

func TestHandleTCPUnknownProxyFails(t *testing.T) {
	tun := newTestTunnel(t)
	m := metadata.NewTCP().WithHost("example.com").WithDstPort(443)
	m.SpecialProxy = "NOT-REGISTERED"

	_, err := tun.HandleTCP(context.Background(), m)
	require.Error(t, err)
}

func TestResolveSpecialProxyOverridesMode(t *testing.T) {
	tun := newTestTunnel(t)
	tun.SetMode(ModeRule)

	m := metadata.NewTCP().WithHost("example.com")
	m.SpecialProxy = "DIRECT"

	name, desc := tun.resolve(m)
	require.Equal(t, "DIRECT", name)
	require.Equal(t, "SPECIAL", desc)
}

func TestSplitRule(t *testing.T) {
	rt, payload := splitRule("DOMAIN-SUFFIX,example.com")
	require.Equal(t, "DOMAIN-SUFFIX", rt)
	require.Equal(t, "example.com", payload)

	rt, payload = splitRule("default")
	require.Equal(t, "MATCH", rt)
	require.Empty(t, payload)
}
