// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package router implements the Tunnel: it resolves a flow's Metadata to
// a proxy name (special-proxy override, then mode, then the rule
// engine), dials through the outbound registry, and wraps the resulting
// stream so every read/write bumps both process-global and per-connection
// byte counters.
package router

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync/atomic"

	"github.com/rethinkdns/gatewaycore/gwerr"
	"github.com/rethinkdns/gatewaycore/gwlog"
	"github.com/rethinkdns/gatewaycore/metadata"
	"github.com/rethinkdns/gatewaycore/outbound"
	"github.com/rethinkdns/gatewaycore/rule"
	"github.com/rethinkdns/gatewaycore/stats"
)

// Mode selects how Tunnel resolves a proxy name, mutable at runtime and
// read without locking per-dial.
type Mode int32

const (
	ModeRule Mode = iota
	ModeGlobal
	ModeDirect
)

func (m Mode) String() string {
	switch m {
	case ModeGlobal:
		return "global"
	case ModeDirect:
		return "direct"
	default:
		return "rule"
	}
}

// Global is the fixed proxy name Mode=Global routes everything through;
// callers add an entry under this ID to the registry to make it dialable.
const Global = "GLOBAL"

// Tunnel is the single entry point inbound listeners dial through.
type Tunnel struct {
	proxies  *outbound.Registry
	rules    *rule.Engine
	stats    *stats.Manager
	mode     atomic.Int32
}

func New(proxies *outbound.Registry, rules *rule.Engine, statsManager *stats.Manager) *Tunnel {
	return &Tunnel{proxies: proxies, rules: rules, stats: statsManager}
}

func (t *Tunnel) SetMode(m Mode) {
	t.mode.Store(int32(m))
	gwlog.I("router", "tunnel mode changed to %s", m)
}

func (t *Tunnel) Mode() Mode { return Mode(t.mode.Load()) }

// resolve picks (proxyName, ruleDescription) for metadata: a special-proxy
// override wins outright, then the mode, then (for ModeRule) the rule
// engine.
func (t *Tunnel) resolve(m metadata.Metadata) (string, string) {
	if m.SpecialProxy != "" {
		return m.SpecialProxy, "SPECIAL"
	}
	switch t.Mode() {
	case ModeDirect:
		return outbound.Direct, "MODE:DIRECT"
	case ModeGlobal:
		return Global, "MODE:GLOBAL"
	default:
		return t.rules.MatchRules(m)
	}
}

// splitRule turns a rule description ("DOMAIN-SUFFIX,example.com" or the
// bare "default") into a (ruleType, rulePayload) pair for the statistics
// registry.
func splitRule(desc string) (string, string) {
	if strings.EqualFold(desc, "default") {
		return "MATCH", ""
	}
	if rt, payload, ok := strings.Cut(desc, ","); ok {
		return rt, payload
	}
	return desc, ""
}

// HandleTCP resolves, dials, and wraps a TCP flow. The returned net.Conn
// bumps process-global and per-connection byte counters as it's used;
// callers must arrange to deregister the connection from the statistics
// manager once it's done (Close on the returned conn does this).
func (t *Tunnel) HandleTCP(ctx context.Context, m metadata.Metadata) (net.Conn, error) {
	proxyName, ruleDesc := t.resolve(m)
	ruleType, rulePayload := splitRule(ruleDesc)

	gwlog.D("router", "%s -> %s via %s (rule: %s)", m.SourceDetail(), m.RemoteAddress(), proxyName, ruleDesc)

	p, err := t.proxies.Get(proxyName)
	if err != nil {
		return nil, fmt.Errorf("%w: proxy %q not found", gwerr.ErrProxy, proxyName)
	}

	conn, err := p.Dial(ctx, "tcp", m.RemoteAddress())
	if err != nil {
		gwlog.W("router", "failed %s -> %s via %s: %v", m.SourceDetail(), m.RemoteAddress(), proxyName, err)
		return nil, err
	}

	tracked := stats.NewTrackedConnection(m.Pure(), []string{proxyName}, ruleType, rulePayload)
	id := t.stats.Track(tracked)
	gwlog.I("router", "[%s] connected %s -> %s via %s", id, m.SourceDetail(), m.RemoteAddress(), proxyName)

	return &trackedConn{Conn: conn, id: id, stats: t.stats, tracked: tracked}, nil
}

// trackedConn wraps a dialed stream so every Read/Write bumps both the
// process-global and the per-connection counters, and Close deregisters
// the connection from the statistics manager exactly once.
type trackedConn struct {
	net.Conn
	id      string
	stats   *stats.Manager
	tracked *stats.TrackedConnection
	closed  atomic.Bool
}

func (c *trackedConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.stats.AddDownload(uint64(n))
		c.tracked.AddDownload(uint64(n))
	}
	return n, err
}

func (c *trackedConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if n > 0 {
		c.stats.AddUpload(uint64(n))
		c.tracked.AddUpload(uint64(n))
	}
	return n, err
}

func (c *trackedConn) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.stats.Close(c.id)
	}
	return c.Conn.Close()
}

// CloseWrite forwards to the underlying connection's half-close when
// available, matching copier.HalfCloser — the wrapper must not hide it.
func (c *trackedConn) CloseWrite() error {
	if hc, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return hc.CloseWrite()
	}
	return nil
}
