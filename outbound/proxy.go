// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package outbound defines the Proxy abstraction the router dials
// through, and the trivial direct/reject proxies every chain falls back
// to. Protocol dialers (shadowsocks, vmess, trojan, vless, http,
// socks5proxy) live in sibling packages and all satisfy Proxy.
package outbound

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/rethinkdns/gatewaycore/gwerr"
	"github.com/rethinkdns/gatewaycore/gwlog"
)

// Fixed proxy IDs, reserved the way the teacher reserves Base/Block/Exit.
const (
	Direct = "DIRECT"
	Reject = "REJECT"
)

// Kind names a dialer's wire protocol.
type Kind string

const (
	KindDirect      Kind = "direct"
	KindReject      Kind = "reject"
	KindShadowsocks Kind = "shadowsocks"
	KindVMess       Kind = "vmess"
	KindTrojan      Kind = "trojan"
	KindVLESS       Kind = "vless"
	KindHysteria2   Kind = "hy2" // accepted in descriptors, dialer unimplemented
	KindHTTP        Kind = "http"
	KindSOCKS5      Kind = "socks5"
)

// Status mirrors the teacher's int status constants.
type Status int

const (
	StatusOK Status = iota
	StatusFailing
	StatusStopped
)

// Proxy is the dial surface every outbound implements. Dial returns a
// connection to addr (host:port) already tunnelled through this proxy's
// protocol, ready for the router to hand to the copy engine.
type Proxy interface {
	ID() string
	Kind() Kind
	Dial(ctx context.Context, network, addr string) (net.Conn, error)
	Status() Status
	Stop() error
}

// Registry is the router's live proxy set, keyed by ID — the same role
// the teacher's proxifier plays over intra/ipn.Proxy.
type Registry struct {
	mu sync.RWMutex
	p  map[string]Proxy
}

func NewRegistry() *Registry {
	r := &Registry{p: make(map[string]Proxy)}
	r.Add(NewDirect())
	r.Add(NewReject())
	return r
}

func (r *Registry) Add(p Proxy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.p[p.ID()]; ok && old != p {
		go old.Stop()
	}
	r.p[p.ID()] = p
}

func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.p[id]
	if !ok {
		return false
	}
	go p.Stop()
	delete(r.p, id)
	gwlog.I("outbound", "removed %s", id)
	return true
}

func (r *Registry) Get(id string) (Proxy, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty proxy id", gwerr.ErrProxy)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.p[id]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w: %s", gwerr.ErrProxy, id)
}

func (r *Registry) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.p {
		go p.Stop()
	}
	r.p = make(map[string]Proxy)
}
