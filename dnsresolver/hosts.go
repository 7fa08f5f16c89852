// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package dnsresolver

import (
	"net/netip"
	"strings"

	"github.com/k-sone/critbitgo"
)

// HostsOverlay is a static domain-to-address map consulted before any
// cache or upstream query, the same role the teacher's dnsx transport
// gives its own critbitgo-backed localdomains trie.
type HostsOverlay struct {
	trie *critbitgo.Trie
}

func NewHostsOverlay() *HostsOverlay {
	return &HostsOverlay{trie: critbitgo.NewTrie()}
}

func hostsKey(domain string) []byte {
	return []byte(strings.ToLower(strings.TrimSuffix(domain, ".")))
}

func (h *HostsOverlay) Set(domain string, addrs []netip.Addr) {
	h.trie.Insert(hostsKey(domain), addrs)
}

func (h *HostsOverlay) Lookup(domain string) ([]netip.Addr, bool) {
	v, ok := h.trie.Get(hostsKey(domain))
	if !ok {
		return nil, false
	}
	addrs, ok := v.([]netip.Addr)
	return addrs, ok
}

func (h *HostsOverlay) Remove(domain string) {
	h.trie.Delete(hostsKey(domain))
}

func (h *HostsOverlay) Len() int {
	n := 0
	_ = h.trie.Walk(nil, func(_ []byte, _ interface{}) bool {
		n++
		return true
	})
	return n
}
