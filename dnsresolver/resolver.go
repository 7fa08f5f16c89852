// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package dnsresolver resolves domains to addresses for the router:
// IP-literal passthrough, a static hosts overlay, a TTL+size-bounded
// answer cache, then upstream queries against configured nameservers
// (UDP/TCP/DoT/DoH, plus sdns:// stamps) with a short-timeout IPv6 leg
// and an optional fallback resolver.
package dnsresolver

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"time"

	"github.com/miekg/dns"

	"github.com/rethinkdns/gatewaycore/gwerr"
	"github.com/rethinkdns/gatewaycore/gwlog"
)

const logTag = "dns"

// Config configures a Resolver; a zero value is usable (no hosts, no
// nameservers, IPv6 disabled, a 4096-entry 300s cache).
type Config struct {
	Nameservers []string
	Fallback    []string
	EnableIPv6  bool
	CacheSize   int
	CacheTTL    time.Duration
	Hosts       map[string]string // domain -> literal IP, parsed at Resolver construction
}

type upstream struct {
	ns     Nameserver
	client *dns.Client
}

// Resolver is the DNS resolution component the router consults for every
// flow whose metadata carries a host instead of a resolved IP.
type Resolver struct {
	upstreams    []upstream
	fallback     []upstream
	cache        *Cache
	hosts        *HostsOverlay
	ipv6         bool
	ipv6Timeout  time.Duration
}

func New(cfg Config) (*Resolver, error) {
	r := &Resolver{
		cache:       NewCacheWithTTL(cfg.CacheSize, orDefault(cfg.CacheTTL)),
		hosts:       NewHostsOverlay(),
		ipv6:        cfg.EnableIPv6,
		ipv6Timeout: 100 * time.Millisecond,
	}

	for domain, ipStr := range cfg.Hosts {
		if addr, err := netip.ParseAddr(ipStr); err == nil {
			r.hosts.Set(domain, []netip.Addr{addr})
		}
	}

	ups, err := buildUpstreams(cfg.Nameservers)
	if err != nil {
		return nil, err
	}
	r.upstreams = ups

	if len(cfg.Fallback) > 0 {
		fb, err := buildUpstreams(cfg.Fallback)
		if err != nil {
			return nil, err
		}
		r.fallback = fb
	}
	return r, nil
}

func orDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}

func buildUpstreams(list []string) ([]upstream, error) {
	out := make([]upstream, 0, len(list))
	for _, s := range list {
		ns, err := ParseNameserver(s)
		if err != nil {
			return nil, err
		}
		out = append(out, upstream{ns: ns, client: clientFor(ns)})
	}
	return out, nil
}

func clientFor(ns Nameserver) *dns.Client {
	switch ns.Transport {
	case TransportTCP:
		return &dns.Client{Net: "tcp", Timeout: 5 * time.Second}
	case TransportTLS:
		return &dns.Client{Net: "tcp-tls", Timeout: 5 * time.Second, TLSConfig: &tls.Config{ServerName: ns.TLSName}}
	default:
		return &dns.Client{Net: "udp", Timeout: 5 * time.Second}
	}
}

// Resolve returns the first resolved address, preferring IPv4 when both
// families are present — mirrors the reference resolver's "ips[0]" choice.
func (r *Resolver) Resolve(ctx context.Context, domain string) (netip.Addr, error) {
	all, err := r.ResolveAll(ctx, domain)
	if err != nil {
		return netip.Addr{}, err
	}
	return all[0], nil
}

// ResolveAll returns every address known for domain: IP-literal passthrough,
// then hosts, then cache, then upstream (cached on success).
func (r *Resolver) ResolveAll(ctx context.Context, domain string) ([]netip.Addr, error) {
	if ip, err := netip.ParseAddr(domain); err == nil {
		return []netip.Addr{ip}, nil
	}

	if addrs, ok := r.hosts.Lookup(domain); ok {
		gwlog.V(logTag, "%s -> %v (hosts)", domain, addrs)
		return addrs, nil
	}

	if addrs, ok := r.cache.Get(domain); ok {
		gwlog.V(logTag, "%s -> %v (cache)", domain, addrs)
		return addrs, nil
	}

	addrs, err := r.lookup(ctx, domain)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: no address for %s", gwerr.ErrDns, domain)
	}
	r.cache.Put(domain, addrs)
	gwlog.D(logTag, "%s -> %v", domain, addrs)
	return addrs, nil
}

// lookup queries A and AAAA concurrently (AAAA bounded by a short timeout
// so a slow/broken v6 path never delays the overall answer), then falls
// back to a secondary resolver set if the primary set returned nothing.
func (r *Resolver) lookup(ctx context.Context, domain string) ([]netip.Addr, error) {
	addrs := r.queryBothFamilies(ctx, r.upstreams, domain)
	if len(addrs) == 0 && len(r.fallback) > 0 {
		gwlog.D(logTag, "trying fallback resolver for %s", domain)
		addrs = r.queryBothFamilies(ctx, r.fallback, domain)
	}
	return addrs, nil
}

func (r *Resolver) queryBothFamilies(ctx context.Context, ups []upstream, domain string) []netip.Addr {
	type result struct {
		addrs []netip.Addr
	}
	v4ch := make(chan result, 1)
	go func() {
		v4ch <- result{r.queryType(ctx, ups, domain, dns.TypeA)}
	}()

	var v6 []netip.Addr
	if r.ipv6 {
		v6ch := make(chan result, 1)
		go func() {
			v6ch <- result{r.queryType(ctx, ups, domain, dns.TypeAAAA)}
		}()
		select {
		case res := <-v6ch:
			v6 = res.addrs
		case <-time.After(r.ipv6Timeout):
			gwlog.V(logTag, "ipv6 lookup timed out for %s", domain)
		}
	}

	v4 := <-v4ch
	return append(v4.addrs, v6...)
}

func (r *Resolver) queryType(ctx context.Context, ups []upstream, domain string, qtype uint16) []netip.Addr {
	for _, u := range ups {
		addrs, err := u.exchange(ctx, domain, qtype)
		if err != nil {
			gwlog.V(logTag, "lookup %s (%d) via %s failed: %v", domain, qtype, u.ns, err)
			continue
		}
		if len(addrs) > 0 {
			return addrs
		}
	}
	return nil
}

func (u upstream) exchange(ctx context.Context, domain string, qtype uint16) ([]netip.Addr, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(domain), qtype)
	msg.RecursionDesired = true

	var resp *dns.Msg
	var err error
	if u.ns.Transport == TransportHTTPS {
		resp, err = u.exchangeDoH(ctx, msg)
	} else {
		resp, _, err = u.client.ExchangeContext(ctx, msg, u.ns.Addr)
	}
	if err != nil {
		return nil, err
	}
	return extractAddrs(resp), nil
}

func extractAddrs(resp *dns.Msg) []netip.Addr {
	if resp == nil {
		return nil
	}
	out := make([]netip.Addr, 0, len(resp.Answer))
	for _, rr := range resp.Answer {
		switch v := rr.(type) {
		case *dns.A:
			if a, ok := netip.AddrFromSlice(v.A.To4()); ok {
				out = append(out, a)
			}
		case *dns.AAAA:
			if a, ok := netip.AddrFromSlice(v.AAAA.To16()); ok {
				out = append(out, a)
			}
		}
	}
	return out
}

// exchangeDoH implements RFC 8484 DNS-over-HTTPS GET-less POST exchange,
// the one transport miekg/dns's Client has no built-in support for.
func (u upstream) exchangeDoH(ctx context.Context, msg *dns.Msg) (*dns.Msg, error) {
	wire, err := msg.Pack()
	if err != nil {
		return nil, fmt.Errorf("%w: pack dns query: %v", gwerr.ErrDns, err)
	}

	url := "https://" + u.ns.TLSName + u.ns.Path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(wire))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/dns-message")
	req.Header.Set("Accept", "application/dns-message")

	httpClient := &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{ServerName: u.ns.TLSName},
		},
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: doh request: %v", gwerr.ErrDns, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, err
	}
	out := new(dns.Msg)
	if err := out.Unpack(body); err != nil {
		return nil, fmt.Errorf("%w: unpack doh response: %v", gwerr.ErrDns, err)
	}
	return out, nil
}

func (r *Resolver) ClearCache() {
	r.cache.Clear()
	gwlog.I(logTag, "cache cleared")
}

func (r *Resolver) CacheLen() int {
	return r.cache.Len()
}
