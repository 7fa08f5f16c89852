// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package vless implements the VLESS outbound: version + UUID + command
// request header over a (normally TLS-wrapped) TCP stream, with no
// encryption layer of its own — security is delegated entirely to TLS,
// same as Trojan, backed by the same warm-pool shape.
package vless

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/rethinkdns/gatewaycore/dnsresolver"
	"github.com/rethinkdns/gatewaycore/gwerr"
	"github.com/rethinkdns/gatewaycore/outbound"
	"github.com/rethinkdns/gatewaycore/pool"
)

const (
	vlessVersion = 0x00
	cmdTCP       = 0x01

	atypIPv4   = 0x01
	atypDomain = 0x02
	atypIPv6   = 0x03

	ipCacheTTL          = 60 * time.Second
	tcpConnectTimeout   = 5 * time.Second
	tlsHandshakeTimeout = 10 * time.Second
	warmTCPTimeout      = 3 * time.Second
	warmTLSTimeout      = 5 * time.Second
)

// Config describes one VLESS outbound.
type Config struct {
	Name           string
	Server         string
	Port           uint16
	UUID           string
	TLS            bool
	SNI            string
	SkipCertVerify bool
	PoolSize       int
}

type Proxy struct {
	cfg       Config
	uuid      [16]byte
	tlsConfig *tls.Config // nil when cfg.TLS is false
	resolver  *dnsresolver.Resolver
	pool      *pool.Pool // nil when cfg.TLS is false; VLESS over plain TCP isn't pooled

	mu        sync.Mutex
	cachedIPs []netip.Addr
	cachedAt  time.Time
}

var _ outbound.Proxy = (*Proxy)(nil)

func New(cfg Config, resolver *dnsresolver.Resolver) (*Proxy, error) {
	uuid, err := parseUUID(cfg.UUID)
	if err != nil {
		return nil, err
	}
	p := &Proxy{cfg: cfg, uuid: uuid, resolver: resolver}
	if cfg.TLS {
		sni := cfg.SNI
		if sni == "" {
			sni = cfg.Server
		}
		p.tlsConfig = &tls.Config{
			ServerName:         sni,
			InsecureSkipVerify: cfg.SkipCertVerify,
			NextProtos:         []string{"h2", "http/1.1"},
			ClientSessionCache: tls.NewLRUClientSessionCache(64),
		}
		p.pool = pool.New(cfg.PoolSize)
	}
	return p, nil
}

func (p *Proxy) ID() string             { return p.cfg.Name }
func (p *Proxy) Kind() outbound.Kind    { return outbound.KindVLESS }
func (p *Proxy) Status() outbound.Status { return outbound.StatusOK }

func (p *Proxy) Stop() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}

func (p *Proxy) Dial(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := splitHostPort(addr)
	if err != nil {
		return nil, err
	}
	if err := checkEncodable(host); err != nil {
		return nil, err
	}
	request := buildRequest(p.uuid, host, port, cmdTCP)

	if !p.cfg.TLS {
		raw, err := p.dialTCP(ctx, tcpConnectTimeout)
		if err != nil {
			return nil, err
		}
		if _, err := raw.Write(request); err != nil {
			raw.Close()
			return nil, fmt.Errorf("%w: vless request write: %v", gwerr.ErrConnection, err)
		}
		return newConn(raw), nil
	}

	stream := p.pool.TryGet()
	if stream == nil {
		stream, err = p.dialTLS(ctx, tcpConnectTimeout, tlsHandshakeTimeout)
		if err != nil {
			return nil, err
		}
	}
	if _, err := stream.Write(request); err != nil {
		stream.Close()
		fresh, dialErr := p.dialTLS(ctx, tcpConnectTimeout, tlsHandshakeTimeout)
		if dialErr != nil {
			return nil, dialErr
		}
		if _, err := fresh.Write(request); err != nil {
			fresh.Close()
			return nil, fmt.Errorf("%w: vless request write: %v", gwerr.ErrConnection, err)
		}
		stream = fresh
	}

	p.pool.Warm(context.Background(), p.warmDialer(), pool.DefaultWarmupBatchSize, nil)

	return newConn(stream), nil
}

func (p *Proxy) warmDialer() pool.Dialer {
	return func(ctx context.Context) (net.Conn, error) {
		return p.dialTLS(ctx, warmTCPTimeout, warmTLSTimeout)
	}
}

func (p *Proxy) dialTCP(ctx context.Context, timeout time.Duration) (net.Conn, error) {
	ips, err := p.getIPs(ctx)
	if err != nil {
		return nil, err
	}
	var lastErr error
	for _, ip := range ips {
		dialCtx, cancel := context.WithTimeout(ctx, timeout)
		var d net.Dialer
		c, err := d.DialContext(dialCtx, "tcp", net.JoinHostPort(ip.String(), fmt.Sprint(p.cfg.Port)))
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		if tc, ok := c.(*net.TCPConn); ok {
			tc.SetNoDelay(true)
			tc.SetLinger(0)
		}
		return c, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no resolved addresses")
	}
	return nil, fmt.Errorf("%w: vless connect: %v", gwerr.ErrConnection, lastErr)
}

func (p *Proxy) dialTLS(ctx context.Context, tcpTimeout, handshakeTimeout time.Duration) (*tls.Conn, error) {
	raw, err := p.dialTCP(ctx, tcpTimeout)
	if err != nil {
		return nil, err
	}
	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	tlsConn := tls.Client(raw, p.tlsConfig)
	if err := tlsConn.HandshakeContext(hsCtx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("%w: vless tls handshake: %v", gwerr.ErrTls, err)
	}
	return tlsConn, nil
}

func (p *Proxy) getIPs(ctx context.Context) ([]netip.Addr, error) {
	p.mu.Lock()
	if len(p.cachedIPs) > 0 && time.Since(p.cachedAt) < ipCacheTTL {
		ips := p.cachedIPs
		p.mu.Unlock()
		return ips, nil
	}
	p.mu.Unlock()

	var ips []netip.Addr
	var err error
	if p.resolver != nil {
		ips, err = p.resolver.ResolveAll(ctx, p.cfg.Server)
	} else {
		var addrs []string
		addrs, err = net.DefaultResolver.LookupHost(ctx, p.cfg.Server)
		for _, a := range addrs {
			if ip, parseErr := netip.ParseAddr(a); parseErr == nil {
				ips = append(ips, ip)
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: vless resolve %s: %v", gwerr.ErrDns, p.cfg.Server, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("%w: vless resolve %s: no addresses", gwerr.ErrDns, p.cfg.Server)
	}

	p.mu.Lock()
	p.cachedIPs = ips
	p.cachedAt = time.Now()
	p.mu.Unlock()
	return ips, nil
}

func buildRequest(uuid [16]byte, host string, port uint16, cmd byte) []byte {
	out := make([]byte, 0, 1+16+1+1+2+2+len(host))
	out = append(out, vlessVersion)
	out = append(out, uuid[:]...)
	out = append(out, 0) // addons length
	out = append(out, cmd)
	portBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(portBytes, port)
	out = append(out, portBytes...)
	out = append(out, encodeAddr(host)...)
	return out
}

func encodeAddr(host string) []byte {
	if ip, err := netip.ParseAddr(host); err == nil {
		if ip.Is4() {
			b := ip.As4()
			return append([]byte{atypIPv4}, b[:]...)
		}
		b := ip.As16()
		return append([]byte{atypIPv6}, b[:]...)
	}
	return append([]byte{atypDomain, byte(len(host))}, []byte(host)...)
}

func checkEncodable(host string) error {
	if _, err := netip.ParseAddr(host); err == nil {
		return nil
	}
	if len(host) > 255 {
		return fmt.Errorf("%w: domain too long for vless header", gwerr.ErrAddress)
	}
	return nil
}

func parseUUID(s string) ([16]byte, error) {
	var out [16]byte
	clean := strings.ReplaceAll(s, "-", "")
	b, err := hex.DecodeString(clean)
	if err != nil || len(b) != 16 {
		return out, fmt.Errorf("%w: invalid vless uuid %q", gwerr.ErrConfig, s)
	}
	copy(out[:], b)
	return out, nil
}

func splitHostPort(addr string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", gwerr.ErrAddress, err)
	}
	var port uint16
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return "", 0, fmt.Errorf("%w: invalid port %q", gwerr.ErrAddress, portStr)
	}
	return host, port, nil
}
