// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package trojan implements the Trojan outbound: a TLS tunnel carrying
// a one-line SHA224-password header, backed by a warm pool of
// pre-handshaked TLS connections.
package trojan

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/rethinkdns/gatewaycore/dnsresolver"
	"github.com/rethinkdns/gatewaycore/gwerr"
	"github.com/rethinkdns/gatewaycore/outbound"
	"github.com/rethinkdns/gatewaycore/pool"
)

const (
	cmdConnect = 0x01

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	ipCacheTTL       = 60 * time.Second
	tcpConnectTimeout = 5 * time.Second
	tlsHandshakeTimeout = 10 * time.Second
	warmTCPTimeout    = 3 * time.Second
	warmTLSTimeout    = 5 * time.Second
)

// Config describes one Trojan outbound.
type Config struct {
	Name           string
	Server         string
	Port           uint16
	Password       string
	SNI            string // defaults to Server
	SkipCertVerify bool
	PoolSize       int
}

type Proxy struct {
	cfg          Config
	passwordHash string // hex(SHA224(password)), lowercase
	tlsConfig    *tls.Config
	resolver     *dnsresolver.Resolver
	pool         *pool.Pool

	mu        sync.Mutex
	cachedIPs []netip.Addr
	cachedAt  time.Time
}

var _ outbound.Proxy = (*Proxy)(nil)

// New builds a Trojan outbound. resolver may be nil, in which case the
// server name is resolved via net.DefaultResolver instead.
func New(cfg Config, resolver *dnsresolver.Resolver) *Proxy {
	sum := sha256.Sum224([]byte(cfg.Password))
	sni := cfg.SNI
	if sni == "" {
		sni = cfg.Server
	}
	return &Proxy{
		cfg:          cfg,
		passwordHash: hex.EncodeToString(sum[:]),
		tlsConfig: &tls.Config{
			ServerName:             sni,
			InsecureSkipVerify:     cfg.SkipCertVerify,
			NextProtos:             []string{"h2", "http/1.1"},
			ClientSessionCache:     tls.NewLRUClientSessionCache(64),
			SessionTicketsDisabled: false,
		},
		resolver: resolver,
		pool:     pool.New(cfg.PoolSize),
	}
}

func (p *Proxy) ID() string             { return p.cfg.Name }
func (p *Proxy) Kind() outbound.Kind    { return outbound.KindTrojan }
func (p *Proxy) Status() outbound.Status { return outbound.StatusOK }
func (p *Proxy) Stop() error            { p.pool.Close(); return nil }

// Dial pulls a warm TLS connection from the pool (or handshakes a fresh
// one), writes the Trojan header for the requested target, and triggers
// a background warmup pass sized by the pool predictor.
func (p *Proxy) Dial(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := splitHostPort(addr)
	if err != nil {
		return nil, err
	}
	header, err := buildHeader(p.passwordHash, host, port)
	if err != nil {
		return nil, err
	}

	tlsConn := p.pool.TryGet()
	if tlsConn == nil {
		tlsConn, err = p.dialTLS(ctx, tcpConnectTimeout, tlsHandshakeTimeout)
		if err != nil {
			return nil, err
		}
	}

	if _, err := tlsConn.Write(header); err != nil {
		tlsConn.Close()
		fresh, dialErr := p.dialTLS(ctx, tcpConnectTimeout, tlsHandshakeTimeout)
		if dialErr != nil {
			return nil, dialErr
		}
		if _, err := fresh.Write(header); err != nil {
			fresh.Close()
			return nil, fmt.Errorf("%w: trojan header write: %v", gwerr.ErrConnection, err)
		}
		tlsConn = fresh
	}

	p.pool.Warm(context.Background(), p.warmDialer(), pool.DefaultWarmupBatchSize, nil)

	return tlsConn, nil
}

func (p *Proxy) warmDialer() pool.Dialer {
	return func(ctx context.Context) (net.Conn, error) {
		return p.dialTLS(ctx, warmTCPTimeout, warmTLSTimeout)
	}
}

// dialTLS resolves (cached 60s), sequentially attempts each IP with a
// TCP connect timeout, then TLS-handshakes the first one that accepts.
func (p *Proxy) dialTLS(ctx context.Context, tcpTimeout, tlsTimeout time.Duration) (*tls.Conn, error) {
	ips, err := p.getIPs(ctx)
	if err != nil {
		return nil, err
	}

	var raw net.Conn
	var lastErr error
	for _, ip := range ips {
		dialCtx, cancel := context.WithTimeout(ctx, tcpTimeout)
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
		raw = c
		break
	}
	if raw == nil {
		if lastErr == nil {
			lastErr = fmt.Errorf("no resolved addresses")
		}
		return nil, fmt.Errorf("%w: trojan connect: %v", gwerr.ErrConnection, lastErr)
	}

	hsCtx, cancel := context.WithTimeout(ctx, tlsTimeout)
	defer cancel()
	tlsConn := tls.Client(raw, p.tlsConfig)
	if err := tlsConn.HandshakeContext(hsCtx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("%w: trojan tls handshake: %v", gwerr.ErrTls, err)
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
		return nil, fmt.Errorf("%w: trojan resolve %s: %v", gwerr.ErrDns, p.cfg.Server, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("%w: trojan resolve %s: no addresses", gwerr.ErrDns, p.cfg.Server)
	}

	p.mu.Lock()
	p.cachedIPs = ips
	p.cachedAt = time.Now()
	p.mu.Unlock()
	return ips, nil
}

// buildHeader builds hex(SHA224(password)) + CRLF + cmd + socks5-addr + CRLF.
func buildHeader(passwordHash, host string, port uint16) ([]byte, error) {
	addrBytes, err := encodeSocksAddr(host, port)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(passwordHash)+2+1+len(addrBytes)+2)
	out = append(out, []byte(passwordHash)...)
	out = append(out, '\r', '\n')
	out = append(out, cmdConnect)
	out = append(out, addrBytes...)
	out = append(out, '\r', '\n')
	return out, nil
}

func encodeSocksAddr(host string, port uint16) ([]byte, error) {
	var out []byte
	if ip, err := netip.ParseAddr(host); err == nil {
		if ip.Is4() {
			b := ip.As4()
			out = append([]byte{atypIPv4}, b[:]...)
		} else {
			b := ip.As16()
			out = append([]byte{atypIPv6}, b[:]...)
		}
	} else {
		if len(host) > 255 {
			return nil, fmt.Errorf("%w: domain too long for trojan header", gwerr.ErrAddress)
		}
		out = append([]byte{atypDomain, byte(len(host))}, []byte(host)...)
	}
	portBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(portBytes, port)
	return append(out, portBytes...), nil
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
