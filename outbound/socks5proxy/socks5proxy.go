// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package socks5proxy implements the client side of a SOCKS5 upstream:
// method negotiation, optional RFC 1929 username/password
// sub-negotiation, and the CONNECT request/reply exchange.
package socks5proxy

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"

	"github.com/rethinkdns/gatewaycore/gwerr"
	"github.com/rethinkdns/gatewaycore/outbound"
)

const (
	ver5 = 0x05

	methodNoAuth       = 0x00
	methodUserPass     = 0x02
	methodNoAcceptable = 0xff

	cmdConnect = 0x01

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04
)

// Config describes one SOCKS5-proxy outbound.
type Config struct {
	Name     string
	Server   string
	Port     uint16
	Username string
	Password string
}

type Proxy struct{ cfg Config }

var _ outbound.Proxy = (*Proxy)(nil)

func New(cfg Config) *Proxy { return &Proxy{cfg: cfg} }

func (p *Proxy) ID() string             { return p.cfg.Name }
func (p *Proxy) Kind() outbound.Kind    { return outbound.KindSOCKS5 }
func (p *Proxy) Status() outbound.Status { return outbound.StatusOK }
func (p *Proxy) Stop() error            { return nil }

func (p *Proxy) Dial(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := splitHostPort(addr)
	if err != nil {
		return nil, err
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(p.cfg.Server, fmt.Sprint(p.cfg.Port)))
	if err != nil {
		return nil, fmt.Errorf("%w: socks5 proxy connect: %v", gwerr.ErrConnection, err)
	}

	if err := p.negotiate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	if err := connectRequest(conn, host, port); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// negotiate sends the method list — always 0x00, plus 0x02 when
// credentials are configured — and runs the RFC 1929 sub-negotiation if
// the server selects it.
func (p *Proxy) negotiate(conn net.Conn) error {
	methods := []byte{methodNoAuth}
	if p.cfg.Username != "" || p.cfg.Password != "" {
		methods = append(methods, methodUserPass)
	}

	req := append([]byte{ver5, byte(len(methods))}, methods...)
	if _, err := conn.Write(req); err != nil {
		return fmt.Errorf("%w: socks5 method negotiation write: %v", gwerr.ErrConnection, err)
	}

	resp := make([]byte, 2)
	if _, err := readFull(conn, resp); err != nil {
		return fmt.Errorf("%w: socks5 method negotiation read: %v", gwerr.ErrConnection, err)
	}
	if resp[0] != ver5 {
		return fmt.Errorf("%w: socks5 unexpected version %d", gwerr.ErrProtocol, resp[0])
	}

	switch resp[1] {
	case methodNoAuth:
		return nil
	case methodUserPass:
		return p.authUserPass(conn)
	case methodNoAcceptable:
		return fmt.Errorf("%w: socks5 server accepted no offered method", gwerr.ErrAuth)
	default:
		return fmt.Errorf("%w: socks5 unexpected method %d", gwerr.ErrProtocol, resp[1])
	}
}

func (p *Proxy) authUserPass(conn net.Conn) error {
	req := make([]byte, 0, 3+len(p.cfg.Username)+len(p.cfg.Password))
	req = append(req, 0x01, byte(len(p.cfg.Username)))
	req = append(req, p.cfg.Username...)
	req = append(req, byte(len(p.cfg.Password)))
	req = append(req, p.cfg.Password...)

	if _, err := conn.Write(req); err != nil {
		return fmt.Errorf("%w: socks5 auth write: %v", gwerr.ErrConnection, err)
	}
	resp := make([]byte, 2)
	if _, err := readFull(conn, resp); err != nil {
		return fmt.Errorf("%w: socks5 auth read: %v", gwerr.ErrConnection, err)
	}
	if resp[1] != 0x00 {
		return fmt.Errorf("%w: socks5 username/password rejected", gwerr.ErrAuth)
	}
	return nil
}

// connectRequest sends `05 01 00 atyp addr port` and parses the reply,
// discarding the bound-address fields.
func connectRequest(conn net.Conn, host string, port uint16) error {
	addrBytes, err := encodeAddr(host)
	if err != nil {
		return err
	}
	portBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(portBytes, port)

	req := make([]byte, 0, 3+len(addrBytes)+2)
	req = append(req, ver5, cmdConnect, 0x00)
	req = append(req, addrBytes...)
	req = append(req, portBytes...)
	if _, err := conn.Write(req); err != nil {
		return fmt.Errorf("%w: socks5 connect write: %v", gwerr.ErrConnection, err)
	}

	head := make([]byte, 4)
	if _, err := readFull(conn, head); err != nil {
		return fmt.Errorf("%w: socks5 connect reply: %v", gwerr.ErrConnection, err)
	}
	if head[0] != ver5 {
		return fmt.Errorf("%w: socks5 unexpected version %d", gwerr.ErrProtocol, head[0])
	}
	if head[1] != 0x00 {
		return replyError(head[1])
	}

	var discardLen int
	switch head[3] {
	case atypIPv4:
		discardLen = 4
	case atypIPv6:
		discardLen = 16
	case atypDomain:
		lenBuf := make([]byte, 1)
		if _, err := readFull(conn, lenBuf); err != nil {
			return fmt.Errorf("%w: socks5 connect reply domain length: %v", gwerr.ErrConnection, err)
		}
		discardLen = int(lenBuf[0])
	default:
		return fmt.Errorf("%w: socks5 unexpected address type %d", gwerr.ErrProtocol, head[3])
	}

	discard := make([]byte, discardLen+2) // + bound port
	if _, err := readFull(conn, discard); err != nil {
		return fmt.Errorf("%w: socks5 connect reply address: %v", gwerr.ErrConnection, err)
	}
	return nil
}

func replyError(code byte) error {
	msgs := map[byte]string{
		0x01: "general SOCKS server failure",
		0x02: "connection not allowed by ruleset",
		0x03: "network unreachable",
		0x04: "host unreachable",
		0x05: "connection refused",
		0x06: "TTL expired",
		0x07: "command not supported",
		0x08: "address type not supported",
	}
	msg, ok := msgs[code]
	if !ok {
		msg = fmt.Sprintf("unknown reply code %d", code)
	}
	return fmt.Errorf("%w: socks5 %s", gwerr.ErrConnection, msg)
}

func encodeAddr(host string) ([]byte, error) {
	if ip, err := netip.ParseAddr(host); err == nil {
		if ip.Is4() {
			b := ip.As4()
			return append([]byte{atypIPv4}, b[:]...), nil
		}
		b := ip.As16()
		return append([]byte{atypIPv6}, b[:]...), nil
	}
	if len(host) > 255 {
		return nil, fmt.Errorf("%w: domain too long for socks5 request", gwerr.ErrAddress)
	}
	return append([]byte{atypDomain, byte(len(host))}, []byte(host)...), nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	read := 0
	for read < len(buf) {
		n, err := conn.Read(buf[read:])
		read += n
		if err != nil {
			return read, err
		}
	}
	return read, nil
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
