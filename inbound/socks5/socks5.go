// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package socks5 implements the SOCKS5 inbound listener: method
// negotiation, optional RFC 1929 username/password verification, and the
// CONNECT command. BIND and UDP-ASSOCIATE are both answered with
// "command not supported" — UDP relay through the router is out of
// scope here, and replying up front avoids the half-wired UDP-ASSOCIATE
// path the reference implementation warns against.
//
// The wire-protocol helpers (Negotiate, ReadRequest, WriteReply) are
// exported so the mixed HTTP/SOCKS5 listener can drive the same
// handshake over its own buffered connection without duplicating it.
package socks5

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"

	"github.com/rethinkdns/gatewaycore/copier"
	"github.com/rethinkdns/gatewaycore/gwerr"
	"github.com/rethinkdns/gatewaycore/gwlog"
	"github.com/rethinkdns/gatewaycore/metadata"
	"github.com/rethinkdns/gatewaycore/router"
)

const tag = "inbound/socks5"

const (
	Ver5 = 0x05

	MethodNoAuth       = 0x00
	MethodUserPass     = 0x02
	MethodNoAcceptable = 0xff

	CmdConnect      = 0x01
	CmdBind         = 0x02
	CmdUDPAssociate = 0x03

	AtypIPv4   = 0x01
	AtypDomain = 0x03
	AtypIPv6   = 0x04

	RepOK                  = 0x00
	RepGeneralFailure      = 0x01
	RepNetworkUnreachable  = 0x03
	RepConnectionRefused   = 0x05
	RepCommandNotSupported = 0x07
)

// Auth is RFC 1929 username/password credentials required during
// negotiation when non-nil.
type Auth struct {
	Username string
	Password string
}

type Config struct {
	Listen string
	Auth   *Auth
}

type Listener struct {
	cfg     Config
	tunnel  *router.Tunnel
	ln      net.Listener
	running atomic.Bool
}

func New(cfg Config, tunnel *router.Tunnel) *Listener {
	return &Listener{cfg: cfg, tunnel: tunnel}
}

func (l *Listener) Start() error {
	ln, err := net.Listen("tcp", l.cfg.Listen)
	if err != nil {
		return fmt.Errorf("%w: socks5 listen %s: %v", gwerr.ErrConnection, l.cfg.Listen, err)
	}
	l.ln = ln
	l.running.Store(true)
	gwlog.I(tag, "listening on %s", ln.Addr())

	for l.running.Load() {
		conn, err := ln.Accept()
		if err != nil {
			if l.running.Load() {
				gwlog.E(tag, "accept: %v", err)
			}
			continue
		}
		go l.handle(conn)
	}
	return nil
}

func (l *Listener) Stop() error {
	l.running.Store(false)
	if l.ln != nil {
		return l.ln.Close()
	}
	return nil
}

func (l *Listener) handle(conn net.Conn) {
	if err := l.process(conn); err != nil {
		gwlog.D(tag, "connection from %s: %v", conn.RemoteAddr(), err)
		conn.Close()
	}
}

func (l *Listener) process(conn net.Conn) error {
	br := bufio.NewReaderSize(conn, 4*1024)
	return HandleConnection(conn, br, l.cfg.Auth, l.tunnel)
}

// HandleConnection drives a full SOCKS5 exchange on an already-accepted
// connection: method negotiation, request parsing, and — for CONNECT —
// dial-through-tunnel and handoff to the greedy copy engine. BIND and
// UDP-ASSOCIATE are refused with RepCommandNotSupported. br may already
// hold bytes peeked off conn (e.g. by a mixed HTTP/SOCKS5 listener); any
// such bytes are consumed from br rather than conn directly.
func HandleConnection(conn net.Conn, br *bufio.Reader, auth *Auth, tunnel *router.Tunnel) error {
	if err := Negotiate(conn, br, auth); err != nil {
		return err
	}

	cmd, host, ip, port, err := ReadRequest(br)
	if err != nil {
		return err
	}

	switch cmd {
	case CmdConnect:
		return handleConnect(conn, br, host, ip, port, tunnel)
	default: // BIND and UDP-ASSOCIATE both refused up front
		WriteReply(conn, RepCommandNotSupported, netip.IPv4Unspecified(), 0)
		return fmt.Errorf("%w: socks5 command %d not supported", gwerr.ErrUnsupported, cmd)
	}
}

func handleConnect(conn net.Conn, br *bufio.Reader, host string, ip netip.Addr, port uint16, tunnel *router.Tunnel) error {
	srcAddr, _ := conn.RemoteAddr().(*net.TCPAddr)
	m := metadata.NewTCP().WithHost(host).WithDstPort(port)
	if ip.IsValid() {
		m = m.WithDstIP(ip)
	}
	if srcAddr != nil {
		if sip, ok := netip.AddrFromSlice(srcAddr.IP); ok {
			m = m.WithSource(netip.AddrPortFrom(sip.Unmap(), uint16(srcAddr.Port)))
		}
	}

	remote, err := tunnel.HandleTCP(context.Background(), m)
	if err != nil {
		WriteReply(conn, ClassifyDialError(err), netip.IPv4Unspecified(), 0)
		return err
	}
	defer remote.Close()

	localAddr, _ := conn.LocalAddr().(*net.TCPAddr)
	boundIP, boundPort := netip.IPv4Unspecified(), uint16(0)
	if localAddr != nil {
		if lip, ok := netip.AddrFromSlice(localAddr.IP); ok {
			boundIP = lip.Unmap()
		}
		boundPort = uint16(localAddr.Port)
	}
	if err := WriteReply(conn, RepOK, boundIP, boundPort); err != nil {
		return err
	}

	_, _, err = copier.Bidirectional(&BufferedSide{Conn: conn, Br: br}, remote)
	return err
}

// Negotiate performs SOCKS5 method negotiation: no-auth when auth is
// nil, RFC 1929 username/password sub-negotiation otherwise. It replies
// MethodNoAcceptable and returns an error when the client doesn't offer
// a method this listener can satisfy.
func Negotiate(conn net.Conn, br *bufio.Reader, auth *Auth) error {
	head := make([]byte, 2)
	if _, err := ReadFull(br, head); err != nil {
		return fmt.Errorf("%w: socks5 method negotiation: %v", gwerr.ErrProtocol, err)
	}
	if head[0] != Ver5 {
		return fmt.Errorf("%w: socks5 unexpected version %d", gwerr.ErrProtocol, head[0])
	}
	methods := make([]byte, head[1])
	if _, err := ReadFull(br, methods); err != nil {
		return fmt.Errorf("%w: socks5 method list: %v", gwerr.ErrProtocol, err)
	}

	hasNoAuth, hasUserPass := false, false
	for _, m := range methods {
		switch m {
		case MethodNoAuth:
			hasNoAuth = true
		case MethodUserPass:
			hasUserPass = true
		}
	}

	if auth != nil {
		if !hasUserPass {
			conn.Write([]byte{Ver5, MethodNoAcceptable})
			return fmt.Errorf("%w: client offered no acceptable method", gwerr.ErrAuth)
		}
		if _, err := conn.Write([]byte{Ver5, MethodUserPass}); err != nil {
			return err
		}
		return verifyUserPass(conn, br, auth)
	}

	if !hasNoAuth {
		conn.Write([]byte{Ver5, MethodNoAcceptable})
		return fmt.Errorf("%w: client offered no acceptable method", gwerr.ErrAuth)
	}
	_, err := conn.Write([]byte{Ver5, MethodNoAuth})
	return err
}

func verifyUserPass(conn net.Conn, br *bufio.Reader, auth *Auth) error {
	head := make([]byte, 2)
	if _, err := ReadFull(br, head); err != nil {
		return fmt.Errorf("%w: socks5 auth sub-negotiation: %v", gwerr.ErrProtocol, err)
	}
	user := make([]byte, head[1])
	if _, err := ReadFull(br, user); err != nil {
		return err
	}
	passLen := make([]byte, 1)
	if _, err := ReadFull(br, passLen); err != nil {
		return err
	}
	pass := make([]byte, passLen[0])
	if _, err := ReadFull(br, pass); err != nil {
		return err
	}

	ok := string(user) == auth.Username && string(pass) == auth.Password
	status := byte(0x01)
	if ok {
		status = 0x00
	}
	if _, err := conn.Write([]byte{0x01, status}); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: invalid socks5 credentials", gwerr.ErrAuth)
	}
	return nil
}

// ClassifyDialError maps a dial failure to the closest SOCKS5 reply code.
func ClassifyDialError(err error) byte {
	switch {
	case errors.Is(err, gwerr.ErrConnection):
		return RepConnectionRefused
	case errors.Is(err, gwerr.ErrTimeout):
		return RepNetworkUnreachable
	default:
		return RepGeneralFailure
	}
}

// WriteReply writes a SOCKS5 reply ("05 rep 00 atyp addr port").
func WriteReply(conn net.Conn, rep byte, ip netip.Addr, port uint16) error {
	buf := []byte{Ver5, rep, 0x00}
	if ip.Is4() {
		buf = append(buf, AtypIPv4)
		b := ip.As4()
		buf = append(buf, b[:]...)
	} else {
		buf = append(buf, AtypIPv6)
		b := ip.As16()
		buf = append(buf, b[:]...)
	}
	portBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(portBytes, port)
	buf = append(buf, portBytes...)
	_, err := conn.Write(buf)
	return err
}

// ReadRequest parses a SOCKS5 request ("05 cmd 00 atyp addr port").
func ReadRequest(br *bufio.Reader) (cmd byte, host string, ip netip.Addr, port uint16, err error) {
	head := make([]byte, 4)
	if _, err = ReadFull(br, head); err != nil {
		return 0, "", netip.Addr{}, 0, fmt.Errorf("%w: socks5 request: %v", gwerr.ErrProtocol, err)
	}
	if head[0] != Ver5 {
		return 0, "", netip.Addr{}, 0, fmt.Errorf("%w: socks5 unexpected version %d", gwerr.ErrProtocol, head[0])
	}
	cmd = head[1]

	switch head[3] {
	case AtypIPv4:
		b := make([]byte, 4)
		if _, err = ReadFull(br, b); err != nil {
			return
		}
		ip = netip.AddrFrom4([4]byte(b))
		host = ip.String()
	case AtypIPv6:
		b := make([]byte, 16)
		if _, err = ReadFull(br, b); err != nil {
			return
		}
		ip = netip.AddrFrom16([16]byte(b))
		host = ip.String()
	case AtypDomain:
		lenBuf := make([]byte, 1)
		if _, err = ReadFull(br, lenBuf); err != nil {
			return
		}
		b := make([]byte, lenBuf[0])
		if _, err = ReadFull(br, b); err != nil {
			return
		}
		host = string(b)
	default:
		return 0, "", netip.Addr{}, 0, fmt.Errorf("%w: unexpected address type %d", gwerr.ErrProtocol, head[3])
	}

	portBuf := make([]byte, 2)
	if _, err = ReadFull(br, portBuf); err != nil {
		return
	}
	port = binary.BigEndian.Uint16(portBuf)
	return cmd, host, ip, port, nil
}

// ReadFull reads exactly len(buf) bytes off br.
func ReadFull(br *bufio.Reader, buf []byte) (int, error) {
	read := 0
	for read < len(buf) {
		n, err := br.Read(buf[read:])
		read += n
		if err != nil {
			return read, err
		}
	}
	return read, nil
}

// BufferedSide preserves bytes a handshake's bufio.Reader already
// consumed off the client socket ahead of the greedy copy engine.
type BufferedSide struct {
	net.Conn
	Br *bufio.Reader
}

func (b *BufferedSide) Read(p []byte) (int, error) { return b.Br.Read(p) }

func (b *BufferedSide) CloseWrite() error {
	if hc, ok := b.Conn.(interface{ CloseWrite() error }); ok {
		return hc.CloseWrite()
	}
	return nil
}
