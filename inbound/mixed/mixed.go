// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package mixed implements the auto-detecting HTTP/SOCKS5 inbound
// listener: it peeks the first byte to tell the two protocols apart,
// reuses the socks5 package's handshake for SOCKS5 clients, and runs a
// dedicated keep-alive path with per-destination connection pooling for
// plain HTTP proxy requests.
package mixed

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rethinkdns/gatewaycore/copier"
	"github.com/rethinkdns/gatewaycore/gwerr"
	"github.com/rethinkdns/gatewaycore/gwlog"
	"github.com/rethinkdns/gatewaycore/inbound/socks5"
	"github.com/rethinkdns/gatewaycore/metadata"
	"github.com/rethinkdns/gatewaycore/pool"
	"github.com/rethinkdns/gatewaycore/router"
)

const tag = "inbound/mixed"

const (
	maxHTTPHeadBytes = 32 * 1024
	keepAliveIdle    = 4 * time.Second
	poolCapacity     = 8
)

type Auth = socks5.Auth

type Config struct {
	Listen string
	Auth   *Auth
}

// Listener accepts either HTTP or SOCKS5 proxy connections on the same
// port, auto-detected from the first byte the client sends.
type Listener struct {
	cfg     Config
	tunnel  *router.Tunnel
	ln      net.Listener
	running atomic.Bool

	poolMu sync.Mutex
	pools  map[string]*pool.Pool
}

func New(cfg Config, tunnel *router.Tunnel) *Listener {
	return &Listener{cfg: cfg, tunnel: tunnel, pools: make(map[string]*pool.Pool)}
}

func (l *Listener) Start() error {
	ln, err := net.Listen("tcp", l.cfg.Listen)
	if err != nil {
		return fmt.Errorf("%w: mixed listen %s: %v", gwerr.ErrConnection, l.cfg.Listen, err)
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
	l.poolMu.Lock()
	for _, p := range l.pools {
		p.Close()
	}
	l.poolMu.Unlock()
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
	br := bufio.NewReaderSize(conn, 8*1024)
	first, err := br.Peek(1)
	if err != nil {
		return fmt.Errorf("%w: reading first byte: %v", gwerr.ErrProtocol, err)
	}

	if first[0] == socks5.Ver5 {
		gwlog.V(tag, "%s detected SOCKS5", conn.RemoteAddr())
		return socks5.HandleConnection(conn, br, l.cfg.Auth, l.tunnel)
	}
	gwlog.V(tag, "%s detected HTTP", conn.RemoteAddr())
	return l.processHTTP(conn, br)
}

func (l *Listener) poolFor(key string) *pool.Pool {
	l.poolMu.Lock()
	defer l.poolMu.Unlock()
	p, ok := l.pools[key]
	if !ok {
		p = pool.New(poolCapacity)
		l.pools[key] = p
	}
	return p
}

func (l *Listener) processHTTP(conn net.Conn, br *bufio.Reader) error {
	buf, headLen, err := readHTTPHead(br)
	if err != nil {
		return err
	}

	req, err := parseHTTPHead(buf[:headLen])
	if err != nil {
		return err
	}

	srcAddr, _ := conn.RemoteAddr().(*net.TCPAddr)

	if l.cfg.Auth != nil && !authorized(req.headers, l.cfg.Auth) {
		conn.Write([]byte("HTTP/1.1 407 Proxy Authentication Required\r\nProxy-Authenticate: Basic realm=\"Proxy\"\r\nConnection: close\r\n\r\n"))
		return fmt.Errorf("%w: missing or invalid proxy credentials", gwerr.ErrAuth)
	}

	if strings.EqualFold(req.method, "CONNECT") {
		return l.handleConnect(conn, br, buf, headLen, req.uri, srcAddr)
	}
	return l.handleKeepAlive(conn, br, buf, headLen, req, srcAddr)
}

func (l *Listener) handleConnect(conn net.Conn, br *bufio.Reader, buf []byte, headLen int, uri string, srcAddr *net.TCPAddr) error {
	host, port, err := parseHostPort(uri, 443)
	if err != nil {
		return err
	}

	m := buildMetadata(srcAddr, host, port)
	remote, err := l.tunnel.HandleTCP(context.Background(), m)
	if err != nil {
		conn.Write([]byte("HTTP/1.1 502 Bad Gateway\r\nConnection: close\r\n\r\n"))
		return err
	}
	defer remote.Close()

	if _, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return err
	}

	if len(buf) > headLen {
		if _, err := remote.Write(buf[headLen:]); err != nil {
			return err
		}
	}

	_, _, err = copier.Bidirectional(&socks5.BufferedSide{Conn: conn, Br: br}, remote)
	return err
}

// handleKeepAlive serves one or more plain-proxy requests pipelined over
// the same client connection, pooling the outbound connection per
// (host, port) destination between requests.
func (l *Listener) handleKeepAlive(conn net.Conn, br *bufio.Reader, buf []byte, headLen int, req httpHead, srcAddr *net.TCPAddr) error {
	clientWantsKeepAlive := headerEqualFold(req.headers, "proxy-connection", "keep-alive") ||
		headerEqualFold(req.headers, "connection", "keep-alive")

	for {
		hostPort, path := splitURI(req.uri)
		host, port, err := parseHostPort(hostPort, 80)
		if err != nil {
			return err
		}

		key := poolKey(host, port)
		p := l.poolFor(key)

		remote := p.TryGet()
		fromPool := remote != nil
		if remote == nil {
			m := buildMetadata(srcAddr, host, port)
			remote, err = l.tunnel.HandleTCP(context.Background(), m)
			if err != nil {
				conn.Write([]byte("HTTP/1.1 502 Bad Gateway\r\nConnection: close\r\n\r\n"))
				return err
			}
		}

		bodyStart := buf[headLen:]
		request := buildKeepAliveRequest(req.method, path, hostPort, req.headers, bodyStart)

		if _, err := remote.Write(request); err != nil {
			if !fromPool {
				conn.Write([]byte("HTTP/1.1 502 Bad Gateway\r\nConnection: close\r\n\r\n"))
				return fmt.Errorf("%w: writing request: %v", gwerr.ErrConnection, err)
			}
			gwlog.D(tag, "pooled connection to %s stale, retrying fresh", key)
			remote.Close()
			m := buildMetadata(srcAddr, host, port)
			remote, err = l.tunnel.HandleTCP(context.Background(), m)
			if err != nil {
				conn.Write([]byte("HTTP/1.1 502 Bad Gateway\r\nConnection: close\r\n\r\n"))
				return err
			}
			if _, err := remote.Write(request); err != nil {
				return fmt.Errorf("%w: writing request after retry: %v", gwerr.ErrConnection, err)
			}
		}

		_, canReuse, err := forwardResponse(remote, conn)
		if err != nil {
			remote.Close()
			if clientWantsKeepAlive {
				conn.Write([]byte("HTTP/1.1 502 Bad Gateway\r\nConnection: close\r\n\r\n"))
			}
			return fmt.Errorf("%w: forwarding response: %v", gwerr.ErrConnection, err)
		}

		if canReuse {
			p.Put(remote)
		} else {
			remote.Close()
		}

		if !clientWantsKeepAlive {
			return nil
		}

		next, nextHeadLen, err := readNextRequest(conn, br)
		if err != nil {
			return err
		}
		if next == nil {
			return nil // client closed the keep-alive connection normally
		}
		buf = next
		headLen = nextHeadLen
		req, err = parseHTTPHead(buf[:headLen])
		if err != nil {
			return nil // malformed pipelined request; end the connection quietly
		}
		if l.cfg.Auth != nil && !authorized(req.headers, l.cfg.Auth) {
			conn.Write([]byte("HTTP/1.1 407 Proxy Authentication Required\r\nProxy-Authenticate: Basic realm=\"Proxy\"\r\nConnection: close\r\n\r\n"))
			return fmt.Errorf("%w: missing or invalid proxy credentials", gwerr.ErrAuth)
		}
		clientWantsKeepAlive = headerEqualFold(req.headers, "proxy-connection", "keep-alive") ||
			headerEqualFold(req.headers, "connection", "keep-alive")
	}
}

// readNextRequest waits up to keepAliveIdle for the next pipelined
// request's headers, returning (nil, 0, nil) when the client closes the
// connection or the idle window expires — both treated as a normal end
// of the keep-alive session rather than an error.
func readNextRequest(conn net.Conn, br *bufio.Reader) ([]byte, int, error) {
	conn.SetReadDeadline(time.Now().Add(keepAliveIdle))
	defer conn.SetReadDeadline(time.Time{})

	buf, headLen, err := readHTTPHead(br)
	if err != nil {
		return nil, 0, nil
	}
	return buf, headLen, nil
}

func poolKey(host string, port uint16) string {
	return host + ":" + strconv.Itoa(int(port)) + ":PROXY"
}

type httpHead struct {
	method, uri string
	headers     []headerField
}

type headerField struct{ name, value string }

func readHTTPHead(br *bufio.Reader) ([]byte, int, error) {
	buf := make([]byte, 0, 8*1024)
	tmp := make([]byte, 4096)
	for {
		if idx := bytes.Index(buf, []byte("\r\n\r\n")); idx >= 0 {
			return buf, idx + 4, nil
		}
		if len(buf) >= maxHTTPHeadBytes {
			return nil, 0, fmt.Errorf("%w: HTTP header too large", gwerr.ErrProtocol)
		}
		n, err := br.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if err != nil {
			return nil, 0, err
		}
	}
}

func parseHTTPHead(head []byte) (httpHead, error) {
	lines := strings.Split(strings.TrimRight(string(head), "\r\n"), "\r\n")
	if len(lines) == 0 {
		return httpHead{}, fmt.Errorf("%w: empty request", gwerr.ErrProtocol)
	}
	parts := strings.Fields(lines[0])
	if len(parts) < 2 {
		return httpHead{}, fmt.Errorf("%w: invalid request line %q", gwerr.ErrProtocol, lines[0])
	}

	var headers []headerField
	for _, line := range lines[1:] {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		headers = append(headers, headerField{name: strings.TrimSpace(name), value: strings.TrimSpace(value)})
	}
	return httpHead{method: parts[0], uri: parts[1], headers: headers}, nil
}

func headerEqualFold(headers []headerField, name, value string) bool {
	for _, h := range headers {
		if strings.EqualFold(h.name, name) && strings.EqualFold(strings.TrimSpace(h.value), value) {
			return true
		}
	}
	return false
}

func authorized(headers []headerField, auth *Auth) bool {
	for _, h := range headers {
		if !strings.EqualFold(h.name, "proxy-authorization") {
			continue
		}
		const prefix = "Basic "
		if !strings.HasPrefix(h.value, prefix) {
			return false
		}
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(h.value, prefix))
		if err != nil {
			return false
		}
		user, pass, ok := strings.Cut(string(decoded), ":")
		return ok && user == auth.Username && pass == auth.Password
	}
	return false
}

func isHopByHop(name string) bool {
	switch strings.ToLower(name) {
	case "connection", "keep-alive", "proxy-authenticate", "proxy-authorization",
		"te", "trailers", "transfer-encoding", "upgrade", "proxy-connection", "host":
		return true
	default:
		return false
	}
}

func buildKeepAliveRequest(method, path, hostPort string, headers []headerField, body []byte) []byte {
	var req bytes.Buffer
	req.Grow(256 + len(body))
	req.WriteString(method)
	req.WriteByte(' ')
	req.WriteString(path)
	req.WriteString(" HTTP/1.1\r\nHost: ")
	req.WriteString(hostPort)
	req.WriteString("\r\n")
	for _, h := range headers {
		if isHopByHop(h.name) {
			continue
		}
		req.WriteString(h.name)
		req.WriteString(": ")
		req.WriteString(h.value)
		req.WriteString("\r\n")
	}
	req.WriteString("Connection: keep-alive\r\n\r\n")
	req.Write(body)
	return req.Bytes()
}

// splitURI separates "http://host:port/path..." into ("host:port", "/path...").
func splitURI(uri string) (hostPort, path string) {
	uri = strings.TrimPrefix(uri, "http://")
	if idx := strings.IndexByte(uri, '/'); idx >= 0 {
		return uri[:idx], uri[idx:]
	}
	return uri, "/"
}

func parseHostPort(hostPort string, defaultPort uint16) (string, uint16, error) {
	if idx := strings.LastIndexByte(hostPort, ':'); idx >= 0 {
		port, err := strconv.ParseUint(hostPort[idx+1:], 10, 16)
		if err != nil {
			return "", 0, fmt.Errorf("%w: invalid port in %q", gwerr.ErrAddress, hostPort)
		}
		return hostPort[:idx], uint16(port), nil
	}
	return hostPort, defaultPort, nil
}

func buildMetadata(src *net.TCPAddr, host string, port uint16) metadata.Metadata {
	m := metadata.NewTCP().WithHost(host).WithDstPort(port)
	if src != nil {
		if ip, ok := netip.AddrFromSlice(src.IP); ok {
			m = m.WithSource(netip.AddrPortFrom(ip.Unmap(), uint16(src.Port)))
		}
	}
	return m
}
