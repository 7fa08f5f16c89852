// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package http implements the plain HTTP proxy inbound listener:
// request-line/header parsing, optional Basic auth, a CONNECT tunnel
// path, and a plain-proxy path that rewrites the request line and hands
// the rest of the connection to the greedy copy engine.
package http

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/rethinkdns/gatewaycore/copier"
	"github.com/rethinkdns/gatewaycore/gwerr"
	"github.com/rethinkdns/gatewaycore/gwlog"
	"github.com/rethinkdns/gatewaycore/metadata"
	"github.com/rethinkdns/gatewaycore/router"
)

const tag = "inbound/http"

// Auth is HTTP Basic credentials required via Proxy-Authorization.
type Auth struct {
	Username string
	Password string
}

type Config struct {
	Listen string
	Auth   *Auth
}

// Listener accepts plain HTTP proxy connections on Config.Listen.
type Listener struct {
	cfg    Config
	tunnel *router.Tunnel
	ln     net.Listener
	running atomic.Bool
}

func New(cfg Config, tunnel *router.Tunnel) *Listener {
	return &Listener{cfg: cfg, tunnel: tunnel}
}

// Start binds the listener and runs the accept loop until Stop is
// called. It blocks; callers typically invoke it in its own goroutine.
func (l *Listener) Start() error {
	ln, err := net.Listen("tcp", l.cfg.Listen)
	if err != nil {
		return fmt.Errorf("%w: http listen %s: %v", gwerr.ErrConnection, l.cfg.Listen, err)
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
	br := bufio.NewReaderSize(conn, 8*1024)

	method, uri, err := readRequestLine(br)
	if err != nil {
		return err
	}
	headers, err := readHeaders(br)
	if err != nil {
		return err
	}

	if l.cfg.Auth != nil && !authorized(headers, l.cfg.Auth) {
		conn.Write([]byte("HTTP/1.1 407 Proxy Authentication Required\r\nProxy-Authenticate: Basic realm=\"Proxy\"\r\nConnection: close\r\n\r\n"))
		return fmt.Errorf("%w: missing or invalid proxy credentials", gwerr.ErrAuth)
	}

	srcAddr, _ := conn.RemoteAddr().(*net.TCPAddr)

	if strings.EqualFold(method, "CONNECT") {
		return l.handleConnect(conn, br, uri, srcAddr)
	}
	return l.handlePlain(conn, br, method, uri, headers, srcAddr)
}

func (l *Listener) handleConnect(conn net.Conn, br *bufio.Reader, uri string, srcAddr *net.TCPAddr) error {
	host, port, err := parseHostPort(uri, 443)
	if err != nil {
		return err
	}

	m := buildMetadata(srcAddr, host, port)
	remote, err := l.tunnel.HandleTCP(context.Background(), m)
	if err != nil {
		conn.Write([]byte(fmt.Sprintf("HTTP/1.1 502 Bad Gateway\r\nContent-Type: text/plain\r\nConnection: close\r\n\r\nConnection failed: %v", err)))
		return err
	}
	defer remote.Close()

	if _, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return err
	}

	_, _, err = copier.Bidirectional(&bufferedSide{Conn: conn, br: br}, remote)
	return err
}

func (l *Listener) handlePlain(conn net.Conn, br *bufio.Reader, method, uri string, headers []header, srcAddr *net.TCPAddr) error {
	hostPort, path := splitURI(uri)
	host, port, err := parseHostPort(hostPort, 80)
	if err != nil {
		return err
	}

	m := buildMetadata(srcAddr, host, port)
	remote, err := l.tunnel.HandleTCP(context.Background(), m)
	if err != nil {
		conn.Write([]byte(fmt.Sprintf("HTTP/1.1 502 Bad Gateway\r\nContent-Type: text/plain\r\nConnection: close\r\n\r\nConnection failed: %v", err)))
		return err
	}
	defer remote.Close()

	var req strings.Builder
	req.WriteString(method)
	req.WriteByte(' ')
	req.WriteString(path)
	req.WriteString(" HTTP/1.1\r\nHost: ")
	req.WriteString(hostPort)
	req.WriteString("\r\n")
	for _, h := range headers {
		if isHopByHop(h.name) || strings.EqualFold(h.name, "host") {
			continue
		}
		req.WriteString(h.name)
		req.WriteString(": ")
		req.WriteString(h.value)
		req.WriteString("\r\n")
	}
	req.WriteString("Connection: close\r\n\r\n")

	if _, err := remote.Write([]byte(req.String())); err != nil {
		return err
	}

	_, _, err = copier.Bidirectional(&bufferedSide{Conn: conn, br: br}, remote)
	return err
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

type header struct{ name, value string }

func readRequestLine(br *bufio.Reader) (method, uri string, err error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return "", "", fmt.Errorf("%w: read request line: %v", gwerr.ErrProtocol, err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", "", fmt.Errorf("%w: empty request", gwerr.ErrProtocol)
	}
	parts := strings.Fields(line)
	if len(parts) < 3 {
		return "", "", fmt.Errorf("%w: invalid request line %q", gwerr.ErrProtocol, line)
	}
	return parts[0], parts[1], nil
}

func readHeaders(br *bufio.Reader) ([]header, error) {
	var headers []header
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("%w: read headers: %v", gwerr.ErrProtocol, err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		headers = append(headers, header{
			name:  strings.TrimSpace(line[:idx]),
			value: strings.TrimSpace(line[idx+1:]),
		})
	}
	return headers, nil
}

func authorized(headers []header, auth *Auth) bool {
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
		"te", "trailers", "transfer-encoding", "upgrade", "proxy-connection":
		return true
	default:
		return false
	}
}

// splitURI separates "host:port/path..." into ("host:port", "/path...").
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

// bufferedSide preserves bytes the handshake's bufio.Reader already
// pulled off the client socket, so the greedy copy engine never loses
// pipelined bytes sent right after the request.
type bufferedSide struct {
	net.Conn
	br *bufio.Reader
}

func (b *bufferedSide) Read(p []byte) (int, error) { return b.br.Read(p) }

func (b *bufferedSide) CloseWrite() error {
	if hc, ok := b.Conn.(interface{ CloseWrite() error }); ok {
		return hc.CloseWrite()
	}
	return nil
}
