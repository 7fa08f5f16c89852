// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package httpproxy implements the client side of the HTTP CONNECT
// tunnel: dial an upstream HTTP(S) proxy, issue CONNECT, and hand back
// the raw tunnel once the proxy answers 200.
package httpproxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/textproto"
	"strings"

	"github.com/rethinkdns/gatewaycore/gwerr"
	"github.com/rethinkdns/gatewaycore/outbound"
)

// Config describes one HTTP-proxy outbound.
type Config struct {
	Name     string
	Server   string
	Port     uint16
	TLS      bool
	Username string
	Password string
}

type Proxy struct{ cfg Config }

var _ outbound.Proxy = (*Proxy)(nil)

func New(cfg Config) *Proxy { return &Proxy{cfg: cfg} }

func (p *Proxy) ID() string             { return p.cfg.Name }
func (p *Proxy) Kind() outbound.Kind    { return outbound.KindHTTP }
func (p *Proxy) Status() outbound.Status { return outbound.StatusOK }
func (p *Proxy) Stop() error            { return nil }

// Dial connects to the upstream proxy (optionally over TLS), issues a
// CONNECT for the target, and returns the tunnel on a 200 response.
func (p *Proxy) Dial(ctx context.Context, network, addr string) (net.Conn, error) {
	proxyAddr := net.JoinHostPort(p.cfg.Server, fmt.Sprint(p.cfg.Port))

	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: http proxy connect: %v", gwerr.ErrConnection, err)
	}

	var conn net.Conn = raw
	if p.cfg.TLS {
		tlsConn := tls.Client(raw, &tls.Config{ServerName: p.cfg.Server})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			raw.Close()
			return nil, fmt.Errorf("%w: http proxy tls handshake: %v", gwerr.ErrTls, err)
		}
		conn = tlsConn
	}

	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\nProxy-Connection: keep-alive\r\n", addr, addr)
	if p.cfg.Username != "" || p.cfg.Password != "" {
		basic := base64.StdEncoding.EncodeToString([]byte(p.cfg.Username + ":" + p.cfg.Password))
		req += "Proxy-Authorization: Basic " + basic + "\r\n"
	}
	req += "\r\n"

	if _, err := conn.Write([]byte(req)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: http proxy CONNECT write: %v", gwerr.ErrConnection, err)
	}

	br := bufio.NewReader(conn)
	statusLine, err := readStatusLine(br)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: http proxy CONNECT response: %v", gwerr.ErrConnection, err)
	}

	switch {
	case strings.Contains(statusLine, "200"):
		// br may already hold bytes the target sent immediately after the
		// tunnel opened; keep reading through it rather than conn directly.
		return &bufferedConn{Conn: conn, br: br}, nil
	case strings.Contains(statusLine, "407"):
		conn.Close()
		return nil, fmt.Errorf("%w: http proxy requires authentication", gwerr.ErrAuth)
	default:
		conn.Close()
		return nil, fmt.Errorf("%w: http proxy CONNECT failed: %s", gwerr.ErrConnection, strings.TrimSpace(statusLine))
	}
}

// readStatusLine reads the status line and drains headers until the
// blank line that terminates the CONNECT response.
func readStatusLine(br *bufio.Reader) (string, error) {
	tp := textproto.NewReader(br)
	statusLine, err := tp.ReadLine()
	if err != nil {
		return "", err
	}
	if _, err := tp.ReadMIMEHeader(); err != nil {
		return "", err
	}
	return statusLine, nil
}

// bufferedConn preserves bytes read into the handshake's bufio.Reader
// ahead of the tunnel being handed off to the greedy copy engine.
type bufferedConn struct {
	net.Conn
	br *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) { return b.br.Read(p) }
