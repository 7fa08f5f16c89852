// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package wsframe wraps a VMess/VLESS/Trojan byte stream inside
// WebSocket binary frames, for deployments that sit behind a CDN or
// reverse proxy expecting WebSocket traffic. It is not wired into any
// outbound's dial path: no outbound calls Dial or Accept itself.
package wsframe

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"nhooyr.io/websocket"

	"github.com/rethinkdns/gatewaycore/gwerr"
)

// Config describes the WebSocket endpoint an outbound tunnels through:
// the request target (host:port is taken from URL) and the HTTP path
// and Host header the server-side expects, matching the ws-host/ws-path
// naming of proxy configuration formats that support this transport.
type Config struct {
	URL          string // e.g. "ws://example.com/path" or "wss://example.com/path"
	Host         string // optional Host header override, for domain-fronting setups
	ExtraHeaders map[string]string
}

// Dial performs the WebSocket upgrade handshake and returns a net.Conn
// whose Read/Write stream raw bytes across binary WebSocket frames —
// the VMess/VLESS/Trojan protocol layered on top never sees the framing.
func Dial(ctx context.Context, cfg Config) (net.Conn, error) {
	header := make(http.Header, len(cfg.ExtraHeaders)+1)
	for k, v := range cfg.ExtraHeaders {
		header.Set(k, v)
	}
	if cfg.Host != "" {
		header.Set("Host", cfg.Host)
	}

	conn, _, err := websocket.Dial(ctx, cfg.URL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("%w: websocket dial %s: %v", gwerr.ErrConnection, cfg.URL, err)
	}
	conn.SetReadLimit(-1) // proxied payloads are unbounded, unlike a chat-message protocol
	return websocket.NetConn(ctx, conn, websocket.MessageBinary), nil
}

// Accept upgrades an incoming HTTP request to WebSocket and returns the
// same kind of raw byte-stream net.Conn Dial produces, for an inbound
// listener fronting a CDN that only forwards WebSocket connections.
func Accept(w http.ResponseWriter, r *http.Request) (net.Conn, error) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: websocket accept: %v", gwerr.ErrConnection, err)
	}
	conn.SetReadLimit(-1)
	return websocket.NetConn(r.Context(), conn, websocket.MessageBinary), nil
}
