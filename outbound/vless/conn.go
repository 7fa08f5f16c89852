// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package vless

import (
	"fmt"
	"net"

	"github.com/rethinkdns/gatewaycore/gwerr"
)

// conn strips the VLESS response header (1B version + 1B addon length +
// addon bytes) from the first bytes read off the wire, then behaves as
// a plain pass-through net.Conn.
type conn struct {
	net.Conn
	headerStripped bool
}

func newConn(raw net.Conn) *conn { return &conn{Conn: raw} }

func (c *conn) Read(p []byte) (int, error) {
	if c.headerStripped {
		return c.Conn.Read(p)
	}
	if err := c.stripResponseHeader(); err != nil {
		return 0, err
	}
	return c.Conn.Read(p)
}

func (c *conn) stripResponseHeader() error {
	head := make([]byte, 2)
	if _, err := readFull(c.Conn, head); err != nil {
		return fmt.Errorf("%w: vless response header: %v", gwerr.ErrConnection, err)
	}
	if head[0] != vlessVersion {
		return fmt.Errorf("%w: vless response version %d", gwerr.ErrProtocol, head[0])
	}
	addonLen := int(head[1])
	if addonLen > 0 {
		discard := make([]byte, addonLen)
		if _, err := readFull(c.Conn, discard); err != nil {
			return fmt.Errorf("%w: vless response addons: %v", gwerr.ErrConnection, err)
		}
	}
	c.headerStripped = true
	return nil
}

func readFull(r net.Conn, buf []byte) (int, error) {
	read := 0
	for read < len(buf) {
		n, err := r.Read(buf[read:])
		read += n
		if err != nil {
			return read, err
		}
	}
	return read, nil
}
