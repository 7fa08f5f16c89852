// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package shadowsocks

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"

	"github.com/rethinkdns/gatewaycore/gwerr"
)

const (
	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04
)

// encodeSocksAddr builds the SOCKS5-style target address (atyp + addr +
// BE16 port) the Shadowsocks handshake embeds ahead of the stream.
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
			return nil, fmt.Errorf("%w: domain too long for shadowsocks header", gwerr.ErrAddress)
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
