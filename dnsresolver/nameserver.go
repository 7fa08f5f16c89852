// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package dnsresolver

import (
	"fmt"
	"net"
	"strings"

	"github.com/jedisct1/go-dnsstamps"

	"github.com/rethinkdns/gatewaycore/gwerr"
)

// Transport names how a Nameserver's queries are carried on the wire.
type Transport int

const (
	TransportUDP Transport = iota
	TransportTCP
	TransportTLS
	TransportHTTPS
)

// Nameserver is one configured upstream, built either from a bare/tls://
// string or decoded from an sdns:// stamp.
type Nameserver struct {
	Transport Transport
	Addr      string // host:port, always present
	TLSName   string // SNI / DoH host, set for TLS and HTTPS
	Path      string // DoH query path, set for HTTPS
}

func (n Nameserver) String() string {
	switch n.Transport {
	case TransportTLS:
		return "tls://" + n.TLSName
	case TransportHTTPS:
		return "https://" + n.TLSName + n.Path
	default:
		return n.Addr
	}
}

// ParseNameserver accepts the grammar the router's DNS config exposes:
// bare "8.8.8.8", "8.8.8.8:53", "tls://dns.google", "https://dns.google/dns-query",
// and "sdns://..." stamps (go-dnsstamps, which the bare grammar doesn't cover).
func ParseNameserver(s string) (Nameserver, error) {
	switch {
	case strings.HasPrefix(s, "sdns://"):
		return parseStamp(s)
	case strings.HasPrefix(s, "https://"):
		rest := s[len("https://"):]
		host, path, _ := strings.Cut(rest, "/")
		if path != "" {
			path = "/" + path
		} else {
			path = "/dns-query"
		}
		return Nameserver{Transport: TransportHTTPS, Addr: net.JoinHostPort(host, "443"), TLSName: host, Path: path}, nil
	case strings.HasPrefix(s, "tls://"):
		host := s[len("tls://"):]
		return Nameserver{Transport: TransportTLS, Addr: net.JoinHostPort(host, "853"), TLSName: host}, nil
	default:
		addr := s
		if _, _, err := net.SplitHostPort(s); err != nil {
			addr = net.JoinHostPort(s, "53")
		}
		return Nameserver{Transport: TransportUDP, Addr: addr}, nil
	}
}

func parseStamp(s string) (Nameserver, error) {
	stamp, err := dnsstamps.NewServerStampFromString(s)
	if err != nil {
		return Nameserver{}, fmt.Errorf("%w: sdns stamp: %v", gwerr.ErrParse, err)
	}
	switch stamp.Proto {
	case dnsstamps.StampProtoTypeDoH:
		host := stamp.ProviderName
		path := stamp.Path
		if path == "" {
			path = "/dns-query"
		}
		addr := stamp.ServerAddrStr
		if addr == "" {
			addr = net.JoinHostPort(host, "443")
		}
		return Nameserver{Transport: TransportHTTPS, Addr: addr, TLSName: host, Path: path}, nil
	case dnsstamps.StampProtoTypeTLS:
		host := stamp.ProviderName
		addr := stamp.ServerAddrStr
		if addr == "" {
			addr = net.JoinHostPort(host, "853")
		}
		return Nameserver{Transport: TransportTLS, Addr: addr, TLSName: host}, nil
	case dnsstamps.StampProtoTypePlain:
		return Nameserver{Transport: TransportUDP, Addr: stamp.ServerAddrStr}, nil
	default:
		return Nameserver{}, fmt.Errorf("%w: unsupported stamp protocol %v", gwerr.ErrUnsupported, stamp.Proto)
	}
}
