// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package metadata describes the per-flow descriptor the router keys on:
// network/conn-type, source and destination, and the bits of context
// (process, dns mode, special overrides) the rule engine consults.
package metadata

import (
	"fmt"
	"net"
	"net/netip"
)

type Network int

const (
	TCP Network = iota
	UDP
)

func (n Network) String() string {
	switch n {
	case TCP:
		return "TCP"
	case UDP:
		return "UDP"
	default:
		return "UNKNOWN"
	}
}

type ConnType int

const (
	Http ConnType = iota
	Https
	Socks5
	Mixed
	Tun
	Inner
)

func (c ConnType) String() string {
	switch c {
	case Http:
		return "HTTP"
	case Https:
		return "HTTPS"
	case Socks5:
		return "SOCKS5"
	case Mixed:
		return "Mixed"
	case Tun:
		return "TUN"
	case Inner:
		return "Inner"
	default:
		return "UNKNOWN"
	}
}

type DnsMode int

const (
	Normal DnsMode = iota
	FakeIP
	Mapping
	Hosts
)

// Metadata is the per-flow descriptor. Created by an inbound handler,
// mutated only while parsing that inbound's handshake, immutable after.
type Metadata struct {
	Network Network
	ConnType ConnType

	SrcIP   netip.Addr
	SrcPort uint16

	DstIP   netip.Addr // zero Addr (IsValid()==false) if unresolved
	DstPort uint16
	Host    string // destination domain, empty if only DstIP is known

	Process     string
	ProcessPath string
	UID         int64 // -1 if unknown

	DnsMode DnsMode

	SpecialProxy string // bypasses rule evaluation when non-empty
	SpecialRules string
}

// NewTCP returns zero-valued TCP/Mixed metadata, matching the teacher's
// constructor-chaining idiom (With* setters return the modified copy).
func NewTCP() Metadata {
	return Metadata{Network: TCP, ConnType: Mixed, UID: -1}
}

func NewUDP() Metadata {
	return Metadata{Network: UDP, ConnType: Mixed, UID: -1}
}

func (m Metadata) WithSource(addr netip.AddrPort) Metadata {
	m.SrcIP = addr.Addr()
	m.SrcPort = addr.Port()
	return m
}

func (m Metadata) WithDstIP(ip netip.Addr) Metadata {
	m.DstIP = ip
	return m
}

func (m Metadata) WithDstPort(port uint16) Metadata {
	m.DstPort = port
	return m
}

func (m Metadata) WithHost(host string) Metadata {
	m.Host = host
	return m
}

// Resolved reports whether the destination IP is already known.
func (m Metadata) Resolved() bool {
	return m.DstIP.IsValid()
}

// RemoteAddress is the string handed to a dialer: host:port if a host is
// known, else ip:port, else "0.0.0.0:port".
func (m Metadata) RemoteAddress() string {
	if m.Host != "" {
		return net.JoinHostPort(m.Host, fmt.Sprint(m.DstPort))
	}
	if m.DstIP.IsValid() {
		return net.JoinHostPort(m.DstIP.String(), fmt.Sprint(m.DstPort))
	}
	return fmt.Sprintf("0.0.0.0:%d", m.DstPort)
}

// Destination is host-or-ip, with no port.
func (m Metadata) Destination() string {
	if m.Host != "" {
		return m.Host
	}
	if m.DstIP.IsValid() {
		return m.DstIP.String()
	}
	return ""
}

func (m Metadata) SourceDetail() string {
	detail := net.JoinHostPort(m.SrcIP.String(), fmt.Sprint(m.SrcPort))
	if m.Process != "" {
		detail += fmt.Sprintf(" (%s)", m.Process)
	}
	return detail
}

// Valid reports whether there's enough information here to dial: a
// nonzero destination port and either a host or a resolved IP.
func (m Metadata) Valid() bool {
	return m.DstPort > 0 && (m.Host != "" || m.DstIP.IsValid())
}

// Pure strips process/uid identity, returning the subset safe to hand to
// an outbound dialer (which has no business knowing which local process
// originated the flow).
func (m Metadata) Pure() Metadata {
	p := m
	p.Process = ""
	p.ProcessPath = ""
	p.UID = -1
	p.SpecialProxy = ""
	p.SpecialRules = ""
	return p
}

func (m Metadata) String() string {
	return fmt.Sprintf("[%s] %s --> %s", m.Network, m.SourceDetail(), m.RemoteAddress())
}
