// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package socks5proxy

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeAddrIPv4(t *testing.T) {
	b, err := encodeAddr("203.0.113.5")
	require.NoError(t, err)
	require.Equal(t, byte(atypIPv4), b[0])
	require.Len(t, b, 5)
}

func TestEncodeAddrIPv6(t *testing.T) {
	b, err := encodeAddr("::1")
	require.NoError(t, err)
	require.Equal(t, byte(atypIPv6), b[0])
	require.Len(t, b, 17)
}

func TestEncodeAddrDomain(t *testing.T) {
	b, err := encodeAddr("example.com")
	require.NoError(t, err)
	require.Equal(t, byte(atypDomain), b[0])
	require.Equal(t, byte(len("example.com")), b[1])
	require.Equal(t, "example.com", string(b[2:]))
}

func TestEncodeAddrDomainTooLong(t *testing.T) {
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'a'
	}
	_, err := encodeAddr(string(long))
	require.Error(t, err)
}

func TestSplitHostPort(t *testing.T) {
	host, port, err := splitHostPort("upstream.example:1080")
	require.NoError(t, err)
	require.Equal(t, "upstream.example", host)
	require.Equal(t, uint16(1080), port)
}

func TestReplyErrorKnownAndUnknownCodes(t *testing.T) {
	require.Error(t, replyError(0x05))
	require.Error(t, replyError(0xEE))
}

// TestNegotiateNoAuthSelected drives the negotiate() state machine over
// an in-memory pipe, playing the server side directly.
func TestNegotiateNoAuthSelected(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	p := New(Config{Name: "up", Server: "1.2.3.4", Port: 1080})

	done := make(chan error, 1)
	go func() { done <- p.negotiate(client) }()

	req := make([]byte, 3)
	_, err := readFull(server, req)
	require.NoError(t, err)
	require.Equal(t, []byte{ver5, 1, methodNoAuth}, req)

	_, err = server.Write([]byte{ver5, methodNoAuth})
	require.NoError(t, err)
	require.NoError(t, <-done)
}

func TestNegotiateUserPassSelected(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	p := New(Config{Name: "up", Server: "1.2.3.4", Port: 1080, Username: "u", Password: "p"})

	done := make(chan error, 1)
	go func() { done <- p.negotiate(client) }()

	req := make([]byte, 4)
	_, err := readFull(server, req)
	require.NoError(t, err)
	require.Equal(t, []byte{ver5, 2, methodNoAuth, methodUserPass}, req)

	_, err = server.Write([]byte{ver5, methodUserPass})
	require.NoError(t, err)

	authReq := make([]byte, 1+1+len("u")+1+len("p"))
	_, err = readFull(server, authReq)
	require.NoError(t, err)
	require.Equal(t, byte(0x01), authReq[0])

	_, err = server.Write([]byte{0x01, 0x00})
	require.NoError(t, err)
	require.NoError(t, <-done)
}
