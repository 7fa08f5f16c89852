// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package vless

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVlessConstants(t *testing.T) {
	require.Equal(t, byte(0x00), byte(vlessVersion))
	require.Equal(t, byte(0x01), byte(cmdTCP))
	require.Equal(t, byte(0x02), byte(atypDomain))
}

func TestParseUUID(t *testing.T) {
	u, err := parseUUID("00000000-0000-0000-0000-000000000000")
	require.NoError(t, err)
	require.Len(t, u, 16)

	_, err = parseUUID("not-a-uuid")
	require.Error(t, err)
}

func TestBuildRequestLayout(t *testing.T) {
	uuid, err := parseUUID("b831381d-6324-4d53-ad4f-8cda48b30811")
	require.NoError(t, err)

	req := buildRequest(uuid, "example.com", 443, cmdTCP)
	require.Equal(t, byte(vlessVersion), req[0])
	require.Equal(t, uuid[:], req[1:17])
	require.Equal(t, byte(0), req[17]) // addons length
	require.Equal(t, byte(cmdTCP), req[18])
	require.Equal(t, byte(atypDomain), req[21])
}

func TestConnStripsResponseHeader(t *testing.T) {
	clientRaw, serverRaw := net.Pipe()
	c := newConn(clientRaw)

	done := make(chan struct{})
	go func() {
		defer close(done)
		serverRaw.Write([]byte{vlessVersion, 0})
		serverRaw.Write([]byte("payload"))
	}()

	buf := make([]byte, len("payload"))
	n, err := c.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "payload", string(buf[:n]))
	<-done
}

func TestConnStripsResponseHeaderWithAddons(t *testing.T) {
	clientRaw, serverRaw := net.Pipe()
	c := newConn(clientRaw)

	done := make(chan struct{})
	go func() {
		defer close(done)
		serverRaw.Write([]byte{vlessVersion, 3})
		serverRaw.Write([]byte{0xAA, 0xBB, 0xCC})
		serverRaw.Write([]byte("data"))
	}()

	buf := make([]byte, len("data"))
	n, err := c.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "data", string(buf[:n]))
	<-done
}
