// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package httpproxy

import (
	"bufio"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadStatusLine200(t *testing.T) {
	raw := "HTTP/1.1 200 Connection Established\r\nProxy-Agent: test\r\n\r\n"
	br := bufio.NewReader(strings.NewReader(raw))
	line, err := readStatusLine(br)
	require.NoError(t, err)
	require.Contains(t, line, "200")
}

func TestReadStatusLine407(t *testing.T) {
	raw := "HTTP/1.1 407 Proxy Authentication Required\r\nProxy-Authenticate: Basic\r\n\r\n"
	br := bufio.NewReader(strings.NewReader(raw))
	line, err := readStatusLine(br)
	require.NoError(t, err)
	require.Contains(t, line, "407")
}

func TestBufferedConnPreservesPrereadBytes(t *testing.T) {
	clientRaw, serverRaw := net.Pipe()
	defer clientRaw.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		serverRaw.Write([]byte("HTTP/1.1 200 OK\r\n\r\nleftover-payload"))
	}()

	br := bufio.NewReaderSize(clientRaw, 4096)
	line, err := readStatusLine(br)
	require.NoError(t, err)
	require.Contains(t, line, "200")

	bc := &bufferedConn{Conn: clientRaw, br: br}
	buf := make([]byte, len("leftover-payload"))
	n, err := bc.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "leftover-payload", string(buf[:n]))

	serverRaw.Close()
	<-done
}
