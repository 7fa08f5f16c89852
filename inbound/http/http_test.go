// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package http

import (
	"bufio"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadRequestLine(t *testing.T) {
	br := bufio.NewReader(strings.NewReader("GET http://example.com/ HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	method, uri, err := readRequestLine(br)
	require.NoError(t, err)
	require.Equal(t, "GET", method)
	require.Equal(t, "http://example.com/", uri)
}

func TestReadHeaders(t *testing.T) {
	br := bufio.NewReader(strings.NewReader("Host: example.com\r\nProxy-Connection: keep-alive\r\n\r\n"))
	headers, err := readHeaders(br)
	require.NoError(t, err)
	require.Len(t, headers, 2)
	require.Equal(t, "Host", headers[0].name)
}

func TestSplitURI(t *testing.T) {
	hostPort, path := splitURI("http://example.com:8080/foo/bar")
	require.Equal(t, "example.com:8080", hostPort)
	require.Equal(t, "/foo/bar", path)

	hostPort, path = splitURI("example.com")
	require.Equal(t, "example.com", hostPort)
	require.Equal(t, "/", path)
}

func TestParseHostPort(t *testing.T) {
	host, port, err := parseHostPort("example.com:8443", 80)
	require.NoError(t, err)
	require.Equal(t, "example.com", host)
	require.Equal(t, uint16(8443), port)

	host, port, err = parseHostPort("example.com", 80)
	require.NoError(t, err)
	require.Equal(t, "example.com", host)
	require.Equal(t, uint16(80), port)
}

func TestIsHopByHop(t *testing.T) {
	require.True(t, isHopByHop("Connection"))
	require.True(t, isHopByHop("Proxy-Authorization"))
	require.False(t, isHopByHop("Content-Type"))
}

func TestAuthorized(t *testing.T) {
	auth := &Auth{Username: "u", Password: "p"}
	encoded := base64.StdEncoding.EncodeToString([]byte("u:p"))
	headers := []header{{name: "Proxy-Authorization", value: "Basic " + encoded}}
	require.True(t, authorized(headers, auth))

	bad := []header{{name: "Proxy-Authorization", value: "Basic bm90LXZhbGlk"}}
	require.False(t, authorized(bad, auth))

	require.False(t, authorized(nil, auth))
}
