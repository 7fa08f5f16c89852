// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package trojan

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPasswordHashLength(t *testing.T) {
	sum := sha256.Sum224([]byte("test"))
	require.Len(t, hex.EncodeToString(sum[:]), 56)
}

func TestBuildHeaderDomain(t *testing.T) {
	sum := sha256.Sum224([]byte("trojan-password"))
	hash := hex.EncodeToString(sum[:])

	header, err := buildHeader(hash, "mh-target", 18080)
	require.NoError(t, err)

	expected := append([]byte(hash), '\r', '\n')
	expected = append(expected, cmdConnect)
	expected = append(expected, atypDomain, byte(len("mh-target")))
	expected = append(expected, []byte("mh-target")...)
	expected = append(expected, 0x46, 0xA0)
	expected = append(expected, '\r', '\n')

	require.Equal(t, expected, header)
}

func TestBuildHeaderIPv4(t *testing.T) {
	header, err := buildHeader("deadbeef", "203.0.113.5", 443)
	require.NoError(t, err)
	require.Contains(t, string(header[:len("deadbeef")]), "deadbeef")

	addrStart := len("deadbeef") + 2 + 1
	require.Equal(t, byte(atypIPv4), header[addrStart])
}

func TestEncodeSocksAddrDomainTooLong(t *testing.T) {
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'a'
	}
	_, err := encodeSocksAddr(string(long), 80)
	require.Error(t, err)
}

func TestSplitHostPort(t *testing.T) {
	host, port, err := splitHostPort("example.com:8443")
	require.NoError(t, err)
	require.Equal(t, "example.com", host)
	require.Equal(t, uint16(8443), port)
}
