// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package shadowsocks

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func pairedConns(t *testing.T, cipher CipherKind, keySize int) (*conn, *conn) {
	t.Helper()
	clientRaw, serverRaw := net.Pipe()

	masterKey := passwordToKey("hunter2", keySize)
	clientSalt := make([]byte, keySize)
	serverSalt := make([]byte, keySize)
	for i := range clientSalt {
		clientSalt[i] = byte(i + 1)
	}
	for i := range serverSalt {
		serverSalt[i] = byte(255 - i)
	}

	clientEncKey, err := hkdfSubkey(masterKey, clientSalt, keySize)
	require.NoError(t, err)
	serverDecKey, err := hkdfSubkey(masterKey, clientSalt, keySize)
	require.NoError(t, err)
	serverEncKey, err := hkdfSubkey(masterKey, serverSalt, keySize)
	require.NoError(t, err)
	clientDecKey, err := hkdfSubkey(masterKey, serverSalt, keySize)
	require.NoError(t, err)

	clientEnc, err := newAEAD(cipher, clientEncKey)
	require.NoError(t, err)
	clientDec, err := newAEAD(cipher, clientDecKey)
	require.NoError(t, err)
	serverEnc, err := newAEAD(cipher, serverEncKey)
	require.NoError(t, err)
	serverDec, err := newAEAD(cipher, serverDecKey)
	require.NoError(t, err)

	client := newConn(clientRaw, clientEnc, clientDec)
	server := newConn(serverRaw, serverEnc, serverDec)
	return client, server
}

func TestShadowsocksChunkRoundTrip(t *testing.T) {
	client, server := pairedConns(t, ChaCha20IETFPoly1305, 32)

	msg := []byte("hello shadowsocks")
	go func() {
		_, _ = client.Write(msg)
	}()

	buf := make([]byte, 64)
	n, err := server.Read(buf)
	require.NoError(t, err)
	require.Equal(t, msg, buf[:n])
}

func TestShadowsocksLargeChunkSplits(t *testing.T) {
	client, server := pairedConns(t, AES256GCM, 32)

	msg := make([]byte, maxChunkPlain+100)
	for i := range msg {
		msg[i] = byte(i)
	}
	go func() {
		_, _ = client.Write(msg)
	}()

	got := make([]byte, 0, len(msg))
	buf := make([]byte, 8192)
	for len(got) < len(msg) {
		n, err := server.Read(buf)
		require.NoError(t, err)
		got = append(got, buf[:n]...)
	}
	require.Equal(t, msg, got)
}

func TestEncodeSocksAddrDomain(t *testing.T) {
	b, err := encodeSocksAddr("example.com", 443)
	require.NoError(t, err)
	require.Equal(t, byte(atypDomain), b[0])
	require.Equal(t, byte(len("example.com")), b[1])
}

func TestEncodeSocksAddrIPv4(t *testing.T) {
	b, err := encodeSocksAddr("1.2.3.4", 80)
	require.NoError(t, err)
	require.Equal(t, byte(atypIPv4), b[0])
	require.Len(t, b, 1+4+2)
}

func TestPasswordToKeyDeterministic(t *testing.T) {
	a := passwordToKey("secret", 32)
	b := passwordToKey("secret", 32)
	require.Equal(t, a, b)
	require.Len(t, a, 32)
}
