// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package socks5

import (
	"bufio"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNegotiateNoAuth(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan error, 1)
	go func() {
		br := bufio.NewReader(server)
		done <- Negotiate(server, br, nil)
	}()

	_, err := client.Write([]byte{Ver5, 1, MethodNoAuth})
	require.NoError(t, err)

	reply := make([]byte, 2)
	_, err = readFullConn(client, reply)
	require.NoError(t, err)
	require.Equal(t, []byte{Ver5, MethodNoAuth}, reply)
	require.NoError(t, <-done)
}

func TestNegotiateRejectsWhenAuthRequiredButNotOffered(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan error, 1)
	go func() {
		br := bufio.NewReader(server)
		done <- Negotiate(server, br, &Auth{Username: "u", Password: "p"})
	}()

	_, err := client.Write([]byte{Ver5, 1, MethodNoAuth})
	require.NoError(t, err)

	reply := make([]byte, 2)
	_, err = readFullConn(client, reply)
	require.NoError(t, err)
	require.Equal(t, byte(MethodNoAcceptable), reply[1])
	require.Error(t, <-done)
}

func TestNegotiateUserPass(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	auth := &Auth{Username: "alice", Password: "secret"}
	done := make(chan error, 1)
	go func() {
		br := bufio.NewReader(server)
		done <- Negotiate(server, br, auth)
	}()

	_, err := client.Write([]byte{Ver5, 1, MethodUserPass})
	require.NoError(t, err)

	methodReply := make([]byte, 2)
	_, err = readFullConn(client, methodReply)
	require.NoError(t, err)
	require.Equal(t, []byte{Ver5, MethodUserPass}, methodReply)

	req := []byte{0x01, 5}
	req = append(req, "alice"...)
	req = append(req, 6)
	req = append(req, "secret"...)
	_, err = client.Write(req)
	require.NoError(t, err)

	authReply := make([]byte, 2)
	_, err = readFullConn(client, authReply)
	require.NoError(t, err)
	require.Equal(t, []byte{0x01, 0x00}, authReply)
	require.NoError(t, <-done)
}

func TestReadRequestDomain(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		req := []byte{Ver5, CmdConnect, 0x00, AtypDomain, 11}
		req = append(req, "example.com"...)
		req = append(req, 0x01, 0xbb)
		client.Write(req)
	}()

	br := bufio.NewReader(server)
	cmd, host, ip, port, err := ReadRequest(br)
	require.NoError(t, err)
	require.Equal(t, byte(CmdConnect), cmd)
	require.Equal(t, "example.com", host)
	require.False(t, ip.IsValid())
	require.Equal(t, uint16(443), port)
}

func TestReadRequestIPv4(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		req := []byte{Ver5, CmdConnect, 0x00, AtypIPv4, 127, 0, 0, 1, 0x1f, 0x90}
		client.Write(req)
	}()

	br := bufio.NewReader(server)
	cmd, host, ip, port, err := ReadRequest(br)
	require.NoError(t, err)
	require.Equal(t, byte(CmdConnect), cmd)
	require.Equal(t, netip.MustParseAddr("127.0.0.1"), ip)
	require.Equal(t, "127.0.0.1", host)
	require.Equal(t, uint16(8080), port)
}

func TestWriteReplyIPv4(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go WriteReply(server, RepOK, netip.MustParseAddr("10.0.0.1"), 1080)

	buf := make([]byte, 10)
	_, err := readFullConn(client, buf)
	require.NoError(t, err)
	require.Equal(t, byte(Ver5), buf[0])
	require.Equal(t, byte(RepOK), buf[1])
	require.Equal(t, byte(AtypIPv4), buf[3])
	require.Equal(t, []byte{10, 0, 0, 1}, buf[4:8])
}

func readFullConn(c net.Conn, buf []byte) (int, error) {
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	read := 0
	for read < len(buf) {
		n, err := c.Read(buf[read:])
		read += n
		if err != nil {
			return read, err
		}
	}
	return read, nil
}
