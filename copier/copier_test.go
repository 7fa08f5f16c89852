// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package copier

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rethinkdns/gatewaycore/gwerr"
)

func TestCopyDirectionSimple(t *testing.T) {
	src := bytes.NewReader([]byte("hello world"))
	var dst bytes.Buffer
	n, err := copyDirection(&dst, src)
	require.NoError(t, err)
	require.EqualValues(t, len("hello world"), n)
	require.Equal(t, "hello world", dst.String())
}

type zeroWriter struct{}

func (zeroWriter) Write(p []byte) (int, error) { return 0, nil }

func TestCopyDirectionWriteZero(t *testing.T) {
	src := bytes.NewReader([]byte("x"))
	_, err := copyDirection(zeroWriter{}, src)
	require.True(t, errors.Is(err, gwerr.ErrWriteZero))
}

type readerFunc func(p []byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }

func TestCopyDirectionGrowsBuffer(t *testing.T) {
	// A reader that always fills the requested window exactly, so the
	// copier should observe repeated full-window reads and grow
	// target_cap geometrically until the ceiling.
	remaining := maxCap * 3
	src := readerFunc(func(p []byte) (int, error) {
		if remaining <= 0 {
			return 0, io.EOF
		}
		n := len(p)
		if n > remaining {
			n = remaining
		}
		remaining -= n
		return n, nil
	})
	var dst bytes.Buffer
	n, err := copyDirection(&dst, src)
	require.NoError(t, err)
	require.EqualValues(t, maxCap*3, n)
}

// TestBidirectionalPipe wires client<->listener<->upstream with real
// net.Pipe connections and drives Bidirectional between the listener-side
// legs, proving both directions deliver bytes end to end.
func TestBidirectionalPipe(t *testing.T) {
	clientSide, listenerSide := net.Pipe()
	upstreamSide, coreSide := net.Pipe()
	defer clientSide.Close()
	defer upstreamSide.Close()

	done := make(chan struct{})
	var a2b, b2a uint64
	var bidirErr error
	go func() {
		a2b, b2a, bidirErr = Bidirectional(listenerSide, coreSide)
		close(done)
	}()

	go func() {
		_, _ = clientSide.Write([]byte("PING\n"))
		buf := make([]byte, 5)
		_, _ = io.ReadFull(clientSide, buf)
		require.Equal(t, "PONG\n", string(buf))
		clientSide.Close()
	}()

	buf := make([]byte, 5)
	_, err := io.ReadFull(upstreamSide, buf)
	require.NoError(t, err)
	require.Equal(t, "PING\n", string(buf))
	_, _ = upstreamSide.Write([]byte("PONG\n"))
	upstreamSide.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Bidirectional did not finish")
	}
	require.NoError(t, bidirErr)
	require.EqualValues(t, 5, a2b)
	require.EqualValues(t, 5, b2a)
}
