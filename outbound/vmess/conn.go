// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package vmess

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/crypto/sha3"

	"github.com/rethinkdns/gatewaycore/gwerr"
)

const maxChunkBody = 15000

// shakeMask is a Shake128 XOF seeded once per direction, drawn from for
// each chunk's 16-bit length mask in sequence.
type shakeMask struct{ xof sha3.ShakeHash }

func newShakeMask(seed []byte) *shakeMask {
	x := sha3.NewShake128()
	x.Write(seed)
	return &shakeMask{xof: x}
}

func (s *shakeMask) next() uint16 {
	var b [2]byte
	_, _ = s.xof.Read(b[:])
	return binary.BigEndian.Uint16(b[:])
}

// conn is the body-stream half of a VMess connection: chunked AEAD
// frames, independent read/write counters, optional length masking.
type conn struct {
	net.Conn
	br *bufio.Reader

	writeAEAD        bodyAEAD
	writeNonceSuffix []byte
	writeCounter     uint16
	writeShake       *shakeMask

	readAEAD        bodyAEAD
	readNonceSuffix []byte
	readCounter     uint16
	readShake       *shakeMask

	pending []byte
}

func bodyNonce(size int, counter uint16, suffix []byte) []byte {
	nonce := make([]byte, size)
	binary.BigEndian.PutUint16(nonce[:2], counter)
	copy(nonce[2:], suffix)
	return nonce
}

func (c *conn) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		n := len(p)
		if n > maxChunkBody {
			n = maxChunkBody
		}
		chunk := p[:n]
		p = p[n:]

		var sealed []byte
		if c.writeAEAD != nil {
			nonce := bodyNonce(c.writeAEAD.NonceSize(), c.writeCounter, c.writeNonceSuffix)
			sealed = c.writeAEAD.Seal(nonce, chunk)
		} else {
			sealed = append([]byte(nil), chunk...)
		}
		c.writeCounter++ // wraps mod 2^16, matching the reference counter

		length := uint16(len(sealed))
		if c.writeShake != nil {
			length ^= c.writeShake.next()
		}
		lenBuf := make([]byte, 2)
		binary.BigEndian.PutUint16(lenBuf, length)

		out := make([]byte, 0, 2+len(sealed))
		out = append(out, lenBuf...)
		out = append(out, sealed...)
		if _, err := c.Conn.Write(out); err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (c *conn) Read(p []byte) (int, error) {
	if len(c.pending) == 0 {
		if err := c.readFrame(); err != nil {
			return 0, err
		}
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *conn) readFrame() error {
	lenBuf := make([]byte, 2)
	if _, err := readFull(c.br, lenBuf); err != nil {
		return err
	}
	length := binary.BigEndian.Uint16(lenBuf)
	if c.readShake != nil {
		length ^= c.readShake.next()
	}

	ct := make([]byte, length)
	if _, err := readFull(c.br, ct); err != nil {
		return err
	}

	var plain []byte
	if c.readAEAD != nil {
		nonce := bodyNonce(c.readAEAD.NonceSize(), c.readCounter, c.readNonceSuffix)
		pt, err := c.readAEAD.Open(nonce, ct)
		if err != nil {
			return fmt.Errorf("%w: vmess chunk auth failed: %v", gwerr.ErrCrypto, err)
		}
		plain = pt
	} else {
		plain = ct
	}
	c.readCounter++
	c.pending = plain
	return nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	read := 0
	for read < len(buf) {
		n, err := r.Read(buf[read:])
		read += n
		if err != nil {
			return read, err
		}
	}
	return read, nil
}
