// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package shadowsocks

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"net"

	"github.com/rethinkdns/gatewaycore/gwerr"
)

const (
	maxChunkPlain = 16 * 1024
	lengthMask    = 0x3FFF
)

// conn wraps a raw TCP connection to a shadowsocks server with AEAD
// chunk framing. The write side seals eagerly; the read side buffers
// the underlying socket and decodes length-then-payload frames lazily.
type conn struct {
	net.Conn
	br *bufio.Reader

	encAEAD  aeadCipher
	decAEAD  aeadCipher
	encNonce *nonceCounter
	decNonce *nonceCounter

	// decoded-but-unconsumed plaintext from the most recent frame.
	pending []byte

	// saltSize/lazyDecrypt: the decryption subkey depends on the peer's
	// salt, consumed from the very first bytes of the read side, so it
	// can only be derived once data actually arrives.
	saltSize    int
	lazyDecrypt func(peerSalt []byte) error
}

func newConn(raw net.Conn, encAEAD, decAEAD aeadCipher) *conn {
	return &conn{
		Conn:     raw,
		br:       newBufReader(raw),
		encAEAD:  encAEAD,
		decAEAD:  decAEAD,
		encNonce: newNonceCounter(encAEAD.NonceSize()),
		decNonce: newNonceCounter(decAEAD.NonceSize()),
	}
}

func newBufReader(raw net.Conn) *bufio.Reader {
	return bufio.NewReaderSize(raw, 64*1024)
}

func (c *conn) sealChunk(plain []byte) []byte {
	sealed := c.encAEAD.Seal(c.encNonce.bytes(), plain)
	c.encNonce.increment()
	return sealed
}

// Write frames application data into ≤16KiB plaintext chunks, each sent
// as enc(length) || enc(payload).
func (c *conn) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		n := len(p)
		if n > maxChunkPlain {
			n = maxChunkPlain
		}
		chunk := p[:n]
		p = p[n:]

		lenBuf := make([]byte, 2)
		binary.BigEndian.PutUint16(lenBuf, uint16(n)&lengthMask)

		sealedLen := c.sealChunk(lenBuf)
		sealedPayload := c.sealChunk(chunk)

		out := make([]byte, 0, len(sealedLen)+len(sealedPayload))
		out = append(out, sealedLen...)
		out = append(out, sealedPayload...)

		if _, err := c.Conn.Write(out); err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (c *conn) openChunk(ciphertext []byte) ([]byte, error) {
	plain, err := c.decAEAD.Open(c.decNonce.bytes(), ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: shadowsocks chunk auth failed: %v", gwerr.ErrCrypto, err)
	}
	c.decNonce.increment()
	return plain, nil
}

// Read decodes one frame (or drains a previously decoded one) into p.
func (c *conn) Read(p []byte) (int, error) {
	if c.decAEAD == nil {
		if err := c.readPeerSalt(); err != nil {
			return 0, err
		}
	}
	if len(c.pending) == 0 {
		if err := c.readFrame(); err != nil {
			return 0, err
		}
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

// readPeerSalt consumes the server's salt (first saltSize bytes of the
// reply) and derives the decryption subkey from it, per the handshake:
// the two directions use independently generated salts.
func (c *conn) readPeerSalt() error {
	salt := make([]byte, c.saltSize)
	if _, err := readFull(c.br, salt); err != nil {
		return err
	}
	if err := c.lazyDecrypt(salt); err != nil {
		return err
	}
	c.decNonce = newNonceCounter(c.decAEAD.NonceSize())
	return nil
}

func (c *conn) readFrame() error {
	lenCt := make([]byte, 2+c.decAEAD.Overhead())
	if _, err := readFull(c.br, lenCt); err != nil {
		return err
	}
	lenPt, err := c.openChunk(lenCt)
	if err != nil {
		return err
	}
	length := int(binary.BigEndian.Uint16(lenPt) & lengthMask)

	payloadCt := make([]byte, length+c.decAEAD.Overhead())
	if _, err := readFull(c.br, payloadCt); err != nil {
		return err
	}
	payload, err := c.openChunk(payloadCt)
	if err != nil {
		return err
	}
	c.pending = payload
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
