// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package vmess

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/rethinkdns/gatewaycore/gwerr"
)

// bodyAEAD is nil for the None security level — chunks are framed but
// not authenticated.
type bodyAEAD interface {
	NonceSize() int
	Overhead() int
	Seal(nonce, plaintext []byte) []byte
	Open(nonce, ciphertext []byte) ([]byte, error)
}

type stdBodyAEAD struct{ aead cipher.AEAD }

func (s stdBodyAEAD) NonceSize() int { return s.aead.NonceSize() }
func (s stdBodyAEAD) Overhead() int  { return s.aead.Overhead() }
func (s stdBodyAEAD) Seal(nonce, pt []byte) []byte {
	return s.aead.Seal(nil, nonce, pt, nil)
}
func (s stdBodyAEAD) Open(nonce, ct []byte) ([]byte, error) {
	return s.aead.Open(nil, nonce, ct, nil)
}

func newBodyAEAD(security byte, key []byte) (bodyAEAD, error) {
	switch security {
	case SecurityAES128GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", gwerr.ErrCrypto, err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", gwerr.ErrCrypto, err)
		}
		return stdBodyAEAD{gcm}, nil
	case SecurityChaCha20Poly1305:
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", gwerr.ErrCrypto, err)
		}
		return stdBodyAEAD{aead}, nil
	case SecurityNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: vmess security %d", gwerr.ErrUnsupported, security)
	}
}

// bodyCipherKey maps a 16-byte handshake key to the key the selected
// security level's AEAD actually consumes.
func bodyCipherKey(security byte, key16 []byte) []byte {
	if security == SecurityChaCha20Poly1305 {
		return chacha20KeyChain(key16)
	}
	return key16
}

// chacha20KeyChain stretches a 16-byte key into ChaCha20-Poly1305's
// 32-byte key via two chained MD5 rounds, per the reference protocol.
func chacha20KeyChain(key16 []byte) []byte {
	a := md5.Sum(key16)
	b := md5.Sum(a[:])
	out := make([]byte, 0, 32)
	out = append(out, a[:]...)
	out = append(out, b[:]...)
	return out
}

// newHeaderAEAD is the fixed AES-128-GCM construction used for the
// length and header frames, independent of the body security level.
func newHeaderAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gwerr.ErrCrypto, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gwerr.ErrCrypto, err)
	}
	return gcm, nil
}
