// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package shadowsocks implements the AEAD-framed Shadowsocks outbound:
// salted HKDF-SHA1 subkey derivation, length-then-payload chunk framing,
// and a little-endian counter nonce per direction.
package shadowsocks

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/sha1"
	"fmt"
	"hash"
	"io"

	"github.com/jedisct1/xsecretbox"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/rethinkdns/gatewaycore/gwerr"
)

func newSHA1() hash.Hash { return sha1.New() }

// CipherKind names a supported AEAD construction.
type CipherKind string

const (
	AES128GCM             CipherKind = "aes-128-gcm"
	AES256GCM             CipherKind = "aes-256-gcm"
	ChaCha20IETFPoly1305  CipherKind = "chacha20-ietf-poly1305"
	XChaCha20IETFPoly1305 CipherKind = "xchacha20-ietf-poly1305"
)

// KeySize returns the master/subkey size for kind, also the salt length
// the wire protocol uses (the two are equal by construction).
func (k CipherKind) KeySize() (int, error) {
	switch k {
	case AES128GCM:
		return 16, nil
	case AES256GCM:
		return 32, nil
	case ChaCha20IETFPoly1305, XChaCha20IETFPoly1305:
		return 32, nil
	default:
		return 0, fmt.Errorf("%w: shadowsocks cipher %q", gwerr.ErrUnsupported, k)
	}
}

// aeadCipher abstracts over stdlib/x-crypto cipher.AEAD and xsecretbox's
// fixed-24-byte-nonce API behind one seal/open surface.
type aeadCipher interface {
	NonceSize() int
	Overhead() int
	Seal(nonce, plaintext []byte) []byte
	Open(nonce, ciphertext []byte) ([]byte, error)
}

type stdAEAD struct{ aead cipher.AEAD }

func (s stdAEAD) NonceSize() int { return s.aead.NonceSize() }
func (s stdAEAD) Overhead() int  { return s.aead.Overhead() }
func (s stdAEAD) Seal(nonce, plaintext []byte) []byte {
	return s.aead.Seal(nil, nonce, plaintext, nil)
}
func (s stdAEAD) Open(nonce, ciphertext []byte) ([]byte, error) {
	return s.aead.Open(nil, nonce, ciphertext, nil)
}

// xchachaAEAD adapts xsecretbox's NaCl-secretbox-shaped Seal/Open (24-byte
// nonce, no AAD) to aeadCipher — the shadowsocks frame AAD is always empty,
// so the mismatch with cipher.AEAD's 4-arg signature doesn't lose anything.
type xchachaAEAD struct{ key []byte }

func (x xchachaAEAD) NonceSize() int { return xsecretbox.NonceSize }
func (x xchachaAEAD) Overhead() int  { return xsecretbox.TagSize }
func (x xchachaAEAD) Seal(nonce, plaintext []byte) []byte {
	return xsecretbox.Seal(nil, nonce, plaintext, x.key)
}
func (x xchachaAEAD) Open(nonce, ciphertext []byte) ([]byte, error) {
	return xsecretbox.Open(nil, nonce, ciphertext, x.key)
}

func newAEAD(kind CipherKind, key []byte) (aeadCipher, error) {
	switch kind {
	case AES128GCM, AES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", gwerr.ErrCrypto, err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", gwerr.ErrCrypto, err)
		}
		return stdAEAD{gcm}, nil
	case ChaCha20IETFPoly1305:
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", gwerr.ErrCrypto, err)
		}
		return stdAEAD{aead}, nil
	case XChaCha20IETFPoly1305:
		if len(key) != xsecretbox.KeySize {
			return nil, fmt.Errorf("%w: xchacha20 key size", gwerr.ErrCrypto)
		}
		return xchachaAEAD{key: key}, nil
	default:
		return nil, fmt.Errorf("%w: shadowsocks cipher %q", gwerr.ErrUnsupported, kind)
	}
}

// passwordToKey derives a master key from a textual password via the
// classic Shadowsocks EVP_BytesToKey-style repeated-MD5 stretch — the
// scheme every shadowsocks implementation (including the reference one
// this spec was distilled from) uses ahead of the per-session HKDF step.
func passwordToKey(password string, keyLen int) []byte {
	var out []byte
	var prev []byte
	for len(out) < keyLen {
		h := md5.New()
		h.Write(prev)
		h.Write([]byte(password))
		prev = h.Sum(nil)
		out = append(out, prev...)
	}
	return out[:keyLen]
}

// hkdfSubkey derives the per-session enc/dec subkey: HKDF-SHA1(masterKey, salt, "ss-subkey").
func hkdfSubkey(masterKey, salt []byte, keyLen int) ([]byte, error) {
	r := hkdf.New(newSHA1, masterKey, salt, []byte("ss-subkey"))
	out := make([]byte, keyLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("%w: hkdf subkey: %v", gwerr.ErrCrypto, err)
	}
	return out, nil
}
