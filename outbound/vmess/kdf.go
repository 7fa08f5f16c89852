// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package vmess implements the AEAD-only VMess outbound: AES-ECB auth-id,
// a nested-HMAC-SHA256 key derivation function, and a chunked AEAD body
// stream with optional Shake128 length masking.
package vmess

import (
	"crypto/hmac"
	"crypto/sha256"
	"hash"
)

const kdfRoot = "VMess AEAD KDF"

// kdf is the nested HMAC-SHA256 construction: the innermost level is
// HMAC-SHA256 keyed by the literal "VMess AEAD KDF"; each salt in path
// then builds a new HMAC keyed by that salt, but using the *previous
// level's HMAC* — not plain SHA-256 — as its underlying hash function.
// The original key is written into the outermost HMAC once, at the end.
func kdf(key []byte, path ...[]byte) []byte {
	newHash := func() hash.Hash { return hmac.New(sha256.New, []byte(kdfRoot)) }
	for _, salt := range path {
		parent := newHash
		newHash = func() hash.Hash { return hmac.New(parent, salt) }
	}
	mac := newHash()
	mac.Write(key)
	return mac.Sum(nil)
}
