// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package vmess

import (
	"crypto/aes"
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/rethinkdns/gatewaycore/gwerr"
)

const cmdKeySalt = "c48619fe-8f02-49e0-b9e9-edf763e17e21"

// deriveCmdKey builds the per-identity command key the auth-id encryption
// and header KDF are both rooted on.
func deriveCmdKey(uuid [16]byte) []byte {
	h := md5.New()
	h.Write(uuid[:])
	h.Write([]byte(cmdKeySalt))
	return h.Sum(nil)
}

// buildAuthID produces the 16-byte authenticated identifier sent ahead of
// every request: AES-ECB(key=KDF(cmdKey,"AES Auth ID Encryption"))(BE64
// timestamp || 4 random bytes || CRC32 of the first 12 bytes).
func buildAuthID(cmdKeyBytes []byte, now time.Time, randBytes [4]byte) ([16]byte, error) {
	var plain [16]byte
	binary.BigEndian.PutUint64(plain[0:8], uint64(now.Unix()))
	copy(plain[8:12], randBytes[:])
	crc := crc32.ChecksumIEEE(plain[:12])
	binary.BigEndian.PutUint32(plain[12:16], crc)

	key := kdf(cmdKeyBytes, []byte("AES Auth ID Encryption"))[:16]
	block, err := aes.NewCipher(key)
	if err != nil {
		return [16]byte{}, fmt.Errorf("%w: %v", gwerr.ErrCrypto, err)
	}
	var out [16]byte
	block.Encrypt(out[:], plain[:])
	return out, nil
}
