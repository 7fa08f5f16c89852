// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package vmess

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"net/netip"

	"github.com/rethinkdns/gatewaycore/gwerr"
)

// Security levels, matching the reference protocol's enum values.
const (
	SecurityAES128GCM        byte = 0x03
	SecurityChaCha20Poly1305 byte = 0x04
	SecurityNone             byte = 0x05
)

const (
	vmessVersion   = 1
	optChunkStream = 0x01
	cmdTCP         = 1

	atypIPv4   = 1
	atypDomain = 2
	atypIPv6   = 3
)

// requestHeader is the client's plaintext request, before AEAD sealing.
type requestHeader struct {
	nonce          []byte // 16B, seeds body nonce + optional masking XOF
	key            []byte // 16B, seeds the body cipher key
	respHeaderByte byte
	plain          []byte
}

func buildRequestHeader(security byte, host string, port uint16) (*requestHeader, error) {
	nonce := make([]byte, 16)
	key := make([]byte, 16)
	respByte := make([]byte, 1)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", gwerr.ErrCrypto, err)
	}
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("%w: %v", gwerr.ErrCrypto, err)
	}
	if _, err := rand.Read(respByte); err != nil {
		return nil, fmt.Errorf("%w: %v", gwerr.ErrCrypto, err)
	}

	var buf []byte
	buf = append(buf, vmessVersion)
	buf = append(buf, nonce...)
	buf = append(buf, key...)
	buf = append(buf, respByte[0])
	buf = append(buf, optChunkStream)
	buf = append(buf, security) // padding-len nibble 0, security in low nibble
	buf = append(buf, 0)        // reserved
	buf = append(buf, cmdTCP)

	portBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(portBytes, port)
	buf = append(buf, portBytes...)

	addrBytes, err := encodeVmessAddr(host)
	if err != nil {
		return nil, err
	}
	buf = append(buf, addrBytes...)

	f := fnv.New32a()
	f.Write(buf)
	sumBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(sumBytes, f.Sum32())
	buf = append(buf, sumBytes...)

	return &requestHeader{nonce: nonce, key: key, respHeaderByte: respByte[0], plain: buf}, nil
}

func encodeVmessAddr(host string) ([]byte, error) {
	if ip, err := netip.ParseAddr(host); err == nil {
		if ip.Is4() {
			b := ip.As4()
			return append([]byte{atypIPv4}, b[:]...), nil
		}
		b := ip.As16()
		return append([]byte{atypIPv6}, b[:]...), nil
	}
	if len(host) > 255 {
		return nil, fmt.Errorf("%w: vmess domain too long", gwerr.ErrAddress)
	}
	return append([]byte{atypDomain, byte(len(host))}, []byte(host)...), nil
}
