// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package vmess

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rethinkdns/gatewaycore/gwerr"
	"github.com/rethinkdns/gatewaycore/outbound"
)

// Config describes one VMess outbound.
type Config struct {
	Name     string
	Server   string
	Port     uint16
	UUID     string // canonical 8-4-4-4-12 hex, dashes optional
	Security byte   // SecurityAES128GCM, SecurityChaCha20Poly1305, or SecurityNone
}

type Proxy struct {
	cfg     Config
	uuid    [16]byte
	cmdKey  []byte
}

var _ outbound.Proxy = (*Proxy)(nil)

func New(cfg Config) (*Proxy, error) {
	uuid, err := parseUUID(cfg.UUID)
	if err != nil {
		return nil, err
	}
	return &Proxy{cfg: cfg, uuid: uuid, cmdKey: deriveCmdKey(uuid)}, nil
}

func (p *Proxy) ID() string             { return p.cfg.Name }
func (p *Proxy) Kind() outbound.Kind    { return outbound.KindVMess }
func (p *Proxy) Status() outbound.Status { return outbound.StatusOK }
func (p *Proxy) Stop() error            { return nil }

// Dial performs the full AEAD handshake: auth id, sealed request header,
// then hands back a conn set up for chunked body streaming in both
// directions once the response header has been verified.
func (p *Proxy) Dial(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := splitHostPort(addr)
	if err != nil {
		return nil, err
	}

	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", net.JoinHostPort(p.cfg.Server, fmt.Sprint(p.cfg.Port)))
	if err != nil {
		return nil, fmt.Errorf("%w: vmess connect: %v", gwerr.ErrConnection, err)
	}

	var randBytes [4]byte
	if _, err := rand.Read(randBytes[:]); err != nil {
		raw.Close()
		return nil, fmt.Errorf("%w: %v", gwerr.ErrCrypto, err)
	}
	authID, err := buildAuthID(p.cmdKey, time.Now(), randBytes)
	if err != nil {
		raw.Close()
		return nil, err
	}

	req, err := buildRequestHeader(p.cfg.Security, host, port)
	if err != nil {
		raw.Close()
		return nil, err
	}

	connNonce := make([]byte, 8)
	if _, err := rand.Read(connNonce); err != nil {
		raw.Close()
		return nil, fmt.Errorf("%w: %v", gwerr.ErrCrypto, err)
	}

	lenKey := kdf(p.cmdKey, []byte("VMess Header AEAD Key_Length"), authID[:], connNonce)[:16]
	lenIV := kdf(p.cmdKey, []byte("VMess Header AEAD Nonce_Length"), authID[:], connNonce)[:12]
	hdrKey := kdf(p.cmdKey, []byte("VMess Header AEAD Key"), authID[:], connNonce)[:16]
	hdrIV := kdf(p.cmdKey, []byte("VMess Header AEAD Nonce"), authID[:], connNonce)[:12]

	lenAEAD, err := newHeaderAEAD(lenKey)
	if err != nil {
		raw.Close()
		return nil, err
	}
	hdrAEAD, err := newHeaderAEAD(hdrKey)
	if err != nil {
		raw.Close()
		return nil, err
	}

	hdrLenBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(hdrLenBuf, uint16(len(req.plain)))
	sealedLen := lenAEAD.Seal(nil, lenIV, hdrLenBuf, authID[:])
	sealedHdr := hdrAEAD.Seal(nil, hdrIV, req.plain, authID[:])

	wire := make([]byte, 0, 16+len(sealedLen)+8+len(sealedHdr))
	wire = append(wire, authID[:]...)
	wire = append(wire, sealedLen...)
	wire = append(wire, connNonce...)
	wire = append(wire, sealedHdr...)
	if _, err := raw.Write(wire); err != nil {
		raw.Close()
		return nil, fmt.Errorf("%w: vmess request write: %v", gwerr.ErrConnection, err)
	}

	respKeyArr := sha256.Sum256(req.key)
	respNonceArr := sha256.Sum256(req.nonce)
	respKey, respNonce := respKeyArr[:16], respNonceArr[:16]

	br := bufio.NewReader(raw)
	if err := readResponseHeader(br, respKey, respNonce, req.respHeaderByte); err != nil {
		raw.Close()
		return nil, err
	}

	bodyKey := bodyCipherKey(p.cfg.Security, req.key)
	writeAEAD, err := newBodyAEAD(p.cfg.Security, bodyKey)
	if err != nil {
		raw.Close()
		return nil, err
	}
	respBodyKey := bodyCipherKey(p.cfg.Security, respKey)
	readAEAD, err := newBodyAEAD(p.cfg.Security, respBodyKey)
	if err != nil {
		raw.Close()
		return nil, err
	}

	c := &conn{
		Conn:             raw,
		br:               br,
		writeAEAD:        writeAEAD,
		writeNonceSuffix: req.nonce[2:12],
		readAEAD:         readAEAD,
		readNonceSuffix:  respNonce[2:12],
	}
	return c, nil
}

// readResponseHeader decrypts and validates the server's response header:
// length frame, then the header frame, whose first byte must echo the
// byte the client sent in its request.
func readResponseHeader(br *bufio.Reader, respKey, respNonce []byte, expectByte byte) error {
	lenKey := kdf(respKey, []byte("AEAD Resp Header Len Key"))[:16]
	lenIV := kdf(respNonce, []byte("AEAD Resp Header Len IV"))[:12]
	hdrKey := kdf(respKey, []byte("AEAD Resp Header Key"))[:16]
	hdrIV := kdf(respNonce, []byte("AEAD Resp Header IV"))[:12]

	lenAEAD, err := newHeaderAEAD(lenKey)
	if err != nil {
		return err
	}
	hdrAEAD, err := newHeaderAEAD(hdrKey)
	if err != nil {
		return err
	}

	sealedLen := make([]byte, 2+lenAEAD.Overhead())
	if _, err := readFull(br, sealedLen); err != nil {
		return fmt.Errorf("%w: vmess response length: %v", gwerr.ErrConnection, err)
	}
	plainLen, err := lenAEAD.Open(nil, lenIV, sealedLen, nil)
	if err != nil {
		return fmt.Errorf("%w: vmess response length auth failed: %v", gwerr.ErrCrypto, err)
	}
	hdrLen := binary.BigEndian.Uint16(plainLen)

	sealedHdr := make([]byte, int(hdrLen)+hdrAEAD.Overhead())
	if _, err := readFull(br, sealedHdr); err != nil {
		return fmt.Errorf("%w: vmess response header: %v", gwerr.ErrConnection, err)
	}
	plainHdr, err := hdrAEAD.Open(nil, hdrIV, sealedHdr, nil)
	if err != nil {
		return fmt.Errorf("%w: vmess response header auth failed: %v", gwerr.ErrCrypto, err)
	}
	if len(plainHdr) < 1 || plainHdr[0] != expectByte {
		return fmt.Errorf("%w: vmess response header mismatch", gwerr.ErrProtocol)
	}
	return nil
}

func parseUUID(s string) ([16]byte, error) {
	clean := strings.ReplaceAll(s, "-", "")
	var out [16]byte
	b, err := hex.DecodeString(clean)
	if err != nil || len(b) != 16 {
		return out, fmt.Errorf("%w: invalid vmess uuid %q", gwerr.ErrConfig, s)
	}
	copy(out[:], b)
	return out, nil
}

func splitHostPort(addr string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", gwerr.ErrAddress, err)
	}
	var port uint16
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return "", 0, fmt.Errorf("%w: invalid port %q", gwerr.ErrAddress, portStr)
	}
	return host, port, nil
}
