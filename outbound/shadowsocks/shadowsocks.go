// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package shadowsocks

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"

	"github.com/rethinkdns/gatewaycore/gwerr"
	"github.com/rethinkdns/gatewaycore/outbound"
)

// Config describes one Shadowsocks outbound, taken directly off a proxy
// descriptor's kind-specific params.
type Config struct {
	Name     string
	Server   string
	Port     uint16
	Password string
	Cipher   CipherKind
}

type Proxy struct {
	cfg       Config
	masterKey []byte
	keySize   int
}

var _ outbound.Proxy = (*Proxy)(nil)

func New(cfg Config) (*Proxy, error) {
	keySize, err := cfg.Cipher.KeySize()
	if err != nil {
		return nil, err
	}
	return &Proxy{
		cfg:       cfg,
		masterKey: passwordToKey(cfg.Password, keySize),
		keySize:   keySize,
	}, nil
}

func (p *Proxy) ID() string            { return p.cfg.Name }
func (p *Proxy) Kind() outbound.Kind    { return outbound.KindShadowsocks }
func (p *Proxy) Status() outbound.Status { return outbound.StatusOK }
func (p *Proxy) Stop() error            { return nil }

// Dial performs the Shadowsocks handshake: TCP connect, salt + sealed
// target-address header, then chunked-stream mode for the life of the
// connection.
func (p *Proxy) Dial(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := splitHostPort(addr)
	if err != nil {
		return nil, err
	}

	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", net.JoinHostPort(p.cfg.Server, fmt.Sprint(p.cfg.Port)))
	if err != nil {
		return nil, fmt.Errorf("%w: shadowsocks connect: %v", gwerr.ErrConnection, err)
	}

	salt := make([]byte, p.keySize)
	if _, err := rand.Read(salt); err != nil {
		raw.Close()
		return nil, fmt.Errorf("%w: %v", gwerr.ErrCrypto, err)
	}

	encSubkey, err := hkdfSubkey(p.masterKey, salt, p.keySize)
	if err != nil {
		raw.Close()
		return nil, err
	}
	encAEAD, err := newAEAD(p.cfg.Cipher, encSubkey)
	if err != nil {
		raw.Close()
		return nil, err
	}

	if _, err := raw.Write(salt); err != nil {
		raw.Close()
		return nil, fmt.Errorf("%w: shadowsocks salt write: %v", gwerr.ErrConnection, err)
	}

	c := &conn{
		Conn:    raw,
		encAEAD: encAEAD,
		encNonce: newNonceCounter(encAEAD.NonceSize()),
	}
	c.br = newBufReader(raw)

	targetHdr, err := encodeSocksAddr(host, port)
	if err != nil {
		raw.Close()
		return nil, err
	}
	if _, err := c.Write(targetHdr); err != nil {
		raw.Close()
		return nil, fmt.Errorf("%w: shadowsocks target header: %v", gwerr.ErrConnection, err)
	}

	// Decryption subkey is derived lazily from the peer's salt on first read.
	c.lazyDecrypt = func(peerSalt []byte) error {
		decSubkey, err := hkdfSubkey(p.masterKey, peerSalt, p.keySize)
		if err != nil {
			return err
		}
		decAEAD, err := newAEAD(p.cfg.Cipher, decSubkey)
		if err != nil {
			return err
		}
		c.decAEAD = decAEAD
		c.decNonce = newNonceCounter(decAEAD.NonceSize())
		return nil
	}
	c.saltSize = p.keySize

	return c, nil
}
