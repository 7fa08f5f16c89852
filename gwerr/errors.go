// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package gwerr defines the closed error taxonomy shared by every
// component of the gateway core. Call sites wrap one of these sentinels
// with fmt.Errorf("%w: detail", gwerr.ErrX) so that both errors.Is
// matching and a human-readable detail survive.
package gwerr

import "errors"

var (
	ErrConfig      = errors.New("config error")
	ErrParse       = errors.New("parse error")
	ErrProtocol    = errors.New("protocol error")
	ErrDns         = errors.New("dns error")
	ErrProxy       = errors.New("proxy error")
	ErrConnection  = errors.New("connection error")
	ErrTimeout     = errors.New("timeout error")
	ErrAuth        = errors.New("authentication failed")
	ErrRule        = errors.New("rule matching error")
	ErrTls         = errors.New("tls error")
	ErrCrypto      = errors.New("crypto error")
	ErrAddress     = errors.New("invalid address")
	ErrUnsupported = errors.New("unsupported")
	ErrInternal    = errors.New("internal error")
	// ErrWriteZero is returned by the greedy copy engine when an
	// underlying Write reports n == 0 with a nil error; such a write is
	// fatal to the whole bidirectional copy, never retried.
	ErrWriteZero = errors.New("write: zero bytes written")
)
