// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package outbound

import (
	"context"
	"fmt"
	"net"

	"github.com/rethinkdns/gatewaycore/gwerr"
)

// reject refuses every dial outright — the teacher's Block/ground proxy,
// used for rule targets that should drop traffic rather than route it.
type reject struct{}

var _ Proxy = (*reject)(nil)

func NewReject() Proxy { return reject{} }

func (reject) ID() string     { return Reject }
func (reject) Kind() Kind      { return KindReject }
func (reject) Status() Status { return StatusOK }
func (reject) Stop() error    { return nil }

func (reject) Dial(ctx context.Context, network, addr string) (net.Conn, error) {
	return nil, fmt.Errorf("%w: %s blocked by rule", gwerr.ErrProxy, addr)
}
