// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package outbound

import (
	"context"
	"net"
)

// direct dials the destination straight off the local interface — the
// teacher's Base proxy.
type direct struct {
	dialer net.Dialer
}

var _ Proxy = (*direct)(nil)

func NewDirect() Proxy {
	return &direct{dialer: net.Dialer{}}
}

func (d *direct) ID() string     { return Direct }
func (d *direct) Kind() Kind      { return KindDirect }
func (d *direct) Status() Status { return StatusOK }
func (d *direct) Stop() error    { return nil }

func (d *direct) Dial(ctx context.Context, network, addr string) (net.Conn, error) {
	return d.dialer.DialContext(ctx, network, addr)
}
