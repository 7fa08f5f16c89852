// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package pool

import (
	"context"
	"log/slog"
	"net"
	"time"
)

// DefaultWarmupBatchSize bounds how many warmup tasks one Warm call
// spawns at a time, independent of how large the predicted deficit is.
const DefaultWarmupBatchSize = 4

// Dialer opens one fresh, ready-to-pool stream. Outbounds that back a
// Pool (trojan, VLESS) supply this as their own tighter-timeout dial
// path: resolve + TCP connect + TLS handshake, the same steps a live
// Dial takes but on a 3s/5s budget instead of the hot-path one.
type Dialer func(ctx context.Context) (net.Conn, error)

// Warm evaluates the predictor and spawns up to batchSize independent
// background fill tasks, each decrementing the warming counter and
// putting its stream into the pool on success. Failures are logged at
// debug level when log is non-nil, and discarded: they neither retry nor
// degrade the hot path.
func (p *Pool) Warm(ctx context.Context, dial Dialer, batchSize int, log *slog.Logger) {
	if batchSize <= 0 {
		batchSize = DefaultWarmupBatchSize
	}
	pred := p.PredictWarmupCount(time.Now())
	n := pred.WarmupCount
	if n > batchSize {
		n = batchSize
	}
	for i := 0; i < n; i++ {
		p.beginWarm()
		go p.fillOne(ctx, dial, log)
	}
}

func (p *Pool) fillOne(ctx context.Context, dial Dialer, log *slog.Logger) {
	defer p.endWarm()
	stream, err := dial(ctx)
	if err != nil {
		if log != nil {
			log.Debug("pool warmup dial failed", "error", err)
		}
		return
	}
	p.Put(stream)
}
