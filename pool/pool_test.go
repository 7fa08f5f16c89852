// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package pool

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func pipePair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	return a, b
}

func TestPoolPutTryGetRoundTrip(t *testing.T) {
	p := New(4)
	a, _ := pipePair(t)
	p.Put(a)
	require.Equal(t, 1, p.Available())

	got := p.TryGet()
	require.Same(t, a, got)
	require.Equal(t, 0, p.Available())
}

func TestPoolTryGetEmptyReturnsNil(t *testing.T) {
	p := New(4)
	require.Nil(t, p.TryGet())
}

func TestPoolPutDropsWhenFull(t *testing.T) {
	p := New(1)
	a, _ := pipePair(t)
	b, _ := pipePair(t)
	p.Put(a)
	p.Put(b) // dropped, no eviction
	require.Equal(t, 1, p.Available())
}

func TestPoolTryGetDropsStaleEntries(t *testing.T) {
	p := New(4)
	p.maxIdle = 10 * time.Millisecond
	a, _ := pipePair(t)
	p.Put(a)
	time.Sleep(20 * time.Millisecond)

	require.Nil(t, p.TryGet())
	require.Equal(t, 0, p.Available())
}

func TestPoolCloseDrainsEntries(t *testing.T) {
	p := New(4)
	a, _ := pipePair(t)
	p.Put(a)
	p.Close()
	require.Equal(t, 0, p.Available())
}

func TestPredictWarmupCountMinCapWhenIdle(t *testing.T) {
	p := New(16)
	pred := p.PredictWarmupCount(time.Now())
	require.Equal(t, minCap, pred.SuggestedCap)
}

func TestPredictWarmupCountScalesWithArrivalRate(t *testing.T) {
	p := New(16)
	now := time.Now()
	for i := 0; i < 100; i++ {
		p.ring.record(now.Add(-time.Duration(i) * 10 * time.Millisecond))
	}

	pred := p.PredictWarmupCount(now)
	require.Greater(t, pred.SuggestedCap, minCap)
	require.Greater(t, pred.QPSFast, 50.0)
}

func TestPoissonQuantileMonotonic(t *testing.T) {
	require.Equal(t, 0.0, poissonQuantile(0, 0.99))
	small := poissonQuantile(1, 0.99)
	large := poissonQuantile(10, 0.99)
	require.Greater(t, large, small)
}

func TestWarmSpawnsBoundedBatch(t *testing.T) {
	p := New(16)
	now := time.Now()
	for i := 0; i < 200; i++ {
		p.ring.record(now.Add(-time.Duration(i) * time.Millisecond))
	}

	calls := make(chan struct{}, 100)
	dial := func(ctx context.Context) (net.Conn, error) {
		calls <- struct{}{}
		a, _ := net.Pipe()
		return a, nil
	}

	p.Warm(context.Background(), dial, 3, nil)

	deadline := time.After(time.Second)
	received := 0
	for received < 3 {
		select {
		case <-calls:
			received++
		case <-deadline:
			t.Fatalf("only received %d of 3 expected warm dials", received)
		}
	}
}
