// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package mempressure

import "testing"

func TestPctToQ10(t *testing.T) {
	cases := map[uint16]uint16{0: 0, 50: 512, 100: 1024}
	for pct, want := range cases {
		if got := PctToQ10(pct); got != want {
			t.Fatalf("PctToQ10(%d) = %d, want %d", pct, got, want)
		}
	}
}

func TestRatioQ10Clamps(t *testing.T) {
	if RatioQ10(10, 0) != Q10One {
		t.Fatal("denom 0 must saturate to Q10One")
	}
	if RatioQ10(10, 10) != Q10One {
		t.Fatal("equal values must saturate to Q10One")
	}
	if RatioQ10(0, 10) != 0 {
		t.Fatal("zero numerator must be 0")
	}
}

func TestAvailableMappingExtremes(t *testing.T) {
	if v := PressureFromAvailableQ10(availHiQ10, availHiQ10, availLoQ10); v != 0 {
		t.Fatalf("want 0 at hi threshold, got %d", v)
	}
	if v := PressureFromAvailableQ10(availLoQ10, availHiQ10, availLoQ10); v != Q10One {
		t.Fatalf("want Q10One at lo threshold, got %d", v)
	}
}

func TestUsageMappingExtremes(t *testing.T) {
	if v := PressureFromUsageQ10(usageLoQ10, usageLoQ10, usageHiQ10); v != 0 {
		t.Fatalf("want 0 at lo threshold, got %d", v)
	}
	if v := PressureFromUsageQ10(usageHiQ10, usageLoQ10, usageHiQ10); v != Q10One {
		t.Fatalf("want Q10One at hi threshold, got %d", v)
	}
}

func TestPressureLinearInterpolation(t *testing.T) {
	avail25 := PctToQ10(25)
	p := PressureFromAvailableQ10(avail25, availHiQ10, availLoQ10)
	if p <= 450 || p >= 550 {
		t.Fatalf("pressure = %d, want ~512", p)
	}
}
