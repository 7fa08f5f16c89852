// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package mempressure computes the memory_pressure_q10 signal: an
// integer 0..=1024 pressure indicator meant to be sampled in the
// background (every 200ms-1s) into an atomic, never computed inline on
// the hot path.
package mempressure

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Q10One represents 1.0 (100%) in Q10 fixed point.
const Q10One uint16 = 1024

// PctToQ10 rounds a percentage (0-100) into Q10 (0-1024).
func PctToQ10(pct uint16) uint16 {
	return uint16((uint32(pct)*uint32(Q10One) + 50) / 100)
}

var (
	availHiQ10 = PctToQ10(40)
	availLoQ10 = PctToQ10(10)
	usageLoQ10 = PctToQ10(70)
	usageHiQ10 = PctToQ10(90)
)

// RatioQ10 computes num/denom as a Q10 ratio, clamped to [0, 1024].
// denom == 0 saturates to Q10One, matching the reference implementation's
// "can't divide, assume maximal pressure" convention.
func RatioQ10(num, denom uint64) uint16 {
	if denom == 0 {
		return Q10One
	}
	v := num * uint64(Q10One) / denom
	if v >= uint64(Q10One) {
		return Q10One
	}
	return uint16(v)
}

// PressureFromAvailableQ10 maps an available-memory ratio to pressure:
// lower availability means higher pressure, linearly interpolated between
// availHiQ10 (pressure 0) and availLoQ10 (pressure Q10One).
func PressureFromAvailableQ10(availQ10, hi, lo uint16) uint16 {
	if hi <= lo {
		if availQ10 >= hi {
			return 0
		}
		return Q10One
	}
	if availQ10 >= hi {
		return 0
	}
	if availQ10 <= lo {
		return Q10One
	}
	num := uint32(hi-availQ10) * uint32(Q10One)
	den := uint32(hi - lo)
	v := num / den
	if v > uint32(Q10One) {
		v = uint32(Q10One)
	}
	return uint16(v)
}

// PressureFromUsageQ10 is the usage-side mirror: higher usage, higher pressure.
func PressureFromUsageQ10(usageQ10, lo, hi uint16) uint16 {
	if hi <= lo {
		if usageQ10 >= hi {
			return Q10One
		}
		return 0
	}
	if usageQ10 <= lo {
		return 0
	}
	if usageQ10 >= hi {
		return Q10One
	}
	num := uint32(usageQ10-lo) * uint32(Q10One)
	den := uint32(hi - lo)
	v := num / den
	if v > uint32(Q10One) {
		v = uint32(Q10One)
	}
	return uint16(v)
}

// SystemPressureFromProcMeminfoQ10 reads /proc/meminfo (Linux) and returns
// the Q10 pressure derived from MemAvailable/MemTotal.
func SystemPressureFromProcMeminfoQ10() (uint16, error) {
	total, avail, err := ReadProcMeminfoTotalAvailKB("/proc/meminfo")
	if err != nil {
		return 0, err
	}
	availQ10 := RatioQ10(avail, total)
	return PressureFromAvailableQ10(availQ10, availHiQ10, availLoQ10), nil
}

func ReadProcMeminfoTotalAvailKB(path string) (total, avail uint64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	var haveTotal, haveAvail bool
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case !haveTotal && strings.HasPrefix(line, "MemTotal:"):
			if v, ok := parseMeminfoKB(line); ok {
				total, haveTotal = v, true
			}
		case !haveAvail && strings.HasPrefix(line, "MemAvailable:"):
			if v, ok := parseMeminfoKB(line); ok {
				avail, haveAvail = v, true
			}
		}
		if haveTotal && haveAvail {
			break
		}
	}
	if err := sc.Err(); err != nil {
		return 0, 0, err
	}
	if !haveTotal || !haveAvail {
		return 0, 0, fmt.Errorf("mempressure: missing MemTotal/MemAvailable in %s", path)
	}
	return total, avail, nil
}

func parseMeminfoKB(line string) (uint64, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0, false
	}
	v, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Cgroup2PressureQ10 reads cgroup v2 memory.max/memory.current; returns
// (pressure, true) if a limit is set, (0, false) if unlimited or absent.
func Cgroup2PressureQ10() (uint16, bool, error) {
	limitRaw, err := os.ReadFile("/sys/fs/cgroup/memory.max")
	if err != nil {
		return 0, false, nil
	}
	usageRaw, err := os.ReadFile("/sys/fs/cgroup/memory.current")
	if err != nil {
		return 0, false, nil
	}
	limitS := strings.TrimSpace(string(limitRaw))
	if limitS == "max" {
		return 0, false, nil
	}
	limit, err := strconv.ParseUint(limitS, 10, 64)
	if err != nil || limit == 0 {
		return 0, false, fmt.Errorf("mempressure: invalid cgroup memory.max")
	}
	usage, err := strconv.ParseUint(strings.TrimSpace(string(usageRaw)), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("mempressure: invalid cgroup memory.current")
	}
	usageQ10 := RatioQ10(usage, limit)
	return PressureFromUsageQ10(usageQ10, usageLoQ10, usageHiQ10), true, nil
}
