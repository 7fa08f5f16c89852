// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package rule

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rethinkdns/gatewaycore/metadata"
)

func meta(host string, port uint16) metadata.Metadata {
	return metadata.NewTCP().WithHost(host).WithDstPort(port)
}

func TestParseRule(t *testing.T) {
	r, err := Parse("DOMAIN-SUFFIX,google.com,PROXY")
	require.NoError(t, err)
	require.Equal(t, TypeDomainSuffix, r.Type)
	require.Equal(t, "google.com", r.Payload)
	require.Equal(t, "PROXY", r.Target)
}

func TestParseMatchRule(t *testing.T) {
	r, err := Parse("MATCH,DIRECT")
	require.NoError(t, err)
	require.Equal(t, TypeMatch, r.Type)
	require.Equal(t, "DIRECT", r.Target)
}

func TestRuleEngineOrderedCategories(t *testing.T) {
	e, err := NewEngineFromRules([]string{
		"DOMAIN-SUFFIX,google.com,PROXY",
		"DOMAIN,example.org,DIRECT",
		"DOMAIN-KEYWORD,facebook,PROXY",
		"MATCH,DIRECT",
	}, nil)
	require.NoError(t, err)
	require.Equal(t, 4, e.RuleCount())

	target, _ := e.MatchRules(meta("www.google.com", 443))
	require.Equal(t, "PROXY", target)

	target, _ = e.MatchRules(meta("example.org", 80))
	require.Equal(t, "DIRECT", target)

	target, _ = e.MatchRules(meta("m.facebook.com", 443))
	require.Equal(t, "PROXY", target)

	target, desc := e.MatchRules(meta("unknown.com", 80))
	require.Equal(t, "DIRECT", target)
	require.Equal(t, "MATCH", desc)
}

func TestIPCidrRule(t *testing.T) {
	e, err := NewEngineFromRules([]string{
		"IP-CIDR,192.168.0.0/16,DIRECT",
		"MATCH,PROXY",
	}, nil)
	require.NoError(t, err)

	m := meta("", 80)
	m.DstIP = netip.MustParseAddr("192.168.1.1")
	target, _ := e.MatchRules(m)
	require.Equal(t, "DIRECT", target)

	m.DstIP = netip.MustParseAddr("8.8.8.8")
	target, _ = e.MatchRules(m)
	require.Equal(t, "PROXY", target)
}

func TestDefaultDirectWithNoRules(t *testing.T) {
	e := NewEngine(nil)
	target, desc := e.MatchRules(meta("anything.com", 443))
	require.Equal(t, "DIRECT", target)
	require.Equal(t, "default", desc)
}
