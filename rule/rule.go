// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package rule implements the ordered rule engine: parsing
// "TYPE,payload,target[,no-resolve]" strings and matching Metadata
// against them in category order, stopping at the first match.
package rule

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/rethinkdns/gatewaycore/gwerr"
	"github.com/rethinkdns/gatewaycore/metadata"
	"github.com/rethinkdns/gatewaycore/rule/geoip"
	"github.com/rethinkdns/gatewaycore/rule/trie"
)

type Type int

const (
	TypeDomainSuffix Type = iota
	TypeDomain
	TypeDomainKeyword
	TypeGeoIP
	TypeIPCidr
	TypeSrcIPCidr
	TypeSrcPort
	TypeDstPort
	TypeProcessName
	TypeProcessPath
	TypeNetwork
	TypeInboundType
	TypeMatch
)

func parseType(s string) (Type, error) {
	switch strings.ToUpper(s) {
	case "DOMAIN-SUFFIX":
		return TypeDomainSuffix, nil
	case "DOMAIN":
		return TypeDomain, nil
	case "DOMAIN-KEYWORD":
		return TypeDomainKeyword, nil
	case "GEOIP":
		return TypeGeoIP, nil
	case "IP-CIDR", "IP-CIDR6":
		return TypeIPCidr, nil
	case "SRC-IP-CIDR":
		return TypeSrcIPCidr, nil
	case "SRC-PORT":
		return TypeSrcPort, nil
	case "DST-PORT":
		return TypeDstPort, nil
	case "PROCESS-NAME":
		return TypeProcessName, nil
	case "PROCESS-PATH":
		return TypeProcessPath, nil
	case "NETWORK":
		return TypeNetwork, nil
	case "INBOUND-TYPE", "IN-TYPE":
		return TypeInboundType, nil
	case "MATCH", "FINAL":
		return TypeMatch, nil
	default:
		return 0, fmt.Errorf("%w: unknown rule type %q", gwerr.ErrRule, s)
	}
}

// Rule is one parsed line of the rule list.
type Rule struct {
	Type      Type
	Payload   string
	Target    string
	NoResolve bool
}

// Parse parses "TYPE,payload,target[,no-resolve]" or "MATCH,target".
func Parse(s string) (Rule, error) {
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	if len(parts) < 2 {
		return Rule{}, fmt.Errorf("%w: invalid rule %q", gwerr.ErrRule, s)
	}

	t, err := parseType(parts[0])
	if err != nil {
		return Rule{}, err
	}

	if t == TypeMatch {
		return Rule{Type: t, Target: parts[1]}, nil
	}
	if len(parts) < 3 {
		return Rule{}, fmt.Errorf("%w: invalid rule %q", gwerr.ErrRule, s)
	}
	noResolve := len(parts) > 3 && strings.EqualFold(parts[3], "no-resolve")
	return Rule{Type: t, Payload: parts[1], Target: parts[2], NoResolve: noResolve}, nil
}

type cidrTarget struct {
	prefix netip.Prefix
	target string
}

type strTarget struct {
	key    string
	target string
}

// Engine evaluates metadata against a static, load-time-built rule set.
// Each category uses the fastest structure that fits it (tries for
// domain-exact/suffix, linear scan elsewhere per spec), evaluated in a
// fixed category order; the first match wins.
type Engine struct {
	domainExact  *trie.DomainTrie[string]
	domainSuffix *trie.DomainTrie[string]
	domainKeyword []strTarget
	srcPorts     []struct {
		port   uint16
		target string
	}
	dstPorts []struct {
		port   uint16
		target string
	}
	srcIPCidrs   []cidrTarget
	ipCidrs      []cidrTarget
	processNames []strTarget
	network      []strTarget
	geoipRules   []strTarget
	geoReader    *geoip.Reader
	finalTarget  string
	hasFinal     bool
	count        int
}

func NewEngine(geoReader *geoip.Reader) *Engine {
	if geoReader == nil {
		geoReader = geoip.NewReader()
	}
	return &Engine{
		domainExact:  trie.New[string](),
		domainSuffix: trie.New[string](),
		geoReader:    geoReader,
	}
}

// NewEngineFromRules builds an Engine from rule strings in order, failing
// on the first unparseable rule.
func NewEngineFromRules(rules []string, geoReader *geoip.Reader) (*Engine, error) {
	e := NewEngine(geoReader)
	for _, r := range rules {
		if err := e.AddRule(r); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (e *Engine) AddRule(s string) error {
	r, err := Parse(s)
	if err != nil {
		return err
	}
	e.count++

	switch r.Type {
	case TypeDomainSuffix:
		e.domainSuffix.InsertSuffix(r.Payload, r.Target)
	case TypeDomain:
		e.domainExact.Insert(r.Payload, r.Target)
	case TypeDomainKeyword:
		e.domainKeyword = append(e.domainKeyword, strTarget{strings.ToLower(r.Payload), r.Target})
	case TypeIPCidr:
		p, err := netip.ParsePrefix(r.Payload)
		if err != nil {
			return fmt.Errorf("%w: invalid cidr %q: %v", gwerr.ErrRule, r.Payload, err)
		}
		e.ipCidrs = append(e.ipCidrs, cidrTarget{p, r.Target})
	case TypeSrcIPCidr:
		p, err := netip.ParsePrefix(r.Payload)
		if err != nil {
			return fmt.Errorf("%w: invalid cidr %q: %v", gwerr.ErrRule, r.Payload, err)
		}
		e.srcIPCidrs = append(e.srcIPCidrs, cidrTarget{p, r.Target})
	case TypeSrcPort:
		port, err := strconv.ParseUint(r.Payload, 10, 16)
		if err != nil {
			return fmt.Errorf("%w: invalid port %q: %v", gwerr.ErrRule, r.Payload, err)
		}
		e.srcPorts = append(e.srcPorts, struct {
			port   uint16
			target string
		}{uint16(port), r.Target})
	case TypeDstPort:
		port, err := strconv.ParseUint(r.Payload, 10, 16)
		if err != nil {
			return fmt.Errorf("%w: invalid port %q: %v", gwerr.ErrRule, r.Payload, err)
		}
		e.dstPorts = append(e.dstPorts, struct {
			port   uint16
			target string
		}{uint16(port), r.Target})
	case TypeProcessName, TypeProcessPath:
		e.processNames = append(e.processNames, strTarget{strings.ToLower(r.Payload), r.Target})
	case TypeGeoIP:
		e.geoipRules = append(e.geoipRules, strTarget{strings.ToUpper(r.Payload), r.Target})
	case TypeNetwork:
		e.network = append(e.network, strTarget{strings.ToUpper(r.Payload), r.Target})
	case TypeInboundType:
		// accepted for forward-compat rule-list grammar but not
		// evaluated: the core doesn't model multiple inbound listener
		// identities as a rule dimension.
	case TypeMatch:
		e.finalTarget = r.Target
		e.hasFinal = true
	}
	return nil
}

func (e *Engine) RuleCount() int { return e.count }
func (e *Engine) HasRules() bool { return e.count > 0 }

// MatchRules resolves metadata to (proxyName, ruleDescription), evaluating
// categories in the fixed order from spec.md §4.3.
func (e *Engine) MatchRules(m metadata.Metadata) (string, string) {
	host := strings.ToLower(m.Host)
	if host != "" {
		if target, ok := e.domainExact.Search(host); ok {
			return target, fmt.Sprintf("DOMAIN,%s", host)
		}
		if target, ok := e.domainSuffix.Search(host); ok {
			return target, fmt.Sprintf("DOMAIN-SUFFIX,%s", host)
		}
		for _, kt := range e.domainKeyword {
			if strings.Contains(host, kt.key) {
				return kt.target, fmt.Sprintf("DOMAIN-KEYWORD,%s", kt.key)
			}
		}
	}

	for _, pt := range e.srcPorts {
		if m.SrcPort == pt.port {
			return pt.target, fmt.Sprintf("SRC-PORT,%d", pt.port)
		}
	}
	for _, pt := range e.dstPorts {
		if m.DstPort == pt.port {
			return pt.target, fmt.Sprintf("DST-PORT,%d", pt.port)
		}
	}
	for _, ct := range e.srcIPCidrs {
		if m.SrcIP.IsValid() && ct.prefix.Contains(m.SrcIP) {
			return ct.target, fmt.Sprintf("SRC-IP-CIDR,%s", ct.prefix)
		}
	}
	if m.DstIP.IsValid() {
		for _, ct := range e.ipCidrs {
			if ct.prefix.Contains(m.DstIP) {
				return ct.target, fmt.Sprintf("IP-CIDR,%s", ct.prefix)
			}
		}
	}
	if m.Process != "" {
		proc := strings.ToLower(m.Process)
		for _, pt := range e.processNames {
			if proc == pt.key || strings.HasSuffix(proc, pt.key) {
				return pt.target, fmt.Sprintf("PROCESS-NAME,%s", pt.key)
			}
		}
	}
	network := strings.ToUpper(m.Network.String())
	for _, nt := range e.network {
		if network == nt.key {
			return nt.target, fmt.Sprintf("NETWORK,%s", nt.key)
		}
	}
	if m.DstIP.IsValid() {
		for _, gt := range e.geoipRules {
			if e.geoReader.Matches(m.DstIP, gt.key) {
				return gt.target, fmt.Sprintf("GEOIP,%s", gt.key)
			}
		}
	}
	if e.hasFinal {
		return e.finalTarget, "MATCH"
	}
	return "DIRECT", "default"
}
