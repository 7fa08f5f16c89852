// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package trie

import "testing"

func TestExactMatch(t *testing.T) {
	tr := New[string]()
	tr.Insert("example.com", "proxy1")

	if v, ok := tr.Search("example.com"); !ok || v != "proxy1" {
		t.Fatalf("want proxy1, got %v %v", v, ok)
	}
	if _, ok := tr.Search("www.example.com"); ok {
		t.Fatal("exact entry should not match subdomain")
	}
	if _, ok := tr.Search("example.org"); ok {
		t.Fatal("should not match unrelated domain")
	}
}

func TestWildcardMatch(t *testing.T) {
	tr := New[string]()
	tr.Insert("*.example.com", "proxy1")

	if v, ok := tr.Search("www.example.com"); !ok || v != "proxy1" {
		t.Fatalf("want proxy1, got %v %v", v, ok)
	}
	if v, ok := tr.Search("foo.bar.example.com"); !ok || v != "proxy1" {
		t.Fatalf("want proxy1, got %v %v", v, ok)
	}
	if _, ok := tr.Search("example.com"); ok {
		t.Fatal("wildcard must not match the apex")
	}
}

func TestFullWildcard(t *testing.T) {
	tr := New[string]()
	tr.Insert("+", "proxy1")

	if v, ok := tr.Search("anything.com"); !ok || v != "proxy1" {
		t.Fatalf("want proxy1, got %v %v", v, ok)
	}
	if v, ok := tr.Search("foo.bar.baz"); !ok || v != "proxy1" {
		t.Fatalf("want proxy1, got %v %v", v, ok)
	}
}

func TestCaseInsensitive(t *testing.T) {
	tr := New[string]()
	tr.Insert("Example.COM", "proxy1")

	if v, ok := tr.Search("example.com"); !ok || v != "proxy1" {
		t.Fatalf("want proxy1, got %v %v", v, ok)
	}
	if v, ok := tr.Search("EXAMPLE.COM"); !ok || v != "proxy1" {
		t.Fatalf("want proxy1, got %v %v", v, ok)
	}
}

func TestPriorityExactOverWildcard(t *testing.T) {
	tr := New[string]()
	tr.Insert("*.example.com", "wildcard")
	tr.Insert("www.example.com", "exact")

	if v, _ := tr.Search("www.example.com"); v != "exact" {
		t.Fatalf("exact entry must win, got %v", v)
	}
	if v, _ := tr.Search("api.example.com"); v != "wildcard" {
		t.Fatalf("want wildcard fallback, got %v", v)
	}
}

func TestInsertSuffixMatchesApexAndSubdomain(t *testing.T) {
	tr := New[string]()
	tr.InsertSuffix("google.com", "PROXY")

	if v, ok := tr.Search("google.com"); !ok || v != "PROXY" {
		t.Fatalf("apex must match, got %v %v", v, ok)
	}
	if v, ok := tr.Search("www.google.com"); !ok || v != "PROXY" {
		t.Fatalf("subdomain must match, got %v %v", v, ok)
	}
}
