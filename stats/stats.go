// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package stats implements the connection-statistics component: process-
// global byte counters with a 1-Hz rate window, and a concurrent registry
// of in-flight TrackedConnections keyed by UUID.
package stats

import (
	"crypto/rand"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rethinkdns/gatewaycore/metadata"
)

// TrackedConnection is registered at dial success and deregistered when
// its wrapper is closed; nothing else needs to know a connection ended.
type TrackedConnection struct {
	ID       string
	Metadata metadata.Metadata
	Chains   []string
	RuleType string
	RulePayload string
	Start    time.Time

	upload   atomic.Uint64
	download atomic.Uint64
}

func newID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	// version 4, variant 10xx, matching RFC 4122's random UUID shape.
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}

// NewTrackedConnection builds an untracked entry; call Manager.Track to
// register it.
func NewTrackedConnection(meta metadata.Metadata, chains []string, ruleType, rulePayload string) *TrackedConnection {
	return &TrackedConnection{
		ID:          newID(),
		Metadata:    meta,
		Chains:      chains,
		RuleType:    ruleType,
		RulePayload: rulePayload,
		Start:       time.Now().UTC(),
	}
}

func (t *TrackedConnection) AddUpload(n uint64)   { t.upload.Add(n) }
func (t *TrackedConnection) AddDownload(n uint64) { t.download.Add(n) }
func (t *TrackedConnection) Upload() uint64       { return t.upload.Load() }
func (t *TrackedConnection) Download() uint64     { return t.download.Load() }

type ConnectionInfo struct {
	ID          string
	Metadata    metadata.Metadata
	Upload      uint64
	Download    uint64
	Start       time.Time
	Chains      []string
	Rule        string
	RulePayload string
}

func (t *TrackedConnection) toInfo() ConnectionInfo {
	return ConnectionInfo{
		ID:          t.ID,
		Metadata:    t.Metadata,
		Upload:      t.Upload(),
		Download:    t.Download(),
		Start:       t.Start,
		Chains:      t.Chains,
		Rule:        t.RuleType,
		RulePayload: t.RulePayload,
	}
}

type Snapshot struct {
	DownloadTotal uint64
	UploadTotal   uint64
	Connections   []ConnectionInfo
}

// Manager is the process-wide statistics manager: global rate counters
// plus the connection registry. The registry is a plain mutex-guarded map
// — connection churn in a local proxy core is bursty but never so hot
// that a lock-free map buys anything measurable, and it keeps Track/Close
// trivially correct.
type Manager struct {
	mu          sync.RWMutex
	connections map[string]*TrackedConnection

	uploadTotal   atomic.Uint64
	downloadTotal atomic.Uint64
	uploadTemp    atomic.Uint64
	downloadTemp  atomic.Uint64

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewManager() *Manager {
	return &Manager{
		connections: make(map[string]*TrackedConnection),
		stopCh:      make(chan struct{}),
	}
}

// StartTicker launches the background 1-Hz task that resets the _temp
// counters; call once.
func (m *Manager) StartTicker() {
	go func() {
		t := time.NewTicker(1 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				m.uploadTemp.Store(0)
				m.downloadTemp.Store(0)
			case <-m.stopCh:
				return
			}
		}
	}()
}

func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// Now returns (uploadLastSecond, downloadLastSecond).
func (m *Manager) Now() (uint64, uint64) {
	return m.uploadTemp.Load(), m.downloadTemp.Load()
}

func (m *Manager) Total() (uint64, uint64) {
	return m.uploadTotal.Load(), m.downloadTotal.Load()
}

func (m *Manager) AddUpload(n uint64) {
	m.uploadTotal.Add(n)
	m.uploadTemp.Add(n)
}

func (m *Manager) AddDownload(n uint64) {
	m.downloadTotal.Add(n)
	m.downloadTemp.Add(n)
}

func (m *Manager) Track(conn *TrackedConnection) string {
	m.mu.Lock()
	m.connections[conn.ID] = conn
	m.mu.Unlock()
	return conn.ID
}

func (m *Manager) Get(id string) (*TrackedConnection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.connections[id]
	return c, ok
}

func (m *Manager) Close(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.connections[id]; ok {
		delete(m.connections, id)
		return true
	}
	return false
}

func (m *Manager) CloseAll() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.connections)
	m.connections = make(map[string]*TrackedConnection)
	return n
}

func (m *Manager) ConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// Memory estimates resident bytes: 50MiB base plus 4KiB per tracked
// connection, matching the reference implementation's non-jemalloc
// fallback (the core never assumes a particular Go allocator's stats hook).
func (m *Manager) Memory() uint64 {
	const base = 50 * 1024 * 1024
	const perConn = 4096
	return base + uint64(m.ConnectionCount())*perConn
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Snapshot{
		UploadTotal:   m.uploadTotal.Load(),
		DownloadTotal: m.downloadTotal.Load(),
		Connections:   make([]ConnectionInfo, 0, len(m.connections)),
	}
	for _, c := range m.connections {
		s.Connections = append(s.Connections, c.toInfo())
	}
	return s
}
