package cache

import (
	"context"
	"sync"
	"time"

	"github.com/rcourtman/entitlement-sync/pkg/entitlements"
)

type memoryEntry struct {
	version   int64
	state     *entitlements.State // nil for a fence left by Invalidate
	expiresAt time.Time
}

// Memory is an in-process Cache for single-instance deployments and tests.
type Memory struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemory returns an in-process cache with the given TTL.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{
		ttl:     ttl,
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (m *Memory) Get(_ context.Context, userID string) (entitlements.State, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[userID]
	if ok && !m.now().Before(e.expiresAt) {
		delete(m.entries, userID)
		ok = false
	}
	if !ok || e.state == nil {
		observe("get", nil, false)
		return entitlements.State{}, false, nil
	}
	observe("get", nil, true)
	return e.state.Clone(), true, nil
}

func (m *Memory) Refresh(_ context.Context, st entitlements.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[st.UserID]; ok && m.now().Before(e.expiresAt) && e.version > st.Version {
		observe("refresh", nil, false)
		return nil
	}
	cp := st.Clone()
	m.entries[st.UserID] = memoryEntry{version: st.Version, state: &cp, expiresAt: m.now().Add(m.ttl)}
	observe("refresh", nil, false)
	return nil
}

func (m *Memory) Invalidate(_ context.Context, userID string, version int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[userID]; ok && e.version > version {
		version = e.version
	}
	m.entries[userID] = memoryEntry{version: version, expiresAt: m.now().Add(m.ttl)}
	observe("invalidate", nil, false)
	return nil
}
