package transport

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Manager tracks one session record per neighbour. Links report activity
// with Touch; Sweep demotes quiet links to Sleeping and then Disconnected.
type Manager struct {
	mu    sync.RWMutex
	peers map[DeviceID]*peerEntry
}

type peerEntry struct {
	state    LinkState
	lastSeen time.Time
	pinned   bool // state set explicitly; Sweep leaves it alone
}

func NewManager() *Manager { return &Manager{peers: make(map[DeviceID]*peerEntry)} }

// Set forces the state of a link, e.g. from a link-layer callback. Pinned
// states are not changed by Sweep.
func (m *Manager) Set(id DeviceID, s LinkState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pe := m.peers[id]
	if pe == nil {
		pe = &peerEntry{}
		m.peers[id] = pe
	}
	if pe.state != s {
		zap.L().Info("link state", zap.String("device", id), zap.Stringer("from", pe.state), zap.Stringer("to", s))
	}
	pe.state = s
	pe.pinned = true
}

// Touch records traffic on a link and marks it Connected.
func (m *Manager) Touch(id DeviceID, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pe := m.peers[id]
	if pe == nil {
		pe = &peerEntry{}
		m.peers[id] = pe
	}
	if pe.state != Connected {
		zap.L().Info("link state", zap.String("device", id), zap.Stringer("from", pe.state), zap.Stringer("to", Connected))
	}
	pe.state = Connected
	pe.lastSeen = now
	pe.pinned = false
}

// Sweep moves unpinned links idle past sleepAfter to Sleeping and past
// disconnectAfter to Disconnected.
func (m *Manager) Sweep(now time.Time, sleepAfter, disconnectAfter time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, pe := range m.peers {
		if pe.pinned {
			continue
		}
		idle := now.Sub(pe.lastSeen)
		next := pe.state
		switch {
		case idle > disconnectAfter:
			next = Disconnected
		case idle > sleepAfter:
			next = Sleeping
		}
		if next != pe.state {
			zap.L().Info("link state", zap.String("device", id), zap.Stringer("from", pe.state), zap.Stringer("to", next), zap.Duration("idle", idle))
			pe.state = next
		}
	}
}

// Remove forgets a neighbour.
func (m *Manager) Remove(id DeviceID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peers, id)
}

// State returns the link state of id (Disconnected when unknown).
func (m *Manager) State(id DeviceID) LinkState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if pe := m.peers[id]; pe != nil {
		return pe.state
	}
	return Disconnected
}

// ListConnectedSessions returns every known neighbour with its state,
// sorted by device id. Callers filter by state.
func (m *Manager) ListConnectedSessions() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Session, 0, len(m.peers))
	for id, pe := range m.peers {
		out = append(out, Session{DeviceID: id, State: pe.state})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}
