package callstate

import (
	"sync"

	"github.com/google/uuid"
)

type pairKey struct {
	caller uuid.UUID
	callee uuid.UUID
}

// Store indexes live sessions. It enforces the single-active-session
// invariant per ordered (caller, callee) endpoint pair and tracks which
// endpoints are busy.
type Store struct {
	mu         sync.RWMutex
	sessions   map[uuid.UUID]*Session
	byPair     map[pairKey]uuid.UUID
	byEndpoint map[uuid.UUID]map[uuid.UUID]struct{}
}

// NewStore creates an empty session store
func NewStore() *Store {
	return &Store{
		sessions:   make(map[uuid.UUID]*Session),
		byPair:     make(map[pairKey]uuid.UUID),
		byEndpoint: make(map[uuid.UUID]map[uuid.UUID]struct{}),
	}
}

// Add indexes a new active session. Returns false when the ordered
// (caller, callee) pair already has an active session.
func (st *Store) Add(s *Session) bool {
	st.mu.Lock()
	defer st.mu.Unlock()

	key := pairKey{caller: s.CallerEndpointID, callee: s.CalleeEndpointID}
	if _, exists := st.byPair[key]; exists {
		return false
	}

	st.sessions[s.ID] = s
	st.byPair[key] = s.ID
	for _, endpointID := range []uuid.UUID{s.CallerEndpointID, s.CalleeEndpointID} {
		if st.byEndpoint[endpointID] == nil {
			st.byEndpoint[endpointID] = make(map[uuid.UUID]struct{})
		}
		st.byEndpoint[endpointID][s.ID] = struct{}{}
	}
	return true
}

// Get returns the session by id, or nil
func (st *Store) Get(sessionID uuid.UUID) *Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.sessions[sessionID]
}

// Release frees a terminated session's busy and pair indexes while keeping
// the session itself addressable, so late operations on it still resolve to
// SESSION_TERMINATED instead of an unknown id. Indexes are freed only when
// they actually belong to s, so releasing a session that was never admitted
// cannot evict another session's pair entry.
func (st *Store) Release(s *Session) {
	st.mu.Lock()
	defer st.mu.Unlock()

	key := pairKey{caller: s.CallerEndpointID, callee: s.CalleeEndpointID}
	if st.byPair[key] == s.ID {
		delete(st.byPair, key)
	}
	for _, endpointID := range []uuid.UUID{s.CallerEndpointID, s.CalleeEndpointID} {
		if set, ok := st.byEndpoint[endpointID]; ok {
			delete(set, s.ID)
			if len(set) == 0 {
				delete(st.byEndpoint, endpointID)
			}
		}
	}
}

// Remove drops a terminated session from all indexes
func (st *Store) Remove(s *Session) {
	st.Release(s)

	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.sessions, s.ID)
}

// IsBusy reports whether the endpoint is a party to any active session
func (st *Store) IsBusy(endpointID uuid.UUID) bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.byEndpoint[endpointID]) > 0
}

// SessionsForEndpoint returns all active sessions the endpoint is a party
// to; used by the disconnect cascade
func (st *Store) SessionsForEndpoint(endpointID uuid.UUID) []*Session {
	st.mu.RLock()
	defer st.mu.RUnlock()

	out := make([]*Session, 0, len(st.byEndpoint[endpointID]))
	for id := range st.byEndpoint[endpointID] {
		out = append(out, st.sessions[id])
	}
	return out
}

// ActiveCount returns the number of sessions still holding a pair index
func (st *Store) ActiveCount() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.byPair)
}

// Count returns the number of indexed sessions, including released ones
// awaiting pruning
func (st *Store) Count() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}
