// Package session owns the runtime side of shell sessions: the in-memory
// registry of live sessions, the control-master subprocess, and the
// bootstrap → confirm → launch → terminate lifecycle.
package session

import (
	"sync"
	"time"
)

// Peer is a connected chat client attached to a live session.
// Deliver must not block; it reports false when the peer cannot keep up.
type Peer interface {
	Deliver(payload []byte) bool
	Kick(code int, reason, message string)
}

// LiveSession is the in-memory runtime counterpart of a SessionLease.
// Fields are mutated only while the Registry lock is held; Snapshot returns
// a copy safe to use without the lock.
type LiveSession struct {
	ID                string
	AccountID         string
	ConnectionID      string
	ControlSocketPath string
	StartedAt         time.Time
	LastActivity      time.Time

	peers map[Peer]bool
}

// Snapshot is a lock-free copy of a live session's state.
type Snapshot struct {
	ID                string    `json:"id"`
	AccountID         string    `json:"accountId"`
	ConnectionID      string    `json:"connectionId"`
	ControlSocketPath string    `json:"-"`
	StartedAt         time.Time `json:"startedAt"`
	LastActivity      time.Time `json:"lastActivity"`
	PeerCount         int       `json:"peerCount"`
}

// Registry is the authoritative answer to "is this session runtime up right
// now". It has no persistence; the SessionLease row answers "should it be".
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*LiveSession
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*LiveSession)}
}

// Create registers a live session.
func (r *Registry) Create(ls *LiveSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ls.peers == nil {
		ls.peers = make(map[Peer]bool)
	}
	if ls.LastActivity.IsZero() {
		ls.LastActivity = time.Now()
	}
	r.sessions[ls.ID] = ls
}

// Get returns a snapshot of the session, or false when it is not live.
func (r *Registry) Get(id string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ls, ok := r.sessions[id]
	if !ok {
		return Snapshot{}, false
	}
	return snapshotOf(ls), true
}

// Remove drops the session and returns the peers that were attached, so the
// caller can notify them outside the lock.
func (r *Registry) Remove(id string) []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	ls, ok := r.sessions[id]
	if !ok {
		return nil
	}
	delete(r.sessions, id)
	peers := make([]Peer, 0, len(ls.peers))
	for p := range ls.peers {
		peers = append(peers, p)
	}
	return peers
}

// List returns snapshots of every live session.
func (r *Registry) List() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.sessions))
	for _, ls := range r.sessions {
		out = append(out, snapshotOf(ls))
	}
	return out
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Touch records activity on the session.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ls, ok := r.sessions[id]; ok {
		ls.LastActivity = time.Now()
	}
}

// AddPeer attaches a chat client. Returns false when the session is gone.
func (r *Registry) AddPeer(id string, p Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ls, ok := r.sessions[id]
	if !ok {
		return false
	}
	ls.peers[p] = true
	ls.LastActivity = time.Now()
	return true
}

// RemovePeer detaches a chat client.
func (r *Registry) RemovePeer(id string, p Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ls, ok := r.sessions[id]; ok {
		delete(ls.peers, p)
	}
}

// Broadcast fans a payload out to every peer of the session. Peers that
// cannot keep up are detached and kicked outside the lock.
func (r *Registry) Broadcast(id string, payload []byte) {
	r.mu.Lock()
	ls, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	peers := make([]Peer, 0, len(ls.peers))
	for p := range ls.peers {
		peers = append(peers, p)
	}
	r.mu.Unlock()

	var slow []Peer
	for _, p := range peers {
		if !p.Deliver(payload) {
			slow = append(slow, p)
		}
	}
	for _, p := range slow {
		r.RemovePeer(id, p)
		p.Kick(4000, "slow_consumer", "client not keeping up")
	}
}

func snapshotOf(ls *LiveSession) Snapshot {
	return Snapshot{
		ID:                ls.ID,
		AccountID:         ls.AccountID,
		ConnectionID:      ls.ConnectionID,
		ControlSocketPath: ls.ControlSocketPath,
		StartedAt:         ls.StartedAt,
		LastActivity:      ls.LastActivity,
		PeerCount:         len(ls.peers),
	}
}
