// Package registry holds the process-local mapping of peer code to live
// connection handle (spec.md §4.2).
package registry

import (
	"sync"

	"rillnet/internal/relay"
)

// Handle is the subset of a Connection Supervisor the registry needs to
// reference for cross-task writes. Defined here (not imported from the
// connection package) to avoid an import cycle: the connection package
// depends on the registry, not the other way around.
type Handle interface {
	Deliver(env relay.RelayedEnvelope) error
	Code() relay.PeerCode
}

// Registry is a thread-safe {PeerCode -> Handle} map. An entry exists iff
// the connection is open and has been welcomed.
type Registry struct {
	mu    sync.RWMutex
	peers map[relay.PeerCode]Handle
}

func New() *Registry {
	return &Registry{peers: make(map[relay.PeerCode]Handle)}
}

// Insert registers a connection. It fails if the code is already present;
// this should not occur in practice since codes are unique per process run.
func (r *Registry) Insert(code relay.PeerCode, h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.peers[code]; exists {
		return relay.ErrPeerExists
	}
	r.peers[code] = h
	return nil
}

// Lookup returns the handle for code, or nil if not present locally.
func (r *Registry) Lookup(code relay.PeerCode) Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peers[code]
}

// Remove deletes code from the registry. Idempotent.
func (r *Registry) Remove(code relay.PeerCode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, code)
}

// Size returns the number of locally registered peers.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Codes returns a snapshot of all registered peer codes.
func (r *Registry) Codes() []relay.PeerCode {
	r.mu.RLock()
	defer r.mu.RUnlock()

	codes := make([]relay.PeerCode, 0, len(r.peers))
	for code := range r.peers {
		codes = append(codes, code)
	}
	return codes
}

// Handles returns a snapshot of all registered handles.
func (r *Registry) Handles() []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handles := make([]Handle, 0, len(r.peers))
	for _, h := range r.peers {
		handles = append(handles, h)
	}
	return handles
}
