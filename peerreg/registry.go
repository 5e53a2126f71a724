// Package peerreg implements the peer registry (spec.md §4.3): a
// full-id-keyed table of peer records with short-handle resolution.
// Writes are serialized through safemap.Map; entries are never removed
// during a session.
package peerreg

import (
	"errors"
	"strings"
	"time"

	"github.com/ImaginaryLogs/CSNETWK-MCO3/safemap"
)

// FullID is the canonical "user@ip" peer identifier.
type FullID string

// ErrAmbiguous is returned by ResolveShort when more than one full-id
// shares the given short handle.
var ErrAmbiguous = errors.New("peerreg: short handle is ambiguous")

// ErrNotFound is returned when a handle or full-id names no known peer.
var ErrNotFound = errors.New("peerreg: peer not found")

// Peer is a plain value record; it holds no back-pointer to the registry
// or the controller that owns it (spec.md §9).
type Peer struct {
	UserID      FullID
	DisplayName string
	IP          string
	Port        uint16
	LastSeen    time.Time
}

// ShortHandle returns the "user" portion of the peer's full-id.
func (p Peer) ShortHandle() string {
	return shortHandle(string(p.UserID))
}

func shortHandle(fullID string) string {
	if idx := strings.IndexByte(fullID, '@'); idx >= 0 {
		return fullID[:idx]
	}
	return fullID
}

// Registry is the peer registry (C3).
type Registry struct {
	peers *safemap.Map[FullID, Peer]
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{peers: safemap.New[FullID, Peer]()}
}

// Upsert inserts a new peer record or merges fields into an existing one,
// always refreshing LastSeen. Called on first discovery, on any inbound
// record naming the peer (discovery-via-use, spec.md §7), and on profile
// broadcasts.
func (r *Registry) Upsert(p Peer) {
	r.peers.Update(p.UserID, func(existing Peer) Peer {
		if existing.UserID == "" {
			if p.LastSeen.IsZero() {
				p.LastSeen = time.Now()
			}
			return p
		}
		merged := existing
		if p.DisplayName != "" {
			merged.DisplayName = p.DisplayName
		}
		if p.IP != "" {
			merged.IP = p.IP
		}
		if p.Port != 0 {
			merged.Port = p.Port
		}
		merged.LastSeen = time.Now()
		return merged
	})
}

// Touch refreshes a peer's LastSeen without altering other fields.
// PROFILE and PING handling use Upsert instead, so they also record the
// sender's address.
func (r *Registry) Touch(id FullID) {
	r.peers.Update(id, func(existing Peer) Peer {
		existing.UserID = id
		existing.LastSeen = time.Now()
		return existing
	})
}

// LookupFull returns the peer for an exact full-id.
func (r *Registry) LookupFull(id FullID) (Peer, bool) {
	return r.peers.Get(id)
}

// ResolveShort resolves a short handle ("alice") to its canonical
// full-id. Returns ErrAmbiguous if more than one full-id shares the
// handle, ErrNotFound if none do.
func (r *Registry) ResolveShort(handle string) (FullID, error) {
	if strings.ContainsRune(handle, '@') {
		if _, ok := r.peers.Get(FullID(handle)); ok {
			return FullID(handle), nil
		}
		return "", ErrNotFound
	}

	var match FullID
	found := 0
	r.peers.Range(func(id FullID, p Peer) bool {
		if shortHandle(string(id)) == handle {
			match = id
			found++
		}
		return true
	})
	switch found {
	case 0:
		return "", ErrNotFound
	case 1:
		return match, nil
	default:
		return "", ErrAmbiguous
	}
}

// Iter returns a snapshot of every known peer.
func (r *Registry) Iter() []Peer {
	return r.peers.Values()
}

// Len reports the number of known peers.
func (r *Registry) Len() int {
	return r.peers.Len()
}
