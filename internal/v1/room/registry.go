// Package room tracks which sessions are subscribed to which documents and
// the presence list each room exposes. It owns no document state; replicas
// and transport live elsewhere and consult it.
package room

import (
	"sync"

	"github.com/inkmere/collab-docs/backend/go/internal/v1/metrics"
	"github.com/inkmere/collab-docs/backend/go/internal/v1/types"
)

type entry struct {
	client     types.ClientInterface
	subscriber types.Subscriber
}

// Registry is the in-memory map of document rooms. All methods are safe for
// concurrent use; methods suffixed Locked assume the caller holds mu.
type Registry struct {
	mu    sync.RWMutex
	rooms map[types.DocumentIDType]map[types.SessionIDType]entry
}

// NewRegistry creates an empty room registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[types.DocumentIDType]map[types.SessionIDType]entry),
	}
}

// Join subscribes the session to the document's room. It returns the presence
// list as observed at the instant of insertion, the joiner included, together
// with the peer snapshot for the user-joined fanout. Both are taken under one
// lock hold: a session is either in the joiner's list or in the fanout set,
// never both. Joining a room the session is already in overwrites the previous
// entry, which keeps a stale role from an earlier join from lingering.
func (r *Registry) Join(docID types.DocumentIDType, client types.ClientInterface, role types.RoleType) ([]types.Subscriber, []types.ClientInterface) {
	id := client.Identity()
	sub := types.Subscriber{
		UserID:      id.UserID,
		DisplayName: id.DisplayName,
		Email:       id.Email,
		Role:        role,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[docID]
	if !ok {
		members = make(map[types.SessionIDType]entry)
		r.rooms[docID] = members
	}
	members[client.SessionID()] = entry{client: client, subscriber: sub}

	metrics.DocumentSubscribers.WithLabelValues(string(docID)).Set(float64(len(members)))
	return r.usersLocked(docID), r.peersLocked(docID, client.SessionID())
}

// Leave removes the session from the room. It reports whether the session was
// actually subscribed, whether the room is now empty, and the remaining peers
// for the user-left fanout, snapshotted under the same lock hold as the
// removal. Leaving a room the session never joined is a no-op.
func (r *Registry) Leave(docID types.DocumentIDType, sessionID types.SessionIDType) (removed, emptied bool, peers []types.ClientInterface) {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed, emptied = r.leaveLocked(docID, sessionID)
	if removed {
		peers = r.peersLocked(docID, sessionID)
	}
	return removed, emptied, peers
}

func (r *Registry) leaveLocked(docID types.DocumentIDType, sessionID types.SessionIDType) (removed, emptied bool) {
	members, ok := r.rooms[docID]
	if !ok {
		return false, false
	}
	if _, ok := members[sessionID]; !ok {
		return false, false
	}
	delete(members, sessionID)

	if len(members) == 0 {
		delete(r.rooms, docID)
		metrics.DocumentSubscribers.DeleteLabelValues(string(docID))
		return true, true
	}
	metrics.DocumentSubscribers.WithLabelValues(string(docID)).Set(float64(len(members)))
	return true, false
}

// LeaveAll removes the session from every room it is in and returns, per
// affected document, the subscriber record it held, whether the room emptied,
// and the peers remaining for the user-left fanout. Used on socket disconnect.
type Departure struct {
	DocumentID types.DocumentIDType
	Subscriber types.Subscriber
	Emptied    bool
	Peers      []types.ClientInterface
}

func (r *Registry) LeaveAll(sessionID types.SessionIDType) []Departure {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Departure
	for docID, members := range r.rooms {
		e, ok := members[sessionID]
		if !ok {
			continue
		}
		_, emptied := r.leaveLocked(docID, sessionID)
		out = append(out, Departure{
			DocumentID: docID,
			Subscriber: e.subscriber,
			Emptied:    emptied,
			Peers:      r.peersLocked(docID, sessionID),
		})
	}
	return out
}

// Member returns the subscriber record the session holds in the room.
func (r *Registry) Member(docID types.DocumentIDType, sessionID types.SessionIDType) (types.Subscriber, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.rooms[docID][sessionID]
	return e.subscriber, ok
}

// Peers returns the clients of every session in the room except the given
// one. The slice is a snapshot; callers fan out without holding any lock.
func (r *Registry) Peers(docID types.DocumentIDType, except types.SessionIDType) []types.ClientInterface {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peersLocked(docID, except)
}

func (r *Registry) peersLocked(docID types.DocumentIDType, except types.SessionIDType) []types.ClientInterface {
	members := r.rooms[docID]
	out := make([]types.ClientInterface, 0, len(members))
	for sid, e := range members {
		if sid == except {
			continue
		}
		out = append(out, e.client)
	}
	return out
}

// Users returns the room's presence list.
func (r *Registry) Users(docID types.DocumentIDType) []types.Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.usersLocked(docID)
}

func (r *Registry) usersLocked(docID types.DocumentIDType) []types.Subscriber {
	members := r.rooms[docID]
	out := make([]types.Subscriber, 0, len(members))
	for _, e := range members {
		out = append(out, e.subscriber)
	}
	return out
}

// SessionCount returns the number of sessions in the room.
func (r *Registry) SessionCount(docID types.DocumentIDType) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[docID])
}

// InUse reports whether any session is subscribed to the document. Wired into
// the replica registry so live rooms are never reaped.
func (r *Registry) InUse(docID types.DocumentIDType) bool {
	return r.SessionCount(docID) > 0
}
