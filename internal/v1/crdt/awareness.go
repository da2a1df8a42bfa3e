package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// Awareness tracks ephemeral per-client state (cursor, selection, color).
// States are opaque JSON blobs versioned by a per-client clock; a nil blob is
// a removal. Awareness is never persisted.
type Awareness struct {
	mu       sync.Mutex
	clientID uint64
	states   map[uint64]awarenessEntry

	handlers    map[int]AwarenessHandler
	nextHandler int
}

type awarenessEntry struct {
	clock uint64
	data  json.RawMessage // nil when removed
}

// AwarenessHandler observes awareness changes. changed lists the client ids
// whose state was added, updated, or removed; origin mirrors Doc handlers.
type AwarenessHandler func(changed []uint64, origin any)

// NewAwareness creates awareness state for the given local client id.
func NewAwareness(clientID uint64) *Awareness {
	return &Awareness{
		clientID: clientID,
		states:   make(map[uint64]awarenessEntry),
		handlers: make(map[int]AwarenessHandler),
	}
}

// ClientID returns the local client id.
func (a *Awareness) ClientID() uint64 {
	return a.clientID
}

// OnChange registers a handler; the returned function unsubscribes it.
func (a *Awareness) OnChange(h AwarenessHandler) func() {
	a.mu.Lock()
	id := a.nextHandler
	a.nextHandler++
	a.handlers[id] = h
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		delete(a.handlers, id)
		a.mu.Unlock()
	}
}

// SetLocalState sets (or with nil, removes) the local client's state.
func (a *Awareness) SetLocalState(state any) error {
	var data json.RawMessage
	if state != nil {
		b, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("failed to marshal awareness state: %w", err)
		}
		data = b
	}

	a.mu.Lock()
	entry := a.states[a.clientID]
	entry.clock++
	entry.data = data
	a.states[a.clientID] = entry
	handlers := a.handlersLocked()
	a.mu.Unlock()

	for _, h := range handlers {
		h([]uint64{a.clientID}, nil)
	}
	return nil
}

// States returns a copy of all live (non-removed) states.
func (a *Awareness) States() map[uint64]json.RawMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[uint64]json.RawMessage, len(a.states))
	for c, e := range a.states {
		if e.data != nil {
			out[c] = e.data
		}
	}
	return out
}

// Encode serializes the entries for the given client ids into one update.
// Unknown ids are skipped.
func (a *Awareness) Encode(clients []uint64) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	var present []uint64
	for _, c := range clients {
		if _, ok := a.states[c]; ok {
			present = append(present, c)
		}
	}

	buf := appendUvarint(nil, uint64(len(present)))
	for _, c := range present {
		e := a.states[c]
		buf = appendUvarint(buf, c)
		buf = appendUvarint(buf, e.clock)
		buf = appendUvarint(buf, uint64(len(e.data)))
		buf = append(buf, e.data...)
	}
	return buf
}

// Apply merges a remote awareness update. Stale entries (clock not newer than
// the known one) are ignored. Malformed payloads error without mutation.
func (a *Awareness) Apply(update []byte, origin any) error {
	r := &byteReader{buf: update}
	count, err := r.uvarint()
	if err != nil {
		return fmt.Errorf("awareness entry count: %w", err)
	}
	if count > uint64(len(update)) {
		return errors.New("awareness entry count exceeds payload size")
	}

	type decoded struct {
		client uint64
		clock  uint64
		data   json.RawMessage
	}
	entries := make([]decoded, 0, count)
	for i := uint64(0); i < count; i++ {
		var e decoded
		if e.client, err = r.uvarint(); err != nil {
			return fmt.Errorf("awareness client: %w", err)
		}
		if e.clock, err = r.uvarint(); err != nil {
			return fmt.Errorf("awareness clock: %w", err)
		}
		n, err := r.uvarint()
		if err != nil {
			return fmt.Errorf("awareness state length: %w", err)
		}
		b, err := r.bytes(n)
		if err != nil {
			return fmt.Errorf("awareness state: %w", err)
		}
		if n > 0 {
			e.data = append(json.RawMessage(nil), b...)
		}
		entries = append(entries, e)
	}
	if !r.done() {
		return errors.New("trailing bytes after awareness update")
	}

	a.mu.Lock()
	var changed []uint64
	for _, e := range entries {
		known := a.states[e.client]
		if e.clock <= known.clock {
			continue
		}
		a.states[e.client] = awarenessEntry{clock: e.clock, data: e.data}
		changed = append(changed, e.client)
	}
	var handlers []AwarenessHandler
	if len(changed) > 0 {
		handlers = a.handlersLocked()
	}
	a.mu.Unlock()

	for _, h := range handlers {
		h(changed, origin)
	}
	return nil
}

// Destroy removes the local state and every subscription.
func (a *Awareness) Destroy() {
	a.mu.Lock()
	a.states = make(map[uint64]awarenessEntry)
	a.handlers = make(map[int]AwarenessHandler)
	a.mu.Unlock()
}

func (a *Awareness) handlersLocked() []AwarenessHandler {
	hs := make([]AwarenessHandler, 0, len(a.handlers))
	for _, h := range a.handlers {
		hs = append(hs, h)
	}
	return hs
}
