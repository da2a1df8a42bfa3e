// Package crdt implements the replicated document type the collaboration hub
// relays: a tombstone-based sequence CRDT with binary update encoding, state
// vectors, update merging, and an awareness codec. Updates from any set of
// replicas merge into the same deterministic state regardless of delivery
// order; missing causal dependencies park until they arrive.
package crdt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// ID identifies one inserted element: a (client, clock) pair. Clocks are
// Lamport timestamps, strictly increasing per client.
type ID struct {
	Client uint64
	Clock  uint64
}

// item is one element of the sequence. Elements are never removed, only
// tombstoned, so concurrent references stay resolvable.
type item struct {
	id        ID
	origin    ID   // left neighbour at insertion time
	hasOrigin bool // false: inserted at the document head
	content   string
	deleted   bool
}

// UpdateHandler observes updates applied to the document. origin is the value
// passed to ApplyUpdate, or nil for local edits; subscribers use it to filter
// their own writes.
type UpdateHandler func(update []byte, origin any)

// Doc is a replicated text sequence. All methods are safe for concurrent use.
type Doc struct {
	mu        sync.Mutex
	clientID  uint64
	nextClock uint64

	byID     map[ID]*item
	roots    []*item          // head-inserted items, sibling-ordered
	children map[ID][]*item   // origin id -> sibling-ordered successors
	sv       map[uint64]uint64 // client -> max integrated clock + 1

	pending        []*item     // items waiting for their origin
	pendingDeletes map[ID]bool // deletes referencing unknown items

	handlers    map[int]UpdateHandler
	nextHandler int
}

// NewDoc creates an empty replica with a random client id.
func NewDoc() *Doc {
	var client uint64
	for client == 0 {
		u := uuid.New()
		client = uint64(binary.BigEndian.Uint32(u[0:4]))
	}
	return NewDocWithClient(client)
}

// NewDocWithClient creates an empty replica with a fixed client id.
func NewDocWithClient(client uint64) *Doc {
	return &Doc{
		clientID:       client,
		nextClock:      1,
		byID:           make(map[ID]*item),
		children:       make(map[ID][]*item),
		sv:             make(map[uint64]uint64),
		pendingDeletes: make(map[ID]bool),
		handlers:       make(map[int]UpdateHandler),
	}
}

// ClientID returns the replica's client id.
func (d *Doc) ClientID() uint64 {
	return d.clientID
}

// OnUpdate registers a handler invoked for every state-changing update, local
// or remote. The returned function unsubscribes it.
func (d *Doc) OnUpdate(h UpdateHandler) func() {
	d.mu.Lock()
	id := d.nextHandler
	d.nextHandler++
	d.handlers[id] = h
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.handlers, id)
		d.mu.Unlock()
	}
}

// InsertText inserts text at the given visible rune index and returns the
// encoded update describing the edit.
func (d *Doc) InsertText(index int, text string) ([]byte, error) {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil, nil
	}

	d.mu.Lock()
	visible := d.visibleLocked()
	if index < 0 || index > len(visible) {
		d.mu.Unlock()
		return nil, fmt.Errorf("insert index %d out of range (len %d)", index, len(visible))
	}

	var origin *item
	if index > 0 {
		origin = visible[index-1]
	}

	newItems := make([]*item, 0, len(runes))
	for _, r := range runes {
		it := &item{
			id:      ID{Client: d.clientID, Clock: d.nextClock},
			content: string(r),
		}
		d.nextClock++
		if origin != nil {
			it.origin = origin.id
			it.hasOrigin = true
		}
		d.integrateLocked(it)
		newItems = append(newItems, it)
		origin = it
	}

	update := encodeUpdate(newItems, nil)
	handlers := d.handlersLocked()
	d.mu.Unlock()

	for _, h := range handlers {
		h(update, nil)
	}
	return update, nil
}

// DeleteRange tombstones length visible runes starting at index and returns
// the encoded update.
func (d *Doc) DeleteRange(index, length int) ([]byte, error) {
	if length <= 0 {
		return nil, nil
	}

	d.mu.Lock()
	visible := d.visibleLocked()
	if index < 0 || index+length > len(visible) {
		d.mu.Unlock()
		return nil, fmt.Errorf("delete range [%d,%d) out of range (len %d)", index, index+length, len(visible))
	}

	deletes := make([]ID, 0, length)
	for _, it := range visible[index : index+length] {
		it.deleted = true
		deletes = append(deletes, it.id)
	}

	update := encodeUpdate(nil, deletes)
	handlers := d.handlersLocked()
	d.mu.Unlock()

	for _, h := range handlers {
		h(update, nil)
	}
	return update, nil
}

// ApplyUpdate integrates a remote update. Malformed payloads return an error
// without mutating state. origin is handed unchanged to update handlers.
func (d *Doc) ApplyUpdate(data []byte, origin any) error {
	items, deletes, err := decodeUpdate(data)
	if err != nil {
		return fmt.Errorf("failed to decode update: %w", err)
	}

	d.mu.Lock()
	changed := false
	for _, it := range items {
		if d.integrateOrParkLocked(it) {
			changed = true
		}
	}
	if d.drainPendingLocked() {
		changed = true
	}
	for _, id := range deletes {
		if d.applyDeleteLocked(id) {
			changed = true
		}
	}
	var handlers []UpdateHandler
	if changed {
		handlers = d.handlersLocked()
	}
	d.mu.Unlock()

	for _, h := range handlers {
		h(data, origin)
	}
	return nil
}

// EncodeStateAsUpdate encodes the full replica state as a single update.
func (d *Doc) EncodeStateAsUpdate() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return encodeUpdate(d.allItemsLocked(), d.allDeletesLocked())
}

// EncodeStateVector encodes the per-client clock summary of this replica.
func (d *Doc) EncodeStateVector() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return encodeStateVector(d.sv)
}

// DiffUpdate returns the update a replica described by stateVector is missing.
// An absent or malformed vector yields the full state. The full delete set is
// always included; deletes are idempotent.
func (d *Doc) DiffUpdate(stateVector []byte) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(stateVector) == 0 {
		return encodeUpdate(d.allItemsLocked(), d.allDeletesLocked())
	}
	remote, err := decodeStateVector(stateVector)
	if err != nil {
		return encodeUpdate(d.allItemsLocked(), d.allDeletesLocked())
	}

	var missing []*item
	for id, it := range d.byID {
		if id.Clock >= remote[id.Client] {
			missing = append(missing, it)
		}
	}
	sortItems(missing)
	return encodeUpdate(missing, d.allDeletesLocked())
}

// MergeUpdates coalesces several updates into one equivalent payload.
func MergeUpdates(updates [][]byte) ([]byte, error) {
	var (
		items   []*item
		deletes []ID
		seenIt  = make(map[ID]bool)
		seenDel = make(map[ID]bool)
	)
	for _, u := range updates {
		if len(u) == 0 {
			continue
		}
		its, dels, err := decodeUpdate(u)
		if err != nil {
			return nil, fmt.Errorf("failed to decode update for merge: %w", err)
		}
		for _, it := range its {
			if !seenIt[it.id] {
				seenIt[it.id] = true
				items = append(items, it)
			}
		}
		for _, id := range dels {
			if !seenDel[id] {
				seenDel[id] = true
				deletes = append(deletes, id)
			}
		}
	}
	if len(items) == 0 && len(deletes) == 0 {
		return nil, errors.New("nothing to merge")
	}
	sortItems(items)
	sortIDs(deletes)
	return encodeUpdate(items, deletes), nil
}

// Text returns the visible document content.
func (d *Doc) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []byte
	for _, it := range d.flattenLocked() {
		if !it.deleted {
			out = append(out, it.content...)
		}
	}
	return string(out)
}

// Len returns the number of visible runes.
func (d *Doc) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.visibleLocked())
}

// PendingItems reports how many received items still wait for their causal
// dependencies. Exposed for tests and diagnostics.
func (d *Doc) PendingItems() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// --- internals; caller must hold d.mu ---

func (d *Doc) handlersLocked() []UpdateHandler {
	hs := make([]UpdateHandler, 0, len(d.handlers))
	for _, h := range d.handlers {
		hs = append(hs, h)
	}
	return hs
}

// integrateOrParkLocked integrates the item, parking it if its origin is
// unknown. Reports whether state changed.
func (d *Doc) integrateOrParkLocked(it *item) bool {
	if _, exists := d.byID[it.id]; exists {
		return false
	}
	if it.hasOrigin {
		if _, ok := d.byID[it.origin]; !ok {
			d.pending = append(d.pending, it)
			return false
		}
	}
	d.integrateLocked(it)
	return true
}

// integrateLocked places the item among its siblings. Siblings sharing an
// origin are ordered by descending (clock, client): the latest insertion sits
// closest to the origin, which keeps sequential typing contiguous and resolves
// concurrent insertions identically on every replica.
func (d *Doc) integrateLocked(it *item) {
	var siblings []*item
	if it.hasOrigin {
		siblings = d.children[it.origin]
	} else {
		siblings = d.roots
	}

	pos := sort.Search(len(siblings), func(i int) bool {
		return lessSibling(it, siblings[i])
	})
	siblings = append(siblings, nil)
	copy(siblings[pos+1:], siblings[pos:])
	siblings[pos] = it

	if it.hasOrigin {
		d.children[it.origin] = siblings
	} else {
		d.roots = siblings
	}

	d.byID[it.id] = it
	if next := it.id.Clock + 1; next > d.sv[it.id.Client] {
		d.sv[it.id.Client] = next
	}
	if it.id.Clock >= d.nextClock {
		d.nextClock = it.id.Clock + 1
	}
	if d.pendingDeletes[it.id] {
		it.deleted = true
		delete(d.pendingDeletes, it.id)
	}
}

// lessSibling orders a before b within a sibling list.
func lessSibling(a, b *item) bool {
	if a.id.Clock != b.id.Clock {
		return a.id.Clock > b.id.Clock
	}
	return a.id.Client > b.id.Client
}

func (d *Doc) drainPendingLocked() bool {
	changed := false
	for {
		progressed := false
		remaining := d.pending[:0]
		for _, it := range d.pending {
			if _, exists := d.byID[it.id]; exists {
				progressed = true
				continue
			}
			if _, ok := d.byID[it.origin]; ok {
				d.integrateLocked(it)
				progressed = true
				changed = true
			} else {
				remaining = append(remaining, it)
			}
		}
		d.pending = remaining
		if !progressed {
			return changed
		}
	}
}

func (d *Doc) applyDeleteLocked(id ID) bool {
	if it, ok := d.byID[id]; ok {
		if it.deleted {
			return false
		}
		it.deleted = true
		return true
	}
	if d.pendingDeletes[id] {
		return false
	}
	d.pendingDeletes[id] = true
	return true
}

// flattenLocked yields document order: each item followed by the subtree of
// its successors.
func (d *Doc) flattenLocked() []*item {
	out := make([]*item, 0, len(d.byID))
	var walk func(items []*item)
	walk = func(items []*item) {
		for _, it := range items {
			out = append(out, it)
			if kids := d.children[it.id]; len(kids) > 0 {
				walk(kids)
			}
		}
	}
	walk(d.roots)
	return out
}

func (d *Doc) visibleLocked() []*item {
	all := d.flattenLocked()
	vis := make([]*item, 0, len(all))
	for _, it := range all {
		if !it.deleted {
			vis = append(vis, it)
		}
	}
	return vis
}

func (d *Doc) allItemsLocked() []*item {
	items := make([]*item, 0, len(d.byID))
	for _, it := range d.byID {
		items = append(items, it)
	}
	sortItems(items)
	return items
}

func (d *Doc) allDeletesLocked() []ID {
	var dels []ID
	for id, it := range d.byID {
		if it.deleted {
			dels = append(dels, id)
		}
	}
	for id := range d.pendingDeletes {
		dels = append(dels, id)
	}
	sortIDs(dels)
	return dels
}

func sortItems(items []*item) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].id.Client != items[j].id.Client {
			return items[i].id.Client < items[j].id.Client
		}
		return items[i].id.Clock < items[j].id.Clock
	})
}

func sortIDs(ids []ID) {
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].Client != ids[j].Client {
			return ids[i].Client < ids[j].Client
		}
		return ids[i].Clock < ids[j].Clock
	})
}
