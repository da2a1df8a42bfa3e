// Package replica hosts the authoritative server-side copy of each active
// document. A replica is created lazily on first join, absorbs updates from
// every session, and is the only writer of durable snapshots.
package replica

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/inkmere/collab-docs/backend/go/internal/v1/crdt"
	"github.com/inkmere/collab-docs/backend/go/internal/v1/logging"
	"github.com/inkmere/collab-docs/backend/go/internal/v1/metrics"
	"github.com/inkmere/collab-docs/backend/go/internal/v1/types"
)

const saveTimeout = 10 * time.Second

// Replica is the live in-memory copy of one document.
type Replica struct {
	docID types.DocumentIDType
	store types.DocumentStore
	clock clock.PassiveClock

	threshold int

	mu          sync.Mutex
	doc         *crdt.Doc
	dirty       bool
	updateCount int
	lastAccess  time.Time

	// Saves are serialized per replica. A save requested while one is in
	// flight sets pendingSave and runs once the current write returns.
	saving      bool
	pendingSave bool
	saveDone    chan struct{} // closed when no save is in flight
}

func newReplica(docID types.DocumentIDType, doc *crdt.Doc, store types.DocumentStore, threshold int, clk clock.PassiveClock) *Replica {
	done := make(chan struct{})
	close(done)
	return &Replica{
		docID:      docID,
		store:      store,
		clock:      clk,
		threshold:  threshold,
		doc:        doc,
		lastAccess: clk.Now(),
		saveDone:   done,
	}
}

// Apply integrates a remote update into the replica. Crossing the update
// threshold schedules an immediate snapshot save in the background.
func (r *Replica) Apply(update []byte, origin any) error {
	r.mu.Lock()
	if err := r.doc.ApplyUpdate(update, origin); err != nil {
		r.mu.Unlock()
		return err
	}
	r.lastAccess = r.clock.Now()
	r.dirty = true
	r.updateCount++
	// The counter resets on save success, not here: a failed save keeps the
	// accumulated count so the very next update re-triggers persistence.
	trigger := r.updateCount >= r.threshold
	r.mu.Unlock()

	if trigger {
		go r.save("threshold")
	}
	return nil
}

// FullState returns the complete replica state as one update.
func (r *Replica) FullState() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastAccess = r.clock.Now()
	return r.doc.EncodeStateAsUpdate()
}

// Diff returns the delta a peer with the given state vector is missing. A nil
// or unreadable vector yields the full state.
func (r *Replica) Diff(stateVector []byte) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastAccess = r.clock.Now()
	return r.doc.DiffUpdate(stateVector)
}

// Touch refreshes the activity clock without reading state. Called on joins
// so a replica with silent readers is not reaped under them.
func (r *Replica) Touch() {
	r.mu.Lock()
	r.lastAccess = r.clock.Now()
	r.mu.Unlock()
}

func (r *Replica) idleSince() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastAccess
}

func (r *Replica) isDirty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dirty
}

// save persists the current snapshot. Concurrent requests coalesce: one write
// runs at a time and at most one more is queued behind it. Persistence
// failures are logged and counted but never surfaced to editing sessions; the
// next interval or threshold crossing retries.
func (r *Replica) save(reason string) {
	r.mu.Lock()
	if r.saving {
		r.pendingSave = true
		r.mu.Unlock()
		return
	}
	r.saving = true
	r.saveDone = make(chan struct{})
	r.mu.Unlock()

	for {
		r.mu.Lock()
		snapshot := r.doc.EncodeStateAsUpdate()
		r.dirty = false
		r.mu.Unlock()

		r.persist(snapshot, reason)

		r.mu.Lock()
		if r.pendingSave {
			r.pendingSave = false
			r.mu.Unlock()
			continue
		}
		r.saving = false
		close(r.saveDone)
		r.mu.Unlock()
		return
	}
}

func (r *Replica) persist(snapshot []byte, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	ctx = context.WithValue(ctx, logging.DocumentIDKey, string(r.docID))

	start := time.Now()
	err := r.store.PersistSnapshot(ctx, r.docID, snapshot)
	metrics.SnapshotSaveDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.SnapshotSaves.WithLabelValues("failure").Inc()
		logging.Error(ctx, "Snapshot save failed",
			zap.String("reason", reason),
			zap.Int("snapshot_bytes", len(snapshot)),
			zap.Error(err))
		r.mu.Lock()
		r.dirty = true
		r.mu.Unlock()
		return
	}

	metrics.SnapshotSaves.WithLabelValues("success").Inc()
	r.mu.Lock()
	r.updateCount = 0
	r.mu.Unlock()
	logging.Info(ctx, "Snapshot saved",
		zap.String("reason", reason),
		zap.Int("snapshot_bytes", len(snapshot)))
}

// Flush synchronously persists the replica if it has unsaved changes, waiting
// for any in-flight save to finish first.
func (r *Replica) Flush(ctx context.Context) {
	for {
		r.mu.Lock()
		done := r.saveDone
		r.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return
		}

		r.mu.Lock()
		if r.saving {
			// Another save started between our wait and the check; wait again.
			r.mu.Unlock()
			continue
		}
		if !r.dirty {
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()
		// One attempt only; a failing store must not wedge shutdown.
		r.save("flush")
		return
	}
}

var errRegistryClosed = errors.New("replica registry is closed")

// Config tunes replica persistence and retirement.
type Config struct {
	SaveInterval         time.Duration
	UpdateThreshold      int
	InactiveTimeout      time.Duration
	CleanupCheckInterval time.Duration
}

// Registry owns every live replica. Loads are single-flight per document so a
// burst of joins hits the store exactly once.
type Registry struct {
	store types.DocumentStore
	cfg   Config
	clock clock.WithTicker

	// inUse reports whether any session is currently subscribed to the
	// document. Replicas that are idle and not in use get retired.
	inUse func(types.DocumentIDType) bool

	mu     sync.Mutex
	slots  map[types.DocumentIDType]*slot
	closed bool

	stop chan struct{}
	wg   sync.WaitGroup
}

type slot struct {
	ready chan struct{}
	rep   *Replica
	err   error
}

// NewRegistry creates a Registry and starts its periodic save and cleanup
// loops. inUse may be nil, in which case idleness alone drives retirement.
func NewRegistry(store types.DocumentStore, cfg Config, inUse func(types.DocumentIDType) bool) *Registry {
	return NewRegistryWithClock(store, cfg, inUse, clock.RealClock{})
}

// NewRegistryWithClock is NewRegistry with an injectable clock for tests.
func NewRegistryWithClock(store types.DocumentStore, cfg Config, inUse func(types.DocumentIDType) bool, clk clock.WithTicker) *Registry {
	if inUse == nil {
		inUse = func(types.DocumentIDType) bool { return false }
	}
	r := &Registry{
		store: store,
		cfg:   cfg,
		clock: clk,
		inUse: inUse,
		slots: make(map[types.DocumentIDType]*slot),
		stop:  make(chan struct{}),
	}

	r.wg.Add(2)
	go r.saveLoop()
	go r.cleanupLoop()
	return r
}

// Acquire returns the live replica for the document, loading it from the
// store on first use. Concurrent callers for the same document share one load.
func (r *Registry) Acquire(ctx context.Context, docID types.DocumentIDType) (*Replica, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errRegistryClosed
	}
	s, ok := r.slots[docID]
	if ok {
		r.mu.Unlock()
		select {
		case <-s.ready:
			if s.err == nil {
				// Refresh the activity clock so the reaper's idleness
				// re-check sees this acquisition.
				s.rep.Touch()
			}
			return s.rep, s.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s = &slot{ready: make(chan struct{})}
	r.slots[docID] = s
	r.mu.Unlock()

	rep, err := r.load(ctx, docID)
	s.rep, s.err = rep, err
	close(s.ready)

	if err != nil {
		r.mu.Lock()
		if cur, ok := r.slots[docID]; ok && cur == s {
			delete(r.slots, docID)
		}
		r.mu.Unlock()
		return nil, err
	}

	metrics.ActiveDocuments.Inc()
	return rep, nil
}

func (r *Registry) load(ctx context.Context, docID types.DocumentIDType) (*Replica, error) {
	ctx = context.WithValue(ctx, logging.DocumentIDKey, string(docID))

	record, err := r.store.LoadDocument(ctx, docID)
	if err != nil {
		return nil, err
	}

	doc := crdt.NewDoc()
	if len(record.Snapshot) > 0 {
		if err := doc.ApplyUpdate(record.Snapshot, nil); err != nil {
			// An unreadable snapshot is unrecoverable; starting empty at least
			// keeps the document usable going forward.
			logging.Error(ctx, "Stored snapshot is unreadable, starting from empty state",
				zap.Int("snapshot_bytes", len(record.Snapshot)),
				zap.Error(err))
			doc = crdt.NewDoc()
		}
	}

	logging.Info(ctx, "Replica loaded",
		zap.Int("snapshot_bytes", len(record.Snapshot)))
	return newReplica(docID, doc, r.store, r.cfg.UpdateThreshold, r.clock), nil
}

// Peek returns the replica if it is already live, without loading.
func (r *Registry) Peek(docID types.DocumentIDType) (*Replica, bool) {
	r.mu.Lock()
	s, ok := r.slots[docID]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case <-s.ready:
		return s.rep, s.err == nil
	default:
		return nil, false
	}
}

// Retire flushes and removes the replica for the document, if live. It
// refuses while any session is subscribed: the inUse re-check runs under the
// registry lock, so a join racing the removal keeps its replica.
func (r *Registry) Retire(ctx context.Context, docID types.DocumentIDType) {
	r.retire(ctx, docID, func(*Replica) bool { return !r.inUse(docID) })
}

// retireIdle is the reaper's path. Room occupancy and idleness are both
// re-verified under the registry lock, so an Acquire or join that landed
// after the scan aborts the retirement.
func (r *Registry) retireIdle(ctx context.Context, docID types.DocumentIDType, cutoff time.Time) {
	r.retire(ctx, docID, func(rep *Replica) bool {
		return !r.inUse(docID) && !rep.idleSince().After(cutoff)
	})
}

// retire removes the slot when keep is nil or returns true under the registry
// lock, then flushes the replica outside it. A slot still hydrating is left
// alone; whoever triggered the load is about to use it.
func (r *Registry) retire(ctx context.Context, docID types.DocumentIDType, keep func(*Replica) bool) {
	r.mu.Lock()
	s, ok := r.slots[docID]
	if !ok {
		r.mu.Unlock()
		return
	}
	select {
	case <-s.ready:
	default:
		r.mu.Unlock()
		return
	}
	if s.err != nil {
		delete(r.slots, docID)
		r.mu.Unlock()
		return
	}
	if keep != nil && !keep(s.rep) {
		r.mu.Unlock()
		return
	}
	delete(r.slots, docID)
	r.mu.Unlock()

	s.rep.Flush(ctx)
	metrics.ActiveDocuments.Dec()
	logging.Info(context.WithValue(ctx, logging.DocumentIDKey, string(docID)), "Replica retired")
}

func (r *Registry) liveReplicas() map[types.DocumentIDType]*Replica {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[types.DocumentIDType]*Replica, len(r.slots))
	for id, s := range r.slots {
		select {
		case <-s.ready:
			if s.err == nil {
				out[id] = s.rep
			}
		default:
		}
	}
	return out
}

// saveLoop persists every dirty replica once per SaveInterval.
func (r *Registry) saveLoop() {
	defer r.wg.Done()
	ticker := r.clock.NewTicker(r.cfg.SaveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C():
			for _, rep := range r.liveReplicas() {
				if rep.isDirty() {
					go rep.save("interval")
				}
			}
		}
	}
}

// cleanupLoop retires replicas that have been idle past InactiveTimeout and
// have no subscribed sessions.
func (r *Registry) cleanupLoop() {
	defer r.wg.Done()
	ticker := r.clock.NewTicker(r.cfg.CleanupCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C():
			cutoff := r.clock.Now().Add(-r.cfg.InactiveTimeout)
			for docID, rep := range r.liveReplicas() {
				if rep.idleSince().After(cutoff) || r.inUse(docID) {
					continue
				}
				ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
				r.retireIdle(ctx, docID, cutoff)
				cancel()
			}
		}
	}
}

// Close stops the background loops and flushes every live replica. New
// acquisitions fail once Close has begun.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	close(r.stop)
	r.wg.Wait()

	// Shutdown flushes unconditionally; sessions have already been drained by
	// the hub at this point.
	for docID := range r.liveReplicas() {
		r.retire(ctx, docID, nil)
	}
}
