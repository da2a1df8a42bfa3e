// Package provider is the Go client for the collaboration hub. It binds a
// local CRDT document to a server document over a WebSocket: local edits are
// debounced, merged, and shipped up; remote updates are applied with an
// origin marker so they never echo back.
package provider

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/inkmere/collab-docs/backend/go/internal/v1/crdt"
	"github.com/inkmere/collab-docs/backend/go/internal/v1/logging"
	"github.com/inkmere/collab-docs/backend/go/internal/v1/protocol"
	"github.com/inkmere/collab-docs/backend/go/internal/v1/types"
)

const (
	// DebounceWait is how long the provider gathers local edits before
	// shipping one merged update.
	DebounceWait = 50 * time.Millisecond

	// MaxQueueSize caps the debounce queue; reaching it flushes immediately.
	MaxQueueSize = 10

	writeWait            = 10 * time.Second
	reconnectBaseBackoff = 250 * time.Millisecond
	reconnectMaxBackoff  = 10 * time.Second
)

// Options configures a Provider.
type Options struct {
	// URL is the full socket endpoint, e.g. ws://host:8080/ws/collab.
	URL string
	// Token is the bearer credential, sent as the token query param.
	Token string
	// DocumentID names the document to bind to.
	DocumentID types.DocumentIDType
	// Dialer overrides the default dialer; used by tests.
	Dialer *websocket.Dialer

	// OnSynced fires after each successful join or rejoin sync.
	OnSynced func()
	// OnPresence fires when a peer joins (joined=true) or leaves.
	OnPresence func(p protocol.Presence, joined bool)
	// OnPermissionDenied fires when the server rejects a mutation.
	OnPermissionDenied func(msg string)
}

// Provider keeps one local document continuously synchronized with the hub.
type Provider struct {
	doc       *crdt.Doc
	awareness *crdt.Awareness
	opts      Options

	mu        sync.Mutex
	conn      *websocket.Conn
	sessionID types.SessionIDType
	joinedYet bool // true once the first join succeeded; later syncs rejoin
	closed    bool

	queue      [][]byte
	flushTimer *time.Timer

	writeMu sync.Mutex

	unsubDoc       func()
	unsubAwareness func()

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a Provider bound to the given document. Connect starts it.
func New(doc *crdt.Doc, awareness *crdt.Awareness, opts Options) *Provider {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Provider{
		doc:       doc,
		awareness: awareness,
		opts:      opts,
		done:      make(chan struct{}),
	}
}

// Doc returns the bound document.
func (p *Provider) Doc() *crdt.Doc {
	return p.doc
}

// Connect dials the hub, performs the initial join, and starts the background
// read loop. It returns once the join ack has been received.
func (p *Provider) Connect(ctx context.Context) error {
	conn, err := p.dial(ctx)
	if err != nil {
		return err
	}

	if err := p.handshake(conn); err != nil {
		conn.Close()
		return err
	}

	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()

	// Local edits flow out through the debounce queue; the provider itself is
	// the origin marker that keeps remote applies from looping back.
	p.unsubDoc = p.doc.OnUpdate(func(update []byte, origin any) {
		if origin == p {
			return
		}
		p.enqueue(update)
	})
	if p.awareness != nil {
		p.unsubAwareness = p.awareness.OnChange(func(changed []uint64, origin any) {
			if origin == p {
				return
			}
			p.sendAwareness(changed)
		})
	}

	p.wg.Add(1)
	go p.readLoop(conn)
	return nil
}

func (p *Provider) dial(ctx context.Context) (*websocket.Conn, error) {
	url := p.opts.URL + "?token=" + p.opts.Token
	conn, resp, err := p.opts.Dialer.DialContext(ctx, url, http.Header{})
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dial hub: %w", err)
	}
	return conn, nil
}

// handshake consumes the connected message and completes the join (or, after
// a reconnect, the rejoin) synchronously on the fresh connection.
func (p *Provider) handshake(conn *websocket.Conn) error {
	env, err := p.readEnvelope(conn)
	if err != nil {
		return fmt.Errorf("failed to read connected message: %w", err)
	}
	if env.Type != protocol.TypeConnected {
		return fmt.Errorf("expected connected message, got %s", env.Type)
	}
	var connected protocol.Connected
	if err := env.Bind(&connected); err != nil {
		return err
	}

	p.mu.Lock()
	p.sessionID = connected.SessionID
	rejoin := p.joinedYet
	p.mu.Unlock()

	if rejoin {
		if err := p.rejoin(conn); err == nil {
			return nil
		}
		// A failed rejoin (access revoked and restored, replica gone, vector
		// unreadable) degrades to a fresh join.
		logging.Warn(context.Background(), "Rejoin failed, falling back to join",
			zap.String("document_id", string(p.opts.DocumentID)))
	}
	return p.join(conn)
}

func (p *Provider) join(conn *websocket.Conn) error {
	if err := p.writeEnvelope(conn, protocol.TypeJoinDocument, protocol.JoinDocument{
		DocumentID: p.opts.DocumentID,
	}); err != nil {
		return err
	}
	return p.awaitSync(conn, protocol.TypeJoinAck)
}

func (p *Provider) rejoin(conn *websocket.Conn) error {
	if err := p.writeEnvelope(conn, protocol.TypeRejoinDocument, protocol.RejoinDocument{
		DocumentID:  p.opts.DocumentID,
		StateVector: p.doc.EncodeStateVector(),
	}); err != nil {
		return err
	}
	return p.awaitSync(conn, protocol.TypeRejoinAck)
}

// awaitSync reads until the ack and the following sync arrive, applying the
// sync into the local document. Other traffic arriving early is handled in
// place so nothing is dropped.
func (p *Provider) awaitSync(conn *websocket.Conn, ackType string) error {
	var acked, synced bool
	for !acked || !synced {
		env, err := p.readEnvelope(conn)
		if err != nil {
			return err
		}
		switch env.Type {
		case ackType:
			var ack protocol.Ack
			if err := env.Bind(&ack); err != nil {
				return err
			}
			if !ack.Success {
				return fmt.Errorf("server refused %s: %s", ackType, ack.Error)
			}
			acked = true
		case protocol.TypeSync:
			var sync protocol.Sync
			if err := env.Bind(&sync); err != nil {
				return err
			}
			if len(sync.Update) > 0 {
				if err := p.doc.ApplyUpdate(sync.Update, p); err != nil {
					return fmt.Errorf("failed to apply sync: %w", err)
				}
			}
			synced = true
		default:
			p.handleMessage(env)
		}
	}

	p.mu.Lock()
	p.joinedYet = true
	p.mu.Unlock()

	if p.opts.OnSynced != nil {
		p.opts.OnSynced()
	}
	return nil
}

func (p *Provider) readLoop(conn *websocket.Conn) {
	defer p.wg.Done()

	for {
		env, err := p.readEnvelope(conn)
		if err != nil {
			conn.Close()
			if p.isClosed() {
				return
			}
			if !p.reconnect() {
				return
			}
			p.mu.Lock()
			conn = p.conn
			p.mu.Unlock()
			continue
		}
		p.handleMessage(env)
	}
}

func (p *Provider) handleMessage(env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeUpdate:
		var msg protocol.Update
		if err := env.Bind(&msg); err != nil {
			return
		}
		if err := p.doc.ApplyUpdate(msg.Update, p); err != nil {
			logging.Warn(context.Background(), "Discarding malformed remote update",
				zap.String("document_id", string(msg.DocumentID)), zap.Error(err))
		}
	case protocol.TypeAwareness:
		if p.awareness == nil {
			return
		}
		var msg protocol.Awareness
		if err := env.Bind(&msg); err != nil {
			return
		}
		_ = p.awareness.Apply(msg.Update, p)
	case protocol.TypeUserJoined, protocol.TypeUserLeft:
		if p.opts.OnPresence == nil {
			return
		}
		var msg protocol.Presence
		if err := env.Bind(&msg); err != nil {
			return
		}
		p.opts.OnPresence(msg, env.Type == protocol.TypeUserJoined)
	case protocol.TypePermissionDenied:
		var msg protocol.PermissionDenied
		if err := env.Bind(&msg); err != nil {
			return
		}
		logging.Warn(context.Background(), "Server rejected mutation",
			zap.String("document_id", string(msg.DocumentID)),
			zap.String("message", msg.Message))
		if p.opts.OnPermissionDenied != nil {
			p.opts.OnPermissionDenied(msg.Message)
		}
	}
}

// reconnect redials with jittered exponential backoff until it succeeds or
// the provider is closed. The handshake rejoins with the current state vector.
func (p *Provider) reconnect() bool {
	backoff := reconnectBaseBackoff
	for {
		select {
		case <-p.done:
			return false
		case <-time.After(backoff + time.Duration(rand.Int63n(int64(backoff/2+1)))):
		}

		conn, err := p.dial(context.Background())
		if err == nil {
			if err = p.handshake(conn); err == nil {
				p.mu.Lock()
				p.conn = conn
				p.mu.Unlock()
				// Anything queued while offline ships now.
				p.flush()
				logging.Info(context.Background(), "Reconnected to hub",
					zap.String("document_id", string(p.opts.DocumentID)))
				return true
			}
			conn.Close()
		}

		logging.Warn(context.Background(), "Reconnect attempt failed",
			zap.Duration("backoff", backoff), zap.Error(err))
		backoff *= 2
		if backoff > reconnectMaxBackoff {
			backoff = reconnectMaxBackoff
		}
	}
}

// enqueue buffers one local update. A full queue flushes immediately;
// otherwise the debounce timer ships everything at once.
func (p *Provider) enqueue(update []byte) {
	p.mu.Lock()
	p.queue = append(p.queue, update)
	if len(p.queue) >= MaxQueueSize {
		p.mu.Unlock()
		p.flush()
		return
	}
	// One timer, reset on every enqueue: the flush fires DebounceWait after
	// the most recent edit, not the first.
	if p.flushTimer == nil {
		p.flushTimer = time.AfterFunc(DebounceWait, p.flush)
	} else {
		p.flushTimer.Reset(DebounceWait)
	}
	p.mu.Unlock()
}

// flush merges the queued updates into one and sends it.
func (p *Provider) flush() {
	p.mu.Lock()
	if p.flushTimer != nil {
		p.flushTimer.Stop()
		p.flushTimer = nil
	}
	if len(p.queue) == 0 {
		p.mu.Unlock()
		return
	}
	pending := p.queue
	p.queue = nil
	conn := p.conn
	p.mu.Unlock()

	merged, err := crdt.MergeUpdates(pending)
	if err != nil {
		logging.Error(context.Background(), "Failed to merge queued updates", zap.Error(err))
		return
	}

	if conn == nil {
		// Offline; requeue the merged update for the next reconnect.
		p.mu.Lock()
		p.queue = append([][]byte{merged}, p.queue...)
		p.mu.Unlock()
		return
	}

	if err := p.writeEnvelope(conn, protocol.TypeUpdate, protocol.Update{
		DocumentID: p.opts.DocumentID,
		Update:     merged,
	}); err != nil {
		logging.Warn(context.Background(), "Failed to send update, requeueing", zap.Error(err))
		p.mu.Lock()
		p.queue = append([][]byte{merged}, p.queue...)
		p.mu.Unlock()
	}
}

// sendAwareness ships the local awareness state for the changed clients.
// Awareness is ephemeral and never queued; a lost delta heals on the next
// change.
func (p *Provider) sendAwareness(changed []uint64) {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return
	}

	_ = p.writeEnvelope(conn, protocol.TypeAwareness, protocol.Awareness{
		DocumentID: p.opts.DocumentID,
		Update:     p.awareness.Encode(changed),
	})
}

func (p *Provider) readEnvelope(conn *websocket.Conn) (*protocol.Envelope, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return protocol.Decode(data)
}

func (p *Provider) writeEnvelope(conn *websocket.Conn, msgType string, payload any) error {
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (p *Provider) isClosed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Close flushes pending edits best-effort, leaves the document, and tears the
// connection down.
func (p *Provider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if p.unsubDoc != nil {
		p.unsubDoc()
	}
	if p.unsubAwareness != nil {
		p.unsubAwareness()
	}

	p.flush()

	close(p.done)

	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()

	if conn != nil {
		_ = p.writeEnvelope(conn, protocol.TypeLeaveDocument, protocol.LeaveDocument{
			DocumentID: p.opts.DocumentID,
		})
		conn.Close()
	}

	p.wg.Wait()
	if p.awareness != nil {
		p.awareness.Destroy()
	}
	return nil
}
