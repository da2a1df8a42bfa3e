package transport

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/inkmere/collab-docs/backend/go/internal/v1/access"
	"github.com/inkmere/collab-docs/backend/go/internal/v1/logging"
	"github.com/inkmere/collab-docs/backend/go/internal/v1/metrics"
	"github.com/inkmere/collab-docs/backend/go/internal/v1/protocol"
	"github.com/inkmere/collab-docs/backend/go/internal/v1/replica"
	"github.com/inkmere/collab-docs/backend/go/internal/v1/types"
)

// dispatch routes one decoded envelope to its handler.
func (h *Hub) dispatch(ctx context.Context, s *Session, env *protocol.Envelope) {
	start := time.Now()
	defer func() {
		metrics.DispatchDuration.WithLabelValues(env.Type).Observe(time.Since(start).Seconds())
	}()

	switch env.Type {
	case protocol.TypeJoinDocument:
		h.handleJoin(ctx, s, env)
	case protocol.TypeRejoinDocument:
		h.handleRejoin(ctx, s, env)
	case protocol.TypeLeaveDocument:
		h.handleLeave(ctx, s, env)
	case protocol.TypeUpdate:
		h.handleUpdate(ctx, s, env)
	case protocol.TypeAwareness:
		h.handleAwareness(ctx, s, env)
	default:
		logging.Warn(ctx, "Unknown message type", zap.String("type", env.Type))
	}
}

func (h *Hub) sendEnvelope(s *Session, msgType string, payload any) {
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		logging.Error(context.Background(), "Failed to encode envelope",
			zap.String("type", msgType), zap.Error(err))
		return
	}
	s.SendRaw(data)
}

// fanout delivers one message to every room member except the sender. The
// peer snapshot is taken before any send so no registry lock is held while
// writing to session buffers.
func (h *Hub) fanout(docID types.DocumentIDType, except types.SessionIDType, msgType string, payload any) {
	h.fanoutTo(h.rooms.Peers(docID, except), msgType, payload)
}

// fanoutTo delivers one message to an explicit peer snapshot. Presence
// broadcasts use the snapshot taken inside the registry mutation, so a
// concurrent joiner sees the subject in its peer list or hears the broadcast,
// never both.
func (h *Hub) fanoutTo(peers []types.ClientInterface, msgType string, payload any) {
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		logging.Error(context.Background(), "Failed to encode fanout envelope",
			zap.String("type", msgType), zap.Error(err))
		return
	}
	for _, peer := range peers {
		peer.SendRaw(data)
	}
}

func (h *Hub) sendAck(s *Session, ackType string, docID types.DocumentIDType, users []types.Subscriber, errMsg string) {
	h.sendEnvelope(s, ackType, protocol.Ack{
		DocumentID: docID,
		Success:    errMsg == "",
		Users:      users,
		Error:      errMsg,
	})
}

// subscribe runs the shared join/rejoin path: resolve the role, ensure the
// replica is live, and insert the session into the room. The ack and the sync
// payload differ between the two entry points.
func (h *Hub) subscribe(ctx context.Context, s *Session, docID types.DocumentIDType, ackType string) (*replica.Replica, types.RoleType, bool) {
	if docID == "" {
		h.sendAck(s, ackType, docID, nil, "documentId is required")
		return nil, "", false
	}

	role, err := h.access.ResolveRole(ctx, docID, s.identity.UserID)
	if err != nil {
		// One message for no-access and not-found keeps documents unprobeable.
		msg := "document not found or access denied"
		if !errors.Is(err, access.ErrNoAccess) {
			msg = "document temporarily unavailable"
		}
		h.sendAck(s, ackType, docID, nil, msg)
		return nil, "", false
	}

	rep, err := h.replicas.Acquire(ctx, docID)
	if err != nil {
		logging.Error(ctx, "Failed to acquire replica",
			zap.String("document_id", string(docID)), zap.Error(err))
		h.sendAck(s, ackType, docID, nil, "document temporarily unavailable")
		return nil, "", false
	}

	return rep, role, true
}

func (h *Hub) handleJoin(ctx context.Context, s *Session, env *protocol.Envelope) {
	var msg protocol.JoinDocument
	if err := env.Bind(&msg); err != nil {
		h.sendAck(s, protocol.TypeJoinAck, "", nil, "invalid join-document payload")
		return
	}

	rep, role, ok := h.subscribe(ctx, s, msg.DocumentID, protocol.TypeJoinAck)
	if !ok {
		return
	}

	users, peers := h.rooms.Join(msg.DocumentID, s, role)
	rep.Touch()

	// Full state precedes the ack on the wire.
	h.sendEnvelope(s, protocol.TypeSync, protocol.Sync{
		DocumentID: msg.DocumentID,
		Update:     rep.FullState(),
	})
	h.sendAck(s, protocol.TypeJoinAck, msg.DocumentID, users, "")

	h.fanoutTo(peers, protocol.TypeUserJoined, presenceOf(msg.DocumentID, s))
	logging.Info(ctx, "Session joined document",
		zap.String("document_id", string(msg.DocumentID)),
		zap.String("role", string(role)),
		zap.Int("room_size", len(users)))
}

func (h *Hub) handleRejoin(ctx context.Context, s *Session, env *protocol.Envelope) {
	var msg protocol.RejoinDocument
	if err := env.Bind(&msg); err != nil {
		h.sendAck(s, protocol.TypeRejoinAck, "", nil, "invalid rejoin-document payload")
		return
	}

	rep, role, ok := h.subscribe(ctx, s, msg.DocumentID, protocol.TypeRejoinAck)
	if !ok {
		return
	}

	users, peers := h.rooms.Join(msg.DocumentID, s, role)

	// The diff against the client's state vector carries what it missed
	// while offline; an unreadable vector degrades to full state. It
	// precedes the ack, same as the join path.
	h.sendEnvelope(s, protocol.TypeSync, protocol.Sync{
		DocumentID: msg.DocumentID,
		Update:     rep.Diff(msg.StateVector),
	})
	h.sendAck(s, protocol.TypeRejoinAck, msg.DocumentID, users, "")

	h.fanoutTo(peers, protocol.TypeUserJoined, presenceOf(msg.DocumentID, s))
	logging.Info(ctx, "Session rejoined document",
		zap.String("document_id", string(msg.DocumentID)),
		zap.String("role", string(role)))
}

func (h *Hub) handleLeave(ctx context.Context, s *Session, env *protocol.Envelope) {
	var msg protocol.LeaveDocument
	if err := env.Bind(&msg); err != nil || msg.DocumentID == "" {
		return
	}

	// Leaving a document the session never joined is a silent no-op.
	removed, emptied, peers := h.rooms.Leave(msg.DocumentID, s.id)
	if !removed {
		return
	}

	h.fanoutTo(peers, protocol.TypeUserLeft, presenceOf(msg.DocumentID, s))
	if emptied {
		// The replica stays live for the inactivity window so a quick
		// reconnect skips the store round trip. The registry reaper retires it.
		logging.Info(ctx, "Room emptied", zap.String("document_id", string(msg.DocumentID)))
	}
}

func (h *Hub) handleUpdate(ctx context.Context, s *Session, env *protocol.Envelope) {
	var msg protocol.Update
	if err := env.Bind(&msg); err != nil || msg.DocumentID == "" || len(msg.Update) == 0 {
		metrics.UpdatesProcessed.WithLabelValues("invalid").Inc()
		return
	}

	if _, ok := h.rooms.Member(msg.DocumentID, s.id); !ok {
		metrics.UpdatesProcessed.WithLabelValues("denied").Inc()
		h.sendEnvelope(s, protocol.TypePermissionDenied, protocol.PermissionDenied{
			DocumentID: msg.DocumentID,
			Message:    "not subscribed to document",
		})
		return
	}

	// Roles are re-resolved on every mutation so a revoked editor loses write
	// access immediately, not at the next join.
	role, err := h.access.ResolveRole(ctx, msg.DocumentID, s.identity.UserID)
	if err != nil || !role.CanEdit() {
		metrics.UpdatesProcessed.WithLabelValues("denied").Inc()
		h.sendEnvelope(s, protocol.TypePermissionDenied, protocol.PermissionDenied{
			DocumentID: msg.DocumentID,
			Message:    "insufficient permissions to edit document",
		})
		return
	}

	rep, live := h.replicas.Peek(msg.DocumentID)
	if !live {
		// The reaper can retire a replica under a quiet room; reload it.
		rep, err = h.replicas.Acquire(ctx, msg.DocumentID)
		if err != nil {
			metrics.UpdatesProcessed.WithLabelValues("invalid").Inc()
			logging.Error(ctx, "Failed to reacquire replica for update",
				zap.String("document_id", string(msg.DocumentID)), zap.Error(err))
			return
		}
	}

	if err := rep.Apply(msg.Update, s); err != nil {
		metrics.UpdatesProcessed.WithLabelValues("invalid").Inc()
		logging.Warn(ctx, "Rejected malformed update",
			zap.String("document_id", string(msg.DocumentID)), zap.Error(err))
		return
	}

	metrics.UpdatesProcessed.WithLabelValues("applied").Inc()
	h.fanout(msg.DocumentID, s.id, protocol.TypeUpdate, protocol.Update{
		DocumentID: msg.DocumentID,
		Update:     msg.Update,
		UserID:     s.identity.UserID,
	})
}

func (h *Hub) handleAwareness(ctx context.Context, s *Session, env *protocol.Envelope) {
	var msg protocol.Awareness
	if err := env.Bind(&msg); err != nil || msg.DocumentID == "" || len(msg.Update) == 0 {
		return
	}

	// Awareness is gated on membership only; viewers broadcast cursors too.
	if _, ok := h.rooms.Member(msg.DocumentID, s.id); !ok {
		return
	}

	h.fanout(msg.DocumentID, s.id, protocol.TypeAwareness, protocol.Awareness{
		DocumentID: msg.DocumentID,
		Update:     msg.Update,
		UserID:     s.identity.UserID,
	})
}

// handleDisconnect cleans up after a dropped connection: the session leaves
// every room it was in and each room's peers hear user-left.
func (h *Hub) handleDisconnect(s *Session) {
	s.Disconnect()

	h.mu.Lock()
	delete(h.sessions, s.id)
	h.mu.Unlock()

	for _, dep := range h.rooms.LeaveAll(s.id) {
		h.fanoutTo(dep.Peers, protocol.TypeUserLeft, protocol.Presence{
			DocumentID:  dep.DocumentID,
			UserID:      dep.Subscriber.UserID,
			DisplayName: dep.Subscriber.DisplayName,
			Email:       dep.Subscriber.Email,
		})
	}

	logging.Info(context.Background(), "Session disconnected",
		zap.String("session_id", string(s.id)),
		zap.String("user_id", string(s.identity.UserID)))
}

func presenceOf(docID types.DocumentIDType, s *Session) protocol.Presence {
	return protocol.Presence{
		DocumentID:  docID,
		UserID:      s.identity.UserID,
		DisplayName: s.identity.DisplayName,
		Email:       s.identity.Email,
	}
}
