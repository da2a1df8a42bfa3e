package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/inkmere/collab-docs/backend/go/internal/v1/logging"
	"github.com/inkmere/collab-docs/backend/go/internal/v1/metrics"
	"github.com/inkmere/collab-docs/backend/go/internal/v1/protocol"
	"github.com/inkmere/collab-docs/backend/go/internal/v1/types"
)

// wsConnection defines the interface for WebSocket connection operations.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

const sendBufferSize = 256

// Session represents one authenticated socket connection. A user editing in
// two tabs holds two sessions. It implements types.ClientInterface.
type Session struct {
	conn     wsConnection
	hub      *Hub
	id       types.SessionIDType
	identity types.Identity

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once

	send chan []byte
}

func newSession(conn wsConnection, hub *Hub, id types.SessionIDType, identity types.Identity) *Session {
	return &Session{
		conn:     conn,
		hub:      hub,
		id:       id,
		identity: identity,
		send:     make(chan []byte, sendBufferSize),
	}
}

func (s *Session) SessionID() types.SessionIDType {
	return s.id
}

func (s *Session) Identity() types.Identity {
	return s.identity
}

// Send serializes the message and queues it for delivery.
func (s *Session) Send(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		logging.Error(context.Background(), "Failed to marshal outbound message",
			zap.String("session_id", string(s.id)), zap.Error(err))
		return
	}
	s.SendRaw(data)
}

// SendRaw queues pre-serialized bytes. A session whose buffer is saturated is
// too far behind to ever catch up through the buffer; it gets disconnected
// and recovers through the rejoin path instead.
func (s *Session) SendRaw(data []byte) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return
	}
	s.mu.RUnlock()

	defer func() {
		if r := recover(); r != nil {
			logging.Warn(context.Background(), "Recovered from send to closing session",
				zap.String("session_id", string(s.id)), zap.Any("panic", r))
		}
	}()

	select {
	case s.send <- data:
	default:
		logging.Warn(context.Background(), "Session send buffer saturated, disconnecting slow peer",
			zap.String("session_id", string(s.id)),
			zap.String("user_id", string(s.identity.UserID)))
		s.Disconnect()
	}
}

// Disconnect closes the outbound channel, which drives the writePump to send
// a close frame and tear the connection down.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.closeOnce.Do(func() {
		close(s.send)
	})
}

// readPump processes inbound messages until the connection drops.
func (s *Session) readPump() {
	defer func() {
		s.hub.handleDisconnect(s)
		s.conn.Close()
		metrics.DecConnection()
	}()

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}

		env, err := protocol.Decode(data)
		if err != nil {
			logging.Warn(context.Background(), "Failed to decode envelope",
				zap.String("session_id", string(s.id)), zap.Error(err))
			continue
		}

		ctx := context.WithValue(context.Background(), logging.SessionIDKey, string(s.id))
		ctx = context.WithValue(ctx, logging.UserIDKey, string(s.identity.UserID))
		s.hub.dispatch(ctx, s, env)
	}
}

func (s *Session) writePump() {
	defer s.conn.Close()
	writeWait := 10 * time.Second

	for message := range s.send {
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			logging.Error(context.Background(), "Error writing message",
				zap.String("session_id", string(s.id)), zap.Error(err))
			return
		}
	}
	_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
