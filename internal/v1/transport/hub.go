package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/inkmere/collab-docs/backend/go/internal/v1/access"
	"github.com/inkmere/collab-docs/backend/go/internal/v1/logging"
	"github.com/inkmere/collab-docs/backend/go/internal/v1/metrics"
	"github.com/inkmere/collab-docs/backend/go/internal/v1/protocol"
	"github.com/inkmere/collab-docs/backend/go/internal/v1/ratelimit"
	"github.com/inkmere/collab-docs/backend/go/internal/v1/replica"
	"github.com/inkmere/collab-docs/backend/go/internal/v1/room"
	"github.com/inkmere/collab-docs/backend/go/internal/v1/store"
	"github.com/inkmere/collab-docs/backend/go/internal/v1/types"
)

// Hub is the central coordinator: it authenticates sockets, owns the session
// registry, and routes every protocol message to rooms and replicas.
type Hub struct {
	validator      types.TokenValidator
	store          types.DocumentStore
	access         *access.Resolver
	rooms          *room.Registry
	replicas       *replica.Registry
	rateLimiter    *ratelimit.RateLimiter
	allowedOrigins []string

	mu       sync.Mutex
	sessions map[types.SessionIDType]*Session
}

// Deps bundles the Hub's collaborators.
type Deps struct {
	Validator      types.TokenValidator
	Store          types.DocumentStore
	Access         *access.Resolver
	Rooms          *room.Registry
	Replicas       *replica.Registry
	RateLimiter    *ratelimit.RateLimiter // nil disables rate limiting (tests)
	AllowedOrigins []string
}

// NewHub creates a Hub from its dependencies.
func NewHub(deps Deps) *Hub {
	return &Hub{
		validator:      deps.Validator,
		store:          deps.Store,
		access:         deps.Access,
		rooms:          deps.Rooms,
		replicas:       deps.Replicas,
		rateLimiter:    deps.RateLimiter,
		allowedOrigins: deps.AllowedOrigins,
		sessions:       make(map[types.SessionIDType]*Session),
	}
}

// ServeWs authenticates the request and upgrades it to a WebSocket session.
// The credential travels in the Sec-WebSocket-Protocol header (preferred, the
// browser WebSocket API has no Authorization header) or the token query param.
func (h *Hub) ServeWs(c *gin.Context) {
	if h.rateLimiter != nil && !h.rateLimiter.CheckWebSocket(c) {
		return // Response already written by CheckWebSocket
	}

	tokenResult, err := h.extractToken(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token not provided"})
		return
	}

	claims, err := h.authenticateUser(tokenResult.Token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	if h.rateLimiter != nil {
		if err := h.rateLimiter.CheckWebSocketUser(c.Request.Context(), claims.Subject); err != nil {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connections"})
			return
		}
	}

	// A valid token is not enough: the subject must exist as an account. A
	// deleted user with a live token gets turned away here.
	user, err := h.store.FindUserByID(c.Request.Context(), types.UserIDType(claims.Subject))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logging.Warn(c.Request.Context(), "Token subject has no account",
				zap.String("user_id", claims.Subject))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unknown user"})
		} else {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "metadata store unavailable"})
		}
		return
	}

	if err := validateOrigin(c.Request, h.allowedOrigins); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	conn, err := h.upgradeWebSocket(c, tokenResult)
	if err != nil {
		return
	}

	h.HandleConnection(conn, user)
}

// HandleConnection registers a session for an established connection, sends
// the connected handshake, and starts the pumps.
func (h *Hub) HandleConnection(conn wsConnection, user *types.User) {
	identity := types.Identity{
		UserID:      user.ID,
		Email:       user.Email,
		DisplayName: user.DisplayName,
	}
	s := newSession(conn, h, types.SessionIDType(uuid.NewString()), identity)

	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()

	metrics.IncConnection()
	logging.Info(context.Background(), "Session connected",
		zap.String("session_id", string(s.id)),
		zap.String("user_id", string(user.ID)),
		zap.String("email", logging.RedactEmail(user.Email)))

	go s.writePump()

	// The connected message must reach the client before anything else; the
	// writePump preserves queue order, so queueing it first is enough.
	if data, err := protocol.Encode(protocol.TypeConnected, protocol.Connected{
		SessionID: s.id,
		Encoding:  protocol.EncodingBase64,
	}); err == nil {
		s.SendRaw(data)
	}

	go s.readPump()
}

// tokenExtractionResult holds the result of token extraction.
type tokenExtractionResult struct {
	Token                  string
	FromHeader             bool
	HasAccessTokenProtocol bool
}

// extractToken pulls the JWT from the Sec-WebSocket-Protocol header or, as a
// fallback, the token query param.
func (h *Hub) extractToken(c *gin.Context) (*tokenExtractionResult, error) {
	result := &tokenExtractionResult{}

	headerVal := c.GetHeader("Sec-WebSocket-Protocol")
	if headerVal != "" {
		for _, p := range strings.Split(headerVal, ",") {
			p = strings.TrimSpace(p)
			if p == "access_token" {
				result.HasAccessTokenProtocol = true
				continue
			}
			if p != "" {
				if _, err := h.validator.ValidateToken(p); err == nil {
					result.Token = p
					result.FromHeader = true
				}
			}
		}
	}

	if result.Token == "" {
		if q := c.Query("token"); q != "" {
			result.Token = q
		}
	}

	if result.Token == "" {
		logging.Warn(c.Request.Context(), "No token provided in request")
		return nil, fmt.Errorf("token not provided")
	}

	return result, nil
}

// authenticateUser validates the token and extracts claims.
func (h *Hub) authenticateUser(token string) (*types.Claims, error) {
	claims, err := h.validator.ValidateToken(token)
	if err != nil {
		logging.Warn(context.Background(), "Token validation failed", zap.Error(err))
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	return claims, nil
}

// validateOrigin checks if the request origin is in the allowed list.
func validateOrigin(r *http.Request, allowedOrigins []string) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil // Allow non-browser clients (e.g., for testing)
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("invalid origin URL: %w", err)
	}

	for _, allowed := range allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return nil
		}
	}

	logging.Warn(context.Background(), "Origin not in allowed list",
		zap.String("origin", origin), zap.Strings("allowed_origins", allowedOrigins))
	return fmt.Errorf("origin not allowed: %s", origin)
}

// upgradeWebSocket handles the WebSocket upgrade process.
func (h *Hub) upgradeWebSocket(c *gin.Context, tokenResult *tokenExtractionResult) (wsConnection, error) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return validateOrigin(r, h.allowedOrigins) == nil
		},
		WriteBufferPool: &sync.Pool{
			New: func() any {
				return make([]byte, 4096)
			},
		},
	}

	// Echo the subprotocol back so browsers accept the handshake.
	responseHeader := http.Header{}
	if tokenResult.FromHeader {
		if tokenResult.HasAccessTokenProtocol {
			responseHeader.Set("Sec-WebSocket-Protocol", "access_token")
		} else {
			responseHeader.Set("Sec-WebSocket-Protocol", tokenResult.Token)
		}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, responseHeader)
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to upgrade connection", zap.Error(err))
		return nil, err
	}

	return conn, nil
}

// SessionCount returns the number of live sessions.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Shutdown disconnects every live session. Replica flushing is the replica
// registry's job and happens after the hub drains.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.Disconnect()
	}

	logging.Info(ctx, "Hub shut down", zap.Int("sessions_closed", len(sessions)))
	return nil
}
