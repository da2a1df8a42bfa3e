// Package store implements the document metadata store on Redis. Users live
// as JSON blobs under user:{id}; documents live as hashes under doc:{id} with
// the snapshot in its own hash field so metadata reads never drag the binary
// payload across the wire.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/inkmere/collab-docs/backend/go/internal/v1/logging"
	"github.com/inkmere/collab-docs/backend/go/internal/v1/metrics"
	"github.com/inkmere/collab-docs/backend/go/internal/v1/types"
)

// ErrNotFound is returned when a user or document record does not exist, or
// when the caller has no access to it. Access checks deliberately collapse
// "missing" and "forbidden" into this one error.
var ErrNotFound = errors.New("store: record not found")

const (
	userKeyPrefix = "user:"
	docKeyPrefix  = "doc:"

	fieldTitle         = "title"
	fieldOwnerID       = "ownerId"
	fieldCollaborators = "collaborators"
	fieldSnapshot      = "snapshot"
	fieldCreatedAt     = "createdAt"
	fieldUpdatedAt     = "updatedAt"
)

// Redis is the DocumentStore implementation backed by a Redis instance, with
// a circuit breaker guarding every call.
type Redis struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// NewRedis creates a store connection and verifies it with a ping.
func NewRedis(addr, password string) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logging.Info(context.Background(), "Connected to metadata store", zap.String("addr", addr))
	return NewRedisWithClient(rdb), nil
}

// NewRedisWithClient wraps an existing client. Used by tests with miniredis.
func NewRedisWithClient(rdb *redis.Client) *Redis {
	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	return &Redis{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
	}
}

func (s *Redis) execute(op func() (any, error)) (any, error) {
	res, err := s.cb.Execute(op)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
	}
	return res, err
}

// FindUserByID loads the account record for a user id.
func (s *Redis) FindUserByID(ctx context.Context, id types.UserIDType) (*types.User, error) {
	res, err := s.execute(func() (any, error) {
		raw, err := s.client.Get(ctx, userKeyPrefix+string(id)).Result()
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		var u types.User
		if err := json.Unmarshal([]byte(raw), &u); err != nil {
			return nil, fmt.Errorf("failed to unmarshal user record: %w", err)
		}
		return &u, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*types.User), nil
}

// FindDocumentForAccess loads the document only if the user is its owner or a
// collaborator. A missing document and a document the user cannot see both
// return ErrNotFound, so probing cannot reveal which documents exist.
func (s *Redis) FindDocumentForAccess(ctx context.Context, docID types.DocumentIDType, userID types.UserIDType) (*types.Document, error) {
	doc, err := s.loadDocument(ctx, docID, false)
	if err != nil {
		return nil, err
	}
	if _, ok := doc.RoleOf(userID); !ok {
		return nil, ErrNotFound
	}
	return doc, nil
}

// LoadDocument loads the full document record including its snapshot.
func (s *Redis) LoadDocument(ctx context.Context, docID types.DocumentIDType) (*types.Document, error) {
	return s.loadDocument(ctx, docID, true)
}

func (s *Redis) loadDocument(ctx context.Context, docID types.DocumentIDType, withSnapshot bool) (*types.Document, error) {
	res, err := s.execute(func() (any, error) {
		key := docKeyPrefix + string(docID)
		fields := []string{fieldTitle, fieldOwnerID, fieldCollaborators, fieldCreatedAt, fieldUpdatedAt}
		if withSnapshot {
			fields = append(fields, fieldSnapshot)
		}

		vals, err := s.client.HMGet(ctx, key, fields...).Result()
		if err != nil {
			return nil, err
		}
		if vals[0] == nil {
			return nil, ErrNotFound
		}

		doc := &types.Document{ID: docID}
		doc.Title, _ = vals[0].(string)
		if owner, ok := vals[1].(string); ok {
			doc.OwnerID = types.UserIDType(owner)
		}
		if collab, ok := vals[2].(string); ok && collab != "" {
			if err := json.Unmarshal([]byte(collab), &doc.Collaborators); err != nil {
				return nil, fmt.Errorf("failed to unmarshal collaborators: %w", err)
			}
		}
		if created, ok := vals[3].(string); ok {
			doc.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		}
		if updated, ok := vals[4].(string); ok {
			doc.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		}
		if withSnapshot {
			if snap, ok := vals[5].(string); ok {
				doc.Snapshot = []byte(snap)
			}
		}
		return doc, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*types.Document), nil
}

// PersistSnapshot writes the document snapshot and bumps updatedAt. Writing a
// snapshot for a document that no longer exists is an error, not an upsert.
func (s *Redis) PersistSnapshot(ctx context.Context, docID types.DocumentIDType, snapshot []byte) error {
	_, err := s.execute(func() (any, error) {
		key := docKeyPrefix + string(docID)
		exists, err := s.client.Exists(ctx, key).Result()
		if err != nil {
			return nil, err
		}
		if exists == 0 {
			return nil, ErrNotFound
		}
		return nil, s.client.HSet(ctx, key,
			fieldSnapshot, snapshot,
			fieldUpdatedAt, time.Now().UTC().Format(time.RFC3339Nano),
		).Err()
	})
	return err
}

// PutUser stores an account record. Used by seeding and tests; the hub itself
// only reads users.
func (s *Redis) PutUser(ctx context.Context, u types.User) error {
	_, err := s.execute(func() (any, error) {
		data, err := json.Marshal(u)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal user record: %w", err)
		}
		return nil, s.client.Set(ctx, userKeyPrefix+string(u.ID), data, 0).Err()
	})
	return err
}

// PutDocument stores a full document record after validating it.
func (s *Redis) PutDocument(ctx context.Context, doc types.Document) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	_, err := s.execute(func() (any, error) {
		collab, err := json.Marshal(doc.Collaborators)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal collaborators: %w", err)
		}
		now := time.Now().UTC()
		createdAt := doc.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		updatedAt := doc.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = now
		}
		return nil, s.client.HSet(ctx, docKeyPrefix+string(doc.ID),
			fieldTitle, doc.Title,
			fieldOwnerID, string(doc.OwnerID),
			fieldCollaborators, collab,
			fieldSnapshot, doc.Snapshot,
			fieldCreatedAt, createdAt.Format(time.RFC3339Nano),
			fieldUpdatedAt, updatedAt.Format(time.RFC3339Nano),
		).Err()
	})
	return err
}

// Client returns the underlying Redis client, shared with the rate limiter
// store.
func (s *Redis) Client() *redis.Client {
	return s.client
}

// Ping checks store connectivity. Used by readiness probes.
func (s *Redis) Ping(ctx context.Context) error {
	_, err := s.execute(func() (any, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	return err
}

// Close shuts down the underlying connection pool.
func (s *Redis) Close() error {
	return s.client.Close()
}
