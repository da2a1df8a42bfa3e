package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkmere/collab-docs/backend/go/internal/v1/types"
)

func newTestStore(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisWithClient(client), mr
}

func testDocument() types.Document {
	return types.Document{
		ID:      "doc-1",
		Title:   "Design notes",
		OwnerID: "user-owner",
		Collaborators: []types.Collaborator{
			{UserID: "user-owner", Role: types.RoleTypeOwner},
			{UserID: "user-editor", Role: types.RoleTypeEditor},
			{UserID: "user-viewer", Role: types.RoleTypeViewer},
		},
		Snapshot: []byte{0x01, 0x02, 0x03},
	}
}

func TestUserRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	u := types.User{ID: "user-1", Email: "one@example.com", DisplayName: "User One"}
	require.NoError(t, s.PutUser(ctx, u))

	got, err := s.FindUserByID(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, &u, got)
}

func TestFindUserByIDMissing(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.FindUserByID(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDocumentRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	doc := testDocument()
	require.NoError(t, s.PutDocument(ctx, doc))

	got, err := s.LoadDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, doc.Title, got.Title)
	assert.Equal(t, doc.OwnerID, got.OwnerID)
	assert.Equal(t, doc.Collaborators, got.Collaborators)
	assert.Equal(t, doc.Snapshot, got.Snapshot)
	assert.False(t, got.CreatedAt.IsZero())
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestPutDocumentRejectsInvalidRecord(t *testing.T) {
	s, _ := newTestStore(t)

	doc := testDocument()
	doc.Collaborators = nil // No owner collaborator entry.
	assert.Error(t, s.PutDocument(context.Background(), doc))
}

func TestFindDocumentForAccess(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutDocument(ctx, testDocument()))

	t.Run("owner sees the document", func(t *testing.T) {
		doc, err := s.FindDocumentForAccess(ctx, "doc-1", "user-owner")
		require.NoError(t, err)
		role, ok := doc.RoleOf("user-owner")
		require.True(t, ok)
		assert.Equal(t, types.RoleTypeOwner, role)
	})

	t.Run("collaborator sees the document", func(t *testing.T) {
		doc, err := s.FindDocumentForAccess(ctx, "doc-1", "user-viewer")
		require.NoError(t, err)
		role, ok := doc.RoleOf("user-viewer")
		require.True(t, ok)
		assert.Equal(t, types.RoleTypeViewer, role)
	})

	t.Run("stranger and missing document are indistinguishable", func(t *testing.T) {
		_, errStranger := s.FindDocumentForAccess(ctx, "doc-1", "user-stranger")
		_, errMissing := s.FindDocumentForAccess(ctx, "doc-404", "user-owner")
		assert.ErrorIs(t, errStranger, ErrNotFound)
		assert.ErrorIs(t, errMissing, ErrNotFound)
		assert.Equal(t, errStranger, errMissing)
	})

	t.Run("metadata read omits the snapshot", func(t *testing.T) {
		doc, err := s.FindDocumentForAccess(ctx, "doc-1", "user-owner")
		require.NoError(t, err)
		assert.Nil(t, doc.Snapshot)
	})
}

func TestPersistSnapshot(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutDocument(ctx, testDocument()))

	before, err := s.LoadDocument(ctx, "doc-1")
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)
	snap := []byte("fresh snapshot bytes")
	require.NoError(t, s.PersistSnapshot(ctx, "doc-1", snap))

	after, err := s.LoadDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, snap, after.Snapshot)
	assert.True(t, after.UpdatedAt.After(before.UpdatedAt))
}

func TestPersistSnapshotMissingDocument(t *testing.T) {
	s, _ := newTestStore(t)
	err := s.PersistSnapshot(context.Background(), "doc-404", []byte("x"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPingReflectsConnectivity(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Ping(ctx))

	mr.Close()
	assert.Error(t, s.Ping(ctx))
}
