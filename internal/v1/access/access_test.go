package access

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkmere/collab-docs/backend/go/internal/v1/store"
	"github.com/inkmere/collab-docs/backend/go/internal/v1/types"
)

type fakeStore struct {
	docs map[types.DocumentIDType]*types.Document
	err  error
}

func (f *fakeStore) FindUserByID(ctx context.Context, id types.UserIDType) (*types.User, error) {
	return nil, store.ErrNotFound
}

func (f *fakeStore) FindDocumentForAccess(ctx context.Context, docID types.DocumentIDType, userID types.UserIDType) (*types.Document, error) {
	if f.err != nil {
		return nil, f.err
	}
	doc, ok := f.docs[docID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if _, member := doc.RoleOf(userID); !member {
		return nil, store.ErrNotFound
	}
	return doc, nil
}

func (f *fakeStore) LoadDocument(ctx context.Context, docID types.DocumentIDType) (*types.Document, error) {
	doc, ok := f.docs[docID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return doc, nil
}

func (f *fakeStore) PersistSnapshot(ctx context.Context, docID types.DocumentIDType, snapshot []byte) error {
	return nil
}

func sharedDoc() *types.Document {
	return &types.Document{
		ID:      "doc-1",
		Title:   "Shared",
		OwnerID: "owner",
		Collaborators: []types.Collaborator{
			{UserID: "owner", Role: types.RoleTypeOwner},
			{UserID: "editor", Role: types.RoleTypeEditor},
			{UserID: "viewer", Role: types.RoleTypeViewer},
		},
	}
}

func TestResolveRole(t *testing.T) {
	r := NewResolver(&fakeStore{docs: map[types.DocumentIDType]*types.Document{"doc-1": sharedDoc()}})
	ctx := context.Background()

	tests := []struct {
		name    string
		userID  types.UserIDType
		want    types.RoleType
		wantErr error
	}{
		{name: "owner", userID: "owner", want: types.RoleTypeOwner},
		{name: "editor", userID: "editor", want: types.RoleTypeEditor},
		{name: "viewer", userID: "viewer", want: types.RoleTypeViewer},
		{name: "stranger gets no access", userID: "stranger", wantErr: ErrNoAccess},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			role, err := r.ResolveRole(ctx, "doc-1", tt.userID)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, role)
		})
	}
}

func TestResolveRoleMissingDocumentMatchesStranger(t *testing.T) {
	r := NewResolver(&fakeStore{docs: map[types.DocumentIDType]*types.Document{"doc-1": sharedDoc()}})
	ctx := context.Background()

	_, errMissing := r.ResolveRole(ctx, "doc-404", "owner")
	_, errStranger := r.ResolveRole(ctx, "doc-1", "stranger")

	assert.ErrorIs(t, errMissing, ErrNoAccess)
	assert.Equal(t, errMissing, errStranger)
}

func TestResolveRolePropagatesInfrastructureErrors(t *testing.T) {
	boom := errors.New("connection reset")
	r := NewResolver(&fakeStore{err: boom})

	_, err := r.ResolveRole(context.Background(), "doc-1", "owner")
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrNoAccess)
}

func TestCanEdit(t *testing.T) {
	r := NewResolver(&fakeStore{docs: map[types.DocumentIDType]*types.Document{"doc-1": sharedDoc()}})
	ctx := context.Background()

	for user, want := range map[types.UserIDType]bool{
		"owner":  true,
		"editor": true,
		"viewer": false,
	} {
		got, err := r.CanEdit(ctx, "doc-1", user)
		require.NoError(t, err)
		assert.Equal(t, want, got, "user %s", user)
	}

	_, err := r.CanEdit(ctx, "doc-1", "stranger")
	assert.ErrorIs(t, err, ErrNoAccess)
}
