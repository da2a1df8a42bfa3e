// Package access decides what a user may do on a document. It is the only
// layer that consults document membership; transport and dispatch code ask it
// rather than reading store records directly.
package access

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/inkmere/collab-docs/backend/go/internal/v1/logging"
	"github.com/inkmere/collab-docs/backend/go/internal/v1/store"
	"github.com/inkmere/collab-docs/backend/go/internal/v1/types"
)

// ErrNoAccess is returned whenever a user cannot use a document, whether it
// does not exist or they are simply not on it. Callers must not leak which.
var ErrNoAccess = errors.New("access: document not found or not shared with user")

// Resolver answers role questions against the metadata store.
type Resolver struct {
	store types.DocumentStore
}

// NewResolver creates a Resolver backed by the given store.
func NewResolver(s types.DocumentStore) *Resolver {
	return &Resolver{store: s}
}

// ResolveRole returns the role the user holds on the document. Any failure to
// establish membership, including store lookups for missing documents, comes
// back as ErrNoAccess; infrastructure errors pass through unchanged so the
// caller can distinguish "no" from "don't know".
func (r *Resolver) ResolveRole(ctx context.Context, docID types.DocumentIDType, userID types.UserIDType) (types.RoleType, error) {
	doc, err := r.store.FindDocumentForAccess(ctx, docID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrNoAccess
	}
	if err != nil {
		logging.Error(ctx, "Role resolution failed against metadata store",
			zap.String("document_id", string(docID)),
			zap.Error(err))
		return "", err
	}

	role, ok := doc.RoleOf(userID)
	if !ok || !role.Valid() {
		// FindDocumentForAccess already filtered on membership; an unknown or
		// invalid role here means a corrupt record. Treat it as no access.
		logging.Warn(ctx, "Document record carries unusable role",
			zap.String("document_id", string(docID)),
			zap.String("role", string(role)))
		return "", ErrNoAccess
	}
	return role, nil
}

// CanEdit reports whether the user may mutate the document.
func (r *Resolver) CanEdit(ctx context.Context, docID types.DocumentIDType, userID types.UserIDType) (bool, error) {
	role, err := r.ResolveRole(ctx, docID, userID)
	if err != nil {
		return false, err
	}
	return role.CanEdit(), nil
}
