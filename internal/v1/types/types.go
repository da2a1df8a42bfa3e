package types

import (
	"context"
	"errors"
	"time"
)

// --- Core Domain Types ---

// RoleType defines the access level a user holds on a document.
type RoleType string

// DocumentIDType represents a unique identifier for a collaborative document.
type DocumentIDType string

// UserIDType represents the stable identifier of an authenticated user.
type UserIDType string

// SessionIDType represents a single socket connection. A user may hold several.
type SessionIDType string

// DisplayNameType represents the human-readable name for a user.
type DisplayNameType string

// Role constants define the document permission hierarchy.
const (
	RoleTypeOwner  RoleType = "owner"  // Document creator; full control
	RoleTypeEditor RoleType = "editor" // May read and mutate document content
	RoleTypeViewer RoleType = "viewer" // Read and awareness only; mutations rejected
)

// CanEdit reports whether the role permits document mutations.
func (r RoleType) CanEdit() bool {
	return r == RoleTypeOwner || r == RoleTypeEditor
}

// Valid reports whether the role is one of the known constants.
func (r RoleType) Valid() bool {
	switch r {
	case RoleTypeOwner, RoleTypeEditor, RoleTypeViewer:
		return true
	}
	return false
}

// Identity is the verified principal bound to a session after handshake.
type Identity struct {
	UserID      UserIDType      `json:"userId"`
	Email       string          `json:"email"`
	DisplayName DisplayNameType `json:"displayName"`
}

// Subscriber is the presence projection of a session inside a room.
type Subscriber struct {
	UserID      UserIDType      `json:"userId"`
	DisplayName DisplayNameType `json:"displayName"`
	Email       string          `json:"email"`
	Role        RoleType        `json:"role"`
}

// --- Metadata Store Records ---

// User is the account record held by the metadata store.
type User struct {
	ID          UserIDType      `json:"id"`
	Email       string          `json:"email"`
	DisplayName DisplayNameType `json:"displayName"`
}

// Collaborator binds a user to a role on one document.
type Collaborator struct {
	UserID UserIDType `json:"userId"`
	Role   RoleType   `json:"role"`
}

// Document is the durable document record. Snapshot is the only durable
// representation of content; everything else is metadata.
type Document struct {
	ID            DocumentIDType `json:"id"`
	Title         string         `json:"title"`
	OwnerID       UserIDType     `json:"ownerId"`
	Collaborators []Collaborator `json:"collaborators"`
	Snapshot      []byte         `json:"snapshot,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// MaxTitleLength bounds document titles in the store.
const MaxTitleLength = 255

// Validate enforces the document record invariants: non-empty bounded title,
// exactly one owner entry matching OwnerID, and unique collaborator user ids.
func (d Document) Validate() error {
	if d.ID == "" {
		return errors.New("document id cannot be empty")
	}
	if d.Title == "" {
		return errors.New("document title cannot be empty")
	}
	if len(d.Title) > MaxTitleLength {
		return errors.New("document title exceeds 255 characters")
	}
	seen := make(map[UserIDType]struct{}, len(d.Collaborators))
	owners := 0
	for _, c := range d.Collaborators {
		if !c.Role.Valid() {
			return errors.New("collaborator role is invalid")
		}
		if _, dup := seen[c.UserID]; dup {
			return errors.New("collaborator user id appears more than once")
		}
		seen[c.UserID] = struct{}{}
		if c.Role == RoleTypeOwner {
			owners++
			if c.UserID != d.OwnerID {
				return errors.New("owner collaborator does not match ownerId")
			}
		}
	}
	if owners != 1 {
		return errors.New("document must have exactly one owner collaborator")
	}
	return nil
}

// RoleOf returns the role the user holds on the document, if any.
func (d Document) RoleOf(userID UserIDType) (RoleType, bool) {
	if userID == d.OwnerID {
		return RoleTypeOwner, true
	}
	for _, c := range d.Collaborators {
		if c.UserID == userID {
			return c.Role, true
		}
	}
	return "", false
}

// --- Shared Interfaces ---

// Claims is the validated credential content produced by a TokenValidator.
type Claims struct {
	Subject string
	Name    string
	Email   string
}

// TokenValidator defines the interface for bearer credential validation.
type TokenValidator interface {
	ValidateToken(tokenString string) (*Claims, error)
}

// DocumentStore is the narrow interface the hub consumes from the external
// metadata store. Account management and document CRUD live elsewhere.
type DocumentStore interface {
	FindUserByID(ctx context.Context, id UserIDType) (*User, error)
	// FindDocumentForAccess returns the document iff the user is its owner or a
	// collaborator. "No such document" and "no access" are indistinguishable.
	FindDocumentForAccess(ctx context.Context, docID DocumentIDType, userID UserIDType) (*Document, error)
	LoadDocument(ctx context.Context, docID DocumentIDType) (*Document, error)
	PersistSnapshot(ctx context.Context, docID DocumentIDType, snapshot []byte) error
}

// ClientInterface defines the behavior the room and dispatcher layers require
// from a connected session, without depending on the transport package.
type ClientInterface interface {
	SessionID() SessionIDType
	Identity() Identity
	// Send serializes the message and queues it on the session's outbound
	// buffer. A saturated buffer drops the session (slow-peer policy).
	Send(msg any)
	// SendRaw queues pre-serialized bytes.
	SendRaw(data []byte)
	// Disconnect forcefully closes the underlying connection.
	Disconnect()
}
