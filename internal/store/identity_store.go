package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/wolfeidau/chatgate/internal/models"
)

// Errors
var (
	ErrIdentityNotFound      = errors.New("identity not found")
	ErrIdentityAlreadyExists = errors.New("identity already exists")
)

// IdentityPatch describes a partial update. Nil fields are left unchanged.
type IdentityPatch struct {
	DisplayName *string
	PlanName    *string

	// DownstreamKey replaces the stored key unconditionally, an empty string clears it.
	// Use SetDownstreamKeyIfAbsent for first-use minting.
	DownstreamKey *string
}

// IdentityStore manages identity records.
type IdentityStore interface {
	// Get retrieves an identity by ID
	Get(ctx context.Context, id uuid.UUID) (*models.Identity, error)

	// GetByEmail retrieves a registered identity by email
	GetByEmail(ctx context.Context, email string) (*models.Identity, error)

	// Create inserts a new identity
	Create(ctx context.Context, identity *models.Identity) error

	// Update applies a patch and returns the updated identity
	Update(ctx context.Context, id uuid.UUID, patch IdentityPatch) (*models.Identity, error)

	// SetDownstreamKeyIfAbsent atomically stores key only when the identity has no key yet.
	// It returns the key that is persisted after the call, which is the existing key if
	// another writer won.
	SetDownstreamKeyIfAbsent(ctx context.Context, id uuid.UUID, key string) (string, error)
}

// Pinger is implemented by stores backed by a remote database.
type Pinger interface {
	Ping(ctx context.Context) error
}
