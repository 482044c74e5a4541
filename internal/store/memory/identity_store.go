package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/chatgate/internal/models"
	"github.com/wolfeidau/chatgate/internal/store"
)

var _ store.IdentityStore = (*IdentityStore)(nil)

// IdentityStore implements store.IdentityStore using in-memory storage.
// Data is lost on restart.
type IdentityStore struct {
	mu sync.RWMutex

	identities       map[uuid.UUID]*models.Identity // id -> Identity
	identitiesByMail map[string]*models.Identity    // lower(email) -> Identity
}

// NewIdentityStore creates a new in-memory identity store.
func NewIdentityStore() *IdentityStore {
	return &IdentityStore{
		identities:       make(map[uuid.UUID]*models.Identity),
		identitiesByMail: make(map[string]*models.Identity),
	}
}

// Create creates a new identity in memory.
func (s *IdentityStore) Create(ctx context.Context, identity *models.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.identities[identity.ID]; exists {
		return store.ErrIdentityAlreadyExists
	}

	if identity.Email != nil {
		if _, exists := s.identitiesByMail[emailKey(*identity.Email)]; exists {
			return store.ErrIdentityAlreadyExists
		}
	}

	now := time.Now()
	if identity.CreatedAt.IsZero() {
		identity.CreatedAt = now
	}
	if identity.UpdatedAt.IsZero() {
		identity.UpdatedAt = now
	}

	// Clone to avoid external modifications
	clone := cloneIdentity(identity)
	s.identities[clone.ID] = clone
	if clone.Email != nil {
		s.identitiesByMail[emailKey(*clone.Email)] = clone
	}

	return nil
}

// Get retrieves an identity by ID.
func (s *IdentityStore) Get(ctx context.Context, id uuid.UUID) (*models.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	identity, exists := s.identities[id]
	if !exists {
		return nil, store.ErrIdentityNotFound
	}

	return cloneIdentity(identity), nil
}

// GetByEmail retrieves an identity by email, case-insensitively.
func (s *IdentityStore) GetByEmail(ctx context.Context, email string) (*models.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	identity, exists := s.identitiesByMail[emailKey(email)]
	if !exists {
		return nil, store.ErrIdentityNotFound
	}

	return cloneIdentity(identity), nil
}

// Update applies a patch to an existing identity.
func (s *IdentityStore) Update(ctx context.Context, id uuid.UUID, patch store.IdentityPatch) (*models.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	identity, exists := s.identities[id]
	if !exists {
		return nil, store.ErrIdentityNotFound
	}

	if patch.DisplayName != nil {
		identity.DisplayName = *patch.DisplayName
	}
	if patch.PlanName != nil {
		identity.PlanName = *patch.PlanName
	}
	if patch.DownstreamKey != nil {
		identity.DownstreamKey = *patch.DownstreamKey
	}
	identity.UpdatedAt = time.Now()

	return cloneIdentity(identity), nil
}

// SetDownstreamKeyIfAbsent stores key unless the identity already has one.
func (s *IdentityStore) SetDownstreamKeyIfAbsent(ctx context.Context, id uuid.UUID, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	identity, exists := s.identities[id]
	if !exists {
		return "", store.ErrIdentityNotFound
	}

	if identity.DownstreamKey != "" {
		return identity.DownstreamKey, nil
	}

	identity.DownstreamKey = key
	identity.UpdatedAt = time.Now()

	return key, nil
}

// Len returns the number of stored identities.
func (s *IdentityStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.identities)
}

func cloneIdentity(identity *models.Identity) *models.Identity {
	clone := *identity
	if identity.Email != nil {
		email := *identity.Email
		clone.Email = &email
	}
	return &clone
}

func emailKey(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
