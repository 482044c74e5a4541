// Package guest creates ephemeral identities for visitors who start chatting
// without signing in.
package guest

import (
	"context"
	"crypto/rand"
	"fmt"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/chatgate/internal/models"
	"github.com/wolfeidau/chatgate/internal/store"
)

// displayNamePrefix is prepended to the random suffix of every guest name.
const displayNamePrefix = "Guest "

// Provisioner creates guest identities. Every call produces a new identity,
// anonymous visits are never merged.
type Provisioner struct {
	identities store.IdentityStore
}

// NewProvisioner creates a provisioner backed by the given store.
func NewProvisioner(identities store.IdentityStore) *Provisioner {
	return &Provisioner{identities: identities}
}

// Provision persists and returns a new guest identity on the free plan.
func (p *Provisioner) Provision(ctx context.Context) (*models.Identity, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate guest id: %w", err)
	}

	name, err := displayName()
	if err != nil {
		return nil, err
	}

	identity := &models.Identity{
		ID:          id,
		DisplayName: name,
		IsGuest:     true,
		PlanName:    models.DefaultPlan,
	}

	if err := p.identities.Create(ctx, identity); err != nil {
		return nil, fmt.Errorf("failed to create guest identity: %w", err)
	}

	log.Ctx(ctx).Debug().Str("identity_id", id.String()).Msg("Provisioned guest identity")

	return identity, nil
}

func displayName() (string, error) {
	var suffix [4]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return "", fmt.Errorf("failed to generate guest name: %w", err)
	}
	return displayNamePrefix + base58.Encode(suffix[:]), nil
}
