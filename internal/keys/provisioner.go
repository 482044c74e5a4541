// Package keys ensures every identity that talks to the inference backend holds
// exactly one downstream virtual key.
package keys

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/chatgate/internal/inference"
	"github.com/wolfeidau/chatgate/internal/models"
	"github.com/wolfeidau/chatgate/internal/plans"
	"github.com/wolfeidau/chatgate/internal/store"
	"github.com/wolfeidau/chatgate/internal/telemetry"
	"golang.org/x/sync/singleflight"
)

// ErrKeyProvisioningFailed wraps every failure to produce a usable key.
var ErrKeyProvisioningFailed = errors.New("key provisioning failed")

// defaultRevokeAttempts bounds best effort revocation of discarded keys.
const defaultRevokeAttempts = 3

// KeyIssuer mints and revokes virtual keys.
type KeyIssuer interface {
	GenerateKey(ctx context.Context, req inference.KeyRequest) (string, error)
	DeleteKey(ctx context.Context, key string) error
}

// PlanCatalog resolves plan names to limits.
type PlanCatalog interface {
	Get(name string) (plans.Plan, error)
}

// Provisioner mints downstream keys on first use.
type Provisioner struct {
	issuer     KeyIssuer
	identities store.IdentityStore
	plans      PlanCatalog

	group singleflight.Group

	revokeAttempts uint
}

// NewProvisioner creates a provisioner.
func NewProvisioner(issuer KeyIssuer, identities store.IdentityStore, catalog PlanCatalog) *Provisioner {
	return &Provisioner{
		issuer:         issuer,
		identities:     identities,
		plans:          catalog,
		revokeAttempts: defaultRevokeAttempts,
	}
}

// EnsureKey returns the identity's downstream key, minting and persisting one scoped to
// planName when none exists. Concurrent callers for the same identity share one mint
// and all observe the single persisted key.
func (p *Provisioner) EnsureKey(ctx context.Context, identity *models.Identity, planName string) (string, error) {
	if identity.HasDownstreamKey() {
		return identity.DownstreamKey, nil
	}

	v, err, _ := p.group.Do(identity.ID.String(), func() (any, error) {
		return p.mintAndStore(context.WithoutCancel(ctx), identity.ID, planName)
	})
	if err != nil {
		telemetry.GetMetrics().KeyMintErrorsTotal.Add(ctx, 1)
		return "", err
	}

	key := v.(string)
	identity.DownstreamKey = key

	return key, nil
}

// EnsureKeyAtLogin eagerly provisions a key for a registered user. Failures are logged
// and deferred to the first chat request.
func (p *Provisioner) EnsureKeyAtLogin(ctx context.Context, identity *models.Identity) {
	if _, err := p.EnsureKey(ctx, identity, identity.Plan()); err != nil {
		log.Ctx(ctx).Warn().
			Err(err).
			Str("identity_id", identity.ID.String()).
			Msg("Deferred downstream key provisioning to first chat request")
	}
}

// Regenerate revokes the current key, best effort, and stores a freshly minted one
// for the identity's current plan.
func (p *Provisioner) Regenerate(ctx context.Context, identity *models.Identity) (string, error) {
	if identity.HasDownstreamKey() {
		p.revoke(ctx, identity.ID, identity.DownstreamKey)
	}

	plan, err := p.plans.Get(identity.Plan())
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrKeyProvisioningFailed, err)
	}

	key, err := p.issuer.GenerateKey(ctx, keyRequest(identity.ID, plan))
	if err != nil {
		telemetry.GetMetrics().KeyMintErrorsTotal.Add(ctx, 1)
		return "", fmt.Errorf("%w: %w", ErrKeyProvisioningFailed, err)
	}
	telemetry.GetMetrics().KeysMintedTotal.Add(ctx, 1)

	updated, err := p.identities.Update(ctx, identity.ID, store.IdentityPatch{DownstreamKey: &key})
	if err != nil {
		p.revoke(ctx, identity.ID, key)
		return "", fmt.Errorf("%w: failed to store key: %w", ErrKeyProvisioningFailed, err)
	}

	identity.DownstreamKey = updated.DownstreamKey

	log.Ctx(ctx).Info().Str("identity_id", identity.ID.String()).Msg("Regenerated downstream key")

	return key, nil
}

func (p *Provisioner) mintAndStore(ctx context.Context, id uuid.UUID, planName string) (string, error) {
	// Another request may have stored a key after the caller loaded the identity.
	current, err := p.identities.Get(ctx, id)
	if err != nil {
		return "", fmt.Errorf("%w: failed to load identity: %w", ErrKeyProvisioningFailed, err)
	}
	if current.HasDownstreamKey() {
		return current.DownstreamKey, nil
	}

	plan, err := p.plans.Get(planName)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrKeyProvisioningFailed, err)
	}

	minted, err := p.issuer.GenerateKey(ctx, keyRequest(id, plan))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrKeyProvisioningFailed, err)
	}
	telemetry.GetMetrics().KeysMintedTotal.Add(ctx, 1)

	stored, err := p.identities.SetDownstreamKeyIfAbsent(ctx, id, minted)
	if err != nil {
		p.revoke(ctx, id, minted)
		return "", fmt.Errorf("%w: failed to store key: %w", ErrKeyProvisioningFailed, err)
	}

	if stored != minted {
		// Another process won the conditional write.
		telemetry.GetMetrics().KeyMintRacesLostTotal.Add(ctx, 1)
		p.revoke(ctx, id, minted)
	}

	log.Debug().
		Str("identity_id", id.String()).
		Str("plan", plan.Name).
		Bool("won", stored == minted).
		Msg("Provisioned downstream key")

	return stored, nil
}

// revoke deletes a key with bounded retries. Failures are logged, never returned.
func (p *Provisioner) revoke(ctx context.Context, id uuid.UUID, key string) {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := p.issuer.DeleteKey(ctx, key)
		var apiErr *inference.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode < 500 {
			// The backend rejected the request, retrying will not help.
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(p.revokeAttempts),
	)
	if err != nil {
		log.Warn().Err(err).Str("identity_id", id.String()).Msg("Failed to revoke downstream key")
		return
	}

	telemetry.GetMetrics().KeysRevokedTotal.Add(ctx, 1)
}

func keyRequest(id uuid.UUID, plan plans.Plan) inference.KeyRequest {
	return inference.KeyRequest{
		UserID:   id.String(),
		Models:   plan.Models,
		RPMLimit: plan.RPM,
		TPMLimit: plan.TPM,
	}
}
