package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/chatgate/internal/models"
	"github.com/wolfeidau/chatgate/internal/store"
)

var _ store.IdentityStore = (*IdentityStore)(nil)

const identityColumns = `id, display_name, email, is_guest, downstream_key, plan_name, created_at, updated_at`

// IdentityStore implements store.IdentityStore using PostgreSQL.
type IdentityStore struct {
	pool *pgxpool.Pool
}

// NewIdentityStore creates a new PostgreSQL-backed identity store.
func NewIdentityStore(pool *pgxpool.Pool) *IdentityStore {
	return &IdentityStore{
		pool: pool,
	}
}

// Ping checks the database is reachable.
func (s *IdentityStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Create inserts a new identity.
func (s *IdentityStore) Create(ctx context.Context, identity *models.Identity) error {
	now := time.Now()
	if identity.CreatedAt.IsZero() {
		identity.CreatedAt = now
	}
	if identity.UpdatedAt.IsZero() {
		identity.UpdatedAt = now
	}
	if identity.PlanName == "" {
		identity.PlanName = models.DefaultPlan
	}

	query := `
		INSERT INTO identities (
			id, display_name, email, is_guest, downstream_key, plan_name, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8
		)
	`

	_, err := s.pool.Exec(ctx, query,
		identity.ID,
		identity.DisplayName,
		identity.Email,
		identity.IsGuest,
		nullString(identity.DownstreamKey),
		identity.PlanName,
		identity.CreatedAt,
		identity.UpdatedAt,
	)
	if err != nil {
		err = mapPostgresError(err)
		if errors.Is(err, store.ErrIdentityAlreadyExists) {
			return err
		}
		return fmt.Errorf("failed to create identity: %w", err)
	}

	log.Debug().
		Str("identity_id", identity.ID.String()).
		Bool("is_guest", identity.IsGuest).
		Msg("Created identity")

	return nil
}

// Get retrieves an identity by ID.
func (s *IdentityStore) Get(ctx context.Context, id uuid.UUID) (*models.Identity, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+identityColumns+` FROM identities WHERE id = $1`, id)

	identity, err := scanIdentity(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get identity: %w", err)
	}

	return identity, nil
}

// GetByEmail retrieves a registered identity by email, case-insensitively.
func (s *IdentityStore) GetByEmail(ctx context.Context, email string) (*models.Identity, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+identityColumns+` FROM identities WHERE lower(email) = lower($1)`, email)

	identity, err := scanIdentity(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get identity by email: %w", err)
	}

	return identity, nil
}

// Update applies a patch. An empty DownstreamKey clears the stored key.
func (s *IdentityStore) Update(ctx context.Context, id uuid.UUID, patch store.IdentityPatch) (*models.Identity, error) {
	var setKey bool
	var key any
	if patch.DownstreamKey != nil {
		setKey = true
		key = nullString(*patch.DownstreamKey)
	}

	query := `
		UPDATE identities SET
			display_name   = COALESCE($2, display_name),
			plan_name      = COALESCE($3, plan_name),
			downstream_key = CASE WHEN $4 THEN $5 ELSE downstream_key END,
			updated_at     = now()
		WHERE id = $1
		RETURNING ` + identityColumns

	row := s.pool.QueryRow(ctx, query, id, patch.DisplayName, patch.PlanName, setKey, key)

	identity, err := scanIdentity(row)
	if err != nil {
		return nil, fmt.Errorf("failed to update identity: %w", err)
	}

	return identity, nil
}

// SetDownstreamKeyIfAbsent stores key only when no key is present. The single
// statement makes concurrent callers converge on the first committed key.
func (s *IdentityStore) SetDownstreamKeyIfAbsent(ctx context.Context, id uuid.UUID, key string) (string, error) {
	query := `
		UPDATE identities SET
			downstream_key = COALESCE(downstream_key, $2),
			updated_at     = CASE WHEN downstream_key IS NULL THEN now() ELSE updated_at END
		WHERE id = $1
		RETURNING downstream_key
	`

	var stored string
	err := s.pool.QueryRow(ctx, query, id, key).Scan(&stored)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", store.ErrIdentityNotFound
		}
		return "", fmt.Errorf("failed to set downstream key: %w", mapPostgresError(err))
	}

	return stored, nil
}

func scanIdentity(row pgx.Row) (*models.Identity, error) {
	var identity models.Identity
	var key *string

	err := row.Scan(
		&identity.ID,
		&identity.DisplayName,
		&identity.Email,
		&identity.IsGuest,
		&key,
		&identity.PlanName,
		&identity.CreatedAt,
		&identity.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrIdentityNotFound
		}
		return nil, mapPostgresError(err)
	}

	if key != nil {
		identity.DownstreamKey = *key
	}

	return &identity, nil
}

// nullString converts empty strings to NULL to keep the partial unique index sparse.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
