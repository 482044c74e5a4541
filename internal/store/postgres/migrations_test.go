package postgres

import (
	"errors"
	"testing"
	"testing/fstest"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/chatgate/internal/store"
)

func TestLoadMigrations_embedded(t *testing.T) {
	migrations, err := loadMigrations(migrationsFS)
	require.NoError(t, err)
	require.NotEmpty(t, migrations)

	for i := 1; i < len(migrations); i++ {
		require.Less(t, migrations[i-1].version, migrations[i].version)
	}
}

func TestLoadMigrations_ordering(t *testing.T) {
	fsys := fstest.MapFS{
		"migrations/10_late.sql":   {Data: []byte("SELECT 10;")},
		"migrations/2_second.sql":  {Data: []byte("SELECT 2;")},
		"migrations/1_first.sql":   {Data: []byte("SELECT 1;")},
		"migrations/bad.sql":       {Data: []byte("SELECT 0;")},
		"migrations/x_invalid.sql": {Data: []byte("SELECT 0;")},
		"migrations/README.md":     {Data: []byte("docs")},
	}

	migrations, err := loadMigrations(fsys)
	require.NoError(t, err)
	require.Len(t, migrations, 3)
	require.Equal(t, 1, migrations[0].version)
	require.Equal(t, 2, migrations[1].version)
	require.Equal(t, 10, migrations[2].version)
	require.Equal(t, "SELECT 10;", migrations[2].content)
}

func TestMapPostgresError(t *testing.T) {
	require.NoError(t, mapPostgresError(nil))

	plain := errors.New("boom")
	require.Equal(t, plain, mapPostgresError(plain))

	dupEmail := &pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: "idx_identities_email"}
	require.ErrorIs(t, mapPostgresError(dupEmail), store.ErrIdentityAlreadyExists)

	dupPK := &pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: "identities_pkey"}
	require.ErrorIs(t, mapPostgresError(dupPK), store.ErrIdentityAlreadyExists)

	dupKey := &pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: "idx_identities_downstream_key"}
	err := mapPostgresError(dupKey)
	require.NotErrorIs(t, err, store.ErrIdentityAlreadyExists)
	require.ErrorIs(t, err, dupKey)

	canceled := &pgconn.PgError{Code: pgerrcode.QueryCanceled}
	require.ErrorContains(t, mapPostgresError(canceled), "query canceled")
}
