package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/chatgate/internal/models"
	"github.com/wolfeidau/chatgate/internal/store"
)

func newIdentity(t *testing.T, email *string) *models.Identity {
	id, err := uuid.NewV7()
	require.NoError(t, err)

	return &models.Identity{
		ID:          id,
		DisplayName: "Test User",
		Email:       email,
		IsGuest:     email == nil,
		PlanName:    models.DefaultPlan,
	}
}

func TestNewIdentityStore(t *testing.T) {
	st := NewIdentityStore()
	require.NotNil(t, st)
}

func TestIdentityStore_Create(t *testing.T) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		st := NewIdentityStore()
		identity := newIdentity(t, nil)

		require.NoError(t, st.Create(ctx, identity))

		got, err := st.Get(ctx, identity.ID)
		require.NoError(t, err)
		require.Equal(t, identity.ID, got.ID)
		require.True(t, got.IsGuest)
		require.False(t, got.CreatedAt.IsZero())
	})

	t.Run("duplicate id", func(t *testing.T) {
		st := NewIdentityStore()
		identity := newIdentity(t, nil)

		require.NoError(t, st.Create(ctx, identity))
		require.ErrorIs(t, st.Create(ctx, identity), store.ErrIdentityAlreadyExists)
	})

	t.Run("duplicate email is case insensitive", func(t *testing.T) {
		st := NewIdentityStore()
		first := "jane@example.com"
		second := "JANE@example.com"

		require.NoError(t, st.Create(ctx, newIdentity(t, &first)))
		require.ErrorIs(t, st.Create(ctx, newIdentity(t, &second)), store.ErrIdentityAlreadyExists)

		got, err := st.GetByEmail(ctx, "Jane@Example.com")
		require.NoError(t, err)
		require.Equal(t, first, *got.Email)
	})

	t.Run("returned identity is a copy", func(t *testing.T) {
		st := NewIdentityStore()
		identity := newIdentity(t, nil)
		require.NoError(t, st.Create(ctx, identity))

		got, err := st.Get(ctx, identity.ID)
		require.NoError(t, err)
		got.DownstreamKey = "tampered"

		again, err := st.Get(ctx, identity.ID)
		require.NoError(t, err)
		require.Empty(t, again.DownstreamKey)
	})
}

func TestIdentityStore_Get_notFound(t *testing.T) {
	st := NewIdentityStore()

	_, err := st.Get(context.Background(), uuid.New())
	require.ErrorIs(t, err, store.ErrIdentityNotFound)

	_, err = st.GetByEmail(context.Background(), "nobody@example.com")
	require.ErrorIs(t, err, store.ErrIdentityNotFound)
}

func TestIdentityStore_Update(t *testing.T) {
	ctx := context.Background()
	st := NewIdentityStore()
	identity := newIdentity(t, nil)
	require.NoError(t, st.Create(ctx, identity))

	plan := "pro"
	key := "sk-new"
	updated, err := st.Update(ctx, identity.ID, store.IdentityPatch{PlanName: &plan, DownstreamKey: &key})
	require.NoError(t, err)
	require.Equal(t, "pro", updated.PlanName)
	require.Equal(t, "sk-new", updated.DownstreamKey)
	require.Equal(t, "Test User", updated.DisplayName)

	_, err = st.Update(ctx, uuid.New(), store.IdentityPatch{PlanName: &plan})
	require.ErrorIs(t, err, store.ErrIdentityNotFound)
}

func TestIdentityStore_SetDownstreamKeyIfAbsent(t *testing.T) {
	ctx := context.Background()

	t.Run("first writer wins", func(t *testing.T) {
		st := NewIdentityStore()
		identity := newIdentity(t, nil)
		require.NoError(t, st.Create(ctx, identity))

		key, err := st.SetDownstreamKeyIfAbsent(ctx, identity.ID, "sk-first")
		require.NoError(t, err)
		require.Equal(t, "sk-first", key)

		key, err = st.SetDownstreamKeyIfAbsent(ctx, identity.ID, "sk-second")
		require.NoError(t, err)
		require.Equal(t, "sk-first", key)
	})

	t.Run("concurrent writers persist exactly one key", func(t *testing.T) {
		st := NewIdentityStore()
		identity := newIdentity(t, nil)
		require.NoError(t, st.Create(ctx, identity))

		var wg sync.WaitGroup
		results := make([]string, 20)
		errs := make([]error, len(results))
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], errs[i] = st.SetDownstreamKeyIfAbsent(ctx, identity.ID, uuid.NewString())
			}(i)
		}
		wg.Wait()

		for _, err := range errs {
			require.NoError(t, err)
		}

		got, err := st.Get(ctx, identity.ID)
		require.NoError(t, err)
		for _, key := range results {
			require.Equal(t, got.DownstreamKey, key)
		}
	})

	t.Run("unknown identity", func(t *testing.T) {
		st := NewIdentityStore()
		_, err := st.SetDownstreamKeyIfAbsent(ctx, uuid.New(), "sk")
		require.ErrorIs(t, err, store.ErrIdentityNotFound)
	})
}
