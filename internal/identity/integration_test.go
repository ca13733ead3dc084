//go:build integration

package identity

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazokunote/kazokunote-server/internal/apperr"
	"github.com/kazokunote/kazokunote-server/internal/auth"
	"github.com/kazokunote/kazokunote-server/internal/postgres"
	"github.com/kazokunote/kazokunote-server/internal/testutil/containers"
)

func startStore(t *testing.T) *PGStore {
	t.Helper()
	ctx := context.Background()

	result, err := containers.StartPostgres(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = result.Container.Terminate(ctx) })

	pool, err := pgxpool.New(ctx, result.ConnString)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	store := NewPGStore(postgres.NewFromPool(pool, containers.DefaultPostgresDatabase))
	require.NoError(t, store.Migrate(ctx))
	return store
}

func TestPGStoreIntegration_CreateAndFind(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	store := startStore(t)
	ctx := context.Background()

	subject := "sub-integration-1"
	created, err := store.Create(ctx, &User{
		ID:              uuid.New(),
		ExternalSubject: &subject,
		Email:           "hanako@example.com",
		DisplayName:     strptr("Hanako"),
	})
	require.NoError(t, err)

	bySubject, err := store.FindByExternalSubject(ctx, subject)
	require.NoError(t, err)
	assert.Equal(t, created.ID, bySubject.ID)
	assert.Equal(t, "Hanako", *bySubject.DisplayName)

	byEmail, err := store.FindByEmail(ctx, "hanako@example.com")
	require.NoError(t, err)
	assert.Equal(t, created.ID, byEmail.ID)

	_, err = store.FindByExternalSubject(ctx, "sub-missing")
	require.Error(t, err)
	assert.True(t, apperr.IsNotFound(err))
}

func TestPGStoreIntegration_UniqueConstraints(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	store := startStore(t)
	ctx := context.Background()

	subject := "sub-dup"
	_, err := store.Create(ctx, &User{ID: uuid.New(), ExternalSubject: &subject, Email: "a@example.com"})
	require.NoError(t, err)

	_, err = store.Create(ctx, &User{ID: uuid.New(), Email: "a@example.com"})
	require.Error(t, err)
	assert.True(t, apperr.IsConflict(err), "duplicate email must violate the unique index")

	other := &User{ID: uuid.New(), Email: "b@example.com"}
	_, err = store.Create(ctx, other)
	require.NoError(t, err)

	other.ExternalSubject = &subject
	_, err = store.Update(ctx, other)
	require.Error(t, err)
	assert.True(t, apperr.IsConflict(err), "duplicate subject must violate the partial unique index")
}

func TestPGStoreIntegration_MultipleUnlinkedUsers(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	store := startStore(t)
	ctx := context.Background()

	// The partial index must allow any number of NULL subjects.
	_, err := store.Create(ctx, &User{ID: uuid.New(), Email: "one@example.com"})
	require.NoError(t, err)
	_, err = store.Create(ctx, &User{ID: uuid.New(), Email: "two@example.com"})
	require.NoError(t, err)
}

func TestLinkerIntegration_ThreeTiers(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	store := startStore(t)
	linker := NewLinker(store)
	ctx := context.Background()

	claims := &auth.Claims{
		Subject:   "sub-tier",
		Email:     "taro@example.com",
		ExpiresAt: time.Now().Add(time.Hour),
	}

	// Tier 3: first contact creates.
	created, err := linker.LinkOrCreate(ctx, claims, ProfileHints{})
	require.NoError(t, err)
	assert.Equal(t, "taro", *created.DisplayName)

	// Tier 1: repeat linking is idempotent.
	again, err := linker.LinkOrCreate(ctx, claims, ProfileHints{DisplayName: "Someone Else"})
	require.NoError(t, err)
	assert.Equal(t, created.ID, again.ID)
	assert.Equal(t, "taro", *again.DisplayName, "populated name survives the hint")

	// Tier 2: a pre-registered email gains the subject on first login.
	pre, err := store.Create(ctx, &User{ID: uuid.New(), Email: "pre@example.com"})
	require.NoError(t, err)

	linked, err := linker.LinkOrCreate(ctx, &auth.Claims{
		Subject: "sub-pre", Email: "pre@example.com", ExpiresAt: time.Now().Add(time.Hour),
	}, ProfileHints{})
	require.NoError(t, err)
	assert.Equal(t, pre.ID, linked.ID)
	assert.Equal(t, "sub-pre", *linked.ExternalSubject)
}
