package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/autograde/internal/store"
	"github.com/kiranshivaraju/autograde/internal/store/memory"
	"github.com/kiranshivaraju/autograde/internal/store/storetest"
	"github.com/kiranshivaraju/autograde/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return memory.New() })
}

func TestMemoryStore_APIKeys(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	owner := uuid.New()
	key := &models.APIKey{
		ID:        uuid.New(),
		OwnerID:   owner,
		Name:      "ci",
		KeyHash:   "hash",
		KeyPrefix: "ag_abcde",
		Scopes:    []string{models.ScopeAdmin},
		CreatedAt: time.Now(),
	}
	require.NoError(t, s.CreateAPIKey(ctx, key))
	assert.ErrorIs(t, s.CreateAPIKey(ctx, key), store.ErrDuplicateKey)

	found, err := s.GetAPIKeyByPrefix(ctx, "ag_abcde")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.True(t, found[0].HasScope(models.ScopeAdmin))

	require.NoError(t, s.UpdateAPIKeyLastUsed(ctx, key.ID))
	listed, err := s.ListAPIKeys(ctx, owner)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.NotNil(t, listed[0].LastUsedAt)

	assert.ErrorIs(t, s.RevokeAPIKey(ctx, key.ID, uuid.New()), store.ErrNotFound)
	require.NoError(t, s.RevokeAPIKey(ctx, key.ID, owner))
	found, err = s.GetAPIKeyByPrefix(ctx, "ag_abcde")
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	g := storetest.NewScheme("Copy", []string{"5"})
	require.NoError(t, s.CreateScheme(ctx, g))

	got, err := s.GetScheme(ctx, g.ID)
	require.NoError(t, err)
	got.Questions[0].Title = "mutated"

	again, err := s.GetScheme(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, "Question", again.Questions[0].Title)
}
