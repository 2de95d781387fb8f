package credentials

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/tablepay/internal/testutil"
)

func newTestStore() (*Store, *testutil.Dynamo) {
	db := testutil.NewDynamo(map[string]string{"gateway_credentials": "establishment_id"})
	return NewStore(db, "gateway_credentials"), db
}

func TestStore_UpsertGetDelete(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	exp := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.Upsert(ctx, Credential{EstablishmentID: "est-1", AccessToken: "at-1", RefreshToken: "rt-1", ExpiresAt: exp}))
	got, err := s.Get(ctx, "est-1")
	require.NoError(t, err)
	assert.Equal(t, "at-1", got.AccessToken)
	assert.True(t, got.ExpiresAt.Equal(exp))
	assert.False(t, got.UpdatedAt.IsZero())

	// upsert is keyed on establishment id
	require.NoError(t, s.Upsert(ctx, Credential{EstablishmentID: "est-1", AccessToken: "at-2"}))
	got, err = s.Get(ctx, "est-1")
	require.NoError(t, err)
	assert.Equal(t, "at-2", got.AccessToken)
	assert.Empty(t, got.RefreshToken)

	require.NoError(t, s.Delete(ctx, "est-1"))
	_, err = s.Get(ctx, "est-1")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, s.Delete(ctx, "est-1"))
}

func TestStore_UpsertRequiresToken(t *testing.T) {
	s, _ := newTestStore()
	assert.Error(t, s.Upsert(context.Background(), Credential{EstablishmentID: "est-1"}))
}

func TestStore_ListPaginates(t *testing.T) {
	s, db := newTestStore()
	ctx := context.Background()
	for i := 0; i < scanPageSize*2+5; i++ {
		require.NoError(t, s.Upsert(ctx, Credential{EstablishmentID: fmt.Sprintf("est-%03d", i), AccessToken: "tok"}))
	}

	all, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, scanPageSize*2+5)
	assert.Equal(t, 3, db.Calls("Scan"))
}
