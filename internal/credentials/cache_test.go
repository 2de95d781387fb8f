package credentials

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCache_Expiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMemoryCache()
	c.nowFunc = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, Credential{EstablishmentID: "est-1", AccessToken: "at"}, time.Minute))
	got, ok, err := c.Get(ctx, "est-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "at", got.AccessToken)

	now = now.Add(time.Minute)
	_, ok, _ = c.Get(ctx, "est-1")
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, Credential{EstablishmentID: "est-1", AccessToken: "at"}, time.Minute))
	require.NoError(t, c.Delete(ctx, "est-1"))
	_, ok, _ = c.Get(ctx, "est-1")
	assert.False(t, ok)
}

func TestRedisCache(t *testing.T) {
	db, mock := redismock.NewClientMock()
	cache := NewRedisCache(db, nil)
	ctx := context.Background()

	cred := Credential{EstablishmentID: "est-1", AccessToken: "at", UpdatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	data, err := json.Marshal(cred)
	require.NoError(t, err)

	mock.ExpectSet("credential:est-1", data, 5*time.Minute).SetVal("OK")
	require.NoError(t, cache.Set(ctx, cred, 5*time.Minute))

	mock.ExpectGet("credential:est-1").SetVal(string(data))
	got, ok, err := cache.Get(ctx, "est-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "at", got.AccessToken)

	mock.ExpectGet("credential:est-2").RedisNil()
	_, ok, err = cache.Get(ctx, "est-2")
	require.NoError(t, err)
	assert.False(t, ok)

	mock.ExpectGet("credential:est-3").SetVal("{not json")
	mock.ExpectDel("credential:est-3").SetVal(1)
	_, ok, err = cache.Get(ctx, "est-3")
	require.NoError(t, err)
	assert.False(t, ok)

	mock.ExpectDel("credential:est-1").SetVal(1)
	require.NoError(t, cache.Delete(ctx, "est-1"))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOpenCache(t *testing.T) {
	ctx := context.Background()

	c, closeFn, err := OpenCache(ctx, "", true, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryCache{}, c)
	assert.NoError(t, closeFn())

	_, _, err = OpenCache(ctx, "not a url", false, nil)
	assert.Error(t, err)

	// nothing listens on port 1
	c, closeFn, err = OpenCache(ctx, "redis://127.0.0.1:1/0", false, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryCache{}, c)
	assert.NoError(t, closeFn())

	_, _, err = OpenCache(ctx, "redis://127.0.0.1:1/0", true, nil)
	assert.ErrorContains(t, err, "unreachable")
}
