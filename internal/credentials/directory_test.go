package credentials

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/tablepay/internal/gateway"
)

type fakeTokens struct {
	mu    sync.Mutex
	calls []string
	tok   *gateway.Token
	err   error
}

func (f *fakeTokens) RefreshToken(_ context.Context, refreshToken string) (*gateway.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, refreshToken)
	return f.tok, f.err
}

type fakeRefresher struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeRefresher) RequestRefresh(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, id)
	return nil
}

type countingBackend struct {
	*Store
	gets int
}

func (c *countingBackend) Get(ctx context.Context, id string) (*Credential, error) {
	c.gets++
	return c.Store.Get(ctx, id)
}

var dirNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestDirectory(t *testing.T, tokens TokenSource, refresher RefreshRequester) (*Directory, *countingBackend) {
	t.Helper()
	s, _ := newTestStore()
	backend := &countingBackend{Store: s}
	d := NewDirectory(backend, NewMemoryCache(), tokens, refresher, DirectoryConfig{
		CacheTTL:      time.Minute,
		RefreshWindow: 24 * time.Hour,
	}, nil)
	d.nowFunc = func() time.Time { return dirNow }
	return d, backend
}

func TestDirectory_CachesAndInvalidates(t *testing.T) {
	d, backend := newTestDirectory(t, nil, nil)
	ctx := context.Background()
	require.NoError(t, d.Upsert(ctx, Credential{EstablishmentID: "est-1", AccessToken: "at-1"}))

	for i := 0; i < 3; i++ {
		c, err := d.Get(ctx, "est-1")
		require.NoError(t, err)
		assert.Equal(t, "at-1", c.AccessToken)
	}
	assert.Equal(t, 1, backend.gets)

	require.NoError(t, d.Upsert(ctx, Credential{EstablishmentID: "est-1", AccessToken: "at-2"}))
	c, err := d.Get(ctx, "est-1")
	require.NoError(t, err)
	assert.Equal(t, "at-2", c.AccessToken)

	require.NoError(t, d.Delete(ctx, "est-1"))
	_, err = d.Get(ctx, "est-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDirectory_ResolveRefreshesExpiredToken(t *testing.T) {
	tokens := &fakeTokens{tok: &gateway.Token{AccessToken: "at-new", RefreshToken: "rt-new", ExpiresIn: 180 * 24 * time.Hour}}
	d, _ := newTestDirectory(t, tokens, nil)
	ctx := context.Background()
	require.NoError(t, d.Upsert(ctx, Credential{
		EstablishmentID: "est-1",
		AccessToken:     "at-old",
		RefreshToken:    "rt-old",
		SellerID:        "seller-1",
		ExpiresAt:       dirNow.Add(-time.Minute),
	}))

	c, err := d.Resolve(ctx, "est-1")
	require.NoError(t, err)
	assert.Equal(t, "at-new", c.AccessToken)
	assert.Equal(t, "seller-1", c.SellerID)
	assert.Equal(t, []string{"rt-old"}, tokens.calls)

	stored, err := d.Get(ctx, "est-1")
	require.NoError(t, err)
	assert.Equal(t, "rt-new", stored.RefreshToken)
	assert.True(t, stored.ExpiresAt.After(dirNow))
}

func TestDirectory_ResolveRefreshFailure(t *testing.T) {
	tokens := &fakeTokens{err: gateway.ErrUnauthorized}
	d, _ := newTestDirectory(t, tokens, nil)
	ctx := context.Background()
	require.NoError(t, d.Upsert(ctx, Credential{EstablishmentID: "est-1", AccessToken: "at", RefreshToken: "rt", ExpiresAt: dirNow}))

	_, err := d.Resolve(ctx, "est-1")
	assert.True(t, errors.Is(err, gateway.ErrUnauthorized))
}

func TestDirectory_ResolveRequestsProactiveRefresh(t *testing.T) {
	refresher := &fakeRefresher{}
	d, _ := newTestDirectory(t, &fakeTokens{}, refresher)
	ctx := context.Background()
	require.NoError(t, d.Upsert(ctx, Credential{EstablishmentID: "est-1", AccessToken: "at", RefreshToken: "rt", ExpiresAt: dirNow.Add(time.Hour)}))
	require.NoError(t, d.Upsert(ctx, Credential{EstablishmentID: "est-2", AccessToken: "at", RefreshToken: "rt", ExpiresAt: dirNow.Add(30 * 24 * time.Hour)}))

	c, err := d.Resolve(ctx, "est-1")
	require.NoError(t, err)
	assert.Equal(t, "at", c.AccessToken)
	_, err = d.Resolve(ctx, "est-2")
	require.NoError(t, err)

	assert.Equal(t, []string{"est-1"}, refresher.ids)
}

func TestDirectory_ResolveMissing(t *testing.T) {
	d, _ := newTestDirectory(t, nil, nil)
	_, err := d.Resolve(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDirectory_RefreshIfDue(t *testing.T) {
	tokens := &fakeTokens{tok: &gateway.Token{AccessToken: "at-new", ExpiresIn: 180 * 24 * time.Hour}}
	d, _ := newTestDirectory(t, tokens, nil)
	ctx := context.Background()
	require.NoError(t, d.Upsert(ctx, Credential{EstablishmentID: "est-1", AccessToken: "at", RefreshToken: "rt", ExpiresAt: dirNow.Add(time.Hour)}))

	c, refreshed, err := d.RefreshIfDue(ctx, "est-1")
	require.NoError(t, err)
	assert.True(t, refreshed)
	assert.Equal(t, "at-new", c.AccessToken)
	assert.Equal(t, "rt", c.RefreshToken)

	// a second request for the same establishment finds a fresh token
	c, refreshed, err = d.RefreshIfDue(ctx, "est-1")
	require.NoError(t, err)
	assert.False(t, refreshed)
	assert.Equal(t, "at-new", c.AccessToken)
	assert.Len(t, tokens.calls, 1)

	_, _, err = d.RefreshIfDue(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}
