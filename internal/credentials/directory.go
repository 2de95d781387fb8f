package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/imrishuroy/tablepay/internal/gateway"
)

// Backend is the durable credential storage.
type Backend interface {
	Get(ctx context.Context, establishmentID string) (*Credential, error)
	Upsert(ctx context.Context, c Credential) error
	Delete(ctx context.Context, establishmentID string) error
	List(ctx context.Context) ([]Credential, error)
}

// TokenSource renews access tokens.
type TokenSource interface {
	RefreshToken(ctx context.Context, refreshToken string) (*gateway.Token, error)
}

// RefreshRequester schedules an asynchronous refresh.
type RefreshRequester interface {
	RequestRefresh(ctx context.Context, establishmentID string) error
}

// DirectoryConfig tunes a Directory.
type DirectoryConfig struct {
	CacheTTL time.Duration
	// RefreshWindow is how long before expiry a background refresh is requested.
	RefreshWindow time.Duration
}

// Directory is the credential read path: a cache in front of the Backend,
// with token refresh. Writes go to the Backend and invalidate the cache.
type Directory struct {
	backend   Backend
	cache     Cache
	tokens    TokenSource
	refresher RefreshRequester
	cfg       DirectoryConfig
	logger    *zap.Logger
	nowFunc   func() time.Time
}

// NewDirectory creates a Directory. tokens and refresher may be nil, in
// which case expired credentials are returned as stored.
func NewDirectory(backend Backend, cache Cache, tokens TokenSource, refresher RefreshRequester, cfg DirectoryConfig, logger *zap.Logger) *Directory {
	if cache == nil {
		cache = NewMemoryCache()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	return &Directory{
		backend:   backend,
		cache:     cache,
		tokens:    tokens,
		refresher: refresher,
		cfg:       cfg,
		logger:    logger,
		nowFunc:   time.Now,
	}
}

// Get returns the credential for an establishment, from cache when possible.
func (d *Directory) Get(ctx context.Context, establishmentID string) (*Credential, error) {
	c, ok, err := d.cache.Get(ctx, establishmentID)
	if err != nil {
		d.logger.Warn("credential cache read failed", zap.String("establishment_id", establishmentID), zap.Error(err))
	}
	if ok {
		return c, nil
	}
	c, err = d.backend.Get(ctx, establishmentID)
	if err != nil {
		return nil, err
	}
	d.fill(ctx, *c)
	return c, nil
}

// Resolve returns a usable credential. Expired tokens are refreshed inline;
// tokens close to expiry trigger a background refresh request.
func (d *Directory) Resolve(ctx context.Context, establishmentID string) (*Credential, error) {
	c, err := d.Get(ctx, establishmentID)
	if err != nil {
		return nil, err
	}
	now := d.nowFunc()
	switch {
	case c.Expired(now) && d.tokens != nil && c.RefreshToken != "":
		refreshed, err := d.Refresh(ctx, establishmentID)
		if err != nil {
			return nil, fmt.Errorf("refresh expired credential: %w", err)
		}
		return refreshed, nil
	case d.refresher != nil && d.cfg.RefreshWindow > 0 && c.ExpiresWithin(now, d.cfg.RefreshWindow):
		if err := d.refresher.RequestRefresh(ctx, establishmentID); err != nil {
			d.logger.Warn("credential refresh request failed", zap.String("establishment_id", establishmentID), zap.Error(err))
		}
	}
	return c, nil
}

// RefreshIfDue refreshes the token only when it is expired or inside the
// refresh window, so duplicate refresh requests cost one gateway call. It
// reports whether a refresh happened.
func (d *Directory) RefreshIfDue(ctx context.Context, establishmentID string) (*Credential, bool, error) {
	cur, err := d.backend.Get(ctx, establishmentID)
	if err != nil {
		return nil, false, err
	}
	now := d.nowFunc()
	if !cur.Expired(now) && !cur.ExpiresWithin(now, d.cfg.RefreshWindow) {
		return cur, false, nil
	}
	next, err := d.Refresh(ctx, establishmentID)
	if err != nil {
		return nil, false, err
	}
	return next, true, nil
}

// Refresh renews the establishment's token against the gateway and stores it.
// It reads the Backend directly so a stale cache entry cannot be refreshed.
func (d *Directory) Refresh(ctx context.Context, establishmentID string) (*Credential, error) {
	if d.tokens == nil {
		return nil, errors.New("no token source configured")
	}
	cur, err := d.backend.Get(ctx, establishmentID)
	if err != nil {
		return nil, err
	}
	if cur.RefreshToken == "" {
		return nil, fmt.Errorf("credential %s has no refresh token", establishmentID)
	}
	tok, err := d.tokens.RefreshToken(ctx, cur.RefreshToken)
	if err != nil {
		return nil, err
	}
	next := FromToken(establishmentID, tok, d.nowFunc().UTC())
	if next.RefreshToken == "" {
		next.RefreshToken = cur.RefreshToken
	}
	if next.PublicKey == "" {
		next.PublicKey = cur.PublicKey
	}
	if next.SellerID == "" {
		next.SellerID = cur.SellerID
	}
	if err := d.Upsert(ctx, next); err != nil {
		return nil, err
	}
	d.logger.Info("credential refreshed",
		zap.String("establishment_id", establishmentID),
		zap.Time("expires_at", next.ExpiresAt))
	return &next, nil
}

// Upsert stores the credential and invalidates the cached copy.
func (d *Directory) Upsert(ctx context.Context, c Credential) error {
	if err := d.backend.Upsert(ctx, c); err != nil {
		return err
	}
	d.invalidate(ctx, c.EstablishmentID)
	return nil
}

// Delete removes the credential and invalidates the cached copy.
func (d *Directory) Delete(ctx context.Context, establishmentID string) error {
	if err := d.backend.Delete(ctx, establishmentID); err != nil {
		return err
	}
	d.invalidate(ctx, establishmentID)
	return nil
}

// List returns all credentials from the Backend.
func (d *Directory) List(ctx context.Context) ([]Credential, error) {
	return d.backend.List(ctx)
}

func (d *Directory) fill(ctx context.Context, c Credential) {
	if err := d.cache.Set(ctx, c, d.cfg.CacheTTL); err != nil {
		d.logger.Warn("credential cache write failed", zap.String("establishment_id", c.EstablishmentID), zap.Error(err))
	}
}

func (d *Directory) invalidate(ctx context.Context, establishmentID string) {
	if err := d.cache.Delete(ctx, establishmentID); err != nil {
		d.logger.Error("credential cache invalidation failed", zap.String("establishment_id", establishmentID), zap.Error(err))
	}
}
