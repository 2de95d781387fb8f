// Package credentials stores per-establishment gateway credentials and
// routes gateway payment ids back to the establishment that owns them.
package credentials

import (
	"errors"
	"time"

	"github.com/imrishuroy/tablepay/internal/gateway"
)

// ErrNotFound means the establishment has not enabled online payments.
var ErrNotFound = errors.New("credential not found")

// Credential is an establishment's gateway seller account access.
type Credential struct {
	EstablishmentID string    `json:"establishment_id" dynamodbav:"establishment_id"` // PK
	AccessToken     string    `json:"access_token" dynamodbav:"access_token"`
	RefreshToken    string    `json:"refresh_token,omitempty" dynamodbav:"refresh_token,omitempty"`
	PublicKey       string    `json:"public_key,omitempty" dynamodbav:"public_key,omitempty"`
	SellerID        string    `json:"seller_id,omitempty" dynamodbav:"seller_id,omitempty"`
	ExpiresAt       time.Time `json:"expires_at" dynamodbav:"expires_at"`
	UpdatedAt       time.Time `json:"updated_at" dynamodbav:"updated_at"`
}

// Expired reports whether the access token is past its expiry. A zero
// expiry never expires.
func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// ExpiresWithin reports whether the token expires before now+d.
func (c Credential) ExpiresWithin(now time.Time, d time.Duration) bool {
	return !c.ExpiresAt.IsZero() && now.Add(d).After(c.ExpiresAt)
}

// FromToken builds a credential from an OAuth grant.
func FromToken(establishmentID string, tok *gateway.Token, now time.Time) Credential {
	c := Credential{
		EstablishmentID: establishmentID,
		AccessToken:     tok.AccessToken,
		RefreshToken:    tok.RefreshToken,
		PublicKey:       tok.PublicKey,
		SellerID:        tok.UserID,
		UpdatedAt:       now,
	}
	if tok.ExpiresIn > 0 {
		c.ExpiresAt = now.Add(tok.ExpiresIn)
	}
	return c
}
