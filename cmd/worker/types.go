package main

import (
	"context"

	"github.com/imrishuroy/tablepay/internal/credentials"
)

// Refresher renews an establishment's gateway token when it is due.
type Refresher interface {
	RefreshIfDue(ctx context.Context, establishmentID string) (*credentials.Credential, bool, error)
}
