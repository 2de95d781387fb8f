package credentials

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/tablepay/internal/testutil"
)

func TestPaymentIndex_PutLookup(t *testing.T) {
	db := testutil.NewDynamo(map[string]string{"payment_index": "payment_id"})
	idx := NewPaymentIndex(db, "payment_index")
	ctx := context.Background()

	_, err := idx.Lookup(ctx, "pay-1")
	assert.ErrorIs(t, err, ErrNotIndexed)

	require.NoError(t, idx.Put(ctx, IndexEntry{PaymentID: "pay-1", EstablishmentID: "est-1", OrderID: "ord-1"}))
	e, err := idx.Lookup(ctx, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, "est-1", e.EstablishmentID)
	assert.Equal(t, "ord-1", e.OrderID)

	// first owner wins
	require.NoError(t, idx.Put(ctx, IndexEntry{PaymentID: "pay-1", EstablishmentID: "est-2", OrderID: "ord-2"}))
	e, err = idx.Lookup(ctx, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, "est-1", e.EstablishmentID)

	assert.Error(t, idx.Put(ctx, IndexEntry{PaymentID: "pay-2"}))
}
