package orders

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/tablepay/internal/testutil"
)

const (
	ordersTable = "orders"
	txnTable    = "transactions"
)

func newTestStore() (*Store, *testutil.Dynamo) {
	db := testutil.NewDynamo(map[string]string{
		ordersTable: "order_id",
		txnTable:    "transaction_id",
	})
	s := NewStore(db, ordersTable, txnTable)
	s.nowFunc = func() time.Time { return t0 }
	return s, db
}

func seed(t *testing.T, s *Store) Order {
	t.Helper()
	o, err := s.Create(context.Background(), Order{
		ID:              "ord-1",
		EstablishmentID: "est-1",
		TableNumber:     "12",
		Items: []Item{
			{Name: "burger", UnitPrice: decimal.RequireFromString("40.00"), Quantity: 2},
			{Name: "soda", UnitPrice: decimal.RequireFromString("10.00"), Quantity: 2},
		},
		TotalAmount: decimal.RequireFromString("100.00"),
	})
	require.NoError(t, err)
	return o
}

func TestStore_CreateAndGet(t *testing.T) {
	s, _ := newTestStore()
	created := seed(t, s)
	assert.Equal(t, int64(1), created.Version)

	got, err := s.Get(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, StatePending, got.State)
	assert.True(t, got.TotalAmount.Equal(decimal.RequireFromString("100")))
	require.Len(t, got.Items, 2)
	assert.True(t, got.ItemsTotal().Equal(got.TotalAmount))

	_, err = s.Create(context.Background(), Order{ID: "ord-1", EstablishmentID: "est-1"})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	_, err = s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_CreateRejectsNonPending(t *testing.T) {
	s, _ := newTestStore()
	_, err := s.Create(context.Background(), Order{ID: "x", EstablishmentID: "e", State: StateConfirmed})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestStore_ApplySettlementWritesOneTransaction(t *testing.T) {
	s, db := newTestStore()
	seed(t, s)
	ctx := context.Background()

	res, err := s.Apply(ctx, "ord-1", approved("pay-1"))
	require.NoError(t, err)
	require.Equal(t, Applied, res.Outcome)
	assert.Equal(t, 1, db.Calls("TransactWriteItems"))
	assert.Equal(t, 1, db.Len(txnTable))

	txn, err := s.GetTransaction(ctx, "ord-1")
	require.NoError(t, err)
	assert.True(t, txn.Gross.Equal(decimal.RequireFromString("100")))
	assert.True(t, txn.Fee.Equal(decimal.RequireFromString("3")))
	assert.Equal(t, "pay-1", txn.GatewayPaymentID)

	// replay keeps everything as is
	res, err = s.Apply(ctx, "ord-1", approved("pay-1"))
	require.NoError(t, err)
	assert.Equal(t, Unchanged, res.Outcome)
	assert.Equal(t, 1, db.Calls("TransactWriteItems"))
	assert.Equal(t, 1, db.Len(txnTable))

	got, err := s.Get(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, PaymentPaid, got.PaymentStatus())
}

func TestStore_ApplyRetriesOnVersionConflict(t *testing.T) {
	s, db := newTestStore()
	seed(t, s)
	ctx := context.Background()

	// a concurrent webhook settles the order between our read and write
	var once sync.Once
	db.BeforeWrite = func(op, table string) {
		if op != "PutItem" {
			return
		}
		once.Do(func() {
			other := NewStore(db, ordersTable, txnTable)
			_, err := other.Apply(ctx, "ord-1", approved("pay-1"))
			require.NoError(t, err)
		})
	}

	res, err := s.Apply(ctx, "ord-1", Event{Kind: EventGatewayRejected, PaymentID: "pay-1"})
	require.NoError(t, err)
	assert.Equal(t, Discarded, res.Outcome)

	got, err := s.Get(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, PaymentPaid, got.PaymentStatus())
	assert.Equal(t, 1, db.Len(txnTable))
}

func TestStore_ConcurrentApprovalsSettleOnce(t *testing.T) {
	s, db := newTestStore()
	seed(t, s)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		settled int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.Apply(context.Background(), "ord-1", approved("pay-1"))
			if err != nil && !errors.Is(err, ErrVersionConflict) {
				t.Errorf("apply: %v", err)
				return
			}
			if res.Settled {
				mu.Lock()
				settled++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, settled)
	assert.Equal(t, 1, db.Len(txnTable))
}

func TestStore_ApplyGivesUpAfterBoundedAttempts(t *testing.T) {
	s, db := newTestStore()
	seed(t, s)

	db.Fail = func(op, table string) error {
		if op == "PutItem" {
			return &types.ConditionalCheckFailedException{}
		}
		return nil
	}
	_, err := s.Apply(context.Background(), "ord-1", Event{Kind: EventInitiate, Method: "pix"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.Equal(t, maxApplyAttempts, db.Calls("GetItem"))
}

func TestStore_ApplyInvalidTransitionDoesNotWrite(t *testing.T) {
	s, db := newTestStore()
	seed(t, s)
	puts := db.Calls("PutItem")

	_, err := s.Apply(context.Background(), "ord-1", Event{Kind: EventComplete})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, puts, db.Calls("PutItem"))
}

func TestStore_ApplyMissingOrder(t *testing.T) {
	s, _ := newTestStore()
	_, err := s.Apply(context.Background(), "nope", approved("pay-1"))
	assert.ErrorIs(t, err, ErrNotFound)
}
