package credentials

import (
	"context"
	"time"

	"github.com/imrishuroy/tablepay/internal/aws"
)

// RefreshMessage asks the worker to renew an establishment's token.
type RefreshMessage struct {
	EstablishmentID string    `json:"establishment_id"`
	RequestedAt     time.Time `json:"requested_at"`
}

// RefreshQueue enqueues RefreshMessages on SQS.
type RefreshQueue struct {
	publisher *aws.Publisher
	nowFunc   func() time.Time
}

// NewRefreshQueue creates a RefreshQueue.
func NewRefreshQueue(publisher *aws.Publisher) *RefreshQueue {
	return &RefreshQueue{publisher: publisher, nowFunc: time.Now}
}

// RequestRefresh enqueues a refresh for the establishment.
func (q *RefreshQueue) RequestRefresh(ctx context.Context, establishmentID string) error {
	msg := RefreshMessage{EstablishmentID: establishmentID, RequestedAt: q.nowFunc().UTC()}
	return q.publisher.SendJSON(ctx, msg, map[string]string{
		"establishment_id": establishmentID,
	})
}
