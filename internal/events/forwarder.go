package events

import (
	"context"
	"fmt"

	"github.com/imrishuroy/tablepay/internal/aws"
)

// QueueForwarder is a Sink that forwards events to SQS for consumers
// outside this process.
type QueueForwarder struct {
	publisher *aws.Publisher
}

// NewQueueForwarder creates a QueueForwarder.
func NewQueueForwarder(publisher *aws.Publisher) *QueueForwarder {
	return &QueueForwarder{publisher: publisher}
}

func (f *QueueForwarder) Deliver(ctx context.Context, ev Event) error {
	err := f.publisher.SendJSON(ctx, ev, map[string]string{
		"event_type":       ev.Type,
		"order_id":         ev.Order.ID,
		"establishment_id": ev.Order.EstablishmentID,
	})
	if err != nil {
		return fmt.Errorf("forward event %s: %w", ev.ID, err)
	}
	return nil
}
