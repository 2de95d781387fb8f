package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/imrishuroy/tablepay/internal/orders"
)

// Notify publishes the order when res changed it. Replays and discarded
// events publish nothing.
func Notify(ctx context.Context, pub Publisher, res orders.Result, logger *zap.Logger) {
	if pub == nil || res.Outcome != orders.Applied {
		return
	}
	if err := pub.Publish(ctx, res.Order); err != nil && logger != nil {
		logger.Warn("order change not fully propagated",
			zap.String("order_id", res.Order.ID),
			zap.Int64("version", res.Order.Version),
			zap.Error(err))
	}
}
