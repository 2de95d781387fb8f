package main

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	"github.com/imrishuroy/tablepay/internal/credentials"
	"github.com/imrishuroy/tablepay/internal/gateway"
	"github.com/imrishuroy/tablepay/internal/metrics"
)

// Processor handles credential refresh requests from SQS.
type Processor struct {
	refresher Refresher
	metrics   metrics.Recorder
	logger    *zap.Logger
}

// NewProcessor creates a Processor. rec may be nil.
func NewProcessor(refresher Refresher, rec metrics.Recorder, logger *zap.Logger) *Processor {
	if rec == nil {
		rec = metrics.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{refresher: refresher, metrics: rec, logger: logger}
}

// Handle processes an SQS batch. Only messages that failed transiently are
// reported back for redelivery; messages that can never succeed are dropped.
func (p *Processor) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	done := map[string]bool{}

	for _, rec := range ev.Records {
		log := p.logger.With(zap.String("message_id", rec.MessageId))

		var msg credentials.RefreshMessage
		if err := json.Unmarshal([]byte(rec.Body), &msg); err != nil || msg.EstablishmentID == "" {
			log.Error("dropping malformed refresh request", zap.String("body", rec.Body), zap.Error(err))
			continue
		}
		log = log.With(zap.String("establishment_id", msg.EstablishmentID))
		if done[msg.EstablishmentID] {
			log.Debug("refresh already handled in this batch")
			continue
		}

		outcome, retry := p.process(ctx, msg, log)
		p.metrics.Count(ctx, metrics.CredentialRefresh, map[string]string{"outcome": outcome})
		if retry {
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: rec.MessageId})
			continue
		}
		done[msg.EstablishmentID] = true
	}
	return resp, nil
}

func (p *Processor) process(ctx context.Context, msg credentials.RefreshMessage, log *zap.Logger) (outcome string, retry bool) {
	cred, refreshed, err := p.refresher.RefreshIfDue(ctx, msg.EstablishmentID)
	var rej *gateway.RejectionError
	switch {
	case err == nil && refreshed:
		log.Info("credential refreshed", zap.Time("expires_at", cred.ExpiresAt))
		return "refreshed", false
	case err == nil:
		log.Debug("credential not due for refresh", zap.Time("expires_at", cred.ExpiresAt))
		return "fresh", false
	case errors.Is(err, credentials.ErrNotFound):
		log.Info("credential removed before refresh")
		return "missing", false
	case errors.Is(err, gateway.ErrUnauthorized), errors.As(err, &rej):
		// the seller revoked access or the refresh token is gone; only a new
		// OAuth connection can fix it
		log.Error("credential refresh refused, establishment must reconnect", zap.Error(err))
		return "revoked", false
	case gateway.Retryable(err):
		log.Warn("credential refresh failed, will retry", zap.Error(err))
		return "transient", true
	default:
		log.Error("credential refresh failed", zap.Error(err))
		return "error", true
	}
}
