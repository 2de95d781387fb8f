package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/imrishuroy/tablepay/internal/idempotency"
	"github.com/imrishuroy/tablepay/internal/logger"
)

const (
	idempotencyHeader = "Idempotency-Key"
	replayedHeader    = "Idempotent-Replayed"
)

// keyed runs fn at most once per Idempotency-Key in scope and writes its
// response. A repeated key gets the stored response back. Server errors are
// not stored, so the client may retry them with the same key.
func keyed(c *gin.Context, store *idempotency.Store, scope, resourceID string, body []byte, fn func() (int, any)) {
	key := c.GetHeader(idempotencyHeader)
	if store == nil || key == "" {
		status, payload := fn()
		c.JSON(status, payload)
		return
	}
	ctx := c.Request.Context()
	log := logger.FromGin(c).With(zap.String("idempotency_key", key), zap.String("scope", scope))

	decision, rec, err := store.Begin(ctx, scope, key, resourceID, idempotency.Fingerprint(body))
	switch {
	case errors.Is(err, idempotency.ErrKeyReused):
		c.JSON(http.StatusUnprocessableEntity, errorBody("Idempotency-Key was already used for a different request"))
		return
	case err != nil:
		log.Error("idempotency check failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorBody("could not check request idempotency"))
		return
	}

	switch decision {
	case idempotency.Replay:
		c.Header(replayedHeader, "true")
		c.Data(rec.ResponseStatus, "application/json; charset=utf-8", []byte(rec.ResponseBody))
		return
	case idempotency.InFlight:
		c.JSON(http.StatusConflict, errorBody("a request with this Idempotency-Key is still in progress"))
		return
	}

	status, payload := fn()
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Error("marshal response", zap.Error(err))
		_ = store.MarkFailed(ctx, scope, key, err.Error())
		c.JSON(http.StatusInternalServerError, errorBody("internal error"))
		return
	}

	if status >= http.StatusInternalServerError {
		if err := store.MarkFailed(ctx, scope, key, string(raw)); err != nil {
			log.Warn("mark idempotency failed", zap.Error(err))
		}
	} else if err := store.MarkDone(ctx, scope, key, string(raw), status); err != nil {
		log.Warn("store idempotent response", zap.Error(err))
	}
	c.Data(status, "application/json; charset=utf-8", raw)
}
