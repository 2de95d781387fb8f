package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/imrishuroy/tablepay/internal/credentials"
	"github.com/imrishuroy/tablepay/internal/gateway"
	"github.com/imrishuroy/tablepay/internal/logger"
	"github.com/imrishuroy/tablepay/internal/validation"
)

type credentialsHandler struct {
	cfg HandlerConfig
}

type credentialRequest struct {
	AccessToken  string `json:"access_token" validate:"required"`
	RefreshToken string `json:"refresh_token,omitempty"`
	PublicKey    string `json:"public_key,omitempty"`
	SellerID     string `json:"seller_id,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty" validate:"gte=0"` // seconds
}

// RegisterCredentialsRoutes registers establishment credential management
// and the OAuth callback that connects a seller account.
func RegisterCredentialsRoutes(r gin.IRouter, cfg HandlerConfig) {
	h := &credentialsHandler{cfg: withDefaults(cfg)}
	if h.cfg.Now == nil {
		h.cfg.Now = time.Now
	}
	r.GET("/establishments/:id/credentials", h.status)
	r.PUT("/establishments/:id/credentials", h.put)
	r.DELETE("/establishments/:id/credentials", h.delete)
	if h.cfg.OAuth != nil {
		r.GET("/oauth/callback", h.callback)
	}
}

// status never returns the tokens themselves.
func (h *credentialsHandler) status(c *gin.Context) {
	cred, err := h.cfg.Credentials.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, credentials.ErrNotFound) {
		c.JSON(http.StatusOK, gin.H{"configured": false})
		return
	}
	if err != nil {
		logger.FromGin(c).Error("read credential", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	out := gin.H{
		"configured": true,
		"seller_id":  cred.SellerID,
		"expired":    cred.Expired(h.cfg.Now()),
		"updated_at": cred.UpdatedAt,
	}
	if !cred.ExpiresAt.IsZero() {
		out["expires_at"] = cred.ExpiresAt
	}
	c.JSON(http.StatusOK, out)
}

func (h *credentialsHandler) put(c *gin.Context) {
	var req credentialRequest
	if err := validation.BindAndValidate(c, &req, h.cfg.Validator); err != nil {
		return
	}
	now := h.cfg.Now().UTC()
	cred := credentials.FromToken(c.Param("id"), &gateway.Token{
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		PublicKey:    req.PublicKey,
		UserID:       req.SellerID,
		ExpiresIn:    time.Duration(req.ExpiresIn) * time.Second,
	}, now)
	if err := h.cfg.Credentials.Upsert(c.Request.Context(), cred); err != nil {
		logger.FromGin(c).Error("store credential", zap.String("establishment_id", cred.EstablishmentID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorBody("could not store credential"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "establishmentId": cred.EstablishmentID})
}

func (h *credentialsHandler) delete(c *gin.Context) {
	estID := c.Param("id")
	err := h.cfg.Credentials.Delete(c.Request.Context(), estID)
	if err != nil && !errors.Is(err, credentials.ErrNotFound) {
		logger.FromGin(c).Error("delete credential", zap.String("establishment_id", estID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorBody("could not delete credential"))
		return
	}
	c.Status(http.StatusNoContent)
}

// callback completes the seller OAuth flow. state carries the
// establishment id the authorization was started for.
func (h *credentialsHandler) callback(c *gin.Context) {
	code, estID := c.Query("code"), c.Query("state")
	if code == "" || estID == "" {
		c.JSON(http.StatusBadRequest, errorBody("code and state are required"))
		return
	}
	log := logger.FromGin(c).With(zap.String("establishment_id", estID))

	tok, err := h.cfg.OAuth.ExchangeCode(c.Request.Context(), code)
	if err != nil {
		var rej *gateway.RejectionError
		switch {
		case errors.As(err, &rej), errors.Is(err, gateway.ErrUnauthorized):
			log.Warn("authorization code rejected", zap.Error(err))
			c.JSON(http.StatusBadRequest, errorBody("authorization code was rejected, start the connection again"))
		case errors.Is(err, gateway.ErrTransient):
			c.JSON(http.StatusBadGateway, errorBody("payment provider unavailable, please try again"))
		default:
			log.Error("exchange authorization code", zap.Error(err))
			c.JSON(http.StatusInternalServerError, errorBody("internal error"))
		}
		return
	}

	cred := credentials.FromToken(estID, tok, h.cfg.Now().UTC())
	if err := h.cfg.Credentials.Upsert(c.Request.Context(), cred); err != nil {
		log.Error("store credential", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorBody("could not store credential"))
		return
	}
	log.Info("seller account connected", zap.String("seller_id", cred.SellerID))
	c.JSON(http.StatusOK, gin.H{"success": true, "establishmentId": estID})
}
