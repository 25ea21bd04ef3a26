package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"pet-feeder-backend/internal/dispatch"
	"pet-feeder-backend/internal/hub"
	"pet-feeder-backend/internal/model"
	"pet-feeder-backend/internal/mw"
	"pet-feeder-backend/internal/reconcile"
	"pet-feeder-backend/internal/store"
	"pet-feeder-backend/internal/version"
)

// Handler holds shared dependencies for API handlers.
type Handler struct {
	store    store.Store
	dispatch *dispatch.Service
	hub      *hub.Hub
	versions *version.Negotiator
	webpush  *webpush.Options
	cache    *mw.ResponseCache
}

// NewHandler creates a new API handler.
func NewHandler(s store.Store, d *dispatch.Service, h *hub.Hub, v *version.Negotiator, webpushOptions *webpush.Options, cache *mw.ResponseCache) *Handler {
	return &Handler{
		store:    s,
		dispatch: d,
		hub:      h,
		versions: v,
		webpush:  webpushOptions,
		cache:    cache,
	}
}

// writeError maps store and sync errors to HTTP statuses.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrConflict), errors.Is(err, reconcile.ErrDeviceNotConnected):
		status = http.StatusConflict
	case errors.Is(err, store.ErrInvalid), errors.Is(err, model.ErrInvalidCommand):
		status = http.StatusBadRequest
	case errors.Is(err, reconcile.ErrSyncTimeout), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg})
}

func idParam(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		badRequest(c, "invalid id")
		return 0, false
	}
	return uint(id), true
}

// GetHealth reports liveness of the process.
func (h *Handler) GetHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "connected_devices": h.hub.Registry().Len()})
}
