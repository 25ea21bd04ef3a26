package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"pet-feeder-backend/config"
	"pet-feeder-backend/internal/metrics"
	"pet-feeder-backend/internal/mw"
)

// NewRouter creates and configures a new Gin router.
func NewRouter(h *Handler, m *metrics.Metrics, cfg config.ServerConfig) *gin.Engine {
	r := gin.Default()
	r.Use(m.Middleware())

	rateLimiter := mw.RateLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst, mw.ClientKey)
	cache := h.cache
	if cache == nil {
		cache = mw.NewResponseCache(time.Duration(cfg.CacheTTLSeconds) * time.Second)
	}

	r.GET("/healthz", h.GetHealth)
	r.GET("/metrics", gin.WrapH(m.Handler()))
	r.GET("/ws", h.hub.ServeWS)

	// HTTP fallback for feeders without a socket.
	device := r.Group("/")
	device.Use(rateLimiter)
	{
		device.POST("/device/heartbeat", h.PostHeartbeat)
		device.POST("/upload_grain_level", h.PostGrainLevel)
	}

	api := r.Group("/api")
	api.Use(rateLimiter)
	{
		api.GET("/devices", h.ListDevices)
		api.GET("/devices/:device_id", h.GetDevice)
		api.GET("/devices/:device_id/version_history", h.GetVersionHistory)
		api.POST("/devices/:device_id/sync", h.PostSync)
		api.POST("/devices/:device_id/ota", h.PostOTA)
		api.POST("/devices/:device_id/force_update", h.PostForceUpdate)
		api.POST("/devices/:device_id/rollback", h.PostRollback)

		api.GET("/feeding_plans", h.ListPlans)
		api.GET("/feeding_plans/:device_id", h.DevicePlans)
		api.POST("/feeding_plans", h.CreatePlan)
		api.POST("/feeding_plans/delete_by_key", h.DeletePlansByKey)
		api.PUT("/feeding_plans/:id", h.EditPlan)
		api.DELETE("/feeding_plans/:id", h.DeletePlan)

		api.GET("/manual_feedings", h.ListManualFeedings)
		api.POST("/manual_feedings", h.CreateManualFeeding)
		api.POST("/manual_feedings/delete_by_key", h.DeleteManualFeedingsByKey)
		api.DELETE("/manual_feedings/:id", h.DeleteManualFeeding)

		api.GET("/feeding_records/:device_id", h.ListFeedingRecords)
		api.POST("/feeding_records", h.CreateFeedingRecord)

		api.GET("/firmware", cache.Cached(), h.ListFirmware)
		api.GET("/firmware/latest", cache.Cached(), h.GetLatestFirmware)
		api.POST("/firmware", cache.Invalidates(), h.PublishFirmware)
		api.DELETE("/firmware/:id", cache.Invalidates(), h.DeactivateFirmware)

		api.GET("/subscriptions", h.GetSubscription)
		api.PUT("/subscriptions", h.PutSubscription)
		api.DELETE("/subscriptions", h.DeleteSubscription)
		api.GET("/vapid_public_key", h.GetVAPIDPublicKey)
	}

	return r
}
