package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"pet-feeder-backend/internal/model"
)

type putSubscriptionRequest struct {
	Endpoint          string   `json:"endpoint" binding:"required"`
	P256DH            string   `json:"p256dh" binding:"required"`
	Auth              string   `json:"auth" binding:"required"`
	SubscribedDevices []string `json:"subscribed_devices"`
}

// PutSubscription creates or replaces a subscription and the devices it
// follows.
func (h *Handler) PutSubscription(c *gin.Context) {
	var req putSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request")
		return
	}

	sub := &model.PushSubscription{
		Endpoint: req.Endpoint,
		P256DH:   req.P256DH,
		Auth:     req.Auth,
	}
	if err := h.store.PutSubscription(c.Request.Context(), sub, req.SubscribedDevices); err != nil {
		writeError(c, err)
		return
	}

	c.Status(http.StatusCreated)
}

type deleteSubscriptionRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
}

// DeleteSubscription removes a subscription.
func (h *Handler) DeleteSubscription(c *gin.Context) {
	var req deleteSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request")
		return
	}

	if err := h.store.DeleteSubscription(c.Request.Context(), req.Endpoint); err != nil {
		writeError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// rawQueryParam reads a query value without URL decoding. Push endpoints are
// stored exactly as the browser reported them.
func rawQueryParam(rawQuery, key string) (string, bool) {
	for _, kv := range strings.Split(rawQuery, "&") {
		if strings.HasPrefix(kv, key+"=") {
			return kv[len(key)+1:], true
		}
	}
	return "", false
}

// GetSubscription returns the devices a subscription follows.
func (h *Handler) GetSubscription(c *gin.Context) {
	raw, ok := rawQueryParam(c.Request.URL.RawQuery, "endpoint")
	if !ok || raw == "" {
		badRequest(c, "endpoint is required")
		return
	}

	sub, err := h.store.GetSubscription(c.Request.Context(), raw)
	if err != nil {
		writeError(c, err)
		return
	}

	deviceIDs := make([]string, len(sub.Devices))
	for i, d := range sub.Devices {
		deviceIDs[i] = d.ID
	}

	c.JSON(http.StatusOK, gin.H{"subscribed_devices": deviceIDs})
}

// GetVAPIDPublicKey returns the VAPID public key to the client.
func (h *Handler) GetVAPIDPublicKey(c *gin.Context) {
	if h.webpush == nil || h.webpush.VAPIDPublicKey == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "vapid keys are not configured"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"public_key": h.webpush.VAPIDPublicKey})
}
