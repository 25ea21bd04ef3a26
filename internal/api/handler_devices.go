package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"pet-feeder-backend/internal/model"
	"pet-feeder-backend/internal/mw"
	"pet-feeder-backend/internal/protocol"
)

type heartbeatRequest struct {
	DeviceID        string `json:"device_id"`
	DeviceType      string `json:"device_type"`
	FirmwareVersion string `json:"firmware_version"`
}

// PostHeartbeat handles POST /device/heartbeat. Devices without a known id
// are enrolled and receive their id and default password.
func (h *Handler) PostHeartbeat(c *gin.Context) {
	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON data")
		return
	}

	dev, enrolled, err := h.hub.Heartbeat(c.Request.Context(), req.DeviceID, model.VersionInfo{
		DeviceType:      req.DeviceType,
		FirmwareVersion: req.FirmwareVersion,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	if enrolled {
		c.JSON(http.StatusOK, gin.H{
			"need_device_id": true,
			"device_id":      dev.ID,
			"password":       h.hub.DefaultPassword(),
			"message":        "device registered",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"need_device_id":  false,
		"status":          "success",
		"message":         "heartbeat received",
		"heartbeat_count": dev.HeartbeatCount,
	})
}

type grainLevelRequest struct {
	DeviceID   string          `json:"device_id"`
	GrainLevel protocol.Weight `json:"grain_level"`
}

// PostGrainLevel handles POST /upload_grain_level. The device id comes from
// the X-Device-ID header or the body.
func (h *Handler) PostGrainLevel(c *gin.Context) {
	var req grainLevelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON data")
		return
	}
	deviceID := c.GetHeader(mw.DeviceHeader)
	if deviceID == "" {
		deviceID = req.DeviceID
	}
	if deviceID == "" {
		badRequest(c, "device id is required")
		return
	}
	if !req.GrainLevel.Valid {
		badRequest(c, "grain_level must be a finite number")
		return
	}

	dev, err := h.hub.ReportGrain(c.Request.Context(), deviceID, req.GrainLevel.Value)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "grain_weight": dev.GrainWeight})
}

// ListDevices handles GET /api/devices.
func (h *Handler) ListDevices(c *gin.Context) {
	devices, err := h.store.ListDevices(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	online := 0
	for _, d := range devices {
		if d.IsOnline {
			online++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"devices":       devices,
		"total_devices": len(devices),
		"online":        online,
		"connected":     h.hub.Registry().IDs(),
	})
}

// GetDevice handles GET /api/devices/:device_id.
func (h *Handler) GetDevice(c *gin.Context) {
	dev, err := h.store.GetDevice(c.Request.Context(), c.Param("device_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	_, connected := h.hub.Registry().Lookup(dev.ID)
	c.JSON(http.StatusOK, gin.H{"device": dev, "connected": connected})
}

// GetVersionHistory handles GET /api/devices/:device_id/version_history.
func (h *Handler) GetVersionHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	history, err := h.store.ListVersionHistory(c.Request.Context(), c.Param("device_id"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": history})
}

// PostSync handles POST /api/devices/:device_id/sync and waits for the
// device to answer.
func (h *Handler) PostSync(c *gin.Context) {
	res, err := h.dispatch.Sync(c.Request.Context(), c.Param("device_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type otaRequest struct {
	Version  string `json:"version"`
	Operator string `json:"operator"`
}

func (r otaRequest) operator() string {
	if r.Operator == "" {
		return "admin"
	}
	return r.Operator
}

func bindOTA(c *gin.Context, needVersion bool) (otaRequest, bool) {
	var req otaRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid JSON data")
			return req, false
		}
	}
	if needVersion && req.Version == "" {
		badRequest(c, "version is required")
		return req, false
	}
	return req, true
}

// PostOTA handles POST /api/devices/:device_id/ota.
func (h *Handler) PostOTA(c *gin.Context) {
	req, ok := bindOTA(c, false)
	if !ok {
		return
	}
	res, err := h.dispatch.RequestOTA(c.Request.Context(), c.Param("device_id"), req.operator())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// PostForceUpdate handles POST /api/devices/:device_id/force_update.
func (h *Handler) PostForceUpdate(c *gin.Context) {
	req, ok := bindOTA(c, true)
	if !ok {
		return
	}
	res, err := h.dispatch.ForceUpdate(c.Request.Context(), c.Param("device_id"), req.Version, req.operator())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// PostRollback handles POST /api/devices/:device_id/rollback.
func (h *Handler) PostRollback(c *gin.Context) {
	req, ok := bindOTA(c, true)
	if !ok {
		return
	}
	res, err := h.dispatch.Rollback(c.Request.Context(), c.Param("device_id"), req.Version, req.operator())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
