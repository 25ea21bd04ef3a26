package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"pet-feeder-backend/internal/model"
)

type planRequest struct {
	DeviceID      string  `json:"device_id"`
	DayOfWeek     int     `json:"day_of_week"`
	Hour          int     `json:"hour"`
	Minute        int     `json:"minute"`
	FeedingAmount float64 `json:"feeding_amount"`
}

func (r planRequest) key() model.PlanKey {
	return model.PlanKey{Day: r.DayOfWeek, Hour: r.Hour, Minute: r.Minute}
}

type planKeyRequest struct {
	DayOfWeek int      `json:"day_of_week"`
	Hour      int      `json:"hour"`
	Minute    int      `json:"minute"`
	DeviceIDs []string `json:"device_ids"`
}

// CreatePlan handles POST /api/feeding_plans.
func (h *Handler) CreatePlan(c *gin.Context) {
	var req planRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON data")
		return
	}
	if req.DeviceID == "" {
		badRequest(c, "device_id is required")
		return
	}
	res, err := h.dispatch.CreatePlan(c.Request.Context(), req.DeviceID, req.key(), req.FeedingAmount)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// EditPlan handles PUT /api/feeding_plans/:id.
func (h *Handler) EditPlan(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req planRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON data")
		return
	}
	res, err := h.dispatch.EditPlan(c.Request.Context(), id, req.key(), req.FeedingAmount)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// DeletePlan handles DELETE /api/feeding_plans/:id.
func (h *Handler) DeletePlan(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	res, err := h.dispatch.DeletePlan(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// DeletePlansByKey handles POST /api/feeding_plans/delete_by_key.
func (h *Handler) DeletePlansByKey(c *gin.Context) {
	var req planKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON data")
		return
	}
	key := model.PlanKey{Day: req.DayOfWeek, Hour: req.Hour, Minute: req.Minute}
	if err := key.Validate(); err != nil {
		writeError(c, err)
		return
	}
	res, err := h.dispatch.DeletePlansByKey(c.Request.Context(), key, req.DeviceIDs)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ListPlans handles GET /api/feeding_plans with an optional device_id query.
func (h *Handler) ListPlans(c *gin.Context) {
	plans, err := h.store.ListPlans(c.Request.Context(), c.Query("device_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"feeding_plans": plans})
}

type devicePlan struct {
	DayOfWeek     int     `json:"day_of_week"`
	Hour          int     `json:"hour"`
	Minute        int     `json:"minute"`
	FeedingAmount float64 `json:"feeding_amount"`
}

// DevicePlans handles GET /api/feeding_plans/:device_id, the device-facing
// read of confirmed plans.
func (h *Handler) DevicePlans(c *gin.Context) {
	deviceID := c.Param("device_id")
	if _, err := h.store.GetDevice(c.Request.Context(), deviceID); err != nil {
		writeError(c, err)
		return
	}
	plans, err := h.store.DevicePlans(c.Request.Context(), deviceID)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]devicePlan, 0, len(plans))
	for _, p := range plans {
		out = append(out, devicePlan{DayOfWeek: p.DayOfWeek, Hour: p.Hour, Minute: p.Minute, FeedingAmount: p.FeedingAmount})
	}
	c.JSON(http.StatusOK, gin.H{"device_id": deviceID, "feeding_plans": out})
}

type manualRequest struct {
	DeviceID      string  `json:"device_id"`
	Hour          int     `json:"hour"`
	Minute        int     `json:"minute"`
	FeedingAmount float64 `json:"feeding_amount"`
}

type manualKeyRequest struct {
	Hour      int      `json:"hour"`
	Minute    int      `json:"minute"`
	DeviceIDs []string `json:"device_ids"`
}

// CreateManualFeeding handles POST /api/manual_feedings.
func (h *Handler) CreateManualFeeding(c *gin.Context) {
	var req manualRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON data")
		return
	}
	if req.DeviceID == "" {
		badRequest(c, "device_id is required")
		return
	}
	key := model.ManualKey{Hour: req.Hour, Minute: req.Minute, Amount: req.FeedingAmount}
	res, err := h.dispatch.CreateManualFeeding(c.Request.Context(), req.DeviceID, key)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// DeleteManualFeeding handles DELETE /api/manual_feedings/:id.
func (h *Handler) DeleteManualFeeding(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	res, err := h.dispatch.DeleteManualFeeding(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// DeleteManualFeedingsByKey handles POST /api/manual_feedings/delete_by_key.
func (h *Handler) DeleteManualFeedingsByKey(c *gin.Context) {
	var req manualKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON data")
		return
	}
	res, err := h.dispatch.DeleteManualFeedingsByKey(c.Request.Context(), req.Hour, req.Minute, req.DeviceIDs)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ListManualFeedings handles GET /api/manual_feedings.
func (h *Handler) ListManualFeedings(c *gin.Context) {
	cmds, err := h.store.ListManualFeedings(c.Request.Context(), c.Query("device_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"manual_feedings": cmds})
}

type recordRequest struct {
	DeviceID      string   `json:"device_id"`
	DayOfWeek     int      `json:"day_of_week"`
	Hour          int      `json:"hour"`
	Minute        int      `json:"minute"`
	FeedingAmount float64  `json:"feeding_amount"`
	ActualAmount  *float64 `json:"actual_amount"`
	Status        string   `json:"status"`
}

// CreateFeedingRecord handles POST /api/feeding_records.
func (h *Handler) CreateFeedingRecord(c *gin.Context) {
	var req recordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON data")
		return
	}
	if req.DeviceID == "" {
		badRequest(c, "device_id is required")
		return
	}
	rec := &model.FeedingRecord{
		DeviceID:      req.DeviceID,
		DayOfWeek:     req.DayOfWeek,
		Hour:          req.Hour,
		Minute:        req.Minute,
		FeedingAmount: req.FeedingAmount,
		ActualAmount:  req.ActualAmount,
		Status:        model.FeedingStatus(req.Status),
	}
	if err := h.store.AddFeedingRecord(c.Request.Context(), rec); err != nil {
		writeError(c, err)
		return
	}
	h.hub.ReportFeeding(rec)
	c.JSON(http.StatusCreated, rec)
}

// ListFeedingRecords handles GET /api/feeding_records/:device_id.
func (h *Handler) ListFeedingRecords(c *gin.Context) {
	records, err := h.store.ListFeedingRecords(c.Request.Context(), c.Param("device_id"), 0)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"feeding_records": records})
}
