package api

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"pet-feeder-backend/internal/model"
	"pet-feeder-backend/internal/parse"
)

type firmwareRequest struct {
	Version            string `json:"version" binding:"required"`
	Suffix             string `json:"suffix"`
	DownloadURL        string `json:"download_url" binding:"required"`
	Checksum           string `json:"checksum"`
	FileSize           int64  `json:"file_size"`
	IsStable           *bool  `json:"is_stable"`
	ForceUpdate        bool   `json:"force_update"`
	MinHardwareVersion string `json:"min_hardware_version"`
	MinProtocolVersion string `json:"min_protocol_version"`
	ReleaseNotes       string `json:"release_notes"`
}

// PublishFirmware handles POST /api/firmware.
func (h *Handler) PublishFirmware(c *gin.Context) {
	var req firmwareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	v, ok := firmwareSegments(req.Version)
	if !ok {
		badRequest(c, "version must look like major.minor.patch[.build]")
		return
	}

	fw := &model.FirmwareVersion{
		Major:              v[0],
		Minor:              v[1],
		Patch:              v[2],
		Build:              v[3],
		Suffix:             req.Suffix,
		DownloadURL:        req.DownloadURL,
		Checksum:           req.Checksum,
		FileSize:           req.FileSize,
		IsStable:           req.IsStable == nil || *req.IsStable,
		ForceUpdate:        req.ForceUpdate,
		MinHardwareVersion: req.MinHardwareVersion,
		MinProtocolVersion: req.MinProtocolVersion,
		ReleaseNotes:       req.ReleaseNotes,
	}
	if err := h.store.PublishFirmware(c.Request.Context(), fw); err != nil {
		writeError(c, err)
		return
	}
	h.versions.Invalidate()
	c.JSON(http.StatusCreated, fw)
}

// ListFirmware handles GET /api/firmware. Pass ?all=true to include
// deactivated builds.
func (h *Handler) ListFirmware(c *gin.Context) {
	list, err := h.store.ListFirmware(c.Request.Context(), c.Query("all") == "true")
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"firmware": list})
}

// GetLatestFirmware handles GET /api/firmware/latest.
func (h *Handler) GetLatestFirmware(c *gin.Context) {
	fw, err := h.versions.Latest(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"firmware": fw, "version": fw.Label()})
}

// DeactivateFirmware handles DELETE /api/firmware/:id.
func (h *Handler) DeactivateFirmware(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if err := h.store.DeactivateFirmware(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	h.versions.Invalidate()
	c.Status(http.StatusNoContent)
}

var versionPattern = regexp.MustCompile(`^\d+(\.\d+){1,3}$`)

// firmwareSegments parses 2 to 4 numeric segments, zero-filling the rest.
func firmwareSegments(raw string) ([4]int, bool) {
	var out [4]int
	raw = strings.TrimSpace(raw)
	if !versionPattern.MatchString(raw) {
		return out, false
	}
	copy(out[:], parse.ParseVersion(raw))
	return out, true
}
