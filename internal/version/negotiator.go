// Package version answers device version checks and tracks OTA progress
// against the firmware catalog.
package version

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"pet-feeder-backend/internal/model"
	"pet-feeder-backend/internal/parse"
	"pet-feeder-backend/internal/protocol"
	"pet-feeder-backend/internal/store"
)

// OTA states reported by devices. Only the terminal ones change the stored
// firmware or reach observers.
const (
	StatusRequested = "requested"
	StatusRejected  = "rejected"
	StatusSuccess   = "success"
	StatusFailed    = "failed"
)

const (
	latestKey        = "latest"
	intentTTL        = 6 * time.Hour
	defaultLatestTTL = time.Minute
)

// Store is the part of the command store the negotiator needs.
type Store interface {
	GetDevice(ctx context.Context, id string) (*model.Device, error)
	UpdateDeviceVersions(ctx context.Context, id string, info model.VersionInfo) (*model.Device, error)
	LatestFirmware(ctx context.Context) (*model.FirmwareVersion, error)
	FirmwareByVersion(ctx context.Context, version string) (*model.FirmwareVersion, error)
	SetDeviceFirmware(ctx context.Context, deviceID, version string) error
	AppendVersionHistory(ctx context.Context, entry *model.DeviceVersionHistory) error
}

// intent remembers why an OTA was sent so the status reports that follow are
// booked under the right change type.
type intent struct {
	target   string
	change   model.VersionChange
	operator string
}

// Negotiator evaluates version reports against the catalog.
type Negotiator struct {
	store   Store
	latest  *cache.Cache
	intents *cache.Cache
}

// NewNegotiator creates a negotiator. The latest stable firmware is cached
// for latestTTL; Invalidate drops it after catalog writes.
func NewNegotiator(s Store, latestTTL time.Duration) *Negotiator {
	if latestTTL <= 0 {
		latestTTL = defaultLatestTTL
	}
	return &Negotiator{
		store:   s,
		latest:  cache.New(latestTTL, 2*latestTTL),
		intents: cache.New(intentTTL, time.Hour),
	}
}

// Invalidate forgets the cached latest firmware.
func (n *Negotiator) Invalidate() {
	n.latest.Delete(latestKey)
}

// Latest returns the newest active stable firmware, or store.ErrNotFound.
func (n *Negotiator) Latest(ctx context.Context) (*model.FirmwareVersion, error) {
	if v, ok := n.latest.Get(latestKey); ok {
		fw := v.(model.FirmwareVersion)
		return &fw, nil
	}
	fw, err := n.store.LatestFirmware(ctx)
	if err != nil {
		return nil, err
	}
	n.latest.SetDefault(latestKey, *fw)
	return fw, nil
}

// Check stores the reported versions and compares them with the latest
// firmware.
func (n *Negotiator) Check(ctx context.Context, msg *protocol.VersionCheck) (*protocol.VersionCheckResult, error) {
	dev, err := n.store.UpdateDeviceVersions(ctx, msg.DeviceID, model.VersionInfo{
		FirmwareVersion: msg.FirmwareVersion,
		ProtocolVersion: msg.ProtocolVersion,
		HardwareVersion: msg.HardwareVersion,
	})
	if err != nil {
		return nil, err
	}

	res := &protocol.VersionCheckResult{CurrentVersion: dev.FirmwareVersion, LatestVersion: dev.FirmwareVersion, IsCompatible: true}
	fw, err := n.Latest(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return res, nil
	}
	if err != nil {
		return nil, err
	}

	res.LatestVersion = fw.Version()
	res.HasUpdate = Compare(dev.FirmwareVersion, fw.Version()) < 0
	res.ForceUpdate = fw.ForceUpdate
	res.DownloadURL = fw.DownloadURL
	res.Checksum = fw.Checksum
	res.FileSize = fw.FileSize
	res.ReleaseNotes = fw.ReleaseNotes
	res.IsCompatible = Compatible(dev, fw)
	return res, nil
}

// Prepare records an outgoing OTA and returns the message to push.
func (n *Negotiator) Prepare(ctx context.Context, deviceID string, fw *model.FirmwareVersion, change model.VersionChange, operator string) (*protocol.OTAUpdate, error) {
	dev, err := n.store.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if err := n.store.AppendVersionHistory(ctx, &model.DeviceVersionHistory{
		DeviceID:    deviceID,
		FromVersion: dev.FirmwareVersion,
		ToVersion:   fw.Version(),
		Type:        change,
		Status:      StatusRequested,
		Operator:    operator,
	}); err != nil {
		return nil, err
	}
	n.intents.SetDefault(deviceID, intent{target: fw.Version(), change: change, operator: operator})
	return &protocol.OTAUpdate{
		Version:     fw.Version(),
		DownloadURL: fw.DownloadURL,
		Checksum:    fw.Checksum,
		FileSize:    fw.FileSize,
		ForceUpdate: change == model.ChangeForceUpdate || fw.ForceUpdate,
		Rollback:    change == model.ChangeRollback,
	}, nil
}

// RecordStatus appends an OTA status report to the history. It reports
// whether the status is terminal; a successful update also becomes the
// device's stored firmware version.
func (n *Negotiator) RecordStatus(ctx context.Context, msg *protocol.OTAStatus) (bool, error) {
	dev, err := n.store.GetDevice(ctx, msg.DeviceID)
	if err != nil {
		return false, err
	}

	change, operator := model.ChangeUpgrade, "device"
	if v, ok := n.intents.Get(msg.DeviceID); ok {
		in := v.(intent)
		if msg.TargetVersion == "" || Compare(in.target, msg.TargetVersion) == 0 {
			change, operator = in.change, in.operator
		}
	}

	status := strings.ToLower(strings.TrimSpace(msg.Status))
	entry := &model.DeviceVersionHistory{
		DeviceID:     msg.DeviceID,
		FromVersion:  dev.FirmwareVersion,
		ToVersion:    msg.TargetVersion,
		Type:         change,
		Status:       status,
		ErrorMessage: errorText(msg.ErrorCode, msg.ErrorMessage),
		Operator:     operator,
	}
	if err := n.store.AppendVersionHistory(ctx, entry); err != nil {
		return false, err
	}

	terminal := IsTerminal(status)
	if !terminal {
		return false, nil
	}
	n.intents.Delete(msg.DeviceID)
	if status == StatusSuccess && msg.TargetVersion != "" {
		if err := n.store.SetDeviceFirmware(ctx, msg.DeviceID, msg.TargetVersion); err != nil {
			return true, err
		}
		log.Info().Str("device_id", msg.DeviceID).Str("version", msg.TargetVersion).Msg("ota completed")
	}
	return true, nil
}

// Rollback answers a device-initiated rollback request. Unknown or
// deactivated targets are refused in the result, not as an error.
func (n *Negotiator) Rollback(ctx context.Context, msg *protocol.RollbackRequest) (*protocol.RollbackResult, error) {
	dev, err := n.store.GetDevice(ctx, msg.DeviceID)
	if err != nil {
		return nil, err
	}
	res := &protocol.RollbackResult{TargetVersion: msg.TargetVersion}
	entry := &model.DeviceVersionHistory{
		DeviceID:     msg.DeviceID,
		FromVersion:  dev.FirmwareVersion,
		ToVersion:    msg.TargetVersion,
		Type:         model.ChangeRollback,
		Status:       StatusRequested,
		ErrorMessage: msg.Reason,
		Operator:     "device",
	}

	fw, err := n.store.FirmwareByVersion(ctx, msg.TargetVersion)
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrInvalid):
		res.Error = fmt.Sprintf("firmware %q is not available", msg.TargetVersion)
		entry.Status = StatusRejected
		entry.ErrorMessage = res.Error
	case err != nil:
		return nil, err
	default:
		res.Success = true
		res.TargetVersion = fw.Version()
		res.DownloadURL = fw.DownloadURL
		res.Checksum = fw.Checksum
		res.FileSize = fw.FileSize
		entry.ToVersion = fw.Version()
	}

	if err := n.store.AppendVersionHistory(ctx, entry); err != nil {
		return nil, err
	}
	if res.Success {
		n.intents.SetDefault(msg.DeviceID, intent{target: res.TargetVersion, change: model.ChangeRollback, operator: "device"})
	}
	return res, nil
}

// IsTerminal reports whether an OTA status ends the attempt.
func IsTerminal(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case StatusSuccess, StatusFailed:
		return true
	}
	return false
}

// Compare orders two dotted versions numerically. Missing segments count as
// 0, so "1.2" equals "1.2.0".
func Compare(a, b string) int {
	va, vb := parse.ParseVersion(a), parse.ParseVersion(b)
	for i := 0; i < len(va) || i < len(vb); i++ {
		var x, y int
		if i < len(va) {
			x = va[i]
		}
		if i < len(vb) {
			y = vb[i]
		}
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
	}
	return 0
}

// Compatible checks the device's hardware and protocol major.minor against
// the firmware minimums. An unset minimum accepts any device.
func Compatible(dev *model.Device, fw *model.FirmwareVersion) bool {
	return atLeast(dev.HardwareVersion, fw.MinHardwareVersion) && atLeast(dev.ProtocolVersion, fw.MinProtocolVersion)
}

func atLeast(have, min string) bool {
	if strings.TrimSpace(min) == "" {
		return true
	}
	hm, hn := parse.MajorMinor(have)
	mm, mn := parse.MajorMinor(min)
	if hm != mm {
		return hm > mm
	}
	return hn >= mn
}

func errorText(code, msg string) string {
	switch {
	case code != "" && msg != "":
		return code + ": " + msg
	case code != "":
		return code
	}
	return msg
}
