package protocol

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// Role values a connection may claim in its register frame.
const (
	RoleDevice   = "device"
	RoleFrontend = "frontend"
)

// Weight is a grain weight as sent by a device. Devices have been seen to
// send numbers, numeric strings and "NaN"; only finite values are Valid.
type Weight struct {
	Value float64
	Valid bool
}

// UnmarshalJSON accepts a number, a numeric string or null.
func (w *Weight) UnmarshalJSON(data []byte) error {
	*w = Weight{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	var f float64
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil
		}
		f = parsed
	} else if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	*w = Weight{Value: f, Valid: true}
	return nil
}

// MarshalJSON renders invalid weights as null.
func (w Weight) MarshalJSON() ([]byte, error) {
	if !w.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(w.Value)
}

// EpochTime converts a device-supplied epoch in seconds. Zero or negative
// values mean the device clock was not available.
func EpochTime(sec float64) (time.Time, bool) {
	if sec <= 0 || math.IsNaN(sec) || math.IsInf(sec, 0) {
		return time.Time{}, false
	}
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC(), true
}

// PlanEntry is a feeding plan as held on a device.
type PlanEntry struct {
	DayOfWeek     int     `json:"day_of_week"`
	Hour          int     `json:"hour"`
	Minute        int     `json:"minute"`
	FeedingAmount float64 `json:"feeding_amount"`
}

// ManualEntry is a manual feeding command as held on a device.
type ManualEntry struct {
	Hour          int     `json:"hour"`
	Minute        int     `json:"minute"`
	FeedingAmount float64 `json:"feeding_amount"`
	IsConfirmed   bool    `json:"is_confirmed"`
	IsExecuted    bool    `json:"is_executed"`
	ExecutedAt    float64 `json:"executed_at,omitempty"`
}

// Register is the first frame of a device or frontend connection. A device
// without an id asks to be enrolled.
type Register struct {
	DeviceID        string `json:"device_id"`
	Role            string `json:"role,omitempty"`
	DeviceType      string `json:"device_type,omitempty"`
	DeviceVersion   string `json:"device_version,omitempty"`
	FirmwareVersion string `json:"firmware_version,omitempty"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
	HardwareVersion string `json:"hardware_version,omitempty"`
}

// Heartbeat is an in-band keepalive from a device.
type Heartbeat struct {
	DeviceID string `json:"device_id"`
}

// SyncRequest asks for a full-state sync of a device. Frontends send it to
// the hub; the hub forwards it to the device.
type SyncRequest struct {
	DeviceID  string `json:"device_id"`
	RequestID string `json:"request_id,omitempty"`
}

// SyncResult is the device's authoritative snapshot.
type SyncResult struct {
	DeviceID       string        `json:"device_id"`
	GrainWeight    Weight        `json:"grain_weight"`
	FeedingPlans   []PlanEntry   `json:"feeding_plans"`
	ManualFeedings []ManualEntry `json:"manual_feedings"`
}

// ConfirmFeedingPlan acknowledges receipt of a plan.
type ConfirmFeedingPlan struct {
	DeviceID      string  `json:"device_id"`
	DayOfWeek     int     `json:"day_of_week"`
	Hour          int     `json:"hour"`
	Minute        int     `json:"minute"`
	FeedingAmount float64 `json:"feeding_amount"`
}

// ConfirmManualFeeding acknowledges receipt of a manual feeding command.
type ConfirmManualFeeding struct {
	DeviceID      string  `json:"device_id"`
	Hour          int     `json:"hour"`
	Minute        int     `json:"minute"`
	FeedingAmount float64 `json:"feeding_amount"`
}

// ManualFeedingReport tells the hub a manual command was dispensed.
type ManualFeedingReport struct {
	DeviceID      string   `json:"device_id"`
	Hour          int      `json:"hour"`
	Minute        int      `json:"minute"`
	FeedingAmount float64  `json:"feeding_amount"`
	ActualAmount  *float64 `json:"actual_amount,omitempty"`
	Timestamp     float64  `json:"timestamp,omitempty"`
}

// FeedingRecordReport is a dispense outcome for a scheduled feeding.
type FeedingRecordReport struct {
	DeviceID      string   `json:"device_id"`
	DayOfWeek     int      `json:"day_of_week"`
	Hour          int      `json:"hour"`
	Minute        int      `json:"minute"`
	FeedingAmount float64  `json:"feeding_amount"`
	ActualAmount  *float64 `json:"actual_amount,omitempty"`
	Status        string   `json:"status,omitempty"`
	Timestamp     float64  `json:"timestamp,omitempty"`
}

// ConfirmDeleteFeedingPlan acknowledges that the device dropped a plan.
type ConfirmDeleteFeedingPlan struct {
	DeviceID  string `json:"device_id"`
	DayOfWeek int    `json:"day_of_week"`
	Hour      int    `json:"hour"`
	Minute    int    `json:"minute"`
}

// ConfirmDeleteManualFeeding acknowledges that the device dropped a manual
// command. A missing amount matches any amount at that time.
type ConfirmDeleteManualFeeding struct {
	DeviceID      string   `json:"device_id"`
	Hour          int      `json:"hour"`
	Minute        int      `json:"minute"`
	FeedingAmount *float64 `json:"feeding_amount,omitempty"`
}

// GrainWeight reports the current grain bin weight.
type GrainWeight struct {
	DeviceID    string `json:"device_id"`
	GrainWeight Weight `json:"grain_weight"`
}

// VersionCheck reports the device's versions and asks for update guidance.
type VersionCheck struct {
	DeviceID        string `json:"device_id"`
	FirmwareVersion string `json:"firmware_version"`
	ProtocolVersion string `json:"protocol_version"`
	HardwareVersion string `json:"hardware_version"`
}

// OTAStatus reports update progress. The hub mirrors terminal states to
// frontends with the same frame.
type OTAStatus struct {
	DeviceID      string `json:"device_id"`
	Status        string `json:"status"`
	Progress      int    `json:"progress"`
	ErrorCode     string `json:"error_code,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`
	TargetVersion string `json:"target_version"`
}

// RollbackRequest asks for the download of an older firmware.
type RollbackRequest struct {
	DeviceID      string `json:"device_id"`
	TargetVersion string `json:"target_version"`
	Reason        string `json:"reason,omitempty"`
}

// RegisterAck answers a register frame. Password is only set on enrollment.
type RegisterAck struct {
	Status   string `json:"status"`
	DeviceID string `json:"device_id,omitempty"`
	Password string `json:"password,omitempty"`
	IsNew    bool   `json:"is_new"`
	Role     string `json:"role"`
	Message  string `json:"message,omitempty"`
}

// Ack answers device reports.
type Ack struct {
	For     Kind   `json:"for"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// AddFeedingPlan pushes a new plan to a device.
type AddFeedingPlan struct {
	PlanID        uint    `json:"plan_id"`
	DayOfWeek     int     `json:"day_of_week"`
	Hour          int     `json:"hour"`
	Minute        int     `json:"minute"`
	FeedingAmount float64 `json:"feeding_amount"`
}

// UpdateFeedingPlan replaces Old with New on a device.
type UpdateFeedingPlan struct {
	PlanID uint      `json:"plan_id"`
	Old    PlanEntry `json:"old"`
	New    PlanEntry `json:"new"`
}

// DeleteFeedingPlan asks a device to drop a plan.
type DeleteFeedingPlan struct {
	DayOfWeek     int     `json:"day_of_week"`
	Hour          int     `json:"hour"`
	Minute        int     `json:"minute"`
	FeedingAmount float64 `json:"feeding_amount"`
}

// AddManualFeeding pushes a manual feeding command to a device.
type AddManualFeeding struct {
	CommandID     uint    `json:"command_id"`
	Hour          int     `json:"hour"`
	Minute        int     `json:"minute"`
	FeedingAmount float64 `json:"feeding_amount"`
}

// DeleteManualFeeding asks a device to drop a manual feeding command.
type DeleteManualFeeding struct {
	Hour          int     `json:"hour"`
	Minute        int     `json:"minute"`
	FeedingAmount float64 `json:"feeding_amount"`
}

// SyncStats counts the store mutations a sync produced.
type SyncStats struct {
	PlansInserted  int  `json:"plans_inserted"`
	PlansUpdated   int  `json:"plans_updated"`
	PlansDeleted   int  `json:"plans_deleted"`
	ManualInserted int  `json:"manual_inserted"`
	ManualUpdated  int  `json:"manual_updated"`
	ManualDeleted  int  `json:"manual_deleted"`
	GrainUpdated   bool `json:"grain_updated"`
}

// SyncComplete tells a frontend its sync committed.
type SyncComplete struct {
	DeviceID string    `json:"device_id"`
	Stats    SyncStats `json:"stats"`
}

// SyncFailed tells a frontend its sync did not happen.
type SyncFailed struct {
	DeviceID string `json:"device_id"`
	Error    string `json:"error"`
}

// VersionCheckResult answers a version_check frame.
type VersionCheckResult struct {
	HasUpdate      bool   `json:"has_update"`
	CurrentVersion string `json:"current_version"`
	LatestVersion  string `json:"latest_version"`
	DownloadURL    string `json:"download_url,omitempty"`
	ForceUpdate    bool   `json:"force_update"`
	Checksum       string `json:"checksum,omitempty"`
	FileSize       int64  `json:"file_size,omitempty"`
	ReleaseNotes   string `json:"release_notes,omitempty"`
	IsCompatible   bool   `json:"is_compatible"`
}

// OTAUpdate instructs a device to fetch and install a firmware.
type OTAUpdate struct {
	Version     string `json:"version"`
	DownloadURL string `json:"download_url"`
	Checksum    string `json:"checksum"`
	FileSize    int64  `json:"file_size"`
	ForceUpdate bool   `json:"force_update"`
	Rollback    bool   `json:"rollback"`
}

// RollbackResult answers a rollback_request frame.
type RollbackResult struct {
	Success       bool   `json:"success"`
	TargetVersion string `json:"target_version"`
	DownloadURL   string `json:"download_url,omitempty"`
	Checksum      string `json:"checksum,omitempty"`
	FileSize      int64  `json:"file_size,omitempty"`
	Error         string `json:"error,omitempty"`
}

func (*Register) Kind() Kind                   { return KindRegister }
func (*Heartbeat) Kind() Kind                  { return KindHeartbeat }
func (*SyncRequest) Kind() Kind                { return KindSyncRequest }
func (*SyncResult) Kind() Kind                 { return KindSyncResult }
func (*ConfirmFeedingPlan) Kind() Kind         { return KindConfirmFeedingPlan }
func (*ConfirmManualFeeding) Kind() Kind       { return KindConfirmManualFeeding }
func (*ManualFeedingReport) Kind() Kind        { return KindManualFeeding }
func (*FeedingRecordReport) Kind() Kind        { return KindFeedingRecord }
func (*ConfirmDeleteFeedingPlan) Kind() Kind   { return KindConfirmDeleteFeedingPlan }
func (*ConfirmDeleteManualFeeding) Kind() Kind { return KindConfirmDeleteManualFeeding }
func (*GrainWeight) Kind() Kind                { return KindGrainWeight }
func (*VersionCheck) Kind() Kind               { return KindVersionCheck }
func (*OTAStatus) Kind() Kind                  { return KindOTAStatus }
func (*RollbackRequest) Kind() Kind            { return KindRollbackRequest }
func (*RegisterAck) Kind() Kind                { return KindRegisterAck }
func (*Ack) Kind() Kind                        { return KindAck }
func (*AddFeedingPlan) Kind() Kind             { return KindAddFeedingPlan }
func (*UpdateFeedingPlan) Kind() Kind          { return KindUpdateFeedingPlan }
func (*DeleteFeedingPlan) Kind() Kind          { return KindDeleteFeedingPlan }
func (*AddManualFeeding) Kind() Kind           { return KindAddManualFeeding }
func (*DeleteManualFeeding) Kind() Kind        { return KindDeleteManualFeeding }
func (*SyncComplete) Kind() Kind               { return KindSyncComplete }
func (*SyncFailed) Kind() Kind                 { return KindSyncFailed }
func (*VersionCheckResult) Kind() Kind         { return KindVersionCheckResult }
func (*OTAUpdate) Kind() Kind                  { return KindOTAUpdate }
func (*RollbackResult) Kind() Kind             { return KindRollbackResult }

func (*Register) sealed()                   {}
func (*Heartbeat) sealed()                  {}
func (*SyncRequest) sealed()                {}
func (*SyncResult) sealed()                 {}
func (*ConfirmFeedingPlan) sealed()         {}
func (*ConfirmManualFeeding) sealed()       {}
func (*ManualFeedingReport) sealed()        {}
func (*FeedingRecordReport) sealed()        {}
func (*ConfirmDeleteFeedingPlan) sealed()   {}
func (*ConfirmDeleteManualFeeding) sealed() {}
func (*GrainWeight) sealed()                {}
func (*VersionCheck) sealed()               {}
func (*OTAStatus) sealed()                  {}
func (*RollbackRequest) sealed()            {}
func (*RegisterAck) sealed()                {}
func (*Ack) sealed()                        {}
func (*AddFeedingPlan) sealed()             {}
func (*UpdateFeedingPlan) sealed()          {}
func (*DeleteFeedingPlan) sealed()          {}
func (*AddManualFeeding) sealed()           {}
func (*DeleteManualFeeding) sealed()        {}
func (*SyncComplete) sealed()               {}
func (*SyncFailed) sealed()                 {}
func (*VersionCheckResult) sealed()         {}
func (*OTAUpdate) sealed()                  {}
func (*RollbackResult) sealed()             {}
