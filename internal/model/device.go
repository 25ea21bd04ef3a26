package model

import "time"

// Device represents a feeder known to the hub. Rows are created on first
// contact and never deleted.
type Device struct {
	ID              string     `gorm:"primaryKey;size:32" json:"device_id"`
	CredentialHash  string     `gorm:"size:100;not null" json:"-"`
	DeviceType      string     `gorm:"size:50;not null" json:"device_type"`
	DeviceVersion   string     `gorm:"size:32" json:"device_version"`
	FirmwareVersion string     `gorm:"size:32" json:"firmware_version"`
	ProtocolVersion string     `gorm:"size:32" json:"protocol_version"`
	HardwareVersion string     `gorm:"size:32" json:"hardware_version"`
	IsOnline        bool       `gorm:"not null;index" json:"is_online"`
	HeartbeatCount  int64      `gorm:"not null" json:"heartbeat_count"`
	GrainWeight     float64    `gorm:"not null" json:"grain_weight"`
	LastGrainUpdate *time.Time `json:"last_grain_update"`
	FirstSeen       time.Time  `gorm:"not null" json:"first_seen"`
	LastSeen        time.Time  `gorm:"not null;index" json:"last_seen"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// DefaultDeviceType is stored when a device does not report its type.
const DefaultDeviceType = "pet_feeder"

// VersionInfo carries the version strings a device reports about itself.
// Empty fields leave the stored value untouched.
type VersionInfo struct {
	DeviceType      string
	DeviceVersion   string
	FirmwareVersion string
	ProtocolVersion string
	HardwareVersion string
}

// Columns returns the non-empty fields keyed by column name.
func (v VersionInfo) Columns() map[string]any {
	cols := make(map[string]any)
	if v.DeviceType != "" {
		cols["device_type"] = v.DeviceType
	}
	if v.DeviceVersion != "" {
		cols["device_version"] = v.DeviceVersion
	}
	if v.FirmwareVersion != "" {
		cols["firmware_version"] = v.FirmwareVersion
	}
	if v.ProtocolVersion != "" {
		cols["protocol_version"] = v.ProtocolVersion
	}
	if v.HardwareVersion != "" {
		cols["hardware_version"] = v.HardwareVersion
	}
	return cols
}
