package model

import (
	"fmt"
	"time"
)

// FirmwareVersion is a published firmware build. Only IsActive changes after
// publication.
type FirmwareVersion struct {
	ID                 uint      `gorm:"primaryKey" json:"id"`
	Major              int       `gorm:"not null;uniqueIndex:idx_firmware_versions_version,priority:1" json:"major"`
	Minor              int       `gorm:"not null;uniqueIndex:idx_firmware_versions_version,priority:2" json:"minor"`
	Patch              int       `gorm:"not null;uniqueIndex:idx_firmware_versions_version,priority:3" json:"patch"`
	Build              int       `gorm:"not null;uniqueIndex:idx_firmware_versions_version,priority:4" json:"build"`
	Suffix             string    `gorm:"size:32" json:"suffix"`
	DownloadURL        string    `gorm:"size:512;not null" json:"download_url"`
	Checksum           string    `gorm:"size:128" json:"checksum"`
	FileSize           int64     `json:"file_size"`
	IsStable           bool      `gorm:"not null" json:"is_stable"`
	ForceUpdate        bool      `gorm:"not null" json:"force_update"`
	IsActive           bool      `gorm:"not null;index" json:"is_active"`
	MinHardwareVersion string    `gorm:"size:32" json:"min_hardware_version"`
	MinProtocolVersion string    `gorm:"size:32" json:"min_protocol_version"`
	ReleaseNotes       string    `gorm:"type:text" json:"release_notes"`
	CreatedAt          time.Time `json:"created_at"`
}

// Version renders the numeric version; the build is appended when non-zero.
func (f FirmwareVersion) Version() string {
	if f.Build > 0 {
		return fmt.Sprintf("%d.%d.%d.%d", f.Major, f.Minor, f.Patch, f.Build)
	}
	return fmt.Sprintf("%d.%d.%d", f.Major, f.Minor, f.Patch)
}

// Label is Version plus the optional suffix, for display.
func (f FirmwareVersion) Label() string {
	if f.Suffix != "" {
		return f.Version() + "-" + f.Suffix
	}
	return f.Version()
}

// VersionChange is the kind of a DeviceVersionHistory entry.
type VersionChange string

const (
	ChangeUpgrade     VersionChange = "upgrade"
	ChangeForceUpdate VersionChange = "force_update"
	ChangeRollback    VersionChange = "rollback"
)

// DeviceVersionHistory is the append-only ledger of upgrade and rollback
// attempts.
type DeviceVersionHistory struct {
	ID           uint          `gorm:"primaryKey" json:"id"`
	DeviceID     string        `gorm:"size:32;not null;index" json:"device_id"`
	FromVersion  string        `gorm:"size:32" json:"from_version"`
	ToVersion    string        `gorm:"size:32" json:"to_version"`
	Type         VersionChange `gorm:"size:16;not null" json:"type"`
	Status       string        `gorm:"size:32;not null" json:"status"`
	ErrorMessage string        `gorm:"type:text" json:"error_message"`
	Operator     string        `gorm:"size:64" json:"operator"`
	CreatedAt    time.Time     `gorm:"index" json:"created_at"`
}
