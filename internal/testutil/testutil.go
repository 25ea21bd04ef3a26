// Package testutil builds in-memory stores for package tests.
package testutil

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"pet-feeder-backend/internal/db"
	"pet-feeder-backend/internal/model"
	"pet-feeder-backend/internal/store"
)

// NewStore returns a store over a private in-memory sqlite database.
func NewStore(t *testing.T) store.Store {
	t.Helper()
	dsn := "file:memdb_" + uuid.NewString() + "?mode=memory&cache=shared"
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(gdb))
	return store.NewGormStore(gdb)
}

// SeedDevice creates a device with the given firmware version.
func SeedDevice(t *testing.T, s store.Store, id, firmware string) *model.Device {
	t.Helper()
	d, _, err := s.UpsertDevice(context.Background(), id, "hash", model.VersionInfo{FirmwareVersion: firmware})
	require.NoError(t, err)
	return d
}

// Publish adds a stable firmware to the catalog.
func Publish(t *testing.T, s store.Store, major, minor, patch int, mutate ...func(*model.FirmwareVersion)) *model.FirmwareVersion {
	t.Helper()
	fw := &model.FirmwareVersion{
		Major:       major,
		Minor:       minor,
		Patch:       patch,
		DownloadURL: "https://fw.example.com/feeder.bin",
		Checksum:    "abc123",
		FileSize:    1024,
		IsStable:    true,
	}
	for _, m := range mutate {
		m(fw)
	}
	require.NoError(t, s.PublishFirmware(context.Background(), fw))
	return fw
}
