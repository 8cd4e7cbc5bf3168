// Package registry is the gorm-backed C5 Store for device records,
// grounded on the same connector/AutoMigrate idiom as the sibling
// pairing repository and on the teacher's Where/First/Save idiom in
// internal/pkg/infrastructure/repositories/database/alarmRepository.go.
package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/crowdpm/device-core/internal/pkg/application/registry"
	"github.com/crowdpm/device-core/pkg/types"
)

// Device is the gorm row shape for types.DeviceRecord. PubKlJWK is kept
// as three plain columns rather than a JSON blob since it is fixed-shape
// (an OKP/Ed25519 key) and queried by none of its parts except through
// PubKlThumbprint.
type Device struct {
	DeviceID        string `gorm:"primaryKey"`
	AccID           string `gorm:"index"`
	PubKlThumbprint string `gorm:"index"`
	PubKlKty        string
	PubKlCrv        string
	PubKlX          string
	Model           string
	Version         string
	Fingerprint     string

	CreatedAt  time.Time
	LastSeenAt *time.Time

	Status string `gorm:"index"`
}

func (Device) TableName() string { return "devices" }

func toRow(d types.DeviceRecord) Device {
	return Device{
		DeviceID:        d.DeviceID,
		AccID:           d.AccID,
		PubKlThumbprint: d.PubKlThumbprint,
		PubKlKty:        d.PubKlJWK.Kty,
		PubKlCrv:        d.PubKlJWK.Crv,
		PubKlX:          d.PubKlJWK.X,
		Model:           d.Model,
		Version:         d.Version,
		Fingerprint:     d.Fingerprint,
		CreatedAt:       d.CreatedAt,
		LastSeenAt:      d.LastSeenAt,
		Status:          d.Status,
	}
}

func toDomain(r Device) types.DeviceRecord {
	return types.DeviceRecord{
		DeviceID:        r.DeviceID,
		AccID:           r.AccID,
		PubKlThumbprint: r.PubKlThumbprint,
		PubKlJWK:        types.JWK{Kty: r.PubKlKty, Crv: r.PubKlCrv, X: r.PubKlX},
		Model:           r.Model,
		Version:         r.Version,
		Fingerprint:     r.Fingerprint,
		CreatedAt:       r.CreatedAt,
		LastSeenAt:      r.LastSeenAt,
		Status:          r.Status,
	}
}

type store struct {
	db     *gorm.DB
	logger zerolog.Logger
}

type ConnectorFunc func() (*gorm.DB, zerolog.Logger, error)

func NewPostgreSQLConnector(log zerolog.Logger) ConnectorFunc {
	dbHost := os.Getenv("CROWDPM_SQLDB_HOST")
	username := os.Getenv("CROWDPM_SQLDB_USER")
	dbName := os.Getenv("CROWDPM_SQLDB_NAME")
	password := os.Getenv("CROWDPM_SQLDB_PASSWORD")
	sslMode := env.GetVariableOrDefault(log, "CROWDPM_SQLDB_SSLMODE", "require")

	dbURI := fmt.Sprintf("host=%s user=%s dbname=%s sslmode=%s password=%s", dbHost, username, dbName, sslMode, password)

	return func() (*gorm.DB, zerolog.Logger, error) {
		sublogger := log.With().Str("host", dbHost).Str("database", dbName).Logger()

		db, err := gorm.Open(postgres.Open(dbURI), &gorm.Config{
			Logger: logger.New(&sublogger, logger.Config{
				SlowThreshold:             time.Second,
				LogLevel:                  logger.Warn,
				IgnoreRecordNotFoundError: true,
			}),
		})
		return db, sublogger, err
	}
}

func NewSQLiteConnector(log zerolog.Logger) ConnectorFunc {
	return func() (*gorm.DB, zerolog.Logger, error) {
		db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err == nil {
			sqldb, _ := db.DB()
			sqldb.SetMaxOpenConns(1)
		}
		return db, log, err
	}
}

func New(connect ConnectorFunc) (registry.Store, error) {
	db, log, err := connect()
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&Device{}); err != nil {
		return nil, err
	}
	return &store{db: db, logger: log}, nil
}

func (s *store) Create(ctx context.Context, device types.DeviceRecord) error {
	row := toRow(device)
	return s.db.WithContext(ctx).Create(&row).Error
}

func (s *store) Get(ctx context.Context, deviceID string) (types.DeviceRecord, error) {
	var row Device
	err := s.db.WithContext(ctx).First(&row, "device_id = ?", deviceID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.DeviceRecord{}, registry.ErrNotFound
	}
	if err != nil {
		return types.DeviceRecord{}, err
	}
	return toDomain(row), nil
}

func (s *store) ActiveThumbprintExists(ctx context.Context, thumbprint string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Device{}).
		Where("pub_kl_thumbprint = ? AND status = ?", thumbprint, types.DeviceStatusActive).
		Count(&count).Error
	return count > 0, err
}

func (s *store) UpdateStatus(ctx context.Context, deviceID, status string) error {
	res := s.db.WithContext(ctx).Model(&Device{}).Where("device_id = ?", deviceID).Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return registry.ErrNotFound
	}
	return nil
}

func (s *store) TouchLastSeen(ctx context.Context, deviceID string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&Device{}).Where("device_id = ?", deviceID).Update("last_seen_at", at)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return registry.ErrNotFound
	}
	return nil
}
