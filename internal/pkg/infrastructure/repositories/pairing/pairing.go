// Package pairing is the gorm-backed C1 Store: a durable device_code-keyed
// table with a secondary user_code index, grounded on the teacher's
// connector/AutoMigrate idiom in
// internal/pkg/infrastructure/repositories/database/database.go.
package pairing

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
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/crowdpm/device-core/internal/pkg/application/pairing"
	"github.com/crowdpm/device-core/pkg/types"
)

// Session is the gorm row shape for types.PairingSession; acc_id and the
// registration token fields are nullable since most of a session's
// lifetime precedes their assignment.
type Session struct {
	DeviceCode      string `gorm:"primaryKey"`
	UserCode        string `gorm:"uniqueIndex"`
	PubKeThumbprint string
	Fingerprint     string

	Model   string
	Version string
	Nonce   string `gorm:"index:idx_thumbprint_nonce"`

	RequesterIPCoarsened string
	RequesterASNHint     string

	Status string `gorm:"index"`
	AccID  *string

	PollInterval int
	LastPollAt   *time.Time

	ExpiresAt time.Time `gorm:"index"`
	CreatedAt time.Time

	RegistrationTokenJTI       string
	RegistrationTokenExpiresAt *time.Time
}

func (Session) TableName() string { return "pairing_sessions" }

func toRow(s types.PairingSession) Session {
	return Session{
		DeviceCode:                 s.DeviceCode,
		UserCode:                   s.UserCode,
		PubKeThumbprint:            s.PubKeThumbprint,
		Fingerprint:                s.Fingerprint,
		Model:                      s.Model,
		Version:                   s.Version,
		Nonce:                      s.Nonce,
		RequesterIPCoarsened:       s.RequesterIPCoarsened,
		RequesterASNHint:           s.RequesterASNHint,
		Status:                     s.Status,
		AccID:                      s.AccID,
		PollInterval:               s.PollInterval,
		LastPollAt:                 s.LastPollAt,
		ExpiresAt:                  s.ExpiresAt,
		CreatedAt:                  s.CreatedAt,
		RegistrationTokenJTI:       s.RegistrationTokenJTI,
		RegistrationTokenExpiresAt: s.RegistrationTokenExpiresAt,
	}
}

func toDomain(r Session) types.PairingSession {
	return types.PairingSession{
		DeviceCode:                 r.DeviceCode,
		UserCode:                   r.UserCode,
		PubKeThumbprint:            r.PubKeThumbprint,
		Fingerprint:                r.Fingerprint,
		Model:                      r.Model,
		Version:                   r.Version,
		Nonce:                      r.Nonce,
		RequesterIPCoarsened:       r.RequesterIPCoarsened,
		RequesterASNHint:           r.RequesterASNHint,
		Status:                     r.Status,
		AccID:                      r.AccID,
		PollInterval:               r.PollInterval,
		LastPollAt:                 r.LastPollAt,
		ExpiresAt:                  r.ExpiresAt,
		CreatedAt:                  r.CreatedAt,
		RegistrationTokenJTI:       r.RegistrationTokenJTI,
		RegistrationTokenExpiresAt: r.RegistrationTokenExpiresAt,
	}
}

type store struct {
	db     *gorm.DB
	logger zerolog.Logger
}

// ConnectorFunc injects a database connection method into New, mirroring
// the teacher's own ConnectorFunc in repositories/database/database.go.
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

// New opens the connection and auto-migrates the pairing_sessions table.
func New(connect ConnectorFunc) (pairing.Store, error) {
	db, log, err := connect()
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&Session{}); err != nil {
		return nil, err
	}
	return &store{db: db, logger: log}, nil
}

func (s *store) Create(ctx context.Context, session types.PairingSession) error {
	row := toRow(session)
	return s.db.WithContext(ctx).Create(&row).Error
}

func (s *store) GetByDeviceCode(ctx context.Context, deviceCode string) (types.PairingSession, error) {
	var row Session
	err := s.db.WithContext(ctx).First(&row, "device_code = ?", deviceCode).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.PairingSession{}, pairing.ErrNotFound
	}
	if err != nil {
		return types.PairingSession{}, err
	}
	return toDomain(row), nil
}

func (s *store) GetByUserCode(ctx context.Context, userCode string) (types.PairingSession, error) {
	var row Session
	err := s.db.WithContext(ctx).First(&row, "user_code = ?", userCode).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.PairingSession{}, pairing.ErrNotFound
	}
	if err != nil {
		return types.PairingSession{}, err
	}
	return toDomain(row), nil
}

func (s *store) GetByThumbprintAndNonce(ctx context.Context, thumbprint, nonce string) (types.PairingSession, error) {
	var row Session
	err := s.db.WithContext(ctx).
		Where("pub_ke_thumbprint = ? AND nonce = ? AND expires_at > ?", thumbprint, nonce, time.Now().UTC()).
		Order("created_at desc").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.PairingSession{}, pairing.ErrNotFound
	}
	if err != nil {
		return types.PairingSession{}, err
	}
	return toDomain(row), nil
}

// Update applies mutate to the current row inside a transaction, the way
// the teacher's SetStatusIfChanged reads-then-saves under s.db — except
// here the whole read-modify-write happens inside one gorm transaction so
// concurrent polls never interleave (spec.md §4.1's single-writer
// contract per device_code).
func (s *store) Update(ctx context.Context, deviceCode string, mutate pairing.Mutator) (types.PairingSession, error) {
	var result types.PairingSession

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row Session
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, "device_code = ?", deviceCode).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pairing.ErrNotFound
			}
			return err
		}

		current := toDomain(row)
		next, ok := mutate(current)
		if !ok {
			result = current
			return nil
		}

		updated := toRow(next)
		if err := tx.Save(&updated).Error; err != nil {
			return err
		}
		result = next
		return nil
	})

	return result, err
}

func (s *store) DeleteExpired(ctx context.Context, graceSeconds int) (int, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(graceSeconds) * time.Second)
	res := s.db.WithContext(ctx).Where("expires_at < ?", cutoff).Delete(&Session{})
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}
