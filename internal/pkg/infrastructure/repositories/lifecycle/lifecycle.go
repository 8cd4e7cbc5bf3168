// Package lifecycle is the gorm-backed Recorder for lifecycle.LifecycleEvent,
// grounded on the same connector/AutoMigrate idiom as the sibling pairing and
// registry repositories and on the teacher's Where/First/Save idiom in
// internal/pkg/infrastructure/repositories/database/alarmRepository.go.
package lifecycle

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/crowdpm/device-core/internal/pkg/application/lifecycle"
)

// Event is the gorm row shape for lifecycle.LifecycleEvent. A device/type
// pair can recur over time (paired, then later suspended, then revoked), so
// Close marks every open row for that device/type inactive rather than
// deleting them.
type Event struct {
	ID       uint   `gorm:"primaryKey;autoIncrement"`
	DeviceID string `gorm:"index"`
	AccID    string
	Type     string `gorm:"index"`
	Severity int
	Active   bool `gorm:"index"`

	ObservedAt  time.Time
	Description string
}

func (Event) TableName() string { return "lifecycle_events" }

func toRow(e lifecycle.LifecycleEvent) Event {
	return Event{
		DeviceID:    e.DeviceID,
		AccID:       e.AccID,
		Type:        e.Type,
		Severity:    e.Severity,
		Active:      e.Active,
		ObservedAt:  e.ObservedAt,
		Description: e.Description,
	}
}

func toDomain(r Event) lifecycle.LifecycleEvent {
	return lifecycle.LifecycleEvent{
		DeviceID:    r.DeviceID,
		AccID:       r.AccID,
		Type:        r.Type,
		Severity:    r.Severity,
		Active:      r.Active,
		ObservedAt:  r.ObservedAt,
		Description: r.Description,
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

func New(connect ConnectorFunc) (lifecycle.Recorder, error) {
	db, log, err := connect()
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&Event{}); err != nil {
		return nil, err
	}
	return &store{db: db, logger: log}, nil
}

func (s *store) GetAll(ctx context.Context, onlyActive bool) ([]lifecycle.LifecycleEvent, error) {
	q := s.db.WithContext(ctx).Model(&Event{}).Order("observed_at desc")
	if onlyActive {
		q = q.Where("active = ?", true)
	}

	var rows []Event
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}

	events := make([]lifecycle.LifecycleEvent, 0, len(rows))
	for _, r := range rows {
		events = append(events, toDomain(r))
	}
	return events, nil
}

func (s *store) Add(ctx context.Context, event lifecycle.LifecycleEvent) error {
	row := toRow(event)
	return s.db.WithContext(ctx).Create(&row).Error
}

func (s *store) Close(ctx context.Context, deviceID, eventType string) error {
	return s.db.WithContext(ctx).Model(&Event{}).
		Where("device_id = ? AND type = ? AND active = ?", deviceID, eventType, true).
		Update("active", false).Error
}
