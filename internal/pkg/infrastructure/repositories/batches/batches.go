// Package batches is the pgx/pgxpool-backed store for IngestBatchRecord
// rows (C6), grounded on the Config/pool and pgx.NamedArgs usage of
// internal/pkg/infrastructure/storage/{storage,conditions}.go. Unlike
// that teacher package (which imports the older "github.com/jackc/pgx/pgtype"
// path alongside pgx/v5), this store is pgx/v5-native throughout: no
// mixed major-version imports.
package batches

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crowdpm/device-core/pkg/types"
)

var (
	ErrNoRows      = errors.New("no rows in result set")
	ErrDuplicateID = errors.New("duplicate batch id")
)

type Config struct {
	host, user, password, port, dbname, sslmode string
}

func (c Config) ConnStr() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", c.user, c.password, c.host, c.port, c.dbname, c.sslmode)
}

func NewConfig(host, user, password, port, dbname, sslmode string) Config {
	return Config{host: host, user: user, password: password, port: port, dbname: dbname, sslmode: sslmode}
}

func LoadConfiguration(ctx context.Context) Config {
	return Config{
		host:     env.GetVariableOrDefault(ctx, "CROWDPM_SQLDB_HOST", ""),
		user:     env.GetVariableOrDefault(ctx, "CROWDPM_SQLDB_USER", ""),
		password: env.GetVariableOrDefault(ctx, "CROWDPM_SQLDB_PASSWORD", ""),
		port:     env.GetVariableOrDefault(ctx, "CROWDPM_SQLDB_PORT", "5432"),
		dbname:   env.GetVariableOrDefault(ctx, "CROWDPM_SQLDB_NAME", "crowdpm"),
		sslmode:  env.GetVariableOrDefault(ctx, "CROWDPM_SQLDB_SSLMODE", "disable"),
	}
}

func NewPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	p, err := pgxpool.New(ctx, cfg.ConnStr())
	if err != nil {
		return nil, err
	}
	if err := p.Ping(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// Store is the batches repository: ingest.BatchRecorder plus the
// listing/marking operations the reconciliation scanner needs
// (DESIGN.md's open question #3, "batch reconciliation").
type Store struct {
	pool *pgxpool.Pool
}

func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	pool, err := NewPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) CreateTables(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS ingest_batches (
			batch_id     TEXT PRIMARY KEY,
			device_id    TEXT NOT NULL,
			storage_path TEXT NOT NULL,
			count        INT NOT NULL,
			visibility   TEXT NOT NULL,
			published    BOOLEAN NOT NULL DEFAULT FALSE,
			processed_at TIMESTAMP WITH TIME ZONE NULL,
			created_at   TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_ingest_batches_unpublished ON ingest_batches (created_at) WHERE published = FALSE;
	`)
	return err
}

// Create implements ingest.BatchRecorder.
func (s *Store) Create(ctx context.Context, record types.IngestBatchRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ingest_batches (batch_id, device_id, storage_path, count, visibility, published, created_at)
		VALUES (@batch_id, @device_id, @storage_path, @count, @visibility, @published, @created_at)
	`, pgx.NamedArgs{
		"batch_id":     record.BatchID,
		"device_id":    record.DeviceID,
		"storage_path": record.StoragePath,
		"count":        record.Count,
		"visibility":   record.Visibility,
		"published":    record.Published,
		"created_at":   record.CreatedAt,
	})
	if isDuplicateKeyErr(err) {
		return ErrDuplicateID
	}
	return err
}

func isDuplicateKeyErr(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// MarkPublished flips published=true and sets processed_at. The ingest
// gateway calls it after its own publish succeeds, and the reconciliation
// scanner calls it once the event was re-emitted.
func (s *Store) MarkPublished(ctx context.Context, batchID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE ingest_batches SET published = TRUE, processed_at = @processed_at
		WHERE batch_id = @batch_id
	`, pgx.NamedArgs{"batch_id": batchID, "processed_at": at})
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNoRows
	}
	return nil
}

// ListUnpublished returns batches older than cutoff still marked
// unpublished, the reconciliation scanner's query per DESIGN.md's open
// question #3.
func (s *Store) ListUnpublished(ctx context.Context, cutoff time.Time, limit int) ([]types.IngestBatchRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT batch_id, device_id, storage_path, count, visibility, published, processed_at, created_at
		FROM ingest_batches
		WHERE published = FALSE AND created_at < @cutoff
		ORDER BY created_at ASC
		LIMIT @limit
	`, pgx.NamedArgs{"cutoff": cutoff, "limit": limit})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.IngestBatchRecord
	for rows.Next() {
		var r types.IngestBatchRecord
		if err := rows.Scan(&r.BatchID, &r.DeviceID, &r.StoragePath, &r.Count, &r.Visibility, &r.Published, &r.ProcessedAt, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
