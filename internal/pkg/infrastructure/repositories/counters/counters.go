// Package counters is the optional shared backing for C3's replay set
// across multiple crowdpm-core instances (DESIGN.md's Open Question #1),
// grounded on the same gorm connector idiom as the sibling pairing and
// registry repositories.
package counters

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/crowdpm/device-core/internal/pkg/application/dpop"
)

// replayEntry is one CheckAndInsert key, expiring at ExpiresAt; a unique
// index on Key makes the insert the atomicity boundary instead of a
// read-then-write race across instances.
type replayEntry struct {
	Key       string `gorm:"primaryKey"`
	ExpiresAt time.Time
}

func (replayEntry) TableName() string { return "dpop_replay_keys" }

// SharedReplaySet implements dpop.ReplaySet against a shared database
// instead of MemoryReplaySet's in-process map, so a jti cannot be
// replayed against a different instance behind the same load balancer.
type SharedReplaySet struct {
	db *gorm.DB
}

func NewSharedReplaySet(db *gorm.DB) (*SharedReplaySet, error) {
	if err := db.AutoMigrate(&replayEntry{}); err != nil {
		return nil, err
	}
	return &SharedReplaySet{db: db}, nil
}

var _ dpop.ReplaySet = (*SharedReplaySet)(nil)

// CheckAndInsert does the insert-or-reject in a single statement so two
// instances racing on the same key can't both observe "not present": the
// ON CONFLICT clause only overwrites a row whose expiry has already
// passed, and RowsAffected tells us whether that happened.
func (s *SharedReplaySet) CheckAndInsert(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)

	result := s.db.WithContext(ctx).Exec(`
		INSERT INTO dpop_replay_keys (key, expires_at) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET expires_at = EXCLUDED.expires_at
		WHERE dpop_replay_keys.expires_at < ?
	`, key, expiresAt, now)
	if result.Error != nil {
		return false, result.Error
	}

	return result.RowsAffected == 1, nil
}

// Sweep deletes expired keys; run on an interval from main, the shared-
// store analogue of MemoryReplaySet's janitor goroutine.
func (s *SharedReplaySet) Sweep(ctx context.Context) (int, error) {
	res := s.db.WithContext(ctx).Where("expires_at < ?", time.Now().UTC()).Delete(&replayEntry{})
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}
