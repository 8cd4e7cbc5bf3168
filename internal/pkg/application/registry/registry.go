// Package registry implements the device registry (C5): the mapping
// device_id -> (account, long-term key thumbprint, lifecycle status) that
// the pairing coordinator (C2), the token issuer (C4) and the ingest
// gateway (C6) all consult.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/crowdpm/device-core/internal/pkg/domain"
	"github.com/crowdpm/device-core/pkg/types"
)

var tracer = otel.Tracer("device-core/registry")

var (
	ErrNotFound     = errors.New("not_found")
	ErrDuplicateKey = errors.New("duplicate_key")
)

// Store is C5's persistence dependency: a device_id-keyed map with a
// secondary uniqueness constraint on pub_kl_thumbprint among active
// devices. It carries no business logic.
type Store interface {
	Create(ctx context.Context, device types.DeviceRecord) error
	Get(ctx context.Context, deviceID string) (types.DeviceRecord, error)
	// ActiveThumbprintExists reports whether an active device already
	// carries this long-term key thumbprint.
	ActiveThumbprintExists(ctx context.Context, thumbprint string) (bool, error)
	UpdateStatus(ctx context.Context, deviceID, status string) error
	TouchLastSeen(ctx context.Context, deviceID string, at time.Time) error
}

// Publisher is the Event Bus dependency used to announce lifecycle
// transitions (suspend/revoke), shared with the pairing coordinator's
// narrower interface.
type Publisher interface {
	Publish(ctx context.Context, event interface{ TopicName() string }) error
}

// RegisterParams is what the pairing coordinator supplies at the end of
// redeem.
type RegisterParams struct {
	AccID             string
	Model             string
	Version           string
	PubKlJWK          types.JWK
	PubKlThumbprint   string
	KeThumbprint      string
	PairingDeviceCode string
	Fingerprint       string
}

// Registry is C5's public contract.
type Registry struct {
	store     Store
	publisher Publisher
	clock     domain.Clock
}

func New(store Store, publisher Publisher, clock domain.Clock) *Registry {
	return &Registry{store: store, publisher: publisher, clock: clock}
}

func newDeviceID() string {
	return "dev_" + uuid.New().String()
}

// Register enforces uniqueness of pub_kl_thumbprint among active devices,
// generates a fresh device_id, and writes registry_status=active.
func (r *Registry) Register(ctx context.Context, p RegisterParams) (types.DeviceRecord, error) {
	ctx, span := tracer.Start(ctx, "registry.Register")
	defer span.End()
	log := logging.GetFromContext(ctx)

	exists, err := r.store.ActiveThumbprintExists(ctx, p.PubKlThumbprint)
	if err != nil {
		return types.DeviceRecord{}, err
	}
	if exists {
		return types.DeviceRecord{}, ErrDuplicateKey
	}

	now := r.clock.Now()
	device := types.DeviceRecord{
		DeviceID:        newDeviceID(),
		AccID:           p.AccID,
		PubKlThumbprint: p.PubKlThumbprint,
		PubKlJWK:        p.PubKlJWK,
		Model:           p.Model,
		Version:         p.Version,
		Fingerprint:     p.Fingerprint,
		CreatedAt:       now,
		Status:          types.DeviceStatusActive,
	}

	if err := r.store.Create(ctx, device); err != nil {
		return types.DeviceRecord{}, err
	}

	log.Info("device registered", "device_id", device.DeviceID, "acc_id", device.AccID)

	if r.publisher != nil {
		_ = r.publisher.Publish(ctx, &types.DevicePaired{
			DeviceID:  device.DeviceID,
			AccID:     device.AccID,
			Timestamp: now,
		})
	}

	return device, nil
}

// Get loads one device record.
func (r *Registry) Get(ctx context.Context, deviceID string) (types.DeviceRecord, error) {
	device, err := r.store.Get(ctx, deviceID)
	if err != nil {
		return types.DeviceRecord{}, ErrNotFound
	}
	return device, nil
}

// IsActive is the admissibility predicate used by C4 and C6: a device is
// eligible for token issuance and ingest iff registry_status=active.
func (r *Registry) IsActive(device types.DeviceRecord) bool {
	return device.Status == types.DeviceStatusActive
}

// Revoke transitions registry_status -> revoked. Idempotent; revocation
// is monotonic, there is no un-revoke.
func (r *Registry) Revoke(ctx context.Context, deviceID, actorID, reason string) error {
	device, err := r.store.Get(ctx, deviceID)
	if err != nil {
		return ErrNotFound
	}
	if device.Status == types.DeviceStatusRevoked {
		return nil
	}

	if err := r.store.UpdateStatus(ctx, deviceID, types.DeviceStatusRevoked); err != nil {
		return err
	}

	if r.publisher != nil {
		_ = r.publisher.Publish(ctx, &types.DeviceRevoked{
			DeviceID:  deviceID,
			ActorID:   actorID,
			Reason:    reason,
			Timestamp: r.clock.Now(),
		})
	}

	return nil
}

// Suspend transitions an active device to suspended.
func (r *Registry) Suspend(ctx context.Context, deviceID, reason string) error {
	device, err := r.store.Get(ctx, deviceID)
	if err != nil {
		return ErrNotFound
	}
	if device.Status == types.DeviceStatusRevoked {
		return ErrNotFound
	}
	if device.Status == types.DeviceStatusSuspended {
		return nil
	}

	if err := r.store.UpdateStatus(ctx, deviceID, types.DeviceStatusSuspended); err != nil {
		return err
	}

	if r.publisher != nil {
		_ = r.publisher.Publish(ctx, &types.DeviceSuspended{
			DeviceID:  deviceID,
			Reason:    reason,
			Timestamp: r.clock.Now(),
		})
	}

	return nil
}

// Resume transitions a suspended device back to active. Revoked devices
// cannot be resumed.
func (r *Registry) Resume(ctx context.Context, deviceID string) error {
	device, err := r.store.Get(ctx, deviceID)
	if err != nil {
		return ErrNotFound
	}
	if device.Status == types.DeviceStatusRevoked {
		return ErrNotFound
	}

	return r.store.UpdateStatus(ctx, deviceID, types.DeviceStatusActive)
}

// TouchLastSeen is best-effort, per spec.md §4.5; callers must not fail
// the enclosing request on its error, only log it.
func (r *Registry) TouchLastSeen(ctx context.Context, deviceID string) {
	log := logging.GetFromContext(ctx)
	if err := r.store.TouchLastSeen(ctx, deviceID, r.clock.Now()); err != nil {
		log.Warn("touch_last_seen failed", slog.String("device_id", deviceID), "err", err)
	}
}
