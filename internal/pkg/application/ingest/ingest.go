// Package ingest implements the ingest admission gateway (C6): the
// authenticated entry point for measurement batches described by
// spec.md §4.6.
package ingest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/crowdpm/device-core/internal/pkg/application/dpop"
	"github.com/crowdpm/device-core/internal/pkg/application/tokens"
	"github.com/crowdpm/device-core/internal/pkg/domain"
	"github.com/crowdpm/device-core/pkg/types"
)

var tracer = otel.Tracer("device-core/ingest")

var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrDeviceForbidden = errors.New("device_forbidden")
	ErrInvalidPayload  = errors.New("invalid_payload")
	ErrDeviceMismatch  = errors.New("device_mismatch")
	ErrStorageError    = errors.New("storage_error")
	ErrInternal        = errors.New("internal_error")
)

// BlobStore is the external collaborator C6 seals the canonicalized batch
// bytes into, per spec.md §1's "abstract interface" boundary.
type BlobStore interface {
	Put(ctx context.Context, path, contentType string, body []byte) error
}

// BatchRecorder is the C6-owned persistence dependency for
// IngestBatchRecord rows. MarkPublished is called once the Event Bus
// publish in the same request succeeds, so ListUnpublished's
// out-of-band reconciliation scan (§4.6) only ever finds batches whose
// publish genuinely failed or never ran (a crash between Create and
// MarkPublished), not every batch ever ingested.
type BatchRecorder interface {
	Create(ctx context.Context, record types.IngestBatchRecord) error
	MarkPublished(ctx context.Context, batchID string, at time.Time) error
}

// Publisher is the Event Bus dependency; the gateway's contract is
// at-least-once publish (spec.md §4.6's ordering note).
type Publisher interface {
	Publish(ctx context.Context, event interface{ TopicName() string }) error
}

// VisibilityPolicy resolves the visibility of an accepted batch, per
// SPEC_FULL §13's open-question resolution: which accounts may request
// public visibility is policy, not mechanism, and lives behind this
// interface.
type VisibilityPolicy interface {
	Resolve(ctx context.Context, accID, deviceID, requested string) string
}

// DeviceLoader is C5's admissibility dependency.
type DeviceLoader interface {
	Get(ctx context.Context, deviceID string) (types.DeviceRecord, error)
	IsActive(device types.DeviceRecord) bool
	TouchLastSeen(ctx context.Context, deviceID string)
}

// Config carries the INGEST_TOPIC value. Ingest does not read Topic: the
// IngestRawReceived event is always published on its own TopicName,
// "ingest.raw", whatever Topic holds.
type Config struct {
	Topic string
}

func DefaultConfig() Config {
	return Config{Topic: "ingest.raw"}
}

// Gateway is C6.
type Gateway struct {
	validator  *tokens.Validator
	dpop       *dpop.Verifier
	devices    DeviceLoader
	blob       BlobStore
	batches    BatchRecorder
	publisher  Publisher
	visibility VisibilityPolicy
	clock      domain.Clock
	cfg        Config
}

func NewGateway(validator *tokens.Validator, verifier *dpop.Verifier, devices DeviceLoader, blob BlobStore, batches BatchRecorder, publisher Publisher, visibility VisibilityPolicy, clock domain.Clock, cfg Config) *Gateway {
	return &Gateway{
		validator:  validator,
		dpop:       verifier,
		devices:    devices,
		blob:       blob,
		batches:    batches,
		publisher:  publisher,
		visibility: visibility,
		clock:      clock,
		cfg:        cfg,
	}
}

// Request is the decoded form of POST /ingestGateway.
type Request struct {
	AuthorizationHeader string
	DPoPHeader          string
	RequestURL          string
	RawBody             []byte
	RequestedVisibility string
}

// Result is the successful output of Ingest.
type Result struct {
	BatchID     string
	StoragePath string
	Visibility  string
}

// Ingest implements the eleven-step pipeline of spec.md §4.6.
func (g *Gateway) Ingest(ctx context.Context, req Request) (Result, error) {
	ctx, span := tracer.Start(ctx, "ingest.Ingest")
	defer span.End()
	log := logging.GetFromContext(ctx)

	token, ok := bearerToken(req.AuthorizationHeader)
	if !ok {
		return Result{}, ErrUnauthorized
	}

	claims, err := g.validator.VerifyAccessToken(token)
	if err != nil {
		return Result{}, ErrUnauthorized
	}

	ath := dpop.AccessTokenHash(token)
	if _, err := g.dpop.Verify(ctx, req.DPoPHeader, dpop.Params{
		Method:             "POST",
		Htu:                req.RequestURL,
		ExpectedThumbprint: claims.Cnf.Jkt,
		RequiredAth:        ath,
	}); err != nil {
		return Result{}, ErrUnauthorized
	}

	device, err := g.devices.Get(ctx, claims.DeviceID)
	if err != nil {
		return Result{}, ErrDeviceForbidden
	}
	if !g.devices.IsActive(device) {
		return Result{}, ErrDeviceForbidden
	}

	var batch types.IngestBatch
	if err := json.Unmarshal(req.RawBody, &batch); err != nil {
		return Result{}, ErrInvalidPayload
	}
	if err := validateBatch(batch); err != nil {
		return Result{}, err
	}
	if batch.DeviceID != claims.DeviceID {
		return Result{}, ErrDeviceMismatch
	}
	for _, p := range batch.Points {
		if p.DeviceID != claims.DeviceID {
			return Result{}, ErrDeviceMismatch
		}
	}

	canonical, err := canonicalize(batch)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrInternal, err)
	}

	batchID := uuid.NewString()
	storagePath := fmt.Sprintf("ingest/%s/%s.json", claims.DeviceID, batchID)

	if err := g.blob.Put(ctx, storagePath, "application/json", canonical); err != nil {
		log.Error("blob write failed", "err", err)
		return Result{}, ErrStorageError
	}

	visibility := g.visibility.Resolve(ctx, claims.AccID, claims.DeviceID, req.RequestedVisibility)

	now := g.clock.Now()
	record := types.IngestBatchRecord{
		BatchID:     batchID,
		DeviceID:    claims.DeviceID,
		StoragePath: storagePath,
		Count:       len(batch.Points),
		Visibility:  visibility,
		CreatedAt:   now,
	}
	if err := g.batches.Create(ctx, record); err != nil {
		log.Error("batch record write failed", "err", err)
		return Result{}, fmt.Errorf("%w: %w", ErrInternal, err)
	}

	if err := g.publisher.Publish(ctx, &types.IngestRawReceived{
		DeviceID:    claims.DeviceID,
		BatchID:     batchID,
		Path:        storagePath,
		Visibility:  visibility,
		PublishedAt: now,
	}); err != nil {
		log.Error("event publish failed, batch remains for reconciliation", slog.String("batch_id", batchID), "err", err)
		return Result{}, fmt.Errorf("%w: %w", ErrInternal, err)
	}

	if err := g.batches.MarkPublished(ctx, batchID, now); err != nil {
		log.Error("failed to mark batch published, reconciliation will re-publish it", slog.String("batch_id", batchID), "err", err)
	}

	g.devices.TouchLastSeen(ctx, claims.DeviceID)

	return Result{BatchID: batchID, StoragePath: storagePath, Visibility: visibility}, nil
}

func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	return strings.TrimPrefix(header, prefix), true
}

func validateBatch(batch types.IngestBatch) error {
	if batch.DeviceID == "" {
		return ErrInvalidPayload
	}
	if len(batch.Points) == 0 {
		return ErrInvalidPayload
	}
	for _, p := range batch.Points {
		if p.Pollutant == "" || p.Unit == "" || p.Timestamp == "" {
			return ErrInvalidPayload
		}
		if p.Lat < -90 || p.Lat > 90 {
			return ErrInvalidPayload
		}
		if p.Lon < -180 || p.Lon > 180 {
			return ErrInvalidPayload
		}
		if _, err := time.Parse(time.RFC3339, p.Timestamp); err != nil {
			return ErrInvalidPayload
		}
	}
	return nil
}

// canonicalize re-marshals the batch with stable key ordering (struct
// field order) and no extraneous whitespace, so the blob's SHA-256 is a
// reproducible function of the accepted content (spec.md §8's testable
// property on storage_path).
func canonicalize(batch types.IngestBatch) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(batch); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// contentSHA256 returns the SHA-256 digest of b. Nothing in the module
// calls it; the reconciliation scan in cmd/crowdpm-core re-publishes
// events without re-hashing stored blobs.
func contentSHA256(b []byte) [32]byte {
	return sha256.Sum256(b)
}
