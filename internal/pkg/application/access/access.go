// Package access implements the POST /device/access-token surface of
// spec.md §6: a device that already holds a registered long-term key
// proves possession of it over this request and receives a short-lived
// access token scoped to ingest. It is a thin coordinator over C3's
// verifier, C4's minter and C5's registry, the same composition shape as
// internal/pkg/application/ingest's Gateway.
package access

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/crowdpm/device-core/internal/pkg/application/dpop"
	"github.com/crowdpm/device-core/internal/pkg/application/ratelimit"
	"github.com/crowdpm/device-core/internal/pkg/application/tokens"
	"github.com/crowdpm/device-core/pkg/types"
)

var tracer = otel.Tracer("device-core/access")

var (
	ErrForbidden   = errors.New("forbidden")
	ErrRateLimited = errors.New("rate_limited")
)

// DeviceLoader is the C5 dependency this package consults; registry.Registry
// satisfies it structurally.
type DeviceLoader interface {
	Get(ctx context.Context, deviceID string) (types.DeviceRecord, error)
	IsActive(device types.DeviceRecord) bool
}

// Config holds the rate-limit budgets for this endpoint.
type Config struct {
	DeviceLimit ratelimit.Budget
	GlobalLimit ratelimit.Budget
}

func DefaultConfig() Config {
	return Config{
		DeviceLimit: ratelimit.Budget{Namespace: "access:device", Capacity: 30, Window: time.Minute},
		GlobalLimit: ratelimit.Budget{Namespace: "access:global", Capacity: 2000, Window: time.Minute},
	}
}

// Issuer is this package's public contract.
type Issuer struct {
	verifier *dpop.Verifier
	minter   *tokens.Minter
	devices  DeviceLoader
	limiter  ratelimit.Limiter
	cfg      Config
}

func New(verifier *dpop.Verifier, minter *tokens.Minter, devices DeviceLoader, limiter ratelimit.Limiter, cfg Config) *Issuer {
	return &Issuer{verifier: verifier, minter: minter, devices: devices, limiter: limiter, cfg: cfg}
}

// Request is the decoded form of POST /device/access-token.
type Request struct {
	DeviceID   string
	Scope      string
	DPoPHeader string
	RequestURL string
}

// IssueAccessToken implements spec.md §4.4's issue_access_token, gated on
// the requesting device being active and the DPoP proof matching its
// registered long-term key thumbprint.
func (i *Issuer) IssueAccessToken(ctx context.Context, req Request) (tokens.MintedToken, error) {
	ctx, span := tracer.Start(ctx, "access.IssueAccessToken")
	defer span.End()

	budgets := []ratelimit.Budget{
		{Namespace: i.cfg.DeviceLimit.Namespace, Key: req.DeviceID, Capacity: i.cfg.DeviceLimit.Capacity, Window: i.cfg.DeviceLimit.Window},
		{Namespace: i.cfg.GlobalLimit.Namespace, Key: "global", Capacity: i.cfg.GlobalLimit.Capacity, Window: i.cfg.GlobalLimit.Window},
	}
	if budget := ratelimit.ConsumeAll(i.limiter, budgets); budget != nil {
		return tokens.MintedToken{}, ErrRateLimited
	}

	device, err := i.devices.Get(ctx, req.DeviceID)
	if err != nil {
		return tokens.MintedToken{}, ErrForbidden
	}
	if !i.devices.IsActive(device) {
		return tokens.MintedToken{}, ErrForbidden
	}

	if _, err := i.verifier.Verify(ctx, req.DPoPHeader, dpop.Params{
		Method:             "POST",
		Htu:                req.RequestURL,
		ExpectedThumbprint: device.PubKlThumbprint,
	}); err != nil {
		return tokens.MintedToken{}, err
	}

	minted, err := i.minter.IssueAccessToken(tokens.AccessParams{
		DeviceID:               device.DeviceID,
		AccID:                  device.AccID,
		ConfirmationThumbprint: device.PubKlThumbprint,
		Scope:                  req.Scope,
	})
	if err != nil {
		return tokens.MintedToken{}, err
	}

	return minted, nil
}
