// Package pairing implements the device pairing coordinator (C2): the
// device-authorization-grant state machine of spec.md §4.2, built on top
// of the pairing session store (C1), the DPoP verifier (C3), the token
// issuer (C4) and the device registry (C5).
package pairing

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/crowdpm/device-core/internal/pkg/application/dpop"
	"github.com/crowdpm/device-core/internal/pkg/application/keyutil"
	"github.com/crowdpm/device-core/internal/pkg/application/ratelimit"
	"github.com/crowdpm/device-core/internal/pkg/application/registry"
	"github.com/crowdpm/device-core/internal/pkg/application/tokens"
	"github.com/crowdpm/device-core/internal/pkg/domain"
	"github.com/crowdpm/device-core/pkg/types"
)

var (
	ErrInvalidRequest      = errors.New("invalid_request")
	ErrRateLimited         = errors.New("rate_limited")
	ErrAuthorizationPending = errors.New("authorization_pending")
	ErrExpiredToken        = errors.New("expired_token")
	ErrForbidden           = errors.New("forbidden")
	ErrInternal            = errors.New("internal_error")
)

// SlowDownError carries the newly widened poll interval a device must
// honor, per spec.md §4.2's slow_down response.
type SlowDownError struct {
	PollInterval int
}

func (e *SlowDownError) Error() string { return "slow_down" }

const maxUserCodeRetries = 5

// DeviceRegistrar is the C5 dependency redeem calls into; registry.Registry
// satisfies it directly since registry does not depend on this package.
type DeviceRegistrar interface {
	Register(ctx context.Context, p registry.RegisterParams) (types.DeviceRecord, error)
}

// Publisher is the minimal Event Bus dependency used to announce a
// completed pairing.
type Publisher interface {
	Publish(ctx context.Context, event interface{ TopicName() string }) error
}

// Config holds the tunables of spec.md §4.2 and §6.
type Config struct {
	SessionTTL          time.Duration
	DefaultPollInterval time.Duration
	MaxPollInterval     time.Duration
	VerificationURI     string

	StartLimits  []budgetTemplate
	PollLimits   []budgetTemplate
	RedeemLimits []budgetTemplate
}

type budgetTemplate struct {
	Namespace string
	Capacity  int
	Window    time.Duration
}

func DefaultConfig(verificationURI string) Config {
	return Config{
		SessionTTL:          15 * time.Minute,
		DefaultPollInterval: 5 * time.Second,
		MaxPollInterval:     30 * time.Second,
		VerificationURI:     verificationURI,
		StartLimits: []budgetTemplate{
			{Namespace: "start:ip", Capacity: 10, Window: time.Minute},
			{Namespace: "start:asn", Capacity: 50, Window: time.Minute},
			{Namespace: "start:model", Capacity: 200, Window: time.Minute},
			{Namespace: "start:global", Capacity: 500, Window: time.Minute},
		},
		PollLimits: []budgetTemplate{
			{Namespace: "poll:device", Capacity: 15, Window: time.Minute},
			{Namespace: "poll:global", Capacity: 1000, Window: time.Minute},
		},
		RedeemLimits: []budgetTemplate{
			{Namespace: "redeem:device", Capacity: 10, Window: time.Minute},
			{Namespace: "redeem:account", Capacity: 50, Window: time.Minute},
			{Namespace: "redeem:global", Capacity: 1000, Window: time.Minute},
		},
	}
}

// Coordinator is C2.
type Coordinator struct {
	store     Store
	dpop      *dpop.Verifier
	minter    *tokens.Minter
	validator *tokens.Validator
	registry  DeviceRegistrar
	limiter   ratelimit.Limiter
	publisher Publisher
	clock     domain.Clock
	cfg       Config
}

func NewCoordinator(store Store, verifier *dpop.Verifier, minter *tokens.Minter, validator *tokens.Validator, registry DeviceRegistrar, limiter ratelimit.Limiter, publisher Publisher, clock domain.Clock, cfg Config) *Coordinator {
	return &Coordinator{
		store:     store,
		dpop:      verifier,
		minter:    minter,
		validator: validator,
		registry:  registry,
		limiter:   limiter,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
	}
}

// StartRequest is the decoded body of POST /device/start.
type StartRequest struct {
	PubKe   string
	Model   string
	Version string
	Nonce   string

	RequesterIP  string
	RequesterASN string
}

// StartResponse is returned to the device.
type StartResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	PollInterval            int    `json:"poll_interval"`
	ExpiresIn               int    `json:"expires_in"`
}

// Start implements spec.md §4.2's start operation.
func (c *Coordinator) Start(ctx context.Context, req StartRequest) (StartResponse, error) {
	if req.Model == "" || req.Version == "" {
		return StartResponse{}, ErrInvalidRequest
	}

	pub, err := keyutil.DecodeRawPublicKey(req.PubKe)
	if err != nil {
		return StartResponse{}, ErrInvalidRequest
	}

	if budget := c.checkStartBudgets(req); budget != nil {
		return StartResponse{}, ErrRateLimited
	}

	thumbprint := keyutil.Thumbprint(pub)
	fingerprint := keyutil.Fingerprint(pub)

	if req.Nonce != "" {
		if existing, err := c.store.GetByThumbprintAndNonce(ctx, thumbprint, req.Nonce); err == nil {
			return c.startResponseFor(existing), nil
		}
	}

	now := c.clock.Now()
	session := types.PairingSession{
		PubKeThumbprint:      thumbprint,
		Fingerprint:          fingerprint,
		Model:                req.Model,
		Version:              req.Version,
		Nonce:                req.Nonce,
		RequesterIPCoarsened: coarsenIP(req.RequesterIP),
		RequesterASNHint:     req.RequesterASN,
		Status:               types.PairingStatusPending,
		PollInterval:         int(c.cfg.DefaultPollInterval.Seconds()),
		ExpiresAt:            now.Add(c.cfg.SessionTTL),
		CreatedAt:            now,
	}

	var lastErr error
	for attempt := 0; attempt < maxUserCodeRetries; attempt++ {
		deviceCode, err := generateDeviceCode()
		if err != nil {
			return StartResponse{}, fmt.Errorf("%w: %w", ErrInternal, err)
		}
		userCode, err := generateUserCode()
		if err != nil {
			return StartResponse{}, fmt.Errorf("%w: %w", ErrInternal, err)
		}

		session.DeviceCode = deviceCode
		session.UserCode = normalizeUserCode(userCode)

		err = c.store.Create(ctx, session)
		if err == nil {
			return c.startResponseFor(session), nil
		}
		if !errors.Is(err, ErrDuplicateUserCode) {
			return StartResponse{}, fmt.Errorf("%w: %w", ErrInternal, err)
		}
		lastErr = err
	}

	return StartResponse{}, fmt.Errorf("%w: %w", ErrInternal, lastErr)
}

func (c *Coordinator) startResponseFor(s types.PairingSession) StartResponse {
	userCode := s.UserCode
	if len(userCode) == 11 {
		userCode = userCode[:5] + "-" + userCode[5:10] + "-" + userCode[10:]
	}
	return StartResponse{
		DeviceCode:              s.DeviceCode,
		UserCode:                userCode,
		VerificationURI:         c.cfg.VerificationURI,
		VerificationURIComplete: c.cfg.VerificationURI + "?user_code=" + userCode,
		PollInterval:            s.PollInterval,
		ExpiresIn:               int(time.Until(s.ExpiresAt).Seconds()),
	}
}

func (c *Coordinator) checkStartBudgets(req StartRequest) *ratelimit.Budget {
	budgets := []ratelimit.Budget{
		{Namespace: c.cfg.StartLimits[0].Namespace, Key: req.RequesterIP, Capacity: c.cfg.StartLimits[0].Capacity, Window: c.cfg.StartLimits[0].Window},
		{Namespace: c.cfg.StartLimits[1].Namespace, Key: req.RequesterASN, Capacity: c.cfg.StartLimits[1].Capacity, Window: c.cfg.StartLimits[1].Window},
		{Namespace: c.cfg.StartLimits[2].Namespace, Key: req.Model, Capacity: c.cfg.StartLimits[2].Capacity, Window: c.cfg.StartLimits[2].Window},
		{Namespace: c.cfg.StartLimits[3].Namespace, Key: "global", Capacity: c.cfg.StartLimits[3].Capacity, Window: c.cfg.StartLimits[3].Window},
	}
	return ratelimit.ConsumeAll(c.limiter, budgets)
}

// PollResult is returned to a successful poll.
type PollResult struct {
	RegistrationToken string `json:"registration_token"`
	ExpiresIn         int    `json:"expires_in"`
}

// Poll implements spec.md §4.2's poll operation.
func (c *Coordinator) Poll(ctx context.Context, deviceCode, proofJWT, requestURL string) (PollResult, error) {
	session, err := c.store.GetByDeviceCode(ctx, deviceCode)
	if err != nil {
		return PollResult{}, ErrExpiredToken
	}

	now := c.clock.Now()
	if !now.Before(session.ExpiresAt) {
		_, _ = c.store.Update(ctx, deviceCode, func(s types.PairingSession) (types.PairingSession, bool) {
			s.Status = types.PairingStatusExpired
			return s, true
		})
		return PollResult{}, ErrExpiredToken
	}

	if _, err := c.dpop.Verify(ctx, proofJWT, dpop.Params{
		Method:             "POST",
		Htu:                requestURL,
		ExpectedThumbprint: session.PubKeThumbprint,
	}); err != nil {
		return PollResult{}, err
	}

	budgets := []ratelimit.Budget{
		{Namespace: c.cfg.PollLimits[0].Namespace, Key: deviceCode, Capacity: c.cfg.PollLimits[0].Capacity, Window: c.cfg.PollLimits[0].Window},
		{Namespace: c.cfg.PollLimits[1].Namespace, Key: "global", Capacity: c.cfg.PollLimits[1].Capacity, Window: c.cfg.PollLimits[1].Window},
	}
	if budget := ratelimit.ConsumeAll(c.limiter, budgets); budget != nil {
		return PollResult{}, ErrRateLimited
	}

	cadenceOK := session.LastPollAt == nil || now.Sub(*session.LastPollAt) >= time.Duration(session.PollInterval)*time.Second

	if !cadenceOK {
		widened := session.PollInterval * 2
		if widened > int(c.cfg.MaxPollInterval.Seconds()) {
			widened = int(c.cfg.MaxPollInterval.Seconds())
		}
		_, updErr := c.store.Update(ctx, deviceCode, func(s types.PairingSession) (types.PairingSession, bool) {
			s.PollInterval = widened
			return s, true
		})
		if updErr != nil {
			return PollResult{}, fmt.Errorf("%w: %w", ErrInternal, updErr)
		}
		return PollResult{}, &SlowDownError{PollInterval: widened}
	}

	session, err = c.store.Update(ctx, deviceCode, func(s types.PairingSession) (types.PairingSession, bool) {
		s.LastPollAt = &now
		return s, true
	})
	if err != nil {
		return PollResult{}, fmt.Errorf("%w: %w", ErrInternal, err)
	}

	switch session.Status {
	case types.PairingStatusRedeemed:
		return PollResult{}, ErrExpiredToken
	case types.PairingStatusPending:
		return PollResult{}, ErrAuthorizationPending
	case types.PairingStatusAuthorized:
		accID := ""
		if session.AccID != nil {
			accID = *session.AccID
		}

		minted, err := c.minter.IssueRegistrationToken(tokens.RegistrationParams{
			DeviceCode:             session.DeviceCode,
			AccID:                  accID,
			SessionID:              session.DeviceCode,
			ConfirmationThumbprint: session.PubKeThumbprint,
		})
		if err != nil {
			return PollResult{}, fmt.Errorf("%w: %w", ErrInternal, err)
		}

		_, err = c.store.Update(ctx, deviceCode, func(s types.PairingSession) (types.PairingSession, bool) {
			s.RegistrationTokenJTI = minted.JTI
			expiresAt := minted.ExpiresAt
			s.RegistrationTokenExpiresAt = &expiresAt
			return s, true
		})
		if err != nil {
			return PollResult{}, fmt.Errorf("%w: %w", ErrInternal, err)
		}

		return PollResult{RegistrationToken: minted.Token, ExpiresIn: minted.ExpiresIn}, nil
	default:
		return PollResult{}, ErrExpiredToken
	}
}

// SessionView is what /v1/device-activation shows a human.
type SessionView struct {
	Model                string `json:"model"`
	Version              string `json:"version"`
	Fingerprint          string `json:"fingerprint"`
	RequesterIPCoarsened string `json:"requester_ip"`
	RequesterASNHint     string `json:"requester_asn"`
	Status               string `json:"status"`
	PollInterval         int    `json:"poll_interval"`
	ExpiresAt            time.Time `json:"expires_at"`
}

func toSessionView(s types.PairingSession) SessionView {
	return SessionView{
		Model:                s.Model,
		Version:              s.Version,
		Fingerprint:          s.Fingerprint,
		RequesterIPCoarsened: s.RequesterIPCoarsened,
		RequesterASNHint:     s.RequesterASNHint,
		Status:               s.Status,
		PollInterval:         s.PollInterval,
		ExpiresAt:            s.ExpiresAt,
	}
}

// GetByUserCode backs GET /v1/device-activation.
func (c *Coordinator) GetByUserCode(ctx context.Context, userCode string) (SessionView, error) {
	if !validateUserCode(userCode) {
		return SessionView{}, ErrInvalidRequest
	}

	session, err := c.store.GetByUserCode(ctx, normalizeUserCode(userCode))
	if err != nil {
		return SessionView{}, ErrNotFound
	}

	return toSessionView(session), nil
}

// Approve implements spec.md §4.2's approve operation. It does not check
// MFA freshness (see SPEC_FULL §13's MFA-freshness resolution): the
// /v1/device-activation/authorize handler in api.go rejects a stale
// mfa_verified_at claim before calling Approve.
func (c *Coordinator) Approve(ctx context.Context, userCode, accountID string) (SessionView, error) {
	if !validateUserCode(userCode) {
		return SessionView{}, ErrInvalidRequest
	}
	clean := normalizeUserCode(userCode)

	session, err := c.store.GetByUserCode(ctx, clean)
	if err != nil {
		return SessionView{}, ErrNotFound
	}

	if session.Status != types.PairingStatusPending {
		return SessionView{}, ErrForbidden
	}
	if !c.clock.Now().Before(session.ExpiresAt) {
		return SessionView{}, ErrExpiredToken
	}

	updated, err := c.store.Update(ctx, session.DeviceCode, func(s types.PairingSession) (types.PairingSession, bool) {
		if s.Status != types.PairingStatusPending {
			return s, false
		}
		s.Status = types.PairingStatusAuthorized
		acc := accountID
		s.AccID = &acc
		return s, true
	})
	if err != nil {
		return SessionView{}, ErrForbidden
	}

	return toSessionView(updated), nil
}

// RedeemResult is returned to a successful /device/register call.
type RedeemResult struct {
	DeviceID string
	IssuedAt time.Time
}

// Redeem implements spec.md §4.2's redeem operation.
func (c *Coordinator) Redeem(ctx context.Context, registrationToken, proofJWT, requestURL string, pubKlJWK types.JWK) (RedeemResult, error) {
	claims, err := c.validator.VerifyRegistrationToken(registrationToken)
	if err != nil {
		return RedeemResult{}, err
	}

	if _, err := c.dpop.Verify(ctx, proofJWT, dpop.Params{
		Method:             "POST",
		Htu:                requestURL,
		ExpectedThumbprint: claims.Cnf.Jkt,
	}); err != nil {
		return RedeemResult{}, err
	}

	budgets := []ratelimit.Budget{
		{Namespace: c.cfg.RedeemLimits[0].Namespace, Key: claims.DeviceCode, Capacity: c.cfg.RedeemLimits[0].Capacity, Window: c.cfg.RedeemLimits[0].Window},
		{Namespace: c.cfg.RedeemLimits[1].Namespace, Key: claims.AccID, Capacity: c.cfg.RedeemLimits[1].Capacity, Window: c.cfg.RedeemLimits[1].Window},
		{Namespace: c.cfg.RedeemLimits[2].Namespace, Key: "global", Capacity: c.cfg.RedeemLimits[2].Capacity, Window: c.cfg.RedeemLimits[2].Window},
	}
	if budget := ratelimit.ConsumeAll(c.limiter, budgets); budget != nil {
		return RedeemResult{}, ErrRateLimited
	}

	session, err := c.store.GetByDeviceCode(ctx, claims.DeviceCode)
	if err != nil {
		return RedeemResult{}, ErrForbidden
	}

	if session.Status != types.PairingStatusAuthorized {
		return RedeemResult{}, ErrForbidden
	}
	if session.AccID == nil || *session.AccID != claims.AccID {
		return RedeemResult{}, ErrForbidden
	}
	if session.RegistrationTokenJTI != claims.ID {
		return RedeemResult{}, ErrForbidden
	}
	if session.RegistrationTokenExpiresAt == nil || !c.clock.Now().Before(*session.RegistrationTokenExpiresAt) {
		return RedeemResult{}, ErrExpiredToken
	}

	pubKlThumbprint, err := keyutil.ThumbprintFromJWK(pubKlJWK)
	if err != nil {
		return RedeemResult{}, ErrInvalidRequest
	}

	device, err := c.registry.Register(ctx, registry.RegisterParams{
		AccID:             claims.AccID,
		Model:             session.Model,
		Version:           session.Version,
		PubKlJWK:          pubKlJWK,
		PubKlThumbprint:   pubKlThumbprint,
		KeThumbprint:      session.PubKeThumbprint,
		PairingDeviceCode: session.DeviceCode,
		Fingerprint:       session.Fingerprint,
	})
	if err != nil {
		return RedeemResult{}, err
	}

	now := c.clock.Now()
	_, err = c.store.Update(ctx, session.DeviceCode, func(s types.PairingSession) (types.PairingSession, bool) {
		if s.Status != types.PairingStatusAuthorized {
			return s, false
		}
		s.Status = types.PairingStatusRedeemed
		return s, true
	})
	if err != nil {
		return RedeemResult{}, fmt.Errorf("%w: %w", ErrInternal, err)
	}

	if c.publisher != nil {
		_ = c.publisher.Publish(ctx, &types.DevicePaired{
			DeviceID:  device.DeviceID,
			AccID:     claims.AccID,
			Timestamp: now,
		})
	}

	return RedeemResult{DeviceID: device.DeviceID, IssuedAt: now}, nil
}

// coarsenIP derives the /24 (IPv4) or /64 (IPv6) prefix shown to the
// human operator, per spec.md §3.
func coarsenIP(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ""
	}
	if v4 := parsed.To4(); v4 != nil {
		return fmt.Sprintf("%d.%d.%d.0/24", v4[0], v4[1], v4[2])
	}
	return fmt.Sprintf("%s/64", parsed.Mask(net.CIDRMask(64, 128)).String())
}
