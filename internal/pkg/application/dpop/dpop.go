// Package dpop implements the demonstration-of-proof-of-possession
// verifier (C3): a pure, stateless check of a short-lived JWT attesting
// that the caller holds the private half of a specific Ed25519 key, over
// a specific HTTP request.
package dpop

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/crowdpm/device-core/internal/pkg/domain"
)

var (
	ErrInvalidProof        = errors.New("invalid_proof")
	ErrInvalidProofBinding = errors.New("invalid_proof_binding")
	ErrInvalidSignature    = errors.New("invalid_signature")
	ErrInvalidProofTarget  = errors.New("invalid_proof_target")
	ErrStaleProof          = errors.New("stale_proof")
	ErrReplay              = errors.New("replay")
	ErrInvalidAth          = errors.New("invalid_ath")
)

const proofType = "dpop+jwt"

// Params is the verification context a caller must supply for a proof:
// the HTTP method and URL it was bound to, the key thumbprint it must
// match (absent for the first proof of a pairing flow), and the access
// token hash it must attest to (required only on ingest).
type Params struct {
	Method             string
	Htu                string
	ExpectedThumbprint string
	RequiredAth        string
}

// Config carries the tunables of §6: DPOP_MAX_SKEW_SECONDS and
// DPOP_MAX_AGE_SECONDS.
type Config struct {
	MaxSkew   time.Duration
	MaxAge    time.Duration
	ReplayTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxSkew:   5 * time.Second,
		MaxAge:    120 * time.Second,
		ReplayTTL: 180 * time.Second,
	}
}

// Verifier implements C3's verify operation. It holds no per-proof state
// beyond the injected replay set, which may be process-local or shared.
type Verifier struct {
	cfg    Config
	clock  domain.Clock
	replay ReplaySet
}

func NewVerifier(cfg Config, clock domain.Clock, replay ReplaySet) *Verifier {
	return &Verifier{cfg: cfg, clock: clock, replay: replay}
}

type proofClaims struct {
	Htm string `json:"htm"`
	Htu string `json:"htu"`
	Iat int64  `json:"iat"`
	Jti string `json:"jti"`
	Ath string `json:"ath,omitempty"`
}

func (proofClaims) GetExpirationTime() (*jwt.NumericDate, error) { return nil, nil }
func (proofClaims) GetIssuedAt() (*jwt.NumericDate, error)       { return nil, nil }
func (proofClaims) GetNotBefore() (*jwt.NumericDate, error)      { return nil, nil }
func (proofClaims) GetIssuer() (string, error)                  { return "", nil }
func (proofClaims) GetSubject() (string, error)                 { return "", nil }
func (proofClaims) GetAudience() (jwt.ClaimStrings, error)       { return nil, nil }

// Result is what a successfully verified proof yields: the thumbprint of
// the key that signed it, for callers that bind subsequent tokens to it.
type Result struct {
	Thumbprint string
}

// Verify applies the eight validation steps of spec.md §4.3, in order,
// returning the first failure encountered.
func (v *Verifier) Verify(ctx context.Context, proofJWT string, p Params) (Result, error) {
	var jwk jwkKey
	var claims proofClaims

	token, err := jwt.ParseWithClaims(proofJWT, &claims, func(t *jwt.Token) (any, error) {
		typ, _ := t.Header["typ"].(string)
		if t.Method.Alg() != "EdDSA" || typ != proofType {
			return nil, ErrInvalidProof
		}

		rawJwk, ok := t.Header["jwk"]
		if !ok {
			return nil, ErrInvalidProof
		}

		jwk, err := parseJWKHeader(rawJwk)
		if err != nil {
			return nil, ErrInvalidProof
		}
		if p.ExpectedThumbprint != "" && jwk.thumbprint() != p.ExpectedThumbprint {
			return nil, ErrInvalidProofBinding
		}

		return jwk.publicKey, nil
	})
	if err != nil {
		var target error = ErrInvalidProof
		if errors.Is(err, ErrInvalidProofBinding) {
			target = ErrInvalidProofBinding
		} else if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			target = ErrInvalidSignature
		}
		return Result{}, target
	}
	if token == nil || !token.Valid {
		return Result{}, ErrInvalidSignature
	}

	jwk, err = parseJWKHeader(token.Header["jwk"])
	if err != nil {
		return Result{}, ErrInvalidProof
	}

	thumbprint := jwk.thumbprint()

	if p.ExpectedThumbprint != "" && thumbprint != p.ExpectedThumbprint {
		return Result{}, ErrInvalidProofBinding
	}

	if !strings.EqualFold(claims.Htm, p.Method) {
		return Result{}, ErrInvalidProofTarget
	}
	if !sameTarget(claims.Htu, p.Htu) {
		return Result{}, ErrInvalidProofTarget
	}

	now := v.clock.Now()
	iat := time.Unix(claims.Iat, 0).UTC()
	if iat.Before(now.Add(-v.cfg.MaxAge)) {
		return Result{}, ErrStaleProof
	}
	if iat.After(now.Add(v.cfg.MaxSkew)) {
		return Result{}, ErrStaleProof
	}

	if claims.Jti == "" {
		return Result{}, ErrInvalidProof
	}

	replayKey := fmt.Sprintf("%s|%s|%s|%s", thumbprint, strings.ToUpper(claims.Htm), claims.Htu, claims.Jti)
	fresh, err := v.replay.CheckAndInsert(ctx, replayKey, v.cfg.ReplayTTL)
	if err != nil {
		return Result{}, fmt.Errorf("replay set: %w", err)
	}
	if !fresh {
		return Result{}, ErrReplay
	}

	if p.RequiredAth != "" && claims.Ath != p.RequiredAth {
		return Result{}, ErrInvalidAth
	}

	return Result{Thumbprint: thumbprint}, nil
}

// AccessTokenHash computes the `ath` claim value for a bearer access
// token: base64url(SHA-256(token)), no padding.
func AccessTokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func sameTarget(claimed, actual string) bool {
	cu, err1 := url.Parse(claimed)
	au, err2 := url.Parse(actual)
	if err1 != nil || err2 != nil {
		return claimed == actual
	}
	return strings.EqualFold(cu.Scheme, au.Scheme) &&
		strings.EqualFold(cu.Host, au.Host) &&
		cu.Path == au.Path &&
		cu.RawQuery == au.RawQuery
}

type jwkKey struct {
	kty       string
	crv       string
	x         string
	publicKey ed25519.PublicKey
}

func parseJWKHeader(raw any) (jwkKey, error) {
	b, err := json.Marshal(raw)
	if err != nil {
		return jwkKey{}, err
	}

	var fields struct {
		Kty string `json:"kty"`
		Crv string `json:"crv"`
		X   string `json:"x"`
	}
	if err := json.Unmarshal(b, &fields); err != nil {
		return jwkKey{}, err
	}

	if fields.Kty != "OKP" || fields.Crv != "Ed25519" {
		return jwkKey{}, ErrInvalidProof
	}

	x, err := base64.RawURLEncoding.DecodeString(fields.X)
	if err != nil || len(x) != ed25519.PublicKeySize {
		return jwkKey{}, ErrInvalidProof
	}

	return jwkKey{
		kty:       fields.Kty,
		crv:       fields.Crv,
		x:         fields.X,
		publicKey: ed25519.PublicKey(x),
	}, nil
}

// thumbprint computes the RFC 7638 JWK thumbprint for an OKP/Ed25519 key:
// SHA-256 over the canonical member-sorted form, base64url without
// padding.
func (k jwkKey) thumbprint() string {
	canonical := fmt.Sprintf(`{"crv":"Ed25519","kty":"OKP","x":"%s"}`, k.x)
	sum := sha256.Sum256([]byte(canonical))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
