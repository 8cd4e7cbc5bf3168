package tokens

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/crowdpm/device-core/internal/pkg/domain"
)

const (
	Issuer = "crowdpm"

	AudienceRegister = "device_register"
	AudienceIngest   = "device_ingest"

	KindRegistration = "registration"
	KindAccess       = "access"

	ScopeIngestWrite = "ingest.write"
)

var (
	ErrInvalidToken = errors.New("invalid_token")
	ErrExpiredToken = errors.New("expired_token")
)

// Confirmation is the DPoP confirmation claim (RFC 9449's cnf.jkt),
// binding a bearer token to the thumbprint of the key that must prove
// possession on every use.
type Confirmation struct {
	Jkt string `json:"jkt"`
}

// Claims is the single claims shape used for both registration and access
// tokens; kind/aud distinguish them, and fields irrelevant to one kind are
// left empty by the other.
type Claims struct {
	jwt.RegisteredClaims

	Kind       string       `json:"kind"`
	DeviceCode string       `json:"device_code,omitempty"`
	SessionID  string       `json:"session_id,omitempty"`
	AccID      string       `json:"acc_id,omitempty"`
	DeviceID   string       `json:"device_id,omitempty"`
	Scope      string       `json:"scope,omitempty"`
	Cnf        Confirmation `json:"cnf"`
}

// Config holds the TTLs used to mint tokens; defaults match spec.md §6.
type Config struct {
	RegistrationTTL time.Duration
	AccessTTL       time.Duration
}

func DefaultConfig() Config {
	return Config{
		RegistrationTTL: 60 * time.Second,
		AccessTTL:       600 * time.Second,
	}
}

// Minter mints registration and access tokens, signed EdDSA with the
// process-wide Ed25519 key supplied by KeyStore; Validator verifies them.
type Minter struct {
	keys  KeyStore
	cfg   Config
	clock domain.Clock
}

func NewMinter(keys KeyStore, cfg Config, clock domain.Clock) *Minter {
	return &Minter{keys: keys, cfg: cfg, clock: clock}
}

type RegistrationParams struct {
	DeviceCode             string
	AccID                  string
	SessionID              string
	ConfirmationThumbprint string
}

type MintedToken struct {
	Token     string
	JTI       string
	ExpiresIn int
	ExpiresAt time.Time
}

// IssueRegistrationToken builds and signs a short-lived registration
// token binding an approved pairing session to its pairing key thumbprint.
func (m *Minter) IssueRegistrationToken(p RegistrationParams) (MintedToken, error) {
	now := m.clock.Now()
	jti := newJTI()
	exp := now.Add(m.cfg.RegistrationTTL)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Audience:  jwt.ClaimStrings{AudienceRegister},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        jti,
		},
		Kind:       KindRegistration,
		DeviceCode: p.DeviceCode,
		AccID:      p.AccID,
		SessionID:  p.SessionID,
		Cnf:        Confirmation{Jkt: p.ConfirmationThumbprint},
	}

	signed, err := m.sign(claims)
	if err != nil {
		return MintedToken{}, err
	}

	return MintedToken{
		Token:     signed,
		JTI:       jti,
		ExpiresIn: int(m.cfg.RegistrationTTL.Seconds()),
		ExpiresAt: exp,
	}, nil
}

type AccessParams struct {
	DeviceID               string
	AccID                  string
	ConfirmationThumbprint string
	Scope                  string
}

// IssueAccessToken builds and signs an access token binding a registered
// device's long-term key thumbprint to ingest scope.
func (m *Minter) IssueAccessToken(p AccessParams) (MintedToken, error) {
	now := m.clock.Now()
	jti := newJTI()
	exp := now.Add(m.cfg.AccessTTL)

	scope := p.Scope
	if scope == "" {
		scope = ScopeIngestWrite
	} else if !scopeContains(scope, ScopeIngestWrite) {
		scope = scope + " " + ScopeIngestWrite
	}

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Audience:  jwt.ClaimStrings{AudienceIngest},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        jti,
		},
		Kind:     KindAccess,
		DeviceID: p.DeviceID,
		AccID:    p.AccID,
		Scope:    scope,
		Cnf:      Confirmation{Jkt: p.ConfirmationThumbprint},
	}

	signed, err := m.sign(claims)
	if err != nil {
		return MintedToken{}, err
	}

	return MintedToken{
		Token:     signed,
		JTI:       jti,
		ExpiresIn: int(m.cfg.AccessTTL.Seconds()),
		ExpiresAt: exp,
	}, nil
}

func (m *Minter) sign(claims Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, &claims)
	return token.SignedString(m.keys.SigningKey())
}

// Validator parses and verifies registration and access tokens issued by
// Minter, enforcing kind/audience and expiry.
type Validator struct {
	keys  KeyStore
	clock domain.Clock
}

func NewValidator(keys KeyStore, clock domain.Clock) *Validator {
	return &Validator{keys: keys, clock: clock}
}

func (v *Validator) keyFunc(token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	return v.keys.PublicKey(), nil
}

func (v *Validator) parse(tokenString string, wantKind, wantAudience string) (*Claims, error) {
	var claims Claims

	opts := []jwt.ParserOption{
		jwt.WithIssuer(Issuer),
		jwt.WithAudience(wantAudience),
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithTimeFunc(v.clock.Now),
		jwt.WithExpirationRequired(),
	}

	_, err := jwt.ParseWithClaims(tokenString, &claims, v.keyFunc, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	if claims.Kind != wantKind {
		return nil, ErrInvalidToken
	}

	return &claims, nil
}

// VerifyRegistrationToken parses a bearer registration token, requiring
// kind=registration, aud=device_register and an unexpired exp.
func (v *Validator) VerifyRegistrationToken(tokenString string) (*Claims, error) {
	return v.parse(tokenString, KindRegistration, AudienceRegister)
}

// VerifyAccessToken parses a bearer access token, requiring kind=access,
// aud=device_ingest and an unexpired exp.
func (v *Validator) VerifyAccessToken(tokenString string) (*Claims, error) {
	return v.parse(tokenString, KindAccess, AudienceIngest)
}

func newJTI() string {
	return uuid.New().String()
}

func scopeContains(scope, want string) bool {
	for _, s := range splitScope(scope) {
		if s == want {
			return true
		}
	}
	return false
}

func splitScope(scope string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(scope); i++ {
		if i == len(scope) || scope[i] == ' ' {
			if i > start {
				out = append(out, scope[start:i])
			}
			start = i + 1
		}
	}
	return out
}
