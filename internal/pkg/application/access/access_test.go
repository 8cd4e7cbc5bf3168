package access

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/matryer/is"

	"github.com/crowdpm/device-core/internal/pkg/application/dpop"
	"github.com/crowdpm/device-core/internal/pkg/application/keyutil"
	"github.com/crowdpm/device-core/internal/pkg/application/ratelimit"
	"github.com/crowdpm/device-core/internal/pkg/application/tokens"
	"github.com/crowdpm/device-core/internal/pkg/domain"
	"github.com/crowdpm/device-core/pkg/types"
)

type proofClaims struct {
	Htm string `json:"htm"`
	Htu string `json:"htu"`
	Iat int64  `json:"iat"`
	Jti string `json:"jti"`
}

func (proofClaims) GetExpirationTime() (*jwt.NumericDate, error) { return nil, nil }
func (proofClaims) GetIssuedAt() (*jwt.NumericDate, error)       { return nil, nil }
func (proofClaims) GetNotBefore() (*jwt.NumericDate, error)      { return nil, nil }
func (proofClaims) GetIssuer() (string, error)                  { return "", nil }
func (proofClaims) GetSubject() (string, error)                 { return "", nil }
func (proofClaims) GetAudience() (jwt.ClaimStrings, error)       { return nil, nil }

func signProof(t *testing.T, priv ed25519.PrivateKey, pub ed25519.PublicKey, claims proofClaims) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["typ"] = "dpop+jwt"
	token.Header["jwk"] = map[string]string{
		"kty": "OKP",
		"crv": "Ed25519",
		"x":   base64.RawURLEncoding.EncodeToString(pub),
	}

	signed, err := token.SignedString(priv)
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

type fakeDeviceLoader struct {
	devices map[string]types.DeviceRecord
}

func (f *fakeDeviceLoader) Get(ctx context.Context, deviceID string) (types.DeviceRecord, error) {
	d, ok := f.devices[deviceID]
	if !ok {
		return types.DeviceRecord{}, ErrForbidden
	}
	return d, nil
}

func (f *fakeDeviceLoader) IsActive(device types.DeviceRecord) bool {
	return device.Status == types.DeviceStatusActive
}

func testKeyStore(t *testing.T) tokens.KeyStore {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	ks, err := tokens.NewStaticKeyStore(der)
	if err != nil {
		t.Fatal(err)
	}
	return ks
}

func TestIssueAccessTokenHappyPath(t *testing.T) {
	is := is.New(t)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := domain.FixedClock{At: now}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	is.NoErr(err)
	thumbprint := keyutil.Thumbprint(pub)

	devices := &fakeDeviceLoader{devices: map[string]types.DeviceRecord{
		"dev_1": {DeviceID: "dev_1", AccID: "u_42", PubKlThumbprint: thumbprint, Status: types.DeviceStatusActive},
	}}

	verifier := dpop.NewVerifier(dpop.DefaultConfig(), clock, dpop.NewMemoryReplaySet())
	minter := tokens.NewMinter(testKeyStore(t), tokens.DefaultConfig(), clock)
	limiter := &alwaysAllow{}

	issuer := New(verifier, minter, devices, limiter, DefaultConfig())

	proof := signProof(t, priv, pub, proofClaims{
		Htm: "POST",
		Htu: "https://crowdpm.example/device/access-token",
		Iat: now.Unix(),
		Jti: "jti-access-1",
	})

	minted, err := issuer.IssueAccessToken(context.Background(), Request{
		DeviceID:   "dev_1",
		DPoPHeader: proof,
		RequestURL: "https://crowdpm.example/device/access-token",
	})
	is.NoErr(err)
	is.True(minted.Token != "")
	is.Equal(minted.ExpiresIn, 600)
}

func TestIssueAccessTokenRejectsRevokedDevice(t *testing.T) {
	is := is.New(t)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := domain.FixedClock{At: now}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	is.NoErr(err)
	thumbprint := keyutil.Thumbprint(pub)

	devices := &fakeDeviceLoader{devices: map[string]types.DeviceRecord{
		"dev_1": {DeviceID: "dev_1", AccID: "u_42", PubKlThumbprint: thumbprint, Status: types.DeviceStatusRevoked},
	}}

	verifier := dpop.NewVerifier(dpop.DefaultConfig(), clock, dpop.NewMemoryReplaySet())
	minter := tokens.NewMinter(testKeyStore(t), tokens.DefaultConfig(), clock)
	issuer := New(verifier, minter, devices, &alwaysAllow{}, DefaultConfig())

	proof := signProof(t, priv, pub, proofClaims{
		Htm: "POST",
		Htu: "https://crowdpm.example/device/access-token",
		Iat: now.Unix(),
		Jti: "jti-access-2",
	})

	_, err = issuer.IssueAccessToken(context.Background(), Request{
		DeviceID:   "dev_1",
		DPoPHeader: proof,
		RequestURL: "https://crowdpm.example/device/access-token",
	})
	is.Equal(err, ErrForbidden)
}

func TestIssueAccessTokenRejectsRateLimited(t *testing.T) {
	is := is.New(t)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := domain.FixedClock{At: now}

	devices := &fakeDeviceLoader{}
	verifier := dpop.NewVerifier(dpop.DefaultConfig(), clock, dpop.NewMemoryReplaySet())
	minter := tokens.NewMinter(testKeyStore(t), tokens.DefaultConfig(), clock)
	issuer := New(verifier, minter, devices, &neverAllow{}, DefaultConfig())

	_, err := issuer.IssueAccessToken(context.Background(), Request{DeviceID: "dev_1"})
	is.Equal(err, ErrRateLimited)
}

type alwaysAllow struct{}

func (alwaysAllow) Consume(key string, capacity int, window time.Duration) bool { return true }

type neverAllow struct{}

func (neverAllow) Consume(key string, capacity int, window time.Duration) bool { return false }

var _ ratelimit.Limiter = (*alwaysAllow)(nil)
var _ ratelimit.Limiter = (*neverAllow)(nil)
