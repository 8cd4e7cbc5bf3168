package pairing

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/matryer/is"

	"github.com/crowdpm/device-core/internal/pkg/application/dpop"
	"github.com/crowdpm/device-core/internal/pkg/application/keyutil"
	"github.com/crowdpm/device-core/internal/pkg/application/registry"
	"github.com/crowdpm/device-core/internal/pkg/application/tokens"
	"github.com/crowdpm/device-core/internal/pkg/domain"
	"github.com/crowdpm/device-core/pkg/types"
)

// memStore is a minimal in-process Store fake for coordinator tests.
type memStore struct {
	mu          sync.Mutex
	byDevice    map[string]types.PairingSession
	byUserCode  map[string]string
	byThumbNonce map[string]string
}

func newMemStore() *memStore {
	return &memStore{
		byDevice:     make(map[string]types.PairingSession),
		byUserCode:   make(map[string]string),
		byThumbNonce: make(map[string]string),
	}
}

func (m *memStore) Create(ctx context.Context, session types.PairingSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byUserCode[session.UserCode]; ok {
		return ErrDuplicateUserCode
	}
	m.byDevice[session.DeviceCode] = session
	m.byUserCode[session.UserCode] = session.DeviceCode
	if session.Nonce != "" {
		m.byThumbNonce[session.PubKeThumbprint+"|"+session.Nonce] = session.DeviceCode
	}
	return nil
}

func (m *memStore) GetByDeviceCode(ctx context.Context, deviceCode string) (types.PairingSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byDevice[deviceCode]
	if !ok {
		return types.PairingSession{}, ErrNotFound
	}
	return s, nil
}

func (m *memStore) GetByUserCode(ctx context.Context, userCode string) (types.PairingSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dc, ok := m.byUserCode[userCode]
	if !ok {
		return types.PairingSession{}, ErrNotFound
	}
	return m.byDevice[dc], nil
}

func (m *memStore) GetByThumbprintAndNonce(ctx context.Context, thumbprint, nonce string) (types.PairingSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dc, ok := m.byThumbNonce[thumbprint+"|"+nonce]
	if !ok {
		return types.PairingSession{}, ErrNotFound
	}
	return m.byDevice[dc], nil
}

func (m *memStore) Update(ctx context.Context, deviceCode string, mutate Mutator) (types.PairingSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.byDevice[deviceCode]
	if !ok {
		return types.PairingSession{}, ErrNotFound
	}
	next, ok := mutate(current)
	if !ok {
		return current, ErrForbidden
	}
	m.byDevice[deviceCode] = next
	return next, nil
}

func (m *memStore) DeleteExpired(ctx context.Context, graceSeconds int) (int, error) {
	return 0, nil
}

// allowLimiter never rejects; used for tests that do not exercise budgets.
type allowLimiter struct{}

func (allowLimiter) Consume(key string, capacity int, window time.Duration) bool { return true }

// fakeRegistrar stubs C5 for coordinator tests.
type fakeRegistrar struct {
	nextID string
}

func (f *fakeRegistrar) Register(ctx context.Context, p registry.RegisterParams) (types.DeviceRecord, error) {
	return types.DeviceRecord{
		DeviceID:        f.nextID,
		AccID:           p.AccID,
		PubKlThumbprint: p.PubKlThumbprint,
		PubKlJWK:        p.PubKlJWK,
		Model:           p.Model,
		Version:         p.Version,
		Fingerprint:     p.Fingerprint,
		Status:          types.DeviceStatusActive,
	}, nil
}

// noopPublisher discards events.
type noopPublisher struct{}

func (noopPublisher) Publish(ctx context.Context, event interface{ TopicName() string }) error {
	return nil
}

type rawDPoPClaims struct {
	Htm string `json:"htm"`
	Htu string `json:"htu"`
	Iat int64  `json:"iat"`
	Jti string `json:"jti"`
}

func (rawDPoPClaims) GetExpirationTime() (*jwt.NumericDate, error) { return nil, nil }
func (rawDPoPClaims) GetIssuedAt() (*jwt.NumericDate, error)       { return nil, nil }
func (rawDPoPClaims) GetNotBefore() (*jwt.NumericDate, error)      { return nil, nil }
func (rawDPoPClaims) GetIssuer() (string, error)                  { return "", nil }
func (rawDPoPClaims) GetSubject() (string, error)                 { return "", nil }
func (rawDPoPClaims) GetAudience() (jwt.ClaimStrings, error)       { return nil, nil }

func signDPoPProof(t *testing.T, priv ed25519.PrivateKey, pub ed25519.PublicKey, method, htu string, iat time.Time) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, rawDPoPClaims{
		Htm: method,
		Htu: htu,
		Iat: iat.Unix(),
		Jti: randomJTI(t),
	})
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

func randomJTI(t *testing.T) string {
	t.Helper()
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		t.Fatal(err)
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

func marshalPKCS8(priv ed25519.PrivateKey) ([]byte, error) {
	return x509.MarshalPKCS8PrivateKey(priv)
}

func testKeyStore(t *testing.T) tokens.KeyStore {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	pkcs8, err := marshalPKCS8(priv)
	if err != nil {
		t.Fatal(err)
	}
	ks, err := tokens.NewStaticKeyStore(pkcs8)
	if err != nil {
		t.Fatal(err)
	}
	return ks
}

func newCoordinator(t *testing.T, clock domain.Clock, registrar DeviceRegistrar) (*Coordinator, *memStore) {
	t.Helper()
	store := newMemStore()
	verifier := dpop.NewVerifier(dpop.DefaultConfig(), clock, dpop.NewMemoryReplaySet())
	keys := testKeyStore(t)
	minter := tokens.NewMinter(keys, tokens.DefaultConfig(), clock)
	validator := tokens.NewValidator(keys, clock)
	limiter := allowLimiter{}
	cfg := DefaultConfig("https://crowdpm.example/activate")

	c := NewCoordinator(store, verifier, minter, validator, registrar, limiter, noopPublisher{}, clock, cfg)
	return c, store
}

func TestHappyPairing(t *testing.T) {
	is := is.New(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := domain.FixedClock{At: now}

	pairingPub, pairingPriv, err := ed25519.GenerateKey(rand.Reader)
	is.NoErr(err)

	registrar := &fakeRegistrar{nextID: "dev_1"}
	c, _ := newCoordinator(t, clock, registrar)

	startResp, err := c.Start(context.Background(), StartRequest{
		PubKe:       base64.RawURLEncoding.EncodeToString(pairingPub),
		Model:       "ACME-MK1",
		Version:     "1.0",
		RequesterIP: "203.0.113.7",
	})
	is.NoErr(err)
	is.True(startResp.DeviceCode != "")
	is.True(startResp.UserCode != "")

	view, err := c.Approve(context.Background(), startResp.UserCode, "u_42")
	is.NoErr(err)
	is.Equal(view.Status, types.PairingStatusAuthorized)

	pollURL := "https://crowdpm.example/device/token"
	proof := signDPoPProof(t, pairingPriv, pairingPub, "POST", pollURL, now)

	pollResult, err := c.Poll(context.Background(), startResp.DeviceCode, proof, pollURL)
	is.NoErr(err)
	is.True(pollResult.RegistrationToken != "")

	longTermPub, _, err := ed25519.GenerateKey(rand.Reader)
	is.NoErr(err)

	registerURL := "https://crowdpm.example/device/register"
	regProof := signDPoPProof(t, pairingPriv, pairingPub, "POST", registerURL, now)

	result, err := c.Redeem(context.Background(), pollResult.RegistrationToken, regProof, registerURL, keyutil.JWKFromPublicKey(longTermPub))
	is.NoErr(err)
	is.Equal(result.DeviceID, "dev_1")
}

func TestPollBeforeApprovalIsPending(t *testing.T) {
	is := is.New(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := domain.FixedClock{At: now}

	pairingPub, pairingPriv, err := ed25519.GenerateKey(rand.Reader)
	is.NoErr(err)

	c, _ := newCoordinator(t, clock, &fakeRegistrar{nextID: "dev_2"})

	startResp, err := c.Start(context.Background(), StartRequest{
		PubKe:   base64.RawURLEncoding.EncodeToString(pairingPub),
		Model:   "ACME-MK1",
		Version: "1.0",
	})
	is.NoErr(err)

	pollURL := "https://crowdpm.example/device/token"
	proof := signDPoPProof(t, pairingPriv, pairingPub, "POST", pollURL, now)

	_, err = c.Poll(context.Background(), startResp.DeviceCode, proof, pollURL)
	is.Equal(err, ErrAuthorizationPending)
}

func TestPollSlowDown(t *testing.T) {
	is := is.New(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &tickClock{at: now}

	pairingPub, pairingPriv, err := ed25519.GenerateKey(rand.Reader)
	is.NoErr(err)

	c, _ := newCoordinator(t, clock, &fakeRegistrar{nextID: "dev_3"})

	startResp, err := c.Start(context.Background(), StartRequest{
		PubKe:   base64.RawURLEncoding.EncodeToString(pairingPub),
		Model:   "ACME-MK1",
		Version: "1.0",
	})
	is.NoErr(err)

	pollURL := "https://crowdpm.example/device/token"

	proof1 := signDPoPProof(t, pairingPriv, pairingPub, "POST", pollURL, clock.Now())
	_, err = c.Poll(context.Background(), startResp.DeviceCode, proof1, pollURL)
	is.Equal(err, ErrAuthorizationPending)

	clock.advance(2 * time.Second)
	proof2 := signDPoPProof(t, pairingPriv, pairingPub, "POST", pollURL, clock.Now())
	_, err = c.Poll(context.Background(), startResp.DeviceCode, proof2, pollURL)

	var slowDown *SlowDownError
	is.True(asSlowDown(err, &slowDown))
	is.Equal(slowDown.PollInterval, 10)
}

func TestRedeemWrongKeyBindingFails(t *testing.T) {
	is := is.New(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := domain.FixedClock{At: now}

	pairingPub, pairingPriv, err := ed25519.GenerateKey(rand.Reader)
	is.NoErr(err)
	longTermPub, longTermPriv, err := ed25519.GenerateKey(rand.Reader)
	is.NoErr(err)

	c, _ := newCoordinator(t, clock, &fakeRegistrar{nextID: "dev_4"})

	startResp, err := c.Start(context.Background(), StartRequest{
		PubKe:   base64.RawURLEncoding.EncodeToString(pairingPub),
		Model:   "ACME-MK1",
		Version: "1.0",
	})
	is.NoErr(err)

	_, err = c.Approve(context.Background(), startResp.UserCode, "u_42")
	is.NoErr(err)

	pollURL := "https://crowdpm.example/device/token"
	pollProof := signDPoPProof(t, pairingPriv, pairingPub, "POST", pollURL, now)
	pollResult, err := c.Poll(context.Background(), startResp.DeviceCode, pollProof, pollURL)
	is.NoErr(err)

	registerURL := "https://crowdpm.example/device/register"
	wrongProof := signDPoPProof(t, longTermPriv, longTermPub, "POST", registerURL, now)

	_, err = c.Redeem(context.Background(), pollResult.RegistrationToken, wrongProof, registerURL, keyutil.JWKFromPublicKey(longTermPub))
	is.Equal(err, dpop.ErrInvalidProofBinding)
}

func TestApproveRejectsBadChecksum(t *testing.T) {
	is := is.New(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := domain.FixedClock{At: now}

	c, _ := newCoordinator(t, clock, &fakeRegistrar{nextID: "dev_5"})

	_, err := c.Approve(context.Background(), "AAAAA-AAAAA-Z", "u_42")
	is.Equal(err, ErrInvalidRequest)
}

// tickClock lets tests advance time between operations within a single
// poll sequence, unlike FixedClock.
type tickClock struct {
	at time.Time
}

func (c *tickClock) Now() time.Time { return c.at }
func (c *tickClock) advance(d time.Duration) { c.at = c.at.Add(d) }

func asSlowDown(err error, target **SlowDownError) bool {
	sd, ok := err.(*SlowDownError)
	if !ok {
		return false
	}
	*target = sd
	return true
}
