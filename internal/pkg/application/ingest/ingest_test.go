package ingest

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/matryer/is"

	"github.com/crowdpm/device-core/internal/pkg/application/dpop"
	"github.com/crowdpm/device-core/internal/pkg/application/tokens"
	"github.com/crowdpm/device-core/internal/pkg/domain"
	"github.com/crowdpm/device-core/pkg/types"
)

type fakeBlob struct {
	mu   sync.Mutex
	puts map[string][]byte
}

func newFakeBlob() *fakeBlob { return &fakeBlob{puts: make(map[string][]byte)} }

func (f *fakeBlob) Put(ctx context.Context, path, contentType string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts[path] = body
	return nil
}

type fakeBatches struct {
	mu      sync.Mutex
	records []types.IngestBatchRecord
}

func (f *fakeBatches) Create(ctx context.Context, r types.IngestBatchRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, r)
	return nil
}

func (f *fakeBatches) MarkPublished(ctx context.Context, batchID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, r := range f.records {
		if r.BatchID == batchID {
			f.records[i].Published = true
			f.records[i].ProcessedAt = &at
		}
	}
	return nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []interface{ TopicName() string }
	fail   bool
}

func (f *fakePublisher) Publish(ctx context.Context, event interface{ TopicName() string }) error {
	if f.fail {
		return errPublishFailed
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

var errPublishFailed = &publishError{}

type publishError struct{}

func (*publishError) Error() string { return "publish failed" }

type fakeDevices struct {
	device types.DeviceRecord
}

func (f *fakeDevices) Get(ctx context.Context, deviceID string) (types.DeviceRecord, error) {
	if f.device.DeviceID != deviceID {
		return types.DeviceRecord{}, errNotFound
	}
	return f.device, nil
}

var errNotFound = &publishError{}

func (f *fakeDevices) IsActive(device types.DeviceRecord) bool {
	return device.Status == types.DeviceStatusActive
}

func (f *fakeDevices) TouchLastSeen(ctx context.Context, deviceID string) {}

type allowAllVisibility struct{}

func (allowAllVisibility) Resolve(ctx context.Context, accID, deviceID, requested string) string {
	if requested == types.VisibilityPublic {
		return types.VisibilityPublic
	}
	return types.VisibilityPrivate
}

type rawDPoPClaims struct {
	Htm string `json:"htm"`
	Htu string `json:"htu"`
	Iat int64  `json:"iat"`
	Jti string `json:"jti"`
	Ath string `json:"ath,omitempty"`
}

func (rawDPoPClaims) GetExpirationTime() (*jwt.NumericDate, error) { return nil, nil }
func (rawDPoPClaims) GetIssuedAt() (*jwt.NumericDate, error)       { return nil, nil }
func (rawDPoPClaims) GetNotBefore() (*jwt.NumericDate, error)      { return nil, nil }
func (rawDPoPClaims) GetIssuer() (string, error)                  { return "", nil }
func (rawDPoPClaims) GetSubject() (string, error)                 { return "", nil }
func (rawDPoPClaims) GetAudience() (jwt.ClaimStrings, error)       { return nil, nil }

func signDPoPProof(t *testing.T, priv ed25519.PrivateKey, pub ed25519.PublicKey, claims rawDPoPClaims) string {
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

func TestIngestHappyPath(t *testing.T) {
	is := is.New(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := domain.FixedClock{At: now}

	longTermPub, longTermPriv, err := ed25519.GenerateKey(rand.Reader)
	is.NoErr(err)

	keys := testKeyStore(t)
	minter := tokens.NewMinter(keys, tokens.DefaultConfig(), clock)
	validator := tokens.NewValidator(keys, clock)
	verifier := dpop.NewVerifier(dpop.DefaultConfig(), clock, dpop.NewMemoryReplaySet())

	minted, err := minter.IssueAccessToken(tokens.AccessParams{
		DeviceID:               "dev_1",
		AccID:                  "u_42",
		ConfirmationThumbprint: thumbprintOf(longTermPub),
	})
	is.NoErr(err)

	blob := newFakeBlob()
	batches := &fakeBatches{}
	publisher := &fakePublisher{}
	devices := &fakeDevices{device: types.DeviceRecord{DeviceID: "dev_1", Status: types.DeviceStatusActive}}

	gw := NewGateway(validator, verifier, devices, blob, batches, publisher, allowAllVisibility{}, clock, DefaultConfig())

	body := []byte(`{"device_id":"dev_1","points":[{"device_id":"dev_1","pollutant":"pm25","value":12.3,"unit":"µg/m³","lat":57.7,"lon":11.9,"timestamp":"2026-01-01T00:00:00Z"}]}`)
	url := "https://crowdpm.example/ingestGateway"
	ath := dpop.AccessTokenHash(minted.Token)
	proof := signDPoPProof(t, longTermPriv, longTermPub, rawDPoPClaims{
		Htm: "POST",
		Htu: url,
		Iat: now.Unix(),
		Jti: "jti-ingest-1",
		Ath: ath,
	})

	result, err := gw.Ingest(context.Background(), Request{
		AuthorizationHeader: "Bearer " + minted.Token,
		DPoPHeader:          proof,
		RequestURL:          url,
		RawBody:             body,
	})
	is.NoErr(err)
	is.True(result.BatchID != "")
	is.Equal(len(batches.records), 1)
	is.Equal(len(publisher.events), 1)
	is.True(batches.records[0].Published)
}

func TestIngestLeavesBatchUnpublishedWhenEventPublishFails(t *testing.T) {
	is := is.New(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := domain.FixedClock{At: now}

	longTermPub, longTermPriv, err := ed25519.GenerateKey(rand.Reader)
	is.NoErr(err)

	keys := testKeyStore(t)
	minter := tokens.NewMinter(keys, tokens.DefaultConfig(), clock)
	validator := tokens.NewValidator(keys, clock)
	verifier := dpop.NewVerifier(dpop.DefaultConfig(), clock, dpop.NewMemoryReplaySet())

	minted, err := minter.IssueAccessToken(tokens.AccessParams{
		DeviceID:               "dev_1",
		AccID:                  "u_42",
		ConfirmationThumbprint: thumbprintOf(longTermPub),
	})
	is.NoErr(err)

	blob := newFakeBlob()
	batches := &fakeBatches{}
	publisher := &fakePublisher{fail: true}
	devices := &fakeDevices{device: types.DeviceRecord{DeviceID: "dev_1", Status: types.DeviceStatusActive}}

	gw := NewGateway(validator, verifier, devices, blob, batches, publisher, allowAllVisibility{}, clock, DefaultConfig())

	body := []byte(`{"device_id":"dev_1","points":[{"device_id":"dev_1","pollutant":"pm25","value":12.3,"unit":"µg/m³","lat":57.7,"lon":11.9,"timestamp":"2026-01-01T00:00:00Z"}]}`)
	url := "https://crowdpm.example/ingestGateway"
	ath := dpop.AccessTokenHash(minted.Token)
	proof := signDPoPProof(t, longTermPriv, longTermPub, rawDPoPClaims{
		Htm: "POST",
		Htu: url,
		Iat: now.Unix(),
		Jti: "jti-ingest-2",
		Ath: ath,
	})

	_, err = gw.Ingest(context.Background(), Request{
		AuthorizationHeader: "Bearer " + minted.Token,
		DPoPHeader:          proof,
		RequestURL:          url,
		RawBody:             body,
	})
	is.True(err != nil)
	is.Equal(len(batches.records), 1)
	is.Equal(batches.records[0].Published, false)
}

func TestIngestRejectsRevokedDevice(t *testing.T) {
	is := is.New(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := domain.FixedClock{At: now}

	longTermPub, longTermPriv, err := ed25519.GenerateKey(rand.Reader)
	is.NoErr(err)

	keys := testKeyStore(t)
	minter := tokens.NewMinter(keys, tokens.DefaultConfig(), clock)
	validator := tokens.NewValidator(keys, clock)
	verifier := dpop.NewVerifier(dpop.DefaultConfig(), clock, dpop.NewMemoryReplaySet())

	minted, err := minter.IssueAccessToken(tokens.AccessParams{
		DeviceID:               "dev_2",
		AccID:                  "u_42",
		ConfirmationThumbprint: thumbprintOf(longTermPub),
	})
	is.NoErr(err)

	devices := &fakeDevices{device: types.DeviceRecord{DeviceID: "dev_2", Status: types.DeviceStatusRevoked}}
	gw := NewGateway(validator, verifier, devices, newFakeBlob(), &fakeBatches{}, &fakePublisher{}, allowAllVisibility{}, clock, DefaultConfig())

	body := []byte(`{"device_id":"dev_2","points":[{"device_id":"dev_2","pollutant":"pm25","value":1,"unit":"µg/m³","lat":0,"lon":0,"timestamp":"2026-01-01T00:00:00Z"}]}`)
	url := "https://crowdpm.example/ingestGateway"
	ath := dpop.AccessTokenHash(minted.Token)
	proof := signDPoPProof(t, longTermPriv, longTermPub, rawDPoPClaims{
		Htm: "POST", Htu: url, Iat: now.Unix(), Jti: "jti-ingest-2", Ath: ath,
	})

	_, err = gw.Ingest(context.Background(), Request{
		AuthorizationHeader: "Bearer " + minted.Token,
		DPoPHeader:          proof,
		RequestURL:          url,
		RawBody:             body,
	})
	is.Equal(err, ErrDeviceForbidden)
}

func TestIngestReplaySecondCallFails(t *testing.T) {
	is := is.New(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := domain.FixedClock{At: now}

	longTermPub, longTermPriv, err := ed25519.GenerateKey(rand.Reader)
	is.NoErr(err)

	keys := testKeyStore(t)
	minter := tokens.NewMinter(keys, tokens.DefaultConfig(), clock)
	validator := tokens.NewValidator(keys, clock)
	verifier := dpop.NewVerifier(dpop.DefaultConfig(), clock, dpop.NewMemoryReplaySet())

	minted, err := minter.IssueAccessToken(tokens.AccessParams{
		DeviceID:               "dev_3",
		AccID:                  "u_42",
		ConfirmationThumbprint: thumbprintOf(longTermPub),
	})
	is.NoErr(err)

	devices := &fakeDevices{device: types.DeviceRecord{DeviceID: "dev_3", Status: types.DeviceStatusActive}}
	gw := NewGateway(validator, verifier, devices, newFakeBlob(), &fakeBatches{}, &fakePublisher{}, allowAllVisibility{}, clock, DefaultConfig())

	body := []byte(`{"device_id":"dev_3","points":[{"device_id":"dev_3","pollutant":"pm25","value":1,"unit":"µg/m³","lat":0,"lon":0,"timestamp":"2026-01-01T00:00:00Z"}]}`)
	url := "https://crowdpm.example/ingestGateway"
	ath := dpop.AccessTokenHash(minted.Token)
	proof := signDPoPProof(t, longTermPriv, longTermPub, rawDPoPClaims{
		Htm: "POST", Htu: url, Iat: now.Unix(), Jti: "jti-replayed", Ath: ath,
	})

	req := Request{AuthorizationHeader: "Bearer " + minted.Token, DPoPHeader: proof, RequestURL: url, RawBody: body}

	_, err = gw.Ingest(context.Background(), req)
	is.NoErr(err)

	_, err = gw.Ingest(context.Background(), req)
	is.Equal(err, ErrUnauthorized)
}

func thumbprintOf(pub ed25519.PublicKey) string {
	x := base64.RawURLEncoding.EncodeToString(pub)
	canonical := `{"crv":"Ed25519","kty":"OKP","x":"` + x + `"}`
	sum := sha256.Sum256([]byte(canonical))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
