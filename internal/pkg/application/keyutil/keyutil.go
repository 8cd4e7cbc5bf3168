// Package keyutil computes the JWK thumbprints and display fingerprints
// the pairing coordinator (C2) records for the pairing key and hands to
// the device registry (C5) for the long-term key. The DPoP verifier (C3)
// does not import it; it keeps its own RFC 7638 thumbprint over the same
// canonical form.
package keyutil

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/crowdpm/device-core/pkg/types"
)

var ErrInvalidKey = errors.New("invalid_request")

// DecodeRawPublicKey decodes a base64url-encoded 32-byte raw Ed25519
// public key, as presented in /device/start's pub_ke.
func DecodeRawPublicKey(b64 string) (ed25519.PublicKey, error) {
	raw, err := base64.RawURLEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: wrong key length", ErrInvalidKey)
	}
	return ed25519.PublicKey(raw), nil
}

// Thumbprint computes the RFC 7638 JWK thumbprint for an OKP/Ed25519 key:
// SHA-256 over the member-sorted canonical form, base64url without
// padding.
func Thumbprint(pub ed25519.PublicKey) string {
	x := base64.RawURLEncoding.EncodeToString(pub)
	canonical := fmt.Sprintf(`{"crv":"Ed25519","kty":"OKP","x":"%s"}`, x)
	sum := sha256.Sum256([]byte(canonical))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Fingerprint computes the 8-hex-character digest shown to the human
// during approval: the first 4 bytes of SHA-256 over the raw key.
func Fingerprint(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:4])
}

// JWKFromPublicKey builds the displayable JWK form of a raw Ed25519
// public key.
func JWKFromPublicKey(pub ed25519.PublicKey) types.JWK {
	return types.JWK{
		Kty: "OKP",
		Crv: "Ed25519",
		X:   base64.RawURLEncoding.EncodeToString(pub),
	}
}

// PublicKeyFromJWK validates and extracts the raw Ed25519 public key from
// a JWK, enforcing kty=OKP, crv=Ed25519 (spec §4.2's redeem step).
func PublicKeyFromJWK(jwk types.JWK) (ed25519.PublicKey, error) {
	if jwk.Kty != "OKP" || jwk.Crv != "Ed25519" {
		return nil, fmt.Errorf("%w: unsupported key type", ErrInvalidKey)
	}
	return DecodeRawPublicKey(jwk.X)
}

// ThumbprintFromJWK is a convenience wrapper combining
// PublicKeyFromJWK + Thumbprint.
func ThumbprintFromJWK(jwk types.JWK) (string, error) {
	pub, err := PublicKeyFromJWK(jwk)
	if err != nil {
		return "", err
	}
	return Thumbprint(pub), nil
}
