package tokens

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// KeyStore supplies the single process-wide Ed25519 keypair used to sign
// and verify registration and access tokens. Unlike a JWKS-backed store
// with multiple rotating keys, crowdpm-core holds exactly one signing key
// per process, loaded once at startup.
type KeyStore interface {
	SigningKey() ed25519.PrivateKey
	PublicKey() ed25519.PublicKey
}

type staticKeyStore struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewStaticKeyStore loads a PKCS8-encoded Ed25519 private key, either PEM
// or raw DER, as required by TOKEN_SIGNING_PRIVATE_KEY.
func NewStaticKeyStore(pkcs8 []byte) (KeyStore, error) {
	der := pkcs8
	if block, _ := pem.Decode(pkcs8); block != nil {
		der = block.Bytes
	}

	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}

	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signing key is not Ed25519")
	}

	return &staticKeyStore{
		priv: priv,
		pub:  priv.Public().(ed25519.PublicKey),
	}, nil
}

func (s *staticKeyStore) SigningKey() ed25519.PrivateKey {
	return s.priv
}

func (s *staticKeyStore) PublicKey() ed25519.PublicKey {
	return s.pub
}
