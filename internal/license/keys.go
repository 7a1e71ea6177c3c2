package license

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"

	appErr "github.com/stackplane/controlplane/pkg/errors"
)

// KeyPair holds the Ed25519 signing key and its public half. Verification
// needs only the public key, so any service holding it can validate tokens
// without a shared secret.
type KeyPair struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
}

// LoadKeyPair parses a PKCS#8 PEM-encoded Ed25519 private key. An empty input
// generates an ephemeral pair, which is only acceptable for development:
// tokens die with the process.
func LoadKeyPair(pemData string) (*KeyPair, error) {
	if pemData == "" {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, appErr.Wrap(err, appErr.CodeInternal, "generate license key failed")
		}
		return &KeyPair{Private: priv, Public: pub}, nil
	}

	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, appErr.New(appErr.CodeInvalid, "license private key is not valid PEM")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInvalid, "parse license private key failed")
	}
	priv, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, appErr.New(appErr.CodeInvalid, "license private key is not Ed25519")
	}
	return &KeyPair{Private: priv, Public: priv.Public().(ed25519.PublicKey)}, nil
}

// PublicKeyPEM renders the verification key for the public-key endpoint.
func (k *KeyPair) PublicKeyPEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(k.Public)
	if err != nil {
		return "", appErr.Wrap(err, appErr.CodeInternal, "marshal public key failed")
	}
	out := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return string(out), nil
}

// ParsePublicKeyPEM parses a PEM-encoded Ed25519 public key, for verifiers
// that fetched it from the public-key endpoint.
func ParsePublicKeyPEM(pemData string) (ed25519.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, appErr.New(appErr.CodeInvalid, "public key is not valid PEM")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInvalid, "parse public key failed")
	}
	pub, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, appErr.New(appErr.CodeInvalid, "public key is not Ed25519")
	}
	return pub, nil
}
