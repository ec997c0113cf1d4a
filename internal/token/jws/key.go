package jws

import (
	"crypto"
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const (
	AlgHS256 = "HS256"
	AlgHS384 = "HS384"
	AlgHS512 = "HS512"
	AlgEdDSA = "EdDSA"
	AlgRS256 = "RS256"
	AlgES256 = "ES256"
)

// Minimal HMAC secret length, bytes
const minSecretLen = 16

// Key material bound to a single signing algorithm
// Zero value is unusable: create it with NewKey
type Key struct {
	method jwt.SigningMethod
	sign   any // nil for verify-only keys
	verify any
}

// Algorithm identifier as written into token header
func (k Key) Alg() string {
	if k.method == nil {
		return ""
	}
	return k.method.Alg()
}

// CanSign reports whether the key has a private (or shared) part
func (k Key) CanSign() bool {
	return k.sign != nil
}

// NewKey builds key for the algorithm
//
// HS*: signKey is the shared secret, verifyKey is ignored
// EdDSA: raw ed25519 keys or PEM
// RS256, ES256: PEM encoded keys
//
// For asymmetric algorithms verifyKey may be empty when signKey is set (derived from it),
// and signKey may be empty to get verify-only key
func NewKey(alg string, signKey, verifyKey []byte) (Key, error) {
	switch normalizeAlg(alg) {
	case AlgHS256, AlgHS384, AlgHS512:
		if len(signKey) < minSecretLen {
			return Key{}, fmt.Errorf("hmac secret must be at least %d bytes", minSecretLen)
		}
		return Key{
			method: jwt.GetSigningMethod(normalizeAlg(alg)),
			sign:   signKey,
			verify: signKey,
		}, nil

	case AlgEdDSA:
		return newAsymmetric(jwt.SigningMethodEdDSA, signKey, verifyKey, parseEdPrivate, parseEdPublic)

	case AlgRS256:
		return newAsymmetric(jwt.SigningMethodRS256, signKey, verifyKey,
			func(b []byte) (crypto.Signer, error) { return jwt.ParseRSAPrivateKeyFromPEM(b) },
			func(b []byte) (crypto.PublicKey, error) { return jwt.ParseRSAPublicKeyFromPEM(b) },
		)

	case AlgES256:
		return newAsymmetric(jwt.SigningMethodES256, signKey, verifyKey,
			func(b []byte) (crypto.Signer, error) { return jwt.ParseECPrivateKeyFromPEM(b) },
			func(b []byte) (crypto.PublicKey, error) { return jwt.ParseECPublicKeyFromPEM(b) },
		)

	default:
		return Key{}, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
	}
}

func newAsymmetric(
	method jwt.SigningMethod,
	signKey, verifyKey []byte,
	parsePrivate func([]byte) (crypto.Signer, error),
	parsePublic func([]byte) (crypto.PublicKey, error),
) (Key, error) {
	key := Key{method: method}

	if len(signKey) == 0 && len(verifyKey) == 0 {
		return key, fmt.Errorf("%s requires private or public key", method.Alg())
	}

	if len(signKey) > 0 {
		private, err := parsePrivate(signKey)
		if err != nil {
			return key, fmt.Errorf("invalid %s private key. Err: %w", method.Alg(), err)
		}
		key.sign = private
		key.verify = private.Public()
	}

	if len(verifyKey) > 0 {
		public, err := parsePublic(verifyKey)
		if err != nil {
			return key, fmt.Errorf("invalid %s public key. Err: %w", method.Alg(), err)
		}
		key.verify = public
	}

	return key, nil
}

func parseEdPrivate(b []byte) (crypto.Signer, error) {
	if len(b) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(b), nil
	}
	parsed, err := jwt.ParseEdPrivateKeyFromPEM(b)
	if err != nil {
		return nil, err
	}
	private, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("not an ed25519 private key")
	}
	return private, nil
}

func parseEdPublic(b []byte) (crypto.PublicKey, error) {
	if len(b) == ed25519.PublicKeySize {
		return ed25519.PublicKey(b), nil
	}
	parsed, err := jwt.ParseEdPublicKeyFromPEM(b)
	if err != nil {
		return nil, err
	}
	public, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("not an ed25519 public key")
	}
	return public, nil
}

// Accept "hs256", "eddsa", "ed25519" and so on
func normalizeAlg(alg string) string {
	switch strings.ToUpper(strings.TrimSpace(alg)) {
	case "HS256":
		return AlgHS256
	case "HS384":
		return AlgHS384
	case "HS512":
		return AlgHS512
	case "EDDSA", "ED25519":
		return AlgEdDSA
	case "RS256":
		return AlgRS256
	case "ES256":
		return AlgES256
	default:
		return alg
	}
}
