// Package jws produces and verifies compact signed tokens:
// base64url(header).base64url(payload).base64url(signature)
//
// The payload is opaque bytes here. Claims are the business of the claims package.
package jws

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMalformedToken       = errors.New("malformed token")
	ErrUnsupportedAlgorithm = errors.New("unsupported signing algorithm")
	ErrSignatureMismatch    = errors.New("signature mismatch")
)

var encoding = base64.RawURLEncoding

type header struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

// Sign payload with the key
// Header is always {"alg":<key alg>,"typ":"JWT"} so the output is deterministic for deterministic algorithms
func Sign(payload []byte, key Key) (string, error) {
	if key.method == nil {
		return "", ErrUnsupportedAlgorithm
	}
	if key.sign == nil {
		return "", errors.New("key can verify only, no signing part provided")
	}

	h, err := json.Marshal(header{Alg: key.method.Alg(), Typ: "JWT"})
	if err != nil {
		return "", fmt.Errorf("error while encoding header. Err: %w", err)
	}

	signingString := encoding.EncodeToString(h) + "." + encoding.EncodeToString(payload)

	sig, err := key.method.Sign(signingString, key.sign)
	if err != nil {
		return "", fmt.Errorf("error while signing token. Err: %w", err)
	}

	return signingString + "." + encoding.EncodeToString(sig), nil
}

// Verify token signature and return its payload
// Fails with one of ErrMalformedToken, ErrUnsupportedAlgorithm, ErrSignatureMismatch
func Verify(token string, key Key) ([]byte, error) {
	if key.method == nil {
		return nil, ErrUnsupportedAlgorithm
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected 3 segments, got %d", ErrMalformedToken, len(parts))
	}

	rawHeader, err := encoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformedToken, err)
	}

	var h header
	if err := json.Unmarshal(rawHeader, &h); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformedToken, err)
	}
	if h.Alg == "" {
		return nil, fmt.Errorf("%w: header has no alg", ErrMalformedToken)
	}

	// Never let the token pick the algorithm
	if h.Alg != key.method.Alg() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, h.Alg)
	}

	payload, err := encoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrMalformedToken, err)
	}

	sig, err := encoding.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: signature: %v", ErrMalformedToken, err)
	}

	signingString := parts[0] + "." + parts[1]
	if err := key.method.Verify(signingString, sig, key.verify); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	}

	return payload, nil
}
