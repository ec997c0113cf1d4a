// Package claims converts claim sets to the token payload and back
package claims

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/nkiryanov/authtoken/internal/apperrors"
	"github.com/nkiryanov/authtoken/internal/models"
)

// Field order here is the wire order
type payload struct {
	Sub   string `json:"sub"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role"`
	Kind  string `json:"kind"`
	JTI   string `json:"jti,omitempty"`
	IAT   int64  `json:"iat"`
	EXP   int64  `json:"exp"`
}

// Encode claim set to canonical JSON
// Times must be whole seconds and strings valid UTF-8, so Decode gives the same claim set back
func Encode(c models.ClaimSet) ([]byte, error) {
	if c.SubjectID == "" {
		return nil, fmt.Errorf("%w: empty subject", apperrors.ErrMalformedClaims)
	}
	if !c.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", apperrors.ErrMalformedClaims, c.Kind)
	}
	if c.Kind == models.TokenKindRefresh && c.TokenID == "" {
		return nil, fmt.Errorf("%w: refresh token without jti", apperrors.ErrMalformedClaims)
	}
	for name, v := range map[string]string{"sub": c.SubjectID, "email": c.Email, "role": c.Role, "jti": c.TokenID} {
		if !utf8.ValidString(v) {
			return nil, fmt.Errorf("%w: %q is not valid utf-8", apperrors.ErrMalformedClaims, name)
		}
	}
	for name, ts := range map[string]time.Time{"iat": c.IssuedAt, "exp": c.ExpiresAt} {
		if ts.Nanosecond() != 0 {
			return nil, fmt.Errorf("%w: %q has sub-second precision", apperrors.ErrMalformedClaims, name)
		}
	}
	if c.ExpiresAt.Unix() <= c.IssuedAt.Unix() {
		return nil, apperrors.ErrInvalidTemporalClaims
	}

	role := c.Role
	if role == "" {
		role = models.DefaultRole
	}

	return json.Marshal(payload{
		Sub:   c.SubjectID,
		Email: c.Email,
		Role:  role,
		Kind:  string(c.Kind),
		JTI:   c.TokenID,
		IAT:   c.IssuedAt.Unix(),
		EXP:   c.ExpiresAt.Unix(),
	})
}

// Decode payload produced by Encode
// Unknown fields are ignored, missing role falls back to models.DefaultRole
func Decode(data []byte) (models.ClaimSet, error) {
	if !utf8.Valid(data) {
		return models.ClaimSet{}, fmt.Errorf("%w: payload is not valid utf-8", apperrors.ErrMalformedClaims)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return models.ClaimSet{}, fmt.Errorf("%w: payload is not a json object", apperrors.ErrMalformedClaims)
	}

	var p payload
	required := []struct {
		name string
		dst  any
	}{
		{"sub", &p.Sub},
		{"kind", &p.Kind},
		{"iat", &p.IAT},
		{"exp", &p.EXP},
	}
	for _, f := range required {
		ok, err := field(fields, f.name, f.dst)
		if err != nil {
			return models.ClaimSet{}, err
		}
		if !ok {
			return models.ClaimSet{}, fmt.Errorf("%w: %q is missing", apperrors.ErrMalformedClaims, f.name)
		}
	}

	for name, dst := range map[string]*string{"email": &p.Email, "role": &p.Role, "jti": &p.JTI} {
		if _, err := field(fields, name, dst); err != nil {
			return models.ClaimSet{}, err
		}
	}

	if p.Sub == "" {
		return models.ClaimSet{}, fmt.Errorf("%w: empty subject", apperrors.ErrMalformedClaims)
	}

	kind := models.TokenKind(p.Kind)
	if !kind.Valid() {
		return models.ClaimSet{}, fmt.Errorf("%w: unknown kind %q", apperrors.ErrMalformedClaims, p.Kind)
	}
	if kind == models.TokenKindRefresh && p.JTI == "" {
		return models.ClaimSet{}, fmt.Errorf("%w: refresh token without jti", apperrors.ErrMalformedClaims)
	}

	if p.EXP <= p.IAT {
		return models.ClaimSet{}, apperrors.ErrInvalidTemporalClaims
	}

	if p.Role == "" {
		p.Role = models.DefaultRole
	}

	return models.ClaimSet{
		SubjectID: p.Sub,
		Email:     p.Email,
		Role:      p.Role,
		Kind:      kind,
		TokenID:   p.JTI,
		IssuedAt:  time.Unix(p.IAT, 0).UTC(),
		ExpiresAt: time.Unix(p.EXP, 0).UTC(),
	}, nil
}

// field decodes fields[name] into dst
// Returns false when the field is absent. Explicit null counts as mistyped
func field(fields map[string]json.RawMessage, name string, dst any) (bool, error) {
	raw, ok := fields[name]
	if !ok {
		return false, nil
	}
	if bytes.Equal(raw, []byte("null")) {
		return true, fmt.Errorf("%w: %q is null", apperrors.ErrMalformedClaims, name)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return true, fmt.Errorf("%w: %q has wrong type", apperrors.ErrMalformedClaims, name)
	}
	return true, nil
}
