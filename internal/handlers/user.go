package handlers

import (
	"net/http"
	"time"

	"github.com/nkiryanov/authtoken/internal/handlers/render"
	"github.com/nkiryanov/authtoken/internal/handlers/userctx"
	"github.com/nkiryanov/authtoken/internal/models"
)

type claimsResponse struct {
	SubjectID string           `json:"subject_id"`
	Email     string           `json:"email,omitempty"`
	Role      string           `json:"role"`
	Kind      models.TokenKind `json:"kind"`
	TokenID   string           `json:"token_id,omitempty"`
	IssuedAt  time.Time        `json:"issued_at"`
	ExpiresAt time.Time        `json:"expires_at"`
}

func newClaimsResponse(c models.ClaimSet) *claimsResponse {
	return &claimsResponse{
		SubjectID: c.SubjectID,
		Email:     c.Email,
		Role:      c.Role,
		Kind:      c.Kind,
		TokenID:   c.TokenID,
		IssuedAt:  c.IssuedAt,
		ExpiresAt: c.ExpiresAt,
	}
}

func claimsFromRequest(w http.ResponseWriter, r *http.Request) (models.ClaimSet, bool) {
	claims, ok := userctx.FromContext(r.Context())
	if !ok {
		render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
	}
	return claims, ok
}

func handleUserMe() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := claimsFromRequest(w, r)
		if !ok {
			return
		}
		render.JSON(w, newClaimsResponse(claims))
	})
}
