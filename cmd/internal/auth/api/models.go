package api

import (
	"time"

	"relay/cmd/identity"
	"relay/cmd/internal/auth/credential"
)

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"fullName"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type identityResponse struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	FullName  string    `json:"fullName"`
	IsActive  bool      `json:"isActive"`
	Roles     []string  `json:"roles"`
	CreatedAt time.Time `json:"createdAt"`
}

// authResponse is the identity flattened together with its token.
type authResponse struct {
	identityResponse
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type privateResponse struct {
	OK       bool             `json:"ok"`
	Message  string           `json:"message"`
	Identity identityResponse `json:"identity"`
}

func toIdentityResponse(ident identity.Identity) identityResponse {
	return identityResponse{
		ID:        ident.ID,
		Email:     ident.Email,
		FullName:  ident.FullName,
		IsActive:  ident.IsActive,
		Roles:     identity.RoleStrings(ident.Roles),
		CreatedAt: ident.CreatedAt,
	}
}

func toAuthResponse(res credential.Result) authResponse {
	return authResponse{
		identityResponse: toIdentityResponse(res.Identity),
		Token:            res.Token.Token,
		ExpiresAt:        res.Token.Claims.ExpiresAt,
	}
}
