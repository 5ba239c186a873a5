package login

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ClaimsSummary is a display-only view of an access token's claims.
type ClaimsSummary struct {
	Subject   string
	Issuer    string
	Audience  []string
	Email     string
	ExpiresAt time.Time
}

// SummarizeToken decodes a JWT access token without verifying its signature.
// The result must not be used for authorization decisions.
func SummarizeToken(token string) (*ClaimsSummary, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("parse access token: %w", err)
	}

	summary := &ClaimsSummary{}
	summary.Subject, _ = claims.GetSubject()
	summary.Issuer, _ = claims.GetIssuer()
	if aud, err := claims.GetAudience(); err == nil {
		summary.Audience = aud
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		summary.ExpiresAt = exp.Time
	}
	if email, ok := claims["email"].(string); ok {
		summary.Email = email
	}
	return summary, nil
}
