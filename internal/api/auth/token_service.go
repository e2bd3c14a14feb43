package auth

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Verifier validates bearer JWTs and resolves the principal they were issued for.
// It holds no mutable state and is safe for concurrent use.
type Verifier struct {
	secretKey []byte
	issuer    string
	leeway    time.Duration
	now       func() time.Time
}

// VerifierOption customizes a Verifier
type VerifierOption func(*Verifier)

// WithIssuer requires the iss claim to match issuer
func WithIssuer(issuer string) VerifierOption {
	return func(v *Verifier) { v.issuer = issuer }
}

// WithLeeway tolerates clock skew when checking exp/nbf/iat
func WithLeeway(leeway time.Duration) VerifierOption {
	return func(v *Verifier) { v.leeway = leeway }
}

// WithClock overrides the time source, used by tests
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) { v.now = now }
}

// JWTClaims represents the claims we read from chat tokens.
// The principal is taken from id, then userId, then username.
type JWTClaims struct {
	ID       ClaimID `json:"id,omitempty"`
	UserID   ClaimID `json:"userId,omitempty"`
	Username string  `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// Principal returns the stable identifier carried by the claims
func (c *JWTClaims) Principal() string {
	for _, candidate := range []string{string(c.ID), string(c.UserID), c.Username} {
		if p := strings.TrimSpace(candidate); p != "" {
			return p
		}
	}
	return ""
}

// ClaimID accepts both string and numeric identifiers
type ClaimID string

func (id *ClaimID) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ClaimID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("identifier claim must be a string or number: %w", err)
	}
	*id = ClaimID(n.String())
	return nil
}

// NewVerifier creates a verifier for HS256 tokens signed with secretKey
func NewVerifier(secretKey string, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		secretKey: []byte(secretKey),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify validates tokenString and returns the principal identifier
func (v *Verifier) Verify(tokenString string) (string, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return "", missing()
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}

	claims := &JWTClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secretKey, nil
	}, parserOpts...)
	if err != nil {
		return "", invalid(err)
	}
	if !token.Valid {
		return "", invalid(errors.New("token is not valid"))
	}

	principal := claims.Principal()
	if principal == "" {
		return "", invalid(errors.New("token carries no principal claim"))
	}
	return principal, nil
}

// BearerToken extracts the token from an Authorization header value.
// An empty header yields an empty token; a malformed header is an invalid credential.
func BearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", nil
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", invalid(errors.New("invalid authorization header format"))
	}
	return parts[1], nil
}
