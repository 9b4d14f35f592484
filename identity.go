package unimart

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the token payload shared by the SDK and the dev hub.
type Claims struct {
	UserID string `json:"uid"`
	Role   string `json:"role"`
	Name   string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Identity derives the user from the claims, falling back to the subject.
func (c *Claims) Identity() Identity {
	id := c.UserID
	if id == "" {
		id = c.Subject
	}
	return Identity{UserID: id, Name: c.Name, Role: Role(c.Role)}
}

// SignToken issues an HS256 token for userID.
func SignToken(secret, userID string, role Role, name string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		Role:   string(role),
		Name:   name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString([]byte(secret))
}

// VerifyToken checks an HS256 token and returns its claims.
func VerifyToken(secret, token string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if !tok.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// IdentityFromToken reads the identity from the token's claims without
// verifying the signature; the server verifies it on every connection.
func IdentityFromToken(token string) (Identity, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Identity{}, fmt.Errorf("parse token claims: %w", err)
	}
	id := claims.Identity()
	if id.UserID == "" {
		return Identity{}, ErrNoIdentity
	}
	return id, nil
}

// Identity resolves the authenticated user: token claims first, then
// GET /api/users/me.
func (c *Client) Identity(ctx context.Context) (Identity, error) {
	id, err := IdentityFromToken(c.token)
	if err == nil {
		return id, nil
	}
	c.log.Debug("token carries no usable identity, asking the API", "error", err)

	me, restErr := c.Me(ctx)
	if restErr != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrNoIdentity, restErr)
	}
	return *me, nil
}
