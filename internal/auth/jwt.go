// Package auth issues and parses the signed session tokens that bind a
// request to a verified identity. Tokens are stateless HS256 JWTs; there is
// no server-side session record and no revocation.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is a verified caller identity decoded from a session token.
type Identity struct {
	UID  int64
	Role int
}

// Claims carries the identity claims embedded in a session token.
type Claims struct {
	jwt.RegisteredClaims
	UID  int64 `json:"uid"`
	Role int   `json:"role"`
}

var (
	ErrInvalidToken = errors.New("invalid token")
)

// Issue mints a signed session token for the given identity and returns the
// token together with its expiry in epoch seconds.
func Issue(uid int64, role int, secret []byte, ttl time.Duration) (string, int64, error) {
	now := time.Now()
	expiresAt := now.Add(ttl)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		UID:  uid,
		Role: role,
	})

	signed, err := token.SignedString(secret)
	if err != nil {
		return "", 0, err
	}
	return signed, expiresAt.Unix(), nil
}

// Parse validates a session token and returns the identity it carries.
// Expired tokens, foreign signatures, and non-HMAC signing methods are all
// rejected.
func Parse(tokenString string, secret []byte) (Identity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return secret, nil
	})
	if err != nil {
		return Identity{}, err
	}
	if !token.Valid {
		return Identity{}, ErrInvalidToken
	}
	if claims.UID == 0 {
		return Identity{}, ErrInvalidToken
	}
	return Identity{UID: claims.UID, Role: claims.Role}, nil
}
