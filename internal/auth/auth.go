// Package auth verifies the bearer credential presented when a client attaches
// to a document and decodes it into a principal.
package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

type Principal struct {
	ID   string
	Role string
}

var (
	ErrMissingCredential = errors.New("missing credential")
	ErrInvalidCredential = errors.New("invalid or expired credential")
)

// Verifier decodes a bearer credential into a principal. Implementations live
// outside the sync subsystem; JWTVerifier is the default.
type Verifier interface {
	Verify(credential string) (Principal, error)
}

// JWTVerifier validates HS256-signed tokens carrying "sub" and "role" claims.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

func (v *JWTVerifier) Verify(credential string) (Principal, error) {
	if credential == "" {
		return Principal{}, ErrMissingCredential
	}
	token, err := jwt.Parse(credential, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return Principal{}, ErrInvalidCredential
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Principal{}, ErrInvalidCredential
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Principal{}, ErrInvalidCredential
	}
	role, _ := claims["role"].(string)
	return Principal{ID: sub, Role: role}, nil
}
