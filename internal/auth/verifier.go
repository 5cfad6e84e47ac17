// Package auth implements the handshake contract verify_token(bearer) →
// user_id. The default verifier checks an HS256 JWT; with no secret
// configured, sessions connect anonymously.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any token that fails verification.
var ErrInvalidToken = errors.New("auth: invalid token")

// TokenVerifier resolves a bearer token into a user id.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (userID string, err error)
}

// JWTVerifier validates HS256 tokens and reads the user id from the
// subject claim.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) VerifyToken(_ context.Context, token string) (string, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", ErrInvalidToken
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", ErrInvalidToken
	}
	return sub, nil
}

// AnonymousVerifier accepts any token and resolves no identity. Used when
// auth is not configured.
type AnonymousVerifier struct{}

func NewAnonymousVerifier() *AnonymousVerifier { return &AnonymousVerifier{} }

func (AnonymousVerifier) VerifyToken(context.Context, string) (string, error) {
	return "", nil
}
