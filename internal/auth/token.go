package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims binds a token to a user and the server-side session it was issued for.
type Claims struct {
	Sub string
	SID string
	Exp int64
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

const issuer = "teamdesk"

type tokenClaims struct {
	SID string `json:"sid"`
	jwt.RegisteredClaims
}

func IssueToken(secret []byte, claims Claims) (string, error) {
	if claims.Sub == "" || claims.SID == "" || claims.Exp == 0 {
		return "", fmt.Errorf("issue token: %w", ErrInvalidToken)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims{
		SID: claims.SID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   claims.Sub,
			ExpiresAt: jwt.NewNumericDate(time.Unix(claims.Exp, 0)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	})
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func ParseToken(secret []byte, token string) (Claims, error) {
	var parsed tokenClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredToken
		}
		return Claims{}, ErrInvalidToken
	}
	if parsed.Subject == "" || parsed.SID == "" {
		return Claims{}, ErrInvalidToken
	}
	return Claims{Sub: parsed.Subject, SID: parsed.SID, Exp: parsed.ExpiresAt.Unix()}, nil
}
