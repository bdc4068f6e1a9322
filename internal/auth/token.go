package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/chronologos/rcp/internal/command"
)

// Claims are carried by a session token.
type Claims struct {
	SessionID string `json:"sid"`
	Method    string `json:"method"`
	// Credential identifies the PSK hash or public key the grant was
	// checked against.
	Credential string `json:"cred"`
	jwt.RegisteredClaims
}

// issueToken signs a token binding identity to sessionID and to the
// credential cred.
func (a *Authenticator) issueToken(sessionID, identity string, method command.AuthMethod, cred string, now time.Time) (string, error) {
	claims := &Claims{
		SessionID:  sessionID,
		Method:     method.String(),
		Credential: cred,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity,
			ExpiresAt: jwt.NewNumericDate(now.Add(a.cfg.TokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString(a.cfg.TokenSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return s, nil
}

// ValidateToken checks a token issued by this authenticator and returns its
// claims.
func (a *Authenticator) ValidateToken(tokenString string) (*Claims, error) {
	return a.validateToken(tokenString, time.Now())
}

func (a *Authenticator) validateToken(tokenString string, now time.Time) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.cfg.TokenSecret, nil
	}, jwt.WithTimeFunc(func() time.Time { return now }), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}
