package engine

import (
	"crypto/rand"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// sessionClaims is the payload of a session token.
type sessionClaims struct {
	jwt.Claims
	User     string `json:"usr"`
	Admin    bool   `json:"adm"`
	Expiry   int64  `json:"exp"`
	IssuedAt int64  `json:"iat"`
}

func (c sessionClaims) GetExpirationTime() (*jwt.NumericDate, error) {
	return jwt.NewNumericDate(time.Unix(c.Expiry, 0)), nil
}

func (c sessionClaims) GetIssuedAt() (*jwt.NumericDate, error) {
	return jwt.NewNumericDate(time.Unix(c.IssuedAt, 0)), nil
}

func (c sessionClaims) GetNotBefore() (*jwt.NumericDate, error) {
	return jwt.NewNumericDate(time.Unix(c.IssuedAt, 0)), nil
}

func (c sessionClaims) GetIssuer() (string, error) {
	return "", nil
}

func (c sessionClaims) GetSubject() (string, error) {
	return c.User, nil
}

func (c sessionClaims) GetAudience() (jwt.ClaimStrings, error) {
	return nil, nil
}

// loadJWTSecret reads the signing key from path, generating it on first use.
// An empty path gives a key that lives as long as the process.
func loadJWTSecret(path string) ([]byte, error) {
	if path == "" {
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			return nil, fmt.Errorf("failed to generate random JWT secret key: %w", err)
		}
		return b, nil
	}
	key, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read JWT secret key: %w", err)
		}
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			return nil, fmt.Errorf("failed to generate random JWT secret key: %w", err)
		}
		if err := os.WriteFile(path, b, 0600); err != nil {
			return nil, fmt.Errorf("failed to write JWT secret key: %w", err)
		}
		key = b
	}
	return key, nil
}

func issueToken(secret []byte, p *principal, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionClaims{
		User:     p.name,
		Admin:    p.admin,
		Expiry:   now.Add(ttl).Unix(),
		IssuedAt: now.Unix(),
	})
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, nil
}

func parseToken(secret []byte, tokenString string) (*principal, error) {
	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.User == "" {
		return nil, fmt.Errorf("invalid session token")
	}
	return &principal{name: claims.User, admin: claims.Admin}, nil
}
