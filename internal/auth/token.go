// ABOUTME: JWT token generation and verification for authenticating connections.
// ABOUTME: Uses HS256 signing with configurable secret and expiry.

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// Claims is the verified identity carried by a token.
type Claims struct {
	UserID   string
	Username string
}

// Verifier issues and validates HS256 signed JWTs.
type Verifier struct {
	secret []byte
	expiry time.Duration
}

// NewVerifier creates a verifier with the given secret and token lifetime.
func NewVerifier(secret []byte, expiry time.Duration) *Verifier {
	return &Verifier{secret: secret, expiry: expiry}
}

// Generate creates a new token for the given user.
func (v *Verifier) Generate(userID, username string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":      userID,
		"username": username,
		"iat":      now.Unix(),
		"exp":      now.Add(v.expiry).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// Verify validates the token and extracts the user identity.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method is HS256
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	username, _ := claims["username"].(string)

	return &Claims{UserID: sub, Username: username}, nil
}
