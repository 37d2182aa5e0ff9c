// Package auth resolves the credentials presented on an auth message into a
// principal and scopes that principal's access to documents.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const minSecretLen = 32

// Default lifetimes for minted tokens when the deployment does not override them.
const (
	DefaultAccessTokenTTL  = 24 * time.Hour
	DefaultRefreshTokenTTL = 7 * 24 * time.Hour
)

var (
	ErrInvalidToken       = errors.New("invalid token")
	ErrExpiredToken       = errors.New("token expired")
	ErrShortSecret        = errors.New("jwt secret must be at least 32 characters")
	ErrUnknownAPIKey      = errors.New("unknown api key")
	ErrMissingCredentials = errors.New("no credentials supplied")
)

// DocumentPermissions scopes a principal to the documents it may touch.
// A "*" entry grants the corresponding access to every document.
type DocumentPermissions struct {
	CanRead  []string `json:"canRead"`
	CanWrite []string `json:"canWrite"`
	IsAdmin  bool     `json:"isAdmin"`
}

// TokenPayload is the decoded identity a connection acts as once authenticated.
type TokenPayload struct {
	UserID      string              `json:"userId"`
	Email       string              `json:"email,omitempty"`
	Permissions DocumentPermissions `json:"permissions"`
	jwt.RegisteredClaims
}

// VerifyToken checks the signature and registered claims of a bearer token and
// returns its payload. Parser options tighten validation (issuer, audience)
// when the deployment configures them. Expired tokens are always rejected.
func VerifyToken(tokenString, secret string, opts ...jwt.ParserOption) (*TokenPayload, error) {
	if len(secret) < minSecretLen {
		return nil, ErrShortSecret
	}

	token, err := jwt.ParseWithClaims(tokenString, &TokenPayload{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*TokenPayload)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// TokenSpec describes the identity and scope stamped into a minted token.
// Zero TTL falls back to the package default.
type TokenSpec struct {
	UserID      string
	Email       string
	Permissions DocumentPermissions
	Issuer      string
	Audience    string
	TTL         time.Duration
}

// GenerateAccessToken mints a signed access token for the given identity.
func GenerateAccessToken(spec TokenSpec, secret string) (string, error) {
	if len(secret) < minSecretLen {
		return "", ErrShortSecret
	}

	ttl := spec.TTL
	if ttl == 0 {
		ttl = DefaultAccessTokenTTL
	}

	now := time.Now()
	claims := &TokenPayload{
		UserID:      spec.UserID,
		Email:       spec.Email,
		Permissions: spec.Permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    spec.Issuer,
			Subject:   spec.UserID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	if spec.Audience != "" {
		claims.Audience = jwt.ClaimStrings{spec.Audience}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// GenerateRefreshToken mints a signed refresh token carrying only the subject.
func GenerateRefreshToken(userID, secret string, ttl time.Duration) (string, error) {
	if len(secret) < minSecretLen {
		return "", ErrShortSecret
	}

	if ttl == 0 {
		ttl = DefaultRefreshTokenTTL
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// GenerateTokens mints the access/refresh pair handed out at login.
func GenerateTokens(spec TokenSpec, secret string, refreshTTL time.Duration) (accessToken, refreshToken string, err error) {
	accessToken, err = GenerateAccessToken(spec, secret)
	if err != nil {
		return "", "", err
	}

	refreshToken, err = GenerateRefreshToken(spec.UserID, secret, refreshTTL)
	if err != nil {
		return "", "", err
	}

	return accessToken, refreshToken, nil
}

// DecodeTokenWithoutVerification decodes a token's claims without checking the
// signature. Inspection only; never authenticate with the result.
func DecodeTokenWithoutVerification(tokenString string) (*TokenPayload, error) {
	token, _, err := new(jwt.Parser).ParseUnverified(tokenString, &TokenPayload{})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*TokenPayload); ok {
		return claims, nil
	}
	return nil, ErrInvalidToken
}
