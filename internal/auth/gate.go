package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

// Credentials is the material an auth message may carry.
type Credentials struct {
	Token  string
	APIKey string
}

// GateConfig carries the deployment's authentication settings.
type GateConfig struct {
	Required bool
	Secret   string
	Issuer   string
	Audience string
	APIKeys  []string
}

// Gate is the single checkpoint every connection's credentials pass through
// before the connection may touch documents.
type Gate struct {
	required   bool
	secret     string
	parserOpts []jwt.ParserOption
	apiKeys    map[string]struct{}
}

// NewGate validates the configuration and builds a Gate. A weak secret or a
// required-auth deployment with no credentials configured fails at boot.
func NewGate(cfg GateConfig) (*Gate, error) {
	if cfg.Secret != "" && len(cfg.Secret) < minSecretLen {
		return nil, ErrShortSecret
	}
	if cfg.Required && cfg.Secret == "" && len(cfg.APIKeys) == 0 {
		return nil, errors.New("authentication required but neither jwt secret nor api keys configured")
	}

	var opts []jwt.ParserOption
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	keys := make(map[string]struct{}, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		if k != "" {
			keys[k] = struct{}{}
		}
	}

	return &Gate{
		required:   cfg.Required,
		secret:     cfg.Secret,
		parserOpts: opts,
		apiKeys:    keys,
	}, nil
}

// Required reports whether connections must present credentials.
func (g *Gate) Required() bool {
	return g.required
}

// Authenticate resolves credentials to a principal. With authentication
// disabled it returns the anonymous admin regardless of input. An API key, if
// present, is checked before any bearer token.
func (g *Gate) Authenticate(creds Credentials) (*TokenPayload, error) {
	if !g.required {
		return AnonymousAdmin(), nil
	}

	if creds.APIKey != "" {
		for key := range g.apiKeys {
			if subtle.ConstantTimeCompare([]byte(key), []byte(creds.APIKey)) == 1 {
				return apiKeyPrincipal(creds.APIKey), nil
			}
		}
		return nil, ErrUnknownAPIKey
	}

	if creds.Token != "" {
		if g.secret == "" {
			return nil, ErrInvalidToken
		}
		return VerifyToken(creds.Token, g.secret, g.parserOpts...)
	}

	return nil, ErrMissingCredentials
}

// AnonymousAdmin is the principal used when authentication is disabled.
func AnonymousAdmin() *TokenPayload {
	return &TokenPayload{
		UserID:      "anonymous",
		Permissions: CreateAdminPermissions(),
	}
}

// API keys authenticate services, so they carry admin scope. The fingerprint
// keeps distinct keys tellable apart in logs and session records without
// exposing the key itself.
func apiKeyPrincipal(key string) *TokenPayload {
	sum := sha256.Sum256([]byte(key))
	return &TokenPayload{
		UserID:      "apikey-" + hex.EncodeToString(sum[:4]),
		Permissions: CreateAdminPermissions(),
	}
}
