package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/inkmere/collab-docs/backend/go/internal/v1/logging"
	"github.com/inkmere/collab-docs/backend/go/internal/v1/types"
)

// customClaims is the JWT claim set the hub accepts. Subject carries the
// stable user id; Name and Email are informational only, the authoritative
// profile comes from the metadata store.
type customClaims struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

func (c *customClaims) toClaims() *types.Claims {
	return &types.Claims{
		Subject: c.Subject,
		Name:    c.Name,
		Email:   c.Email,
	}
}

// SecretValidator validates HS256-signed tokens against a shared secret.
// This is the default credential mode; JWKS mode is opt-in via AUTH_DOMAIN.
type SecretValidator struct {
	secret []byte
}

// NewSecretValidator creates a validator for HS256 tokens. The secret must be
// at least 32 bytes; shorter secrets are rejected at config validation time,
// this check is the backstop.
func NewSecretValidator(secret string) (*SecretValidator, error) {
	if len(secret) < 32 {
		return nil, errors.New("jwt secret must be at least 32 bytes")
	}
	return &SecretValidator{secret: []byte(secret)}, nil
}

// ValidateToken parses and verifies an HS256 token and returns its claims.
// Tokens signed with any other algorithm are rejected.
func (s *SecretValidator) ValidateToken(tokenString string) (*types.Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &customClaims{},
		func(t *jwt.Token) (interface{}, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*customClaims)
	if !ok || !token.Valid {
		return nil, errors.New("token is invalid")
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}

	return claims.toClaims(), nil
}

// InsecureValidator accepts any non-empty token and treats its value as the
// user id. Development mode only: main refuses to construct it outside of it.
// The user must still exist in the metadata store, so the rest of the
// identity pipeline runs unchanged.
type InsecureValidator struct{}

// NewInsecureValidator creates the development-mode validator.
func NewInsecureValidator() *InsecureValidator {
	return &InsecureValidator{}
}

// ValidateToken returns claims whose subject is the raw token value.
func (v *InsecureValidator) ValidateToken(tokenString string) (*types.Claims, error) {
	if tokenString == "" {
		return nil, errors.New("token is empty")
	}
	return &types.Claims{Subject: tokenString}, nil
}

// Validator validates RS256 tokens using JWKS published by an identity
// provider, with issuer and audience checks.
type Validator struct {
	keyFunc  jwt.Keyfunc
	issuer   string
	audience []string
}

// NewValidator creates a Validator backed by the JWKS endpoint of the given
// domain. The key set is cached and refreshed hourly; the initial fetch runs
// eagerly so misconfiguration fails at startup rather than on the first
// connection. Additional jwk.RegisterOption values may be passed for tests.
func NewValidator(ctx context.Context, domain, audience string, regOpts ...jwk.RegisterOption) (*Validator, error) {
	issuerURL, err := url.Parse("https://" + domain + "/")
	if err != nil {
		return nil, fmt.Errorf("failed to parse issuer URL: %w", err)
	}

	jwksURL := issuerURL.JoinPath(".well-known/jwks.json").String()

	cache := jwk.NewCache(ctx)

	opts := []jwk.RegisterOption{jwk.WithRefreshInterval(1 * time.Hour)}
	opts = append(opts, regOpts...)

	if err := cache.Register(jwksURL, opts...); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL in cache: %w", err)
	}

	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed to fetch initial JWKS: %w", err)
	}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("kid header not found")
		}

		keys, err := cache.Get(ctx, jwksURL)
		if err != nil {
			return nil, fmt.Errorf("failed to get keys from cache: %w", err)
		}

		key, found := keys.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key with kid %s not found", kid)
		}

		var pubKey interface{}
		if err := key.Raw(&pubKey); err != nil {
			return nil, fmt.Errorf("failed to get raw public key: %w", err)
		}

		return pubKey, nil
	}

	return &Validator{
		keyFunc:  keyFunc,
		issuer:   issuerURL.String(),
		audience: []string{audience},
	}, nil
}

// ValidateToken parses and validates a JWT using the cached JWKS keys plus
// issuer and audience checks, and returns the claims if valid.
func (v *Validator) ValidateToken(tokenString string) (*types.Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &customClaims{}, v.keyFunc,
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience[0]),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*customClaims)
	if !ok || !token.Valid {
		return nil, errors.New("token is invalid")
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}

	return claims.toClaims(), nil
}

// GetAllowedOriginsFromEnv returns the configured allowed origins, falling
// back to the given defaults when the variable is unset.
// Example: ALLOWED_ORIGINS="http://localhost:3000,https://your-app.com"
func GetAllowedOriginsFromEnv(envVarName string, defaultEnvs []string) []string {
	originsStr := os.Getenv(envVarName)
	if originsStr == "" {
		logging.Warn(context.Background(), fmt.Sprintf("%s environment variable not set. Using default development origins: %v", envVarName, defaultEnvs))
		return defaultEnvs
	}
	origins := strings.Split(originsStr, ",")
	for i := range origins {
		origins[i] = strings.TrimSpace(origins[i])
	}
	return origins
}
