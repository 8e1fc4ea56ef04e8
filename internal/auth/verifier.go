// Package auth verifies access tokens and extracts the caller identity.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// ErrNoIdentity is returned for every token that does not resolve to an identity.
var ErrNoIdentity = errors.New("no identity")

// identityClaims are read in order; the account service issues "id".
var identityClaims = []string{"id", "sub"}

// HMACVerifier verifies tokens signed with a shared secret.
type HMACVerifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewHMACVerifier creates a verifier for HS256/384/512 tokens. An empty issuer
// disables the issuer check.
func NewHMACVerifier(secret, issuer string) *HMACVerifier {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithLeeway(30 * time.Second),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}

	return &HMACVerifier{
		secret: []byte(secret),
		parser: jwt.NewParser(opts...),
	}
}

// Verify returns the identity carried by the token.
func (v *HMACVerifier) Verify(ctx context.Context, token string) (string, error) {
	return verify(v.parser, token, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
}

// JWKSVerifier verifies RS256 tokens against a remote key set.
type JWKSVerifier struct {
	jwks   *keyfunc.JWKS
	parser *jwt.Parser
}

// NewJWKSVerifier fetches the key set and keeps it refreshed in the background.
func NewJWKSVerifier(ctx context.Context, jwksURL, issuer string, log zerolog.Logger) (*JWKSVerifier, error) {
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
		Ctx:               ctx,
		RefreshInterval:   5 * time.Minute,
		RefreshRateLimit:  time.Minute,
		RefreshUnknownKID: true,
		RefreshErrorHandler: func(err error) {
			log.Error().Err(err).Str("jwks_url", jwksURL).Msg("jwks refresh failed")
		},
	})
	if err != nil {
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithLeeway(30 * time.Second),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}

	log.Info().Str("jwks_url", jwksURL).Msg("jwks loaded")

	return &JWKSVerifier{jwks: jwks, parser: jwt.NewParser(opts...)}, nil
}

// Verify returns the identity carried by the token.
func (v *JWKSVerifier) Verify(ctx context.Context, token string) (string, error) {
	return verify(v.parser, token, v.jwks.Keyfunc)
}

// Close stops the background refresh.
func (v *JWKSVerifier) Close() {
	v.jwks.EndBackground()
}

func verify(parser *jwt.Parser, raw string, keyFunc jwt.Keyfunc) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: missing token", ErrNoIdentity)
	}

	claims := jwt.MapClaims{}
	token, err := parser.ParseWithClaims(raw, claims, keyFunc)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNoIdentity, err)
	}
	if !token.Valid {
		return "", fmt.Errorf("%w: token is not valid", ErrNoIdentity)
	}

	for _, name := range identityClaims {
		if id := claimString(claims[name]); id != "" {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: identity claim absent", ErrNoIdentity)
}

func claimString(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return ""
	}
}
