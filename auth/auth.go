// Package auth provides the authentication seam for network transports.
//
// Token storage and issuance live outside the core; this package only
// validates bearer tokens presented on HTTP, SSE, and WebSocket connections.
package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Principal is the authenticated identity a validator extracts from a token.
type Principal interface {
	Subject() string
	Claims() map[string]any
}

// TokenValidator checks a bearer token and returns its principal.
type TokenValidator interface {
	Validate(token string) (Principal, error)
}

// HMACConfig configures a shared-secret JWT validator.
type HMACConfig struct {
	Secret           []byte
	ExpectedIssuer   string
	ExpectedAudience string
	ClockSkew        time.Duration
}

// HMACTokenValidator validates HS256 JWTs against a shared secret.
type HMACTokenValidator struct {
	config HMACConfig
}

// NewHMACTokenValidator creates a validator for HS256 tokens.
func NewHMACTokenValidator(config HMACConfig) (*HMACTokenValidator, error) {
	if len(config.Secret) == 0 {
		return nil, fmt.Errorf("secret is required")
	}
	return &HMACTokenValidator{config: config}, nil
}

type jwtPrincipal struct {
	claims jwt.MapClaims
}

func (p *jwtPrincipal) Subject() string {
	sub, _ := p.claims.GetSubject()
	return sub
}

func (p *jwtPrincipal) Claims() map[string]any { return p.claims }

// Validate implements TokenValidator.
func (v *HMACTokenValidator) Validate(token string) (Principal, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithLeeway(v.config.ClockSkew),
	}
	if v.config.ExpectedIssuer != "" {
		opts = append(opts, jwt.WithIssuer(v.config.ExpectedIssuer))
	}
	if v.config.ExpectedAudience != "" {
		opts = append(opts, jwt.WithAudience(v.config.ExpectedAudience))
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return v.config.Secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("token is not valid")
	}
	return &jwtPrincipal{claims: claims}, nil
}

// BearerFromRequest extracts the bearer token from an Authorization header,
// returning "" when absent.
func BearerFromRequest(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}

// Middleware wraps an http.Handler, rejecting requests whose bearer token
// does not validate. A nil validator disables the check.
func Middleware(validator TokenValidator, next http.Handler) http.Handler {
	if validator == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := BearerFromRequest(r)
		if token == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		if _, err := validator.Validate(token); err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
