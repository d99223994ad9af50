package jwtauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"orgcrm/internal/upstream"
)

// ErrUnauthenticated is matched by every verification failure. The more
// specific reasons below wrap it so callers can log the exact cause while
// answering every one of them with a 401.
var ErrUnauthenticated = errors.New("unauthenticated")

var (
	ErrMissingCredential = fmt.Errorf("%w: missing credential", ErrUnauthenticated)
	ErrNoMatchingKey     = fmt.Errorf("%w: no matching key", ErrUnauthenticated)
	ErrExpired           = fmt.Errorf("%w: expired", ErrUnauthenticated)
	ErrBadClaims         = fmt.Errorf("%w: bad claims", ErrUnauthenticated)
	ErrBadSignature      = fmt.Errorf("%w: bad signature", ErrUnauthenticated)
	ErrMalformed         = fmt.Errorf("%w: malformed", ErrUnauthenticated)
)

// Claims represents the JWT claims from Auth0.
type Claims struct {
	jwt.RegisteredClaims
	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified,omitempty"`
	Name          string `json:"name,omitempty"`
	Nickname      string `json:"nickname,omitempty"`

	// Raw holds every claim in the token, including custom namespaced ones.
	Raw map[string]any `json:"-"`
}

func (c *Claims) UnmarshalJSON(data []byte) error {
	type plain Claims
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = Claims(p)
	c.Raw = raw
	return nil
}

// SubjectID returns the stable identity identifier (the sub claim).
func (c *Claims) SubjectID() string {
	return c.Subject
}

// DisplayName prefers the nickname, then the full name, then the email.
func (c *Claims) DisplayName() string {
	switch {
	case c.Nickname != "":
		return c.Nickname
	case c.Name != "":
		return c.Name
	default:
		return c.Email
	}
}

// Verifier handles JWT verification using Auth0.
type Verifier struct {
	domain   string
	audience string
	jwks     *JWKSCache
}

// Config holds Auth0 JWT verification configuration.
type Config struct {
	Domain     string // e.g., "your-tenant.auth0.com"
	Audience   string // e.g., "https://api.orgcrm.io"
	HTTPClient *http.Client
}

// NewVerifier creates a new JWT verifier.
func NewVerifier(cfg Config) (*Verifier, error) {
	if cfg.Domain == "" {
		return nil, errors.New("domain is required")
	}
	if cfg.Audience == "" {
		return nil, errors.New("audience is required")
	}

	domain := strings.TrimPrefix(cfg.Domain, "https://")
	domain = strings.TrimPrefix(domain, "http://")
	domain = strings.TrimSuffix(domain, "/")

	return &Verifier{
		domain:   domain,
		audience: cfg.Audience,
		jwks:     NewJWKSCache(fmt.Sprintf("https://%s/.well-known/jwks.json", domain), cfg.HTTPClient),
	}, nil
}

// Issuer is the value expected in the iss claim.
func (v *Verifier) Issuer() string {
	return fmt.Sprintf("https://%s/", v.domain)
}

// Verify checks the signature, expiry, audience and issuer of a bearer
// credential and returns its claims. Failures wrap ErrUnauthenticated with
// a distinct reason, except a signing key fetch failure, which wraps
// upstream.ErrUnavailable.
func (v *Verifier) Verify(ctx context.Context, tokenString string) (*Claims, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return nil, ErrMissingCredential
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, fmt.Errorf("%w: missing kid in token header", ErrNoMatchingKey)
		}
		return v.jwks.GetKey(ctx, kid)
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithAudience(v.audience),
		jwt.WithIssuer(v.Issuer()),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, classify(err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrMalformed
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrBadClaims)
	}

	return claims, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, upstream.ErrUnavailable):
		return err
	case errors.Is(err, ErrNoMatchingKey):
		return err
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrExpired, err)
	case errors.Is(err, jwt.ErrTokenInvalidAudience),
		errors.Is(err, jwt.ErrTokenInvalidIssuer),
		errors.Is(err, jwt.ErrTokenNotValidYet),
		errors.Is(err, jwt.ErrTokenUsedBeforeIssued),
		errors.Is(err, jwt.ErrTokenRequiredClaimMissing),
		errors.Is(err, jwt.ErrTokenInvalidClaims):
		return fmt.Errorf("%w: %v", ErrBadClaims, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	default:
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
}

// Reason returns a short label for a verification error, for logging.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrMissingCredential):
		return "missing credential"
	case errors.Is(err, ErrNoMatchingKey):
		return "no matching key"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrBadClaims):
		return "bad claims"
	case errors.Is(err, ErrBadSignature):
		return "bad signature"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	case errors.Is(err, upstream.ErrUnavailable):
		return "jwks unavailable"
	default:
		return "unknown"
	}
}

type contextKey string

const claimsContextKey contextKey = "jwtclaims"

// WithClaims returns a copy of ctx carrying the verified claims.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}

// GetClaims retrieves JWT claims from the request context.
func GetClaims(ctx context.Context) *Claims {
	claims, _ := ctx.Value(claimsContextKey).(*Claims)
	return claims
}
