package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the bearer token claims. Subject is the acting identity;
// Groups are the delivery groups the caller may also listen on.
type Claims struct {
	jwt.RegisteredClaims
	Groups []string `json:"groups,omitempty"`
}

// Principal is the authenticated caller.
type Principal struct {
	Identity string
	Groups   []string
}

// mayListen reports whether p may receive events addressed to identity.
func (p *Principal) mayListen(identity string) bool {
	return identity == p.Identity || slices.Contains(p.Groups, identity)
}

type principalKey struct{}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the authenticated caller, or nil when auth is off.
func PrincipalFrom(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}

// JWTValidator checks HS256 bearer tokens signed with a shared secret.
type JWTValidator struct {
	secret []byte
}

// NewJWTValidator returns nil for an empty secret, which turns auth off.
func NewJWTValidator(secret string) *JWTValidator {
	if secret == "" {
		return nil
	}
	return &JWTValidator{secret: []byte(secret)}
}

// Validate parses and validates a token string.
func (v *JWTValidator) Validate(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// Sign issues a token for claims. Used by operators and tests.
func (v *JWTValidator) Sign(claims Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

var publicPaths = []string{"/healthz"}

// AuthMiddleware requires a valid bearer token on every non-public path.
// Websocket clients that cannot set headers may pass ?access_token=.
func AuthMiddleware(v *JWTValidator, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if slices.Contains(publicPaths, r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		tokenStr := r.URL.Query().Get("access_token")
		if header := r.Header.Get("Authorization"); header != "" {
			scheme, token, ok := strings.Cut(header, " ")
			if !ok || scheme != "Bearer" {
				WriteUnauthorized(w, r, "Invalid Authorization header format (expected 'Bearer <token>')")
				return
			}
			tokenStr = token
		}
		if tokenStr == "" {
			WriteUnauthorized(w, r, "Missing Authorization header")
			return
		}

		claims, err := v.Validate(tokenStr)
		if err != nil {
			WriteUnauthorized(w, r, "Invalid or expired token")
			return
		}
		if claims.Subject == "" {
			WriteUnauthorized(w, r, "Token subject is required")
			return
		}

		ctx := WithPrincipal(r.Context(), &Principal{Identity: claims.Subject, Groups: claims.Groups})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// actingAs rejects the request with 403 when an authenticated caller acts
// for another identity. It reports whether the handler may continue.
func actingAs(w http.ResponseWriter, r *http.Request, identity string) bool {
	p := PrincipalFrom(r.Context())
	if p == nil || p.Identity == identity {
		return true
	}
	WriteForbidden(w, r, fmt.Sprintf("token subject %q cannot act as %q", p.Identity, identity))
	return false
}
