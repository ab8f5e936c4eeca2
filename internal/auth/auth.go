// Package auth verifies the identity tokens issued by the storefront.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"examhub/internal/logger"
	"examhub/internal/model"
)

var (
	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid token")
	// ErrNoSecret is returned for every token when no signing secret is set.
	ErrNoSecret = errors.New("token verification is not configured")
)

// Claims is the JWT payload.
type Claims struct {
	UserID      string `json:"user_id"`
	Username    string `json:"username"`
	IsStaff     bool   `json:"is_staff"`
	ForumAccess bool   `json:"forum_access"`
	jwt.RegisteredClaims
}

// Identity converts the claims into the user the core works with.
func (c *Claims) Identity() model.Identity {
	return model.Identity{
		UserID:      c.UserID,
		Username:    c.Username,
		IsStaff:     c.IsStaff,
		ForumAccess: c.ForumAccess,
	}
}

// Verifier signs and checks HS256 tokens.
type Verifier struct {
	secret []byte
	issuer string
	parser *jwt.Parser
}

func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		issuer: issuer,
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}
}

// Issue signs a token for id valid for ttl.
func (v *Verifier) Issue(id model.Identity, ttl time.Duration) (string, error) {
	if len(v.secret) == 0 {
		return "", ErrNoSecret
	}
	now := time.Now()
	claims := Claims{
		UserID:      id.UserID,
		Username:    id.Username,
		IsStaff:     id.IsStaff,
		ForumAccess: id.ForumAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Verify parses tokenStr and returns the identity it carries.
func (v *Verifier) Verify(tokenStr string) (model.Identity, error) {
	if tokenStr == "" {
		return model.Identity{}, ErrMissingToken
	}
	// 空の鍵で署名されたトークンは誰でも作れる
	if len(v.secret) == 0 {
		return model.Identity{}, fmt.Errorf("%w: %w", ErrInvalidToken, ErrNoSecret)
	}
	claims := &Claims{}
	token, err := v.parser.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return model.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.UserID == "" {
		return model.Identity{}, fmt.Errorf("%w: missing user_id", ErrInvalidToken)
	}
	if v.issuer != "" && claims.Issuer != "" && claims.Issuer != v.issuer {
		return model.Identity{}, fmt.Errorf("%w: unexpected issuer %q", ErrInvalidToken, claims.Issuer)
	}
	return claims.Identity(), nil
}

// TokenFromRequest reads the bearer token, falling back to the "token" query
// parameter when allowQuery is set (browsers cannot set headers on a
// WebSocket upgrade).
func TokenFromRequest(r *http.Request, allowQuery bool) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
		return ""
	}
	if allowQuery {
		return r.URL.Query().Get("token")
	}
	return ""
}

// Authenticate verifies the request's token.
func (v *Verifier) Authenticate(r *http.Request, allowQuery bool) (model.Identity, error) {
	return v.Verify(TokenFromRequest(r, allowQuery))
}

type ctxKey struct{}

// WithIdentity stores id in ctx.
func WithIdentity(ctx context.Context, id model.Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the identity stored by Middleware.
func FromContext(ctx context.Context) (model.Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(model.Identity)
	return id, ok
}

// Middleware rejects requests without a valid token with 401.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := v.Authenticate(r, false)
		if err != nil {
			logger.Warnf("[%s %s] ❌ Unauthorized: %v", r.Method, r.URL.Path, err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"ok":false,"error":"authentication required"}`))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}
