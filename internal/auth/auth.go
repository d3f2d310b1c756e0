// Package auth resolves the caller's identity once per request and hands it
// to the handlers through the request context.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/teamfolio/trade-engine/internal/model"
)

// Claims is the token payload: the subject is the user id.
type Claims struct {
	Nickname string `json:"nickname"`
	Admin    bool   `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

var errNoToken = errors.New("missing bearer token")

type ctxKey struct{}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id model.Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the identity the middleware attached, if any.
func FromContext(ctx context.Context) (model.Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(model.Identity)
	return id, ok
}

// Authenticator validates HS256 bearer tokens. In dev mode it trusts the
// X-User-ID and X-User-Nickname headers instead.
type Authenticator struct {
	secret []byte
	dev    bool
}

// New creates an authenticator for tokens signed with secret.
func New(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Dev creates an authenticator that takes identity from request headers.
// Never use it in production.
func Dev() *Authenticator {
	return &Authenticator{dev: true}
}

// Issue signs a token for id valid for ttl.
func (a *Authenticator) Issue(id model.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Nickname: id.Nickname,
		Admin:    id.Admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Identify resolves the caller of r.
func (a *Authenticator) Identify(r *http.Request) (model.Identity, error) {
	if a.dev {
		userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
		if userID == "" {
			return model.Identity{}, errors.New("missing X-User-ID header")
		}
		nick := strings.TrimSpace(r.Header.Get("X-User-Nickname"))
		if nick == "" {
			nick = userID
		}
		return model.Identity{UserID: userID, Nickname: nick, Admin: r.Header.Get("X-User-Admin") == "true"}, nil
	}

	raw := bearer(r)
	if raw == "" {
		return model.Identity{}, errNoToken
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return model.Identity{}, fmt.Errorf("invalid token: %w", err)
	}
	if claims.Subject == "" {
		return model.Identity{}, errors.New("invalid token: no subject")
	}
	nick := claims.Nickname
	if nick == "" {
		nick = claims.Subject
	}
	return model.Identity{UserID: claims.Subject, Nickname: nick, Admin: claims.Admin}, nil
}

// bearer extracts the token from the Authorization header, or from the
// token query parameter for WebSocket upgrades, which cannot set headers
// from a browser.
func bearer(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// Middleware rejects unauthenticated requests with 401 and attaches the
// identity to the context of the rest.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := a.Identify(r)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized", "message": err.Error()})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}
