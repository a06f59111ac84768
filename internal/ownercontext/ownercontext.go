// Package ownercontext extracts the caller's owner_id from a bearer token
// and propagates it through the request context, the way the teacher's
// auth package validates a token and stashes a UserContext. Unlike the
// teacher, there is no login, refresh, or scope model here: HTTP routing
// and session issuance are someone else's problem, this package only
// answers "whose upload/job is this".
package ownercontext

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mediascribe/coreplane/internal/coreerr"
)

type contextKey string

// OwnerKey is the context key under which the resolved owner_id is stored.
const OwnerKey contextKey = "owner_id"

// Claims is the minimal set of claims this package reads off an access
// token. Anything else a caller's identity provider puts on the token is
// ignored.
type Claims struct {
	jwt.RegisteredClaims
	OwnerID string `json:"owner_id"`
}

// Resolver validates bearer tokens and extracts owner_id.
type Resolver struct {
	secret []byte
	devOwner string // non-empty enables dev-mode bypass, mirroring skipAuth
}

// New builds a Resolver around an HS256 signing secret.
func New(secret string) *Resolver {
	return &Resolver{secret: []byte(secret)}
}

// NewDev builds a Resolver that always resolves to a fixed owner_id
// without validating any token, for local development.
func NewDev(devOwner string) *Resolver {
	return &Resolver{devOwner: devOwner}
}

// ExtractBearerToken strips the "Bearer " prefix off an Authorization
// header value.
func ExtractBearerToken(authHeader string) (string, error) {
	if authHeader == "" {
		return "", coreerr.New(coreerr.Forbidden, "missing authorization header")
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", coreerr.New(coreerr.Forbidden, "authorization header is not a bearer token")
	}
	return strings.TrimSpace(parts[1]), nil
}

// Resolve validates token and returns the owner_id carried on it.
func (r *Resolver) Resolve(token string) (string, error) {
	if r.devOwner != "" {
		return r.devOwner, nil
	}
	if token == "" {
		return "", coreerr.New(coreerr.Forbidden, "empty token")
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, coreerr.New(coreerr.Forbidden, "unexpected signing method")
		}
		return r.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", coreerr.Wrap(coreerr.Forbidden, "invalid access token", err)
	}
	if claims.OwnerID == "" {
		return "", coreerr.New(coreerr.Forbidden, "access token carries no owner_id")
	}
	return claims.OwnerID, nil
}

// HTTPMiddleware resolves the caller's owner_id from the Authorization
// header and stashes it on the request context under OwnerKey, mirroring
// the teacher's HTTPMiddleware bearer-token path without its scope/role
// machinery.
func (r *Resolver) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var ownerID string
		var err error

		if r.devOwner != "" {
			ownerID = r.devOwner
		} else {
			var token string
			token, err = ExtractBearerToken(req.Header.Get("Authorization"))
			if err == nil {
				ownerID, err = r.Resolve(token)
			}
		}
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(req.Context(), OwnerKey, ownerID)
		next.ServeHTTP(w, req.WithContext(ctx))
	})
}

// FromContext returns the owner_id stashed by HTTPMiddleware.
func FromContext(ctx context.Context) (string, bool) {
	ownerID, ok := ctx.Value(OwnerKey).(string)
	return ownerID, ok && ownerID != ""
}
