package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Principal is the authenticated caller attached to the request
// context.
type Principal struct {
	ActorID        string
	OrganizationID string
	Source         string // "api_key" or "jwt"
}

type principalKey struct{}

// PrincipalFrom returns the authenticated principal, if any.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// ParseAPIKeys parses the MCP_API_KEYS format: a comma-separated list
// of key:actorId:orgId triples.
func ParseAPIKeys(raw string) (map[string]Principal, error) {
	keys := make(map[string]Principal)
	if strings.TrimSpace(raw) == "" {
		return keys, nil
	}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("malformed api key entry %q, want key:actorId:orgId", entry)
		}
		keys[parts[0]] = Principal{ActorID: parts[1], OrganizationID: parts[2], Source: "api_key"}
	}
	return keys, nil
}

// Authenticator validates API keys and bearer JWTs.
type Authenticator struct {
	keys      map[string]Principal
	jwtSecret []byte
}

// NewAuthenticator builds one. A nil or empty secret disables JWT
// auth; an empty key map disables API key auth.
func NewAuthenticator(keys map[string]Principal, jwtSecret []byte) *Authenticator {
	if keys == nil {
		keys = map[string]Principal{}
	}
	return &Authenticator{keys: keys, jwtSecret: jwtSecret}
}

// Middleware authenticates every request via X-API-Key or a bearer
// token and attaches the principal to the context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if key := r.Header.Get("X-API-Key"); key != "" {
			p, ok := a.keys[key]
			if !ok {
				WriteError(w, r, http.StatusUnauthorized, "Unauthorized", "unknown api key")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
			return
		}

		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") && len(a.jwtSecret) > 0 {
			p, err := a.verifyJWT(strings.TrimPrefix(auth, "Bearer "))
			if err != nil {
				WriteError(w, r, http.StatusUnauthorized, "Unauthorized", "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
			return
		}

		WriteError(w, r, http.StatusUnauthorized, "Unauthorized", "authentication required")
	})
}

func (a *Authenticator) verifyJWT(raw string) (Principal, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.jwtSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return Principal{}, err
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Principal{}, fmt.Errorf("token missing sub claim")
	}
	org, _ := claims["org"].(string)
	return Principal{ActorID: sub, OrganizationID: org, Source: "jwt"}, nil
}
