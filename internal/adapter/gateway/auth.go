package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"shellpilot/internal/domain"
	"shellpilot/internal/infra/config"
)

// ClientInfo holds metadata about an authenticated gateway client.
type ClientInfo struct {
	Name  string
	Roles []string

	// push delivers an event frame to the WebSocket connection the client
	// is using. It is nil for REST callers.
	push func(Frame) bool
}

// Authenticator validates incoming gateway requests.
type Authenticator interface {
	Authenticate(token string) (*ClientInfo, error)
}

type authEntry struct {
	token []byte
	info  ClientInfo
}

// StaticTokenAuth authenticates clients against the configured token list
// using constant-time comparison.
type StaticTokenAuth struct {
	entries []authEntry
}

// NewStaticTokenAuth builds an authenticator from the gateway token config.
func NewStaticTokenAuth(tokens []config.TokenConfig) *StaticTokenAuth {
	a := &StaticTokenAuth{entries: make([]authEntry, 0, len(tokens))}
	for _, t := range tokens {
		if t.Token == "" {
			continue
		}
		a.entries = append(a.entries, authEntry{
			token: []byte(t.Token),
			info:  ClientInfo{Name: t.Name, Roles: t.Roles},
		})
	}
	return a
}

// Authenticate returns a fresh ClientInfo if the token is valid. Every
// entry is compared so timing does not reveal which token matched.
func (s *StaticTokenAuth) Authenticate(token string) (*ClientInfo, error) {
	if token == "" {
		return nil, domain.ErrGatewayAuthFailed
	}
	tokenBytes := []byte(token)
	var match *ClientInfo
	for i := range s.entries {
		if subtle.ConstantTimeCompare(tokenBytes, s.entries[i].token) == 1 && match == nil {
			info := s.entries[i].info
			match = &info
		}
	}
	if match == nil {
		return nil, domain.ErrGatewayAuthFailed
	}
	return match, nil
}

// requestToken reads the bearer token from the Authorization header or the
// token query parameter.
func requestToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	return r.URL.Query().Get("token")
}

// requireAuth rejects requests without a valid token.
func requireAuth(auth Authenticator, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := auth.Authenticate(requestToken(r)); err != nil {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized", Code: domain.CodeGatewayAuth})
			return
		}
		next.ServeHTTP(w, r)
	})
}
