package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/zot/livequery/internal/stream"
)

var errUnauthorized = errors.New("unauthorized")

// authenticator checks HS256 bearer tokens. A token's subject, when set,
// is the only client id it may act as.
type authenticator struct {
	secret []byte
	parser *jwt.Parser
}

func newAuthenticator(secret string) *authenticator {
	if secret == "" {
		return nil
	}
	return &authenticator{
		secret: []byte(secret),
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}
}

// bearer returns the request's token. Browser EventSource and WebSocket
// clients pass it as the access_token query parameter.
func bearer(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		token, ok := strings.CutPrefix(h, "Bearer ")
		if ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}

// subject validates the request's token and returns its subject.
func (a *authenticator) subject(r *http.Request) (string, error) {
	raw := bearer(r)
	if raw == "" {
		return "", fmt.Errorf("%w: missing bearer token", errUnauthorized)
	}
	token, err := a.parser.Parse(raw, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", errUnauthorized, err)
	}
	return token.Claims.GetSubject()
}

// authenticated wraps next with bearer checks and resolves the client id.
// A token subject stands in for a missing client-id header.
func (h *HTTPEndpoint) authenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.auth == nil {
			next.ServeHTTP(w, r)
			return
		}
		sub, err := h.auth.subject(r)
		if err != nil {
			h.log(1, "Rejected %s %s: %v", r.Method, r.URL.Path, err)
			h.writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
			return
		}
		clientID := stream.ClientID(r)
		switch {
		case sub == "":
		case clientID == "":
			r = r.Clone(r.Context())
			r.Header.Set(stream.ClientIDHeader, sub)
		case clientID != sub:
			h.writeError(w, http.StatusForbidden, "forbidden", "client-id does not match token subject")
			return
		}
		next.ServeHTTP(w, r)
	})
}
