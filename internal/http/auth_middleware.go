package httpx

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	jwtpkg "github.com/splax/filify/pkg/jwt"
)

type authContextKey string

// Actors recorded for authenticated requests.
const (
	actorUser    = "user"
	actorBuilder = "builder"
)

type authInfo struct {
	Actor   string
	Subject string
}

const contextKeyAuth authContextKey = "filify-auth-info"

type contextSetter interface {
	SetContext(context.Context)
}

// requireUser accepts API-scoped bearer tokens.
func (r *Router) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		info, err := r.userAuth(req)
		if err != nil {
			r.logger.Warn("token validation failed", "error", err, "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		r.serveAuthenticated(w, req, info, next)
	})
}

// requireBuilder accepts the shared build worker token.
func (r *Router) requireBuilder(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !r.verifyBuilderToken(w, req) {
			return
		}
		r.serveAuthenticated(w, req, authInfo{Actor: actorBuilder, Subject: "builder"}, next)
	})
}

// requireUserOrBuilder lets either credential through. The builder token is
// checked first when its header is present.
func (r *Router) requireUserOrBuilder(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if strings.TrimSpace(req.Header.Get("X-Builder-Token")) != "" {
			r.requireBuilder(next).ServeHTTP(w, req)
			return
		}
		r.requireUser(next).ServeHTTP(w, req)
	})
}

func (r *Router) serveAuthenticated(w http.ResponseWriter, req *http.Request, info authInfo, next http.Handler) {
	ctx := context.WithValue(req.Context(), contextKeyAuth, info)
	if setter, ok := w.(contextSetter); ok {
		setter.SetContext(ctx)
	}
	next.ServeHTTP(w, req.WithContext(ctx))
}

func (r *Router) userAuth(req *http.Request) (authInfo, error) {
	token, err := bearerToken(req.Header.Get("Authorization"))
	if err != nil {
		// Browsers cannot set headers on websocket or EventSource requests.
		token = strings.TrimSpace(req.URL.Query().Get("access_token"))
		if token == "" {
			return authInfo{}, err
		}
	}
	claims, err := jwtpkg.ParseScoped(token, r.jwtSecret, jwtpkg.ScopeAPI)
	if err != nil {
		return authInfo{}, err
	}
	return authInfo{Actor: actorUser, Subject: claims.Subject}, nil
}

// authInfoFromContext extracts auth metadata from context.
func authInfoFromContext(ctx context.Context) (authInfo, bool) {
	value := ctx.Value(contextKeyAuth)
	if value == nil {
		return authInfo{}, false
	}
	info, ok := value.(authInfo)
	return info, ok
}

func bearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", errors.New("missing authorization header")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}

// verifyBuilderToken ensures builder requests include the configured secret.
func (r *Router) verifyBuilderToken(w http.ResponseWriter, req *http.Request) bool {
	expected := r.builderToken
	if expected == "" {
		r.logger.Error("builder token not configured", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "builder authentication misconfigured")
		return false
	}
	token := strings.TrimSpace(req.Header.Get("X-Builder-Token"))
	if len(token) != len(expected) || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		r.logger.Warn("builder token mismatch", "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "invalid builder token")
		return false
	}
	return true
}
