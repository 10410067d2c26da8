package http

import (
	"net/http"
	"strings"

	"asclepius/internal/domain"

	"github.com/gin-gonic/gin"
)

const principalContextKey = "principal"

// requireIdentity authenticates the bearer token and stores the principal on
// the context. Every /v1 route sits behind it; consent and policy checks run
// later in the use cases, so this middleware only answers "who is calling".
func (s *Server) requireIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.initErr != nil || s.authenticator == nil {
			writeErrorCode(c, http.StatusInternalServerError, "AUTH_CONFIG_ERROR", "auth configuration error")
			c.Abort()
			return
		}
		token := strings.TrimSpace(extractBearerToken(c.GetHeader("Authorization")))
		if token == "" {
			writeErrorCode(c, http.StatusUnauthorized, "UNAUTHENTICATED", "missing bearer token")
			c.Abort()
			return
		}
		principal, err := s.authenticator.Authenticate(c.Request.Context(), token)
		if err != nil {
			writeErrorCode(c, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid bearer token")
			c.Abort()
			return
		}
		c.Set(principalContextKey, principal)
		c.Next()
	}
}

func extractBearerToken(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if !strings.HasPrefix(strings.ToLower(value), "bearer ") {
		return ""
	}
	return strings.TrimSpace(value[len("bearer "):])
}

func getPrincipal(c *gin.Context) (domain.Principal, bool) {
	raw, ok := c.Get(principalContextKey)
	if !ok {
		return domain.Principal{}, false
	}
	principal, ok := raw.(domain.Principal)
	return principal, ok
}

func mustPrincipal(c *gin.Context) (domain.Principal, bool) {
	principal, ok := getPrincipal(c)
	if !ok || principal.ActorID == "" {
		writeErrorCode(c, http.StatusUnauthorized, "UNAUTHENTICATED", "missing identity")
		return domain.Principal{}, false
	}
	return principal, true
}
