package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const apiKeyContextKey = "auth_api_key"

// Middleware resolves the credential for the request: an explicit bearer
// token wins, otherwise the stored key is used.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := s.extractToken(c)
		if key == "" {
			stored, err := s.APIKey(c.Request.Context())
			if err != nil {
				if errors.Is(err, ErrMissingCredential) {
					c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
					return
				}
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			key = stored
		}
		c.Set(apiKeyContextKey, key)
		c.Next()
	}
}

// APIKeyFromContext retrieves the credential captured by the middleware.
func APIKeyFromContext(c *gin.Context) (string, bool) {
	val, ok := c.Get(apiKeyContextKey)
	if !ok {
		return "", false
	}
	key, ok := val.(string)
	return key, ok && key != ""
}

func (s *Service) extractToken(c *gin.Context) string {
	authHeader := c.GetHeader(s.headerName)
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	return ""
}
