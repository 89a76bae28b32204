package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	authorizationHeaderKey  = "Authorization"
	authorizationTypeBearer = "bearer"
	authorizationQueryKey   = "token"
)

// BridgeAuth returns a Gin middleware that requires the bridge token as a
// bearer token. EventSource clients cannot set headers, so a token query
// parameter is accepted too. An empty token disables the check.
func BridgeAuth(token string) gin.HandlerFunc {
	expected := []byte(token)
	return func(c *gin.Context) {
		if len(expected) == 0 {
			c.Next()
			return
		}

		provided := c.Query(authorizationQueryKey)
		if authHeader := c.GetHeader(authorizationHeaderKey); authHeader != "" {
			fields := strings.Fields(authHeader)
			if len(fields) < 2 {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization header format"})
				return
			}
			if strings.ToLower(fields[0]) != authorizationTypeBearer {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unsupported authorization type, 'Bearer' required"})
				return
			}
			provided = fields[1]
		}

		if provided == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header is not provided"})
			return
		}
		if subtle.ConstantTimeCompare([]byte(provided), expected) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid bridge token"})
			return
		}
		c.Next()
	}
}
