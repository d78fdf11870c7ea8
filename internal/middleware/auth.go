package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"

	"callbridge-backend/pkg/jwt"
	"callbridge-backend/pkg/response"
)

// RevocationChecker defines interface for checking if a token is revoked (blacklisted)
type RevocationChecker interface {
	IsTokenRevoked(ctx context.Context, tokenString string) (bool, error)
}

// AuthMiddleware creates a Gin middleware that validates JWT tokens.
// On success it sets user_id and username in the Gin context.
// revocationChecker may be nil; revocation is best-effort and fails open
// when Redis is unavailable.
func AuthMiddleware(jwtManager *jwt.Manager, revocationChecker RevocationChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			response.Unauthorized(c, "Authorization header required")
			c.Abort()
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			response.Unauthorized(c, "Invalid authorization header format")
			c.Abort()
			return
		}

		tokenString := parts[1]

		claims, err := jwtManager.ValidateToken(tokenString)
		if err != nil {
			response.Unauthorized(c, "Invalid token")
			c.Abort()
			return
		}

		if !hasAudience(claims, "callbridge-api") {
			response.Unauthorized(c, "Invalid token audience")
			c.Abort()
			return
		}

		if revocationChecker != nil {
			revoked, err := revocationChecker.IsTokenRevoked(c.Request.Context(), tokenString)
			if err == nil && revoked {
				response.Unauthorized(c, "Token revoked")
				c.Abort()
				return
			}
			// Fail-open on checker error: signature validation already
			// passed and revocation is a soft layer
		}

		c.Set("user_id", claims.UserID)
		c.Set("username", claims.Username)
		c.Next()
	}
}

func hasAudience(claims *jwt.Claims, audience string) bool {
	for _, aud := range claims.Audience {
		if aud == audience {
			return true
		}
	}
	return false
}
