package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"floodworker/pkg/auth"
)

const (
	// AuthHeaderKey is the standard Authorization header
	AuthHeaderKey = "Authorization"
	// APIKeyHeaderKey is the custom API key header
	APIKeyHeaderKey = "X-API-Key"
	// SessionCookie is the cookie the site stores its token in.
	SessionCookie = "jwt"
	// ContextUserKey is the key used to store user claims in context
	ContextUserKey = "user"
	// ContextRequestIDKey is the key used to store request ID
	ContextRequestIDKey = "request_id"
)

// AuthConfig holds authentication middleware configuration. Either
// method may be nil, in which case it is not offered.
type AuthConfig struct {
	JWTService *auth.JWTService
	APIKeys    auth.KeyValidator
	SkipPaths  []string // Paths that don't require authentication
}

// AuthMiddleware accepts a site session token (Bearer header or jwt
// cookie) or an API key.
func AuthMiddleware(config AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, path := range config.SkipPaths {
			if matchPath(c.Request.URL.Path, path) {
				c.Next()
				return
			}
		}

		if claims, err := tryJWTAuth(c, config.JWTService); claims != nil {
			setUserContext(c, claims)
			c.Next()
			return
		} else if err != nil && !errors.Is(err, auth.ErrMissingToken) {
			abortUnauthorized(c, tokenMessage(err))
			return
		}

		if claims := tryAPIKeyAuth(c, config.APIKeys); claims != nil {
			setUserContext(c, claims)
			c.Next()
			return
		}

		abortUnauthorized(c, "You are not logged in! Please log in to get access.")
	}
}

func abortUnauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"status":  "fail",
		"message": message,
	})
}

func tokenMessage(err error) string {
	if errors.Is(err, auth.ErrExpiredToken) {
		return "Your token has expired! Please log in again."
	}
	return "Invalid token. Please log in again."
}

// tryJWTAuth returns ErrMissingToken when no token was presented.
func tryJWTAuth(c *gin.Context, jwtService *auth.JWTService) (*auth.Claims, error) {
	if jwtService == nil {
		return nil, auth.ErrMissingToken
	}

	token := bearerToken(c.GetHeader(AuthHeaderKey))
	if token == "" {
		if cookie, err := c.Cookie(SessionCookie); err == nil && cookie != "loggedout" {
			token = cookie
		}
	}
	if token == "" {
		return nil, auth.ErrMissingToken
	}
	return jwtService.ValidateToken(token)
}

func bearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func tryAPIKeyAuth(c *gin.Context, keys auth.KeyValidator) *auth.Claims {
	if keys == nil {
		return nil
	}

	apiKey := c.GetHeader(APIKeyHeaderKey)
	if apiKey == "" {
		return nil
	}

	info, err := keys.ValidateKey(c.Request.Context(), apiKey)
	if err != nil {
		return nil
	}

	return &auth.Claims{
		UserID: info.OwnerID,
		Role:   info.Role,
	}
}

func setUserContext(c *gin.Context, claims *auth.Claims) {
	c.Set(ContextUserKey, claims)
}

// GetUserFromContext retrieves user claims from the request context
func GetUserFromContext(c *gin.Context) (*auth.Claims, bool) {
	value, exists := c.Get(ContextUserKey)
	if !exists {
		return nil, false
	}
	claims, ok := value.(*auth.Claims)
	return claims, ok
}

// RequireRole creates a middleware that requires a minimum role level
func RequireRole(required auth.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := GetUserFromContext(c)
		if !ok {
			abortUnauthorized(c, "authentication required")
			return
		}

		if !claims.Role.HasPermission(required) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"status":  "fail",
				"message": "You do not have permission to perform this action.",
			})
			return
		}

		c.Next()
	}
}

// matchPath checks if a request path matches a pattern
// Supports wildcards: /api/* matches /api/anything
func matchPath(path, pattern string) bool {
	if strings.HasSuffix(pattern, "*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(path, prefix)
	}
	return path == pattern
}
