package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/metalmcp/metalmcp/internal/config"
	"github.com/metalmcp/metalmcp/internal/observability"
)

// APIKeyHeader is the header carrying the static client API key.
const APIKeyHeader = "X-API-Key"

// Auth authenticates requests. Two modes can be active at once: a
// static API key in X-API-Key, or a bearer JWT validated against the
// configured HMAC secret. A request passes if either mode accepts it.
// With neither mode configured, authentication is disabled.
func Auth(cfg config.AuthConfig, logger observability.Logger) gin.HandlerFunc {
	if cfg.APIKey == "" && cfg.JWT == nil {
		return func(c *gin.Context) { c.Next() }
	}

	return func(c *gin.Context) {
		if cfg.APIKey != "" {
			provided := c.GetHeader(APIKeyHeader)
			if provided != "" &&
				subtle.ConstantTimeCompare([]byte(provided), []byte(cfg.APIKey)) == 1 {
				c.Next()
				return
			}
		}

		if cfg.JWT != nil {
			if token := bearerToken(c); token != "" {
				if err := validateJWT(token, cfg.JWT); err == nil {
					c.Next()
					return
				} else {
					logger.WithContext(c.Request.Context()).Warn("jwt validation failed",
						observability.Error(err))
				}
			}
		}

		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	}
}

func bearerToken(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return auth[len(prefix):]
}

func validateJWT(token string, cfg *config.JWTConfig) error {
	opts := []jwt.ParseOption{
		jwt.WithKey(jwa.HS256, []byte(cfg.Secret)),
		jwt.WithValidate(true),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	_, err := jwt.ParseString(token, opts...)
	return err
}
