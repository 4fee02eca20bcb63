package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/coedit/internal/auditctx"
	iauth "github.com/charlesng35/coedit/internal/auth"
	"github.com/charlesng35/coedit/pkg/errors"
	"github.com/charlesng35/coedit/pkg/response"
)

const (
	CtxClaimsKey   = "authClaims"
	CtxUserIDKey   = "userID"
	CtxUserNameKey = "userName"
)

// Auth enforces JWT authentication using the supplied JWT service. Browsers cannot
// set headers on websocket upgrades, so a token query parameter is accepted too.
func Auth(jwt *iauth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.Header("WWW-Authenticate", "Bearer")
			response.Error(c, errors.ErrUnauthorized)
			c.Abort()
			return
		}

		claims, err := jwt.ValidateAccessToken(token)
		if err != nil {
			// every validation failure is a 401
			c.Header("WWW-Authenticate", "Bearer")
			response.Error(c, errors.ErrUnauthorized)
			c.Abort()
			return
		}

		c.Set(CtxClaimsKey, claims)
		c.Set(CtxUserIDKey, claims.Identity())
		if claims.Name != "" {
			c.Set(CtxUserNameKey, claims.Name)
		}

		ctx := auditctx.WithActor(c.Request.Context(), auditctx.Actor{
			UserID:    claims.Identity(),
			Username:  claims.Name,
			IPAddress: c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
		})
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	authz := c.GetHeader("Authorization")
	if len(authz) > 7 && strings.EqualFold(authz[:7], "Bearer ") {
		return strings.TrimSpace(authz[7:])
	}
	for _, key := range []string{"token", "access_token"} {
		if token := strings.TrimSpace(c.Query(key)); token != "" {
			return token
		}
	}
	return ""
}
