package security

import (
	"net/http"
	"strings"

	"PPRealtime/logger"
	"PPRealtime/tools/errs"
	jwt "PPRealtime/tools/security"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// context key
const (
	PPCtxAuthKey  = "authorization" // string, raw token
	PPCtxTokenKey = "tokenInfo"     // *jwt.TokenInfo
)

type Options struct {
	JWT                       jwt.Options
	EnableAuthorizationBearer bool // Authorization: Bearer xxx, 默认 true
	QueryToken                string // 浏览器无法设置握手头时用 ?token=, 默认 "token"
}

func DefaultOptions(j jwt.Options) *Options {
	return &Options{
		JWT:                       j,
		EnableAuthorizationBearer: true,
		QueryToken:                "token",
	}
}

// ExtractToken reads the bearer header first and falls back to the query
// parameter.
func ExtractToken(c *gin.Context, opts *Options) string {
	if opts.EnableAuthorizationBearer {
		if authz := strings.TrimSpace(c.GetHeader("Authorization")); authz != "" {
			if len(authz) > len("bearer ") && strings.EqualFold(authz[:len("bearer ")], "bearer ") {
				return strings.TrimSpace(authz[len("bearer "):])
			}
		}
	}
	if opts.QueryToken != "" {
		return strings.TrimSpace(c.Query(opts.QueryToken))
	}
	return ""
}

// Middleware validates the access token and stores the TokenInfo. Any
// failure is a 401 with the AuthenticationRejected code; the handler after
// it never runs, so a websocket is never upgraded for a bad token.
func Middleware(opts *Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ExtractToken(c, opts)
		info, err := jwt.ValidateAccess(opts.JWT, token)
		if err != nil {
			fields := []zap.Field{zap.String("path", c.Request.URL.Path), zap.String("ip", c.ClientIP()), zap.Error(err)}
			if token != "" {
				fields = append(fields, zap.String("token", jwt.HashToken(token)))
			}
			logger.Info("[auth] token rejected", fields...)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  errs.AuthenticationRejected,
				"error": errs.ErrAuthRejected.Msg,
			})
			return
		}
		c.Set(PPCtxAuthKey, token)
		c.Set(PPCtxTokenKey, info)
		c.Next()
	}
}

// TokenFrom returns what Middleware stored.
func TokenFrom(c *gin.Context) (*jwt.TokenInfo, bool) {
	v, ok := c.Get(PPCtxTokenKey)
	if !ok {
		return nil, false
	}
	info, ok := v.(*jwt.TokenInfo)
	return info, ok && info != nil
}
