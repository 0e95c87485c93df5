package middleware

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
)

// OriginAllowed reports whether a browser Origin may open the socket. An
// empty allow list or "*" admits everything; requests without an Origin
// header (native clients) always pass.
func OriginAllowed(allowed []string, origin string) bool {
	if origin == "" || len(allowed) == 0 {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	for _, a := range allowed {
		a = strings.TrimSpace(a)
		if a == "*" || strings.EqualFold(a, u.Host) || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}

// Origin rejects cross-site handshakes before any token work is done.
func Origin(allowed []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !OriginAllowed(allowed, c.GetHeader("Origin")) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		}
	}
}
