package security

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// HeaderInternalKey is accepted alongside `Authorization: Bearer <key>`.
const HeaderInternalKey = "X-Internal-Key"

type Options struct {
	// Key guards the route. Empty disables the route entirely (404).
	Key string
	// 读取哪个请求头，默认 X-Internal-Key
	Header                    string
	EnableAuthorizationBearer bool
}

func DefaultOptions(key string) Options {
	return Options{Key: key, Header: HeaderInternalKey, EnableAuthorizationBearer: true}
}

// Middleware rejects requests that do not present opts.Key.
func Middleware(opts Options) gin.HandlerFunc {
	if opts.Header == "" {
		opts.Header = HeaderInternalKey
		opts.EnableAuthorizationBearer = true
	}
	return func(c *gin.Context) {
		if opts.Key == "" {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		presented := strings.TrimSpace(c.GetHeader(opts.Header))

		// 兼容 Authorization: Bearer xxx
		if presented == "" && opts.EnableAuthorizationBearer {
			if authz := strings.TrimSpace(c.GetHeader("Authorization")); len(authz) > 7 &&
				strings.EqualFold(authz[:7], "bearer ") {
				presented = strings.TrimSpace(authz[7:])
			}
		}

		if subtle.ConstantTimeCompare([]byte(presented), []byte(opts.Key)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
