// Package authmw implements the shared-secret API-key middleware in front
// of the sandbox API, grounded on the gin auth middleware shape of
// pkg/agent-runtime/auth in the example pack, but re-keyed to the
// OPEN-SANDBOX-API-KEY header and the proxy-route exemption regex of
// original_source's middleware/auth.py.
package authmw

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// APIKeyHeader is the shared-secret header checked on every non-exempt
// request.
const APIKeyHeader = "OPEN-SANDBOX-API-KEY"

// exemptPrefixes never require the API key, regardless of configuration.
var exemptPrefixes = []string{"/health", "/docs", "/redoc", "/openapi.json"}

// proxyPathRe matches exactly the reverse-proxy route shape: an optional
// /v1 prefix, /sandboxes/{id}/proxy/{numeric port}, optionally followed by
// a sub-path. A malformed (non-numeric) port falls through to the
// authenticated path, same as the original middleware.
var proxyPathRe = regexp.MustCompile(`^(/v1)?/sandboxes/[^/]+/proxy/\d+(/|$)`)

// isExempt reports whether path never requires the API key. Path traversal
// segments disqualify the proxy-route exemption even if the regex would
// otherwise match, since a ".." could walk the request outside the intended
// sandbox-scoped route.
func isExempt(path string) bool {
	for _, prefix := range exemptPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	if strings.Contains(path, "..") {
		return false
	}
	return proxyPathRe.MatchString(path)
}

// Config configures the middleware. An empty APIKey disables authentication
// entirely (dev/test convenience, matching original_source's
// "no keys configured" fallback).
type Config struct {
	APIKey string
}

// Middleware builds the gin handler enforcing Config's API key.
func Middleware(cfg Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if isExempt(c.Request.URL.Path) {
			c.Next()
			return
		}
		if cfg.APIKey == "" {
			c.Next()
			return
		}

		key := c.GetHeader(APIKeyHeader)
		if key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "MISSING_API_KEY",
				"message": "authentication credentials are missing, provide an API key via the " + APIKeyHeader + " header",
			})
			return
		}
		if key != cfg.APIKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "INVALID_API_KEY",
				"message": "authentication credentials are invalid",
			})
			return
		}
		c.Next()
	}
}
