package authmw

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestMiddleware(t *testing.T) {
	tests := []struct {
		name           string
		apiKey         string
		path           string
		headers        map[string]string
		expectedStatus int
	}{
		{
			name:           "health is always exempt",
			apiKey:         "secret",
			path:           "/health",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "docs is always exempt",
			apiKey:         "secret",
			path:           "/docs",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "numeric proxy port is exempt",
			apiKey:         "secret",
			path:           "/sandboxes/sbx-1/proxy/8080/anything",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "v1-prefixed proxy route is exempt",
			apiKey:         "secret",
			path:           "/v1/sandboxes/sbx-1/proxy/8080",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "proxy route with path traversal is not exempt",
			apiKey:         "secret",
			path:           "/sandboxes/sbx-1/proxy/8080/../../etc/passwd",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "non-numeric port falls through to authenticated path",
			apiKey:         "secret",
			path:           "/sandboxes/sbx-1/proxy/http/anything",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "reordered proxy prefix is not exempt",
			apiKey:         "secret",
			path:           "/proxy/sandboxes/sbx-1/8080",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "no key configured skips auth entirely",
			apiKey:         "",
			path:           "/sandboxes",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "missing key on protected path",
			apiKey:         "secret",
			path:           "/sandboxes",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "invalid key on protected path",
			apiKey:         "secret",
			path:           "/sandboxes",
			headers:        map[string]string{APIKeyHeader: "wrong"},
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "valid key on protected path",
			apiKey:         "secret",
			path:           "/sandboxes",
			headers:        map[string]string{APIKeyHeader: "secret"},
			expectedStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gin.SetMode(gin.TestMode)
			router := gin.New()
			router.Use(Middleware(Config{APIKey: tt.apiKey}))
			router.Any("/*path", func(c *gin.Context) {
				c.Status(http.StatusOK)
			})

			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
		})
	}
}
