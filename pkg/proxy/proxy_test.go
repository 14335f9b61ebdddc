package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fengcone/OpenSandbox/pkg/sandbox"
	"github.com/fengcone/OpenSandbox/pkg/sberrors"
)

type fakeResolver struct {
	endpoint sandbox.Endpoint
	err      error
}

func (f *fakeResolver) GetEndpoint(ctx context.Context, id string, port int, internal bool) (sandbox.Endpoint, error) {
	return f.endpoint, f.err
}

func TestProxyForwardsRequestAndStripsSensitiveHeaders(t *testing.T) {
	var gotAuth, gotCookie string
	var gotPath string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotCookie = r.Header.Get("Cookie")
		gotPath = r.URL.Path
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello"))
	}))
	defer backend.Close()

	p := New(&fakeResolver{endpoint: sandbox.Endpoint{Endpoint: strings.TrimPrefix(backend.URL, "http://")}})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Authorization", "Bearer secret")
	req.Header.Set("Cookie", "session=abc")
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req, "sbx-1", 8080)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())
	assert.Empty(t, gotAuth)
	assert.Empty(t, gotCookie)
	assert.Equal(t, "/health", gotPath)
	assert.Empty(t, rec.Header().Get("Connection"))
}

func TestProxyForwardsCustomEndpointHeaders(t *testing.T) {
	var gotHeader string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-OpenSandbox-Ingress")
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	p := New(&fakeResolver{endpoint: sandbox.Endpoint{
		Endpoint: strings.TrimPrefix(backend.URL, "http://"),
		Headers:  map[string]string{"X-OpenSandbox-Ingress": "sbx-1-8080"},
	}})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req, "sbx-1", 8080)

	assert.Equal(t, "sbx-1-8080", gotHeader)
}

func TestProxyReturnsNotFoundWhenResolverFails(t *testing.T) {
	p := New(&fakeResolver{err: sberrors.New(sberrors.CodeNotFound, "no such sandbox")})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req, "sbx-missing", 8080)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProxyReturnsBadGatewayWhenBackendUnreachable(t *testing.T) {
	p := New(&fakeResolver{endpoint: sandbox.Endpoint{Endpoint: "127.0.0.1:1"}})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req, "sbx-1", 8080)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestTrimProxyPrefix(t *testing.T) {
	require.Equal(t, "/", TrimProxyPrefix("/sandboxes/sbx-1/proxy/8080", "sbx-1", "8080"))
	require.Equal(t, "/health", TrimProxyPrefix("/sandboxes/sbx-1/proxy/8080/health", "sbx-1", "8080"))
	require.Equal(t, "/health", TrimProxyPrefix("/v1/sandboxes/sbx-1/proxy/8080/health", "sbx-1", "8080"))
}
