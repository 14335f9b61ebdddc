// Package proxy streams HTTP traffic from a client to a sandbox's internal
// endpoint, used by the /sandboxes/{id}/proxy/{port} route. It strips
// hop-by-hop and credential-bearing headers before forwarding, matching the
// header tables in original_source's server/src/api/lifecycle.py.
package proxy

import (
	"context"
	"net/http"
	"net/http/httputil"
	"strings"

	"k8s.io/klog/v2"

	"github.com/fengcone/OpenSandbox/pkg/sandbox"
	"github.com/fengcone/OpenSandbox/pkg/sberrors"
)

// EndpointResolver resolves a sandbox's internal dial address, the subset of
// provider.Provider the proxy actually needs.
type EndpointResolver interface {
	GetEndpoint(ctx context.Context, id string, port int, internal bool) (sandbox.Endpoint, error)
}

// RFC 2616 Section 13.5.1.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// Headers never forwarded to an internal sandbox backend.
var sensitiveHeaders = []string{
	"Authorization",
	"Cookie",
}

// Proxy forwards requests to a sandbox's internal address.
type Proxy struct {
	resolver EndpointResolver
}

// New constructs a Proxy backed by resolver.
func New(resolver EndpointResolver) *Proxy {
	return &Proxy{resolver: resolver}
}

// ServeHTTP forwards r to sandbox id's internal endpoint for port. The
// caller is responsible for trimming the /sandboxes/{id}/proxy/{port} (and
// optional /v1) prefix from r.URL.Path before calling this, so only the
// sandbox-relative path remains.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request, id string, port int) {
	ep, err := p.resolver.GetEndpoint(r.Context(), id, port, true)
	if err != nil {
		writeError(w, err)
		return
	}

	rp := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			stripHeaders(req.Header, hopByHopHeaders)
			stripHeaders(req.Header, sensitiveHeaders)
			for k, v := range ep.Headers {
				req.Header.Set(k, v)
			}
			req.URL.Scheme = "http"
			req.URL.Host = ep.Endpoint
			req.Host = ep.Endpoint
		},
		ModifyResponse: func(resp *http.Response) error {
			stripHeaders(resp.Header, hopByHopHeaders)
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			klog.FromContext(r.Context()).Error(err, "proxy request failed", "sandbox", id, "port", port)
			w.WriteHeader(http.StatusBadGateway)
		},
	}
	rp.ServeHTTP(w, r)
}

func stripHeaders(h http.Header, names []string) {
	for _, name := range names {
		h.Del(name)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	switch sberrors.CodeOf(err) {
	case sberrors.CodeNotFound:
		status = http.StatusNotFound
	case sberrors.CodeUnavailable:
		status = http.StatusServiceUnavailable
	case sberrors.CodeBadRequest:
		status = http.StatusBadRequest
	}
	http.Error(w, err.Error(), status)
}

// ProxyPathRegexPrefix documents the path shape the auth-exemption middleware
// and the HTTP layer's router both key off of: an optional /v1 prefix,
// sandboxes/{id}/proxy/{numeric port}, optionally followed by a sub-path.
const ProxyPathRegexPrefix = `^(/v1)?/sandboxes/[^/]+/proxy/\d+(/|$)`

// TrimProxyPrefix strips the "/sandboxes/{id}/proxy/{port}" (with optional
// leading "/v1") prefix from path, returning the sandbox-relative remainder
// with a leading slash (root if nothing follows).
func TrimProxyPrefix(path, id string, port string) string {
	prefixes := []string{
		"/v1/sandboxes/" + id + "/proxy/" + port,
		"/sandboxes/" + id + "/proxy/" + port,
	}
	for _, prefix := range prefixes {
		if strings.HasPrefix(path, prefix) {
			rest := strings.TrimPrefix(path, prefix)
			if rest == "" {
				return "/"
			}
			return rest
		}
	}
	return path
}
