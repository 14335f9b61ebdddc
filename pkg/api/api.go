// Package api is the thin Gin HTTP layer wiring the routes of spec.md §6
// onto pkg/service. Grounded on pkg/servers/web's gin.Default() + explicit
// route table style; core packages (pkg/service, pkg/provider, pkg/sandbox)
// never import this one.
package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"

	"github.com/fengcone/OpenSandbox/pkg/authmw"
	"github.com/fengcone/OpenSandbox/pkg/proxy"
	"github.com/fengcone/OpenSandbox/pkg/sandbox"
	"github.com/fengcone/OpenSandbox/pkg/sberrors"
	"github.com/fengcone/OpenSandbox/pkg/service"
)

// AgentPort is the well-known in-container agent HTTP port; cmd/sandbox-manager
// hands it to every provider as the agent's port.
const AgentPort = 8080

// Server wires pkg/service and pkg/proxy behind a Gin router.
type Server struct {
	svc    *service.Service
	proxy  *proxy.Proxy
	server *http.Server
}

// NewServer builds a Gin router exposing every route of spec.md §6, guarded
// by authmw.Middleware when apiKey is non-empty.
func NewServer(addr string, svc *service.Service, px *proxy.Proxy, apiKey string) *Server {
	r := gin.Default()
	r.Use(authmw.Middleware(authmw.Config{APIKey: apiKey}))

	s := &Server{svc: svc, proxy: px}

	r.GET("/health", s.health)
	r.POST("/sandboxes", s.createSandbox)
	r.GET("/sandboxes", s.listSandboxes)
	r.GET("/sandboxes/:id", s.getSandbox)
	r.DELETE("/sandboxes/:id", s.deleteSandbox)
	r.POST("/sandboxes/:id/pause", s.pauseSandbox)
	r.POST("/sandboxes/:id/resume", s.resumeSandbox)
	r.POST("/sandboxes/:id/renew-expiration", s.renewSandbox)
	r.GET("/sandboxes/:id/endpoints/:port", s.getSandboxEndpoint)
	r.Any("/sandboxes/:id/proxy/:port/*rest", s.proxySandbox)
	r.Any("/v1/sandboxes/:id/proxy/:port/*rest", s.proxySandbox)

	s.server = &http.Server{Addr: addr, Handler: r}
	return s
}

// Run starts the HTTP server, blocking until it exits or errors.
func (s *Server) Run() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) health(c *gin.Context) {
	c.Status(http.StatusOK)
}

type sandboxSpecRequest struct {
	Image struct {
		URI      string `json:"uri"`
		Username string `json:"username"`
		Password string `json:"password"`
	} `json:"image"`
	Entrypoint      []string          `json:"entrypoint"`
	Env             map[string]string `json:"env"`
	Resource        map[string]string `json:"resource"`
	Metadata        map[string]string `json:"metadata"`
	TimeoutSeconds  int               `json:"timeout_seconds"`
	SkipHealthCheck bool              `json:"skip_health_check"`
}

func (s *Server) createSandbox(c *gin.Context) {
	var req sandboxSpecRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, sberrors.Wrap(sberrors.CodeBadRequest, "malformed sandbox spec", err))
		return
	}

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}

	spec := sandbox.Spec{
		Image:           sandbox.Image{URI: req.Image.URI, Username: req.Image.Username, Password: req.Image.Password},
		Entrypoint:      req.Entrypoint,
		Env:             req.Env,
		CPU:             req.Resource["cpu"],
		Memory:          req.Resource["memory"],
		Metadata:        req.Metadata,
		Timeout:         timeout,
		SkipHealthCheck: req.SkipHealthCheck,
	}

	sb, err := s.svc.Create(c.Request.Context(), spec)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"sandbox_id": sb.ID, "info": sb})
}

func (s *Server) listSandboxes(c *gin.Context) {
	filter := sandbox.Filter{}
	if states := c.QueryArray("state"); len(states) > 0 {
		filter.States = states
	}
	if metadata := c.QueryMap("metadata"); len(metadata) > 0 {
		filter.Metadata = metadata
	}
	page := sandbox.Page{}
	if v, err := strconv.Atoi(c.Query("page")); err == nil {
		page.Page = v
	}
	if v, err := strconv.Atoi(c.Query("pageSize")); err == nil {
		page.PageSize = v
	}

	result, err := s.svc.List(c.Request.Context(), filter, page)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) getSandbox(c *gin.Context) {
	sb, err := s.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sb)
}

func (s *Server) deleteSandbox(c *gin.Context) {
	if err := s.svc.Delete(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) pauseSandbox(c *gin.Context) {
	sb, err := s.svc.Pause(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, sb)
}

func (s *Server) resumeSandbox(c *gin.Context) {
	sb, err := s.svc.Resume(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, sb)
}

type renewRequest struct {
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) renewSandbox(c *gin.Context) {
	var req renewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, sberrors.Wrap(sberrors.CodeBadRequest, "malformed renew request", err))
		return
	}
	sb, err := s.svc.Renew(c.Request.Context(), c.Param("id"), req.ExpiresAt)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"expires_at": sb.ExpiresAt})
}

func (s *Server) getSandboxEndpoint(c *gin.Context) {
	id := c.Param("id")
	port, err := strconv.Atoi(c.Param("port"))
	if err != nil || port < 1 || port > 65535 {
		writeError(c, sberrors.New(sberrors.CodeBadRequest, "port must be a valid TCP port number"))
		return
	}

	useServerProxy := c.Query("use_server_proxy") == "true"
	ep, err := s.svc.GetEndpoint(c.Request.Context(), id, port, false)
	if err != nil {
		writeError(c, err)
		return
	}
	if useServerProxy {
		ep = sandbox.Endpoint{Endpoint: strings.TrimSuffix(c.Request.Host, "/") + "/sandboxes/" + id + "/proxy/" + strconv.Itoa(port)}
	}
	c.JSON(http.StatusOK, ep)
}

func (s *Server) proxySandbox(c *gin.Context) {
	id := c.Param("id")
	port, err := strconv.Atoi(c.Param("port"))
	if err != nil {
		writeError(c, sberrors.New(sberrors.CodeBadRequest, "port must be numeric"))
		return
	}
	if strings.EqualFold(c.Request.Header.Get("Upgrade"), "websocket") {
		writeError(c, sberrors.New(sberrors.CodeUnsupported, "websocket upgrade is not supported by the reverse proxy"))
		return
	}

	c.Request.URL.Path = proxy.TrimProxyPrefix(c.Request.URL.Path, id, c.Param("port"))
	s.proxy.ServeHTTP(c.Writer, c.Request, id, port)
}

func writeError(c *gin.Context, err error) {
	code := sberrors.CodeOf(err)
	status := httpStatus(code)
	klog.FromContext(c.Request.Context()).V(1).Info("request failed", "code", code, "status", status, "err", err)
	c.AbortWithStatusJSON(status, gin.H{"code": code, "message": err.Error()})
}

func httpStatus(code sberrors.Code) int {
	switch code {
	case sberrors.CodeBadRequest:
		return http.StatusBadRequest
	case sberrors.CodeNotFound:
		return http.StatusNotFound
	case sberrors.CodeConflict:
		return http.StatusConflict
	case sberrors.CodeUnavailable:
		return http.StatusServiceUnavailable
	case sberrors.CodeUnsupported:
		return http.StatusBadRequest
	case sberrors.CodeBadGateway:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
