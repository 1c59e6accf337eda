// Package api serves the admin HTTP surface of a service tree: health,
// metrics, a snapshot of the tree and remote capability calls.
package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"

	"github.com/danmuck/svctree/internal/auth"
	logs "github.com/danmuck/svctree/internal/logging"
	"github.com/danmuck/svctree/internal/observability"
	"github.com/danmuck/svctree/internal/services"
)

var APIKind = services.ServiceKind.Extend("APIService")

const (
	DefaultAddr     = "127.0.0.1:7380"
	shutdownTimeout = 5 * time.Second
	version         = "0.1.0"
)

type Options struct {
	Addr        string
	CorsOrigins []string
	// Owner decides which bearer tokens call as the owner. Without one
	// every request is a peer.
	Owner auth.Validator
	// TLSCert and TLSKey switch the listener to HTTPS when both are set.
	TLSCert string
	TLSKey  string
}

// Server is the "api" node. It listens while running and answers for the
// whole tree it is attached to.
type Server struct {
	services.Base

	opts    Options
	router  *gin.Engine
	started time.Time

	mu   sync.Mutex
	srv  *http.Server
	ln   net.Listener
	done chan struct{}
	err  error
}

func New(opts Options, svcOpts ...services.Option) (*Server, error) {
	if strings.TrimSpace(opts.Addr) == "" {
		opts.Addr = DefaultAddr
	}
	s := &Server{opts: opts}
	svcOpts = append([]services.Option{services.WithKind(APIKind)}, svcOpts...)
	if err := s.Init(s, svcOpts...); err != nil {
		return nil, err
	}

	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(observability.InitLogger("svctree-api"), "/metrics", "/health"))
	r.Use(observability.RequestMetrics(s.Name()))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(opts.CorsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})
	s.router = r
	s.registerRoutes()

	s.Expose("addr", func(context.Context, services.Args) (any, error) {
		return s.Addr(), nil
	}, services.Shared())
	return s, nil
}

// Handler returns the router, for tests and for mounting elsewhere.
func (s *Server) Handler() http.Handler { return s.router }

// Addr is the bound listen address while running, else the configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.opts.Addr
}

// Start binds the listener before marking the node running so a bad
// address fails the tree start.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.ln == nil {
		ln, err := s.listen()
		if err != nil {
			s.mu.Unlock()
			return err
		}
		srv := &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
		done := make(chan struct{})
		s.ln, s.srv, s.done, s.err = ln, srv, done, nil
		s.started = time.Now()
		go func() {
			err := srv.Serve(ln)
			if errors.Is(err, http.ErrServerClosed) {
				err = nil
			}
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
			close(done)
		}()
		logs.Infof("api.Server.Start addr=%q tls=%t path=%q", ln.Addr().String(), s.opts.TLSCert != "", s.FullPath())
	}
	s.mu.Unlock()
	return s.Base.Start()
}

func (s *Server) listen() (net.Listener, error) {
	var tlsConfig *tls.Config
	if s.opts.TLSCert != "" || s.opts.TLSKey != "" {
		cert, err := tls.LoadX509KeyPair(s.opts.TLSCert, s.opts.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("api: load tls keypair: %w", err)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	}
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("api: listen %s: %w", s.opts.Addr, err)
	}
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}
	return ln, nil
}

func (s *Server) Stop() error {
	s.mu.Lock()
	srv, done := s.srv, s.done
	s.srv, s.ln = nil, nil
	s.mu.Unlock()

	var err error
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		err = srv.Shutdown(ctx)
		cancel()
		<-done
		logs.Infof("api.Server.Stop path=%q", s.FullPath())
	}
	return multierr.Append(err, s.Base.Stop())
}

// Run blocks while the listener serves. It returns the serve error, nil
// after Stop, or the context error.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil || !s.Running() {
		return nil
	}
	select {
	case <-done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) registerRoutes() {
	r := s.router
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  s.uptime(),
			"service": s.Root().Name(),
			"version": version,
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/tree", func(c *gin.Context) {
		c.JSON(http.StatusOK, services.Snap(s.Root()))
	})

	r.GET("/status", func(c *gin.Context) {
		root := s.Root()
		c.JSON(http.StatusOK, gin.H{
			"status":   root.Status(),
			"services": root.Statuses(),
		})
	})

	r.POST("/call", s.handleCall)
}

type callRequest struct {
	Path       string            `json:"path"`
	Capability string            `json:"capability" binding:"required"`
	Args       map[string]string `json:"args"`
}

func (s *Server) handleCall(c *gin.Context) {
	var req callRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	root := s.Root()
	target := root
	if strings.Trim(req.Path, "/") != "" {
		found, err := services.Lookup(root, req.Path)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		target = found
	}

	caller := services.Caller{ID: c.ClientIP(), Role: services.RolePeer}
	if auth.IsOwner(s.opts.Owner, c.GetHeader("Authorization")) {
		caller.Role = services.RoleOwner
	}
	ctx := services.WithCaller(c.Request.Context(), caller)

	out, err := services.Call(ctx, target, req.Capability, services.Args(req.Args))
	if err != nil {
		logs.Warnf("api.Server.call path=%q capability=%q role=%s err=%v",
			target.FullPath(), req.Capability, caller.Role, err)
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "path": target.FullPath(), "output": out})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrServiceNotFound), errors.Is(err, services.ErrCapabilityNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, services.ErrNotCallable), errors.Is(err, services.ErrStructuralMisuse):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) uptime() string {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started.IsZero() {
		return "0s"
	}
	return time.Since(started).Round(time.Second).String()
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
