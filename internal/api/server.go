// Package api is the producer and operator HTTP surface: job and
// notification intake, dispatch pause/resume, health, and the session
// upgrade endpoint.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"notifyhub/internal/model"
	"notifyhub/pkg/logx"
)

type Config struct {
	Addr       string
	AdminToken string
	// BodyLimit caps request bodies; 0 means 4MB (large recipient lists).
	BodyLimit int64
	// Pprof mounts /debug/pprof behind admin auth.
	Pprof bool
}

type Dispatcher interface {
	CreateJob(ctx context.Context, job model.DeliveryJob, recipients []int64) (model.DeliveryJob, int, error)
	CreatePollJob(ctx context.Context, createdBy int64, p model.Poll, recipients []int64) (model.DeliveryJob, int, error)
	AddRecipients(ctx context.Context, jobID int64, recipients []int64) (int, error)
	ListJobs(ctx context.Context, limit int) ([]model.DeliveryJob, error)
	Stats(ctx context.Context, jobID int64) (model.JobStats, error)
	Pause()
	Resume()
	Paused() bool
}

type Notifier interface {
	Create(ctx context.Context, n model.Notification) (model.Notification, error)
}

type TokenIssuer interface {
	Issue(recipientID int64) (string, error)
}

// Deps are the services behind the routes. Nil members disable their routes.
type Deps struct {
	Dispatch Dispatcher
	Notify   Notifier
	Tokens   TokenIssuer
	// Sessions serves the websocket upgrade at /ws.
	Sessions http.Handler
	// Health returns named check results; any error makes /healthz 503.
	Health func(ctx context.Context) map[string]error
}

type Server struct {
	mu   sync.Mutex
	cfg  Config
	deps Deps
	log  logx.Logger

	srv  *http.Server
	addr string
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.BodyLimit <= 0 {
		cfg.BodyLimit = 4 << 20
	}
	return &Server{cfg: cfg, deps: deps, log: log.With(logx.String("comp", "api"))}
}

// Handler builds the gin engine.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), requestID(), requestLogger(s.log), bodyLimit(s.cfg.BodyLimit))

	r.GET("/healthz", s.healthz)
	if s.deps.Sessions != nil {
		r.GET("/ws", gin.WrapH(s.deps.Sessions))
	}

	admin := r.Group("/api", adminAuth(s.cfg.AdminToken))
	if s.deps.Dispatch != nil {
		admin.POST("/jobs", s.createJob)
		admin.GET("/jobs", s.listJobs)
		admin.GET("/jobs/:id", s.getJob)
		admin.POST("/jobs/:id/recipients", s.addRecipients)
		admin.GET("/dispatch", s.dispatchState)
		admin.POST("/dispatch/pause", s.pause)
		admin.POST("/dispatch/resume", s.resume)
	}
	if s.deps.Notify != nil {
		admin.POST("/notifications", s.createNotification)
	}
	if s.deps.Tokens != nil {
		admin.POST("/tokens", s.issueToken)
	}

	if s.cfg.Pprof {
		dbg := r.Group("/debug/pprof", adminAuth(s.cfg.AdminToken))
		dbg.GET("/", gin.WrapF(pprof.Index))
		dbg.GET("/cmdline", gin.WrapF(pprof.Cmdline))
		dbg.GET("/profile", gin.WrapF(pprof.Profile))
		dbg.GET("/symbol", gin.WrapF(pprof.Symbol))
		dbg.GET("/trace", gin.WrapF(pprof.Trace))
		dbg.GET("/:profile", func(c *gin.Context) {
			pprof.Handler(c.Param("profile")).ServeHTTP(c.Writer, c.Request)
		})
	}
	return r
}

// Start listens on cfg.Addr and serves until Stop.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	s.srv = srv
	s.addr = ln.Addr().String()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("api server error", logx.String("addr", ln.Addr().String()), logx.Err(err))
		}
	}()
	s.log.Info("api listening", logx.String("addr", s.addr))
	return nil
}

// Addr is the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return
	}
	if err := srv.Shutdown(ctx); err != nil {
		s.log.Warn("api shutdown incomplete", logx.Err(err))
		_ = srv.Close()
	}
	s.log.Info("api stopped")
}
