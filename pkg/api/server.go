// Package api is the HTTP and WebSocket control surface of the supervisor.
// Handlers are thin translations between DTOs and the store, gitops,
// sandbox, and agent packages.
package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/choiros/choird/pkg/agent"
	"github.com/choiros/choird/pkg/config"
	"github.com/choiros/choird/pkg/devserver"
	"github.com/choiros/choird/pkg/gitops"
	"github.com/choiros/choird/pkg/history"
	"github.com/choiros/choird/pkg/metrics"
	"github.com/choiros/choird/pkg/sandbox"
	"github.com/choiros/choird/pkg/store"
)

// Options wires the server's collaborators.
type Options struct {
	Config config.ServerConfig

	Store    *store.Store
	Repo     *gitops.Repo
	Provider sandbox.Provider
	History  *history.FileHistory
	Harness  *agent.Harness
	Metrics  *metrics.Metrics

	// SandboxConfig is the template for POST /sandbox/create.
	SandboxConfig sandbox.Config

	// ProviderName labels persisted sandbox handles.
	ProviderName string

	// Executor backs POST /run/execute; optional.
	Executor RunExecutor

	// Devserver is restarted after /undo when set; optional.
	Devserver *devserver.Manager

	// MirrorEnabled is reported by /health.
	MirrorEnabled bool
}

// Server is the supervisor's HTTP surface.
type Server struct {
	cfg      config.ServerConfig
	store    *store.Store
	repo     *gitops.Repo
	provider sandbox.Provider
	history  *history.FileHistory
	harness  *agent.Harness
	metrics  *metrics.Metrics
	executor RunExecutor

	sandboxCfg    sandbox.Config
	providerName  string
	devserver     *devserver.Manager
	mirrorEnabled bool

	// current sandbox handle, singleton per process
	mu     sync.Mutex
	handle *sandbox.Handle

	engine *gin.Engine
	http   *http.Server
}

func NewServer(opts Options) (*Server, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("api server requires a store")
	case opts.Repo == nil:
		return nil, errors.New("api server requires a git repo")
	case opts.Provider == nil:
		return nil, errors.New("api server requires a sandbox provider")
	case opts.History == nil:
		return nil, errors.New("api server requires a file history")
	}
	name := opts.ProviderName
	if name == "" {
		name = "local"
	}

	s := &Server{
		cfg:           opts.Config,
		store:         opts.Store,
		repo:          opts.Repo,
		provider:      opts.Provider,
		history:       opts.History,
		harness:       opts.Harness,
		metrics:       opts.Metrics,
		executor:      opts.Executor,
		sandboxCfg:    opts.SandboxConfig,
		providerName:  name,
		devserver:     opts.Devserver,
		mirrorEnabled: opts.MirrorEnabled,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.New(s.corsConfig()))

	engine.GET("/health", s.Health)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authed := engine.Group("/", s.bearerAuth())
	{
		authed.POST("/work_item", s.UpsertWorkItem)
		authed.GET("/work_item/:id", s.GetWorkItem)
		authed.GET("/work_items", s.ListWorkItems)

		authed.POST("/run", s.CreateRun)
		authed.POST("/run/execute", s.ExecuteRun)
		authed.GET("/run/:id", s.GetRun)
		authed.PATCH("/run/:id", s.PatchRun)
		authed.GET("/runs", s.ListRuns)
		authed.POST("/run/:id/note", s.AddRunNote)
		authed.POST("/run/:id/verify", s.AddRunVerification)
		authed.POST("/run/:id/commit_request", s.AddCommitRequest)

		authed.GET("/state/ahdb", s.AHDBState)
		authed.GET("/events", s.ListEvents)
		authed.POST("/rebuild", s.RebuildProjections)
		authed.POST("/undo", s.Undo)

		authed.GET("/git/status", s.GitStatus)
		authed.GET("/git/log", s.GitLog)
		authed.POST("/git/checkpoint", s.GitCheckpoint)
		authed.POST("/git/revert", s.GitRevert)
		authed.GET("/git/last_good", s.GitLastGood)
		authed.POST("/git/rollback", s.GitRollback)

		authed.POST("/sandbox/create", s.SandboxCreate)
		authed.POST("/sandbox/destroy", s.SandboxDestroy)
		authed.POST("/sandbox/exec", s.SandboxExec)
		authed.POST("/sandbox/checkpoint", s.SandboxCheckpoint)
		authed.POST("/sandbox/restore", s.SandboxRestore)
		authed.POST("/sandbox/proxy", s.SandboxProxy)
		authed.POST("/sandbox/process/stop", s.SandboxStopProcess)

		authed.GET("/agent", s.AgentWebSocket)
	}

	s.engine = engine
	s.http = &http.Server{
		Addr:        ":" + opts.Config.HTTPPort,
		Handler:     engine,
		ReadTimeout: 30 * time.Second,
	}
	return s, nil
}

func (s *Server) corsConfig() cors.Config {
	cfg := cors.DefaultConfig()
	if len(s.cfg.AllowedOrigins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = s.cfg.AllowedOrigins
	}
	cfg.AllowMethods = []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"}
	cfg.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	cfg.AllowWebSockets = true
	return cfg
}

// Handler exposes the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled, then shuts down with a grace period.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
