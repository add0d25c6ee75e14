package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/choiros/choird/pkg/agent"
	"github.com/choiros/choird/pkg/api"
	"github.com/choiros/choird/pkg/config"
	"github.com/choiros/choird/pkg/devserver"
	"github.com/choiros/choird/pkg/gitops"
	"github.com/choiros/choird/pkg/history"
	"github.com/choiros/choird/pkg/llm"
	"github.com/choiros/choird/pkg/metrics"
	"github.com/choiros/choird/pkg/mood"
	"github.com/choiros/choird/pkg/orchestrator"
	"github.com/choiros/choird/pkg/sandbox"
	"github.com/choiros/choird/pkg/store"
	"github.com/choiros/choird/pkg/stream"
	"github.com/choiros/choird/pkg/tools"
	"github.com/choiros/choird/pkg/verifier"
	"github.com/choiros/choird/pkg/version"
)

// serve assembles the daemon and blocks until the context is cancelled.
func serve(ctx context.Context, cfg *config.Config) error {
	slog.Info("starting choird",
		"version", version.Full(),
		"http_port", cfg.Server.HTTPPort,
		"workspace", cfg.Workspace.Root)

	st, err := store.Open(ctx, cfg.Database, cfg.UserID)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("store close failed", "error", err)
		}
	}()

	if cfg.Mirror.Enabled {
		mirror, err := stream.Connect(cfg.Mirror, cfg.UserID)
		if err != nil {
			slog.Warn("event mirror unavailable, continuing without it", "error", err)
		} else {
			st.SetMirror(mirror)
			defer mirror.Close()
			slog.Info("event mirror connected", "url", cfg.Mirror.URL)
		}
	}

	provider, err := sandbox.NewProvider(cfg.Sandbox, cfg.Workspace.DataDir)
	if err != nil {
		return err
	}
	repo := gitops.NewRepo(cfg.Workspace.Root, st)
	fileHistory := history.New()
	m := metrics.Default()

	toolkit, err := tools.NewToolkit(tools.Options{
		Root:     cfg.Workspace.Root,
		Events:   st,
		History:  fileHistory,
		Repo:     repo,
		Provider: provider,
	})
	if err != nil {
		return err
	}
	registry, err := toolkit.Registry()
	if err != nil {
		return err
	}

	var harness *agent.Harness
	var associate *agent.Associate
	llmClient, err := llm.New(ctx, cfg.LLM)
	if err != nil {
		slog.Warn("LLM unavailable, agent surface disabled", "error", err)
	} else {
		defer llmClient.Close()
		harness = agent.NewHarness(llmClient, registry, st)
		harness.SetTurnLimit(cfg.Agent.MaxTurns)
		associate = agent.NewAssociate(llmClient, registry, st)
	}

	var devMgr *devserver.Manager
	if cfg.Devserver.Enabled {
		command := cfg.Devserver.Command
		if command == "" {
			command = "npm run dev -- --host 0.0.0.0"
		}
		dir := cfg.Devserver.Dir
		if dir == "" {
			dir = cfg.Workspace.Root
		}
		devMgr = devserver.New(command, dir)
		if !devMgr.Start(ctx) {
			slog.Warn("dev server failed to start", "command", command)
		}
		defer devMgr.Stop(context.WithoutCancel(ctx))
	}

	executor, err := buildExecutor(cfg, st, repo, provider, associate, devMgr, m)
	if err != nil {
		return err
	}

	srv, err := api.NewServer(api.Options{
		Config:        cfg.Server,
		Store:         st,
		Repo:          repo,
		Provider:      provider,
		History:       fileHistory,
		Harness:       harness,
		Metrics:       m,
		SandboxConfig: sandbox.BuildConfig(cfg, "ws-"+cfg.UserID),
		ProviderName:  cfg.Sandbox.Provider,
		Executor:      executor,
		Devserver:     devMgr,
		MirrorEnabled: cfg.Mirror.Enabled,
	})
	if err != nil {
		return err
	}

	slog.Info("http server listening", "port", cfg.Server.HTTPPort)
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	slog.Info("choird stopped")
	return nil
}

// buildExecutor wires the verifier pipeline and the orchestrated run
// path. A missing catalog or LLM disables it without failing startup.
func buildExecutor(
	cfg *config.Config,
	st *store.Store,
	repo *gitops.Repo,
	provider sandbox.Provider,
	associate *agent.Associate,
	devMgr *devserver.Manager,
	m *metrics.Metrics,
) (api.RunExecutor, error) {
	if associate == nil {
		return nil, nil
	}
	catalog, err := verifier.LoadCatalog(cfg.Verify.CatalogPath)
	if err != nil {
		slog.Warn("verifier catalog unavailable, run execution disabled",
			"path", cfg.Verify.CatalogPath, "error", err)
		return nil, nil
	}
	planner, err := verifier.NewPlanner(catalog, cfg.Verify.PlanCacheSize)
	if err != nil {
		return nil, err
	}
	artifacts, err := verifier.NewArtifactStore(cfg.Verify.ArtifactDir)
	if err != nil {
		return nil, err
	}
	runner := verifier.NewRunner(catalog, artifacts, provider, cfg.Workspace.Root, cfg.Verify.DefaultTimeout)

	opts := orchestrator.Options{
		Store:         st,
		Repo:          repo,
		Planner:       planner,
		Runner:        runner,
		Provider:      provider,
		SandboxConfig: sandbox.BuildConfig(cfg, "ws-"+cfg.UserID),
		ProviderName:  cfg.Sandbox.Provider,
		KeepSandbox:   cfg.Sandbox.KeepOnExit,
		Metrics:       m,
	}
	if devMgr != nil {
		opts.Sink = devMgr
	}
	orch, err := orchestrator.New(opts)
	if err != nil {
		return nil, err
	}
	return &runService{store: st, orch: orch, associate: associate}, nil
}

// runService executes a work item through the orchestrator, delegating
// the actual work to the associate agent.
type runService struct {
	store     *store.Store
	orch      *orchestrator.Orchestrator
	associate *agent.Associate
}

func (r *runService) ExecuteWorkItem(ctx context.Context, workItemID string, seed mood.Mood) (*orchestrator.Outcome, error) {
	item, err := r.store.GetWorkItem(ctx, workItemID)
	if err != nil {
		return nil, err
	}
	executor := orchestrator.ExecutorFunc(func(ctx context.Context, run *store.Run, handle *sandbox.Handle) error {
		conversationID, err := r.store.GetOrCreateConversation(ctx)
		if err != nil {
			return err
		}
		var criteria []string
		if item.AcceptanceCriteria != "" {
			criteria = []string{item.AcceptanceCriteria}
		}
		result, err := r.associate.Run(ctx, conversationID, agent.DirectorTask{
			TaskID:             run.ID,
			Kind:               "edit_repo",
			Instruction:        item.Description,
			AcceptanceCriteria: criteria,
		})
		if err != nil {
			return err
		}
		if result.Status == "failed" {
			return fmt.Errorf("associate failed: %s", result.Summary)
		}
		return nil
	})
	return r.orch.Run(ctx, workItemID, executor, seed)
}
