// Package orchestrator drives one supervised run end to end: execute,
// verify, adjudicate. Verified runs advance the last-good checkpoint;
// failed runs roll the workspace and sandbox back to it.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/choiros/choird/pkg/gitops"
	"github.com/choiros/choird/pkg/metrics"
	"github.com/choiros/choird/pkg/mood"
	"github.com/choiros/choird/pkg/sandbox"
	"github.com/choiros/choird/pkg/store"
	"github.com/choiros/choird/pkg/verifier"
)

// Executor performs the run's actual work inside the provisioned
// sandbox. A non-nil error is the failed{reason} outcome.
type Executor interface {
	Execute(ctx context.Context, run *store.Run, handle *sandbox.Handle) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, run *store.Run, handle *sandbox.Handle) error

func (f ExecutorFunc) Execute(ctx context.Context, run *store.Run, handle *sandbox.Handle) error {
	return f(ctx, run, handle)
}

// RollbackSink is notified after a failed run's workspace rollback, so
// dependent processes (dev servers) can pick up the reverted tree.
type RollbackSink interface {
	NotifyRollback(ctx context.Context)
}

// Outcome is the result of one orchestrated run.
type Outcome struct {
	Run             *store.Run        `json:"run"`
	Plan            verifier.Plan     `json:"verifier_plan"`
	VerifierResults []verifier.Result `json:"verifier_results"`
	CommitSHA       string            `json:"commit_sha,omitempty"`
	RolledBackTo    string            `json:"rolled_back_to,omitempty"`
}

// Options wires the orchestrator's collaborators.
type Options struct {
	Store    *store.Store
	Repo     *gitops.Repo
	Planner  *verifier.Planner
	Runner   *verifier.Runner
	Provider sandbox.Provider

	// SandboxConfig is the template each run's sandbox is created from.
	SandboxConfig sandbox.Config

	// ProviderName labels the sandbox handle pointer ("local", "sprites").
	ProviderName string

	// KeepSandbox skips the deferred destroy, for debugging.
	KeepSandbox bool

	// Sink is notified on rollback; optional.
	Sink RollbackSink

	// Metrics receives run and verifier observations; optional.
	Metrics *metrics.Metrics
}

type Orchestrator struct {
	store    *store.Store
	repo     *gitops.Repo
	planner  *verifier.Planner
	runner   *verifier.Runner
	provider sandbox.Provider

	sandboxCfg   sandbox.Config
	providerName string
	keepSandbox  bool
	sink         RollbackSink
	metrics      *metrics.Metrics
}

func New(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("orchestrator requires a store")
	case opts.Repo == nil:
		return nil, errors.New("orchestrator requires a git repo")
	case opts.Planner == nil:
		return nil, errors.New("orchestrator requires a planner")
	case opts.Runner == nil:
		return nil, errors.New("orchestrator requires a verifier runner")
	case opts.Provider == nil:
		return nil, errors.New("orchestrator requires a sandbox provider")
	}
	name := opts.ProviderName
	if name == "" {
		name = "local"
	}
	return &Orchestrator{
		store:        opts.Store,
		repo:         opts.Repo,
		planner:      opts.Planner,
		runner:       opts.Runner,
		provider:     opts.Provider,
		sandboxCfg:   opts.SandboxConfig,
		providerName: name,
		keepSandbox:  opts.KeepSandbox,
		sink:         opts.Sink,
		metrics:      opts.Metrics,
	}, nil
}

// Run executes one supervised run for the work item. The mood seed
// steers verifier selection; the terminal mood is always SKEPTICAL.
func (o *Orchestrator) Run(ctx context.Context, workItemID string, executor Executor, moodSeed mood.Mood) (*Outcome, error) {
	if moodSeed == "" {
		moodSeed = mood.Calm
	}
	started := time.Now()

	run, err := o.store.CreateRun(ctx, workItemID, moodSeed, store.RunRunning)
	if err != nil {
		return nil, err
	}
	outcome := &Outcome{Run: run}

	if _, err := o.store.AddRunNote(ctx, run.ID, "note.status",
		statusNote(store.RunRunning, moodSeed, "execute")); err != nil {
		return nil, err
	}

	if err := o.ensureLastGood(ctx); err != nil {
		return nil, err
	}

	handle, err := o.provisionSandbox(ctx, run)
	if err != nil {
		return nil, err
	}
	defer func() {
		if o.keepSandbox {
			return
		}
		o.teardownSandbox(context.WithoutCancel(ctx), handle)
	}()

	startSeq, err := o.store.LatestSeq(ctx)
	if err != nil {
		return nil, err
	}

	execErr := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("executor panic: %v", r)
			}
		}()
		return executor.Execute(ctx, run, handle)
	}()
	if execErr != nil {
		if _, err := o.store.AddRunNote(ctx, run.ID, "note.hyperthesis", map[string]any{
			"error": execErr.Error(),
			"bound": "re-run with isolated executor",
		}); err != nil {
			return nil, err
		}
	}

	touched, err := o.store.TouchedPaths(ctx, startSeq)
	if err != nil {
		return nil, err
	}

	var requiredVerifiers []string
	var riskTier string
	if item, err := o.store.GetWorkItem(ctx, workItemID); err == nil {
		requiredVerifiers = item.RequiredVerifiers
		riskTier = item.RiskTier
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	plan, err := o.planner.Select(verifier.PlanInputs{
		TouchedPaths:      touched,
		Mood:              moodSeed.String(),
		RequiredVerifiers: requiredVerifiers,
		RiskTier:          riskTier,
	})
	if err != nil {
		return nil, err
	}
	outcome.Plan = plan

	if execErr != nil {
		if err := o.finishRun(ctx, run, store.RunFailed, "verify", started); err != nil {
			return nil, err
		}
		if err := o.rollback(ctx, outcome, handle); err != nil {
			return nil, err
		}
		if err := o.setWorkItemStatus(ctx, workItemID, store.WorkItemFailed); err != nil {
			return nil, err
		}
		outcome.Run, _ = o.store.GetRun(ctx, run.ID)
		return outcome, nil
	}

	if _, err := o.store.UpdateRun(ctx, run.ID, store.RunVerifying, ""); err != nil {
		return nil, err
	}
	if _, err := o.store.AddRunNote(ctx, run.ID, "note.status",
		statusNote(store.RunVerifying, moodSeed, "verify")); err != nil {
		return nil, err
	}

	results, err := o.runner.RunPlan(ctx, plan, handle)
	if err != nil {
		return nil, err
	}
	outcome.VerifierResults = results
	allPassed := true
	for _, result := range results {
		attestation, err := o.runner.Attestation(result)
		if err != nil {
			return nil, err
		}
		if _, err := o.store.AddRunVerification(ctx, run.ID, attestation); err != nil {
			return nil, err
		}
		o.metrics.ObserveVerifierResult(result.VerifierID, result.Status)
		if !result.Passed() {
			allPassed = false
		}
	}

	if allPassed {
		if err := o.finishRun(ctx, run, store.RunVerified, "adjudicate", started); err != nil {
			return nil, err
		}
		if err := o.promote(ctx, run, outcome, handle); err != nil {
			return nil, err
		}
		if err := o.setWorkItemStatus(ctx, workItemID, store.WorkItemDone); err != nil {
			return nil, err
		}
	} else {
		if err := o.finishRun(ctx, run, store.RunFailed, "adjudicate", started); err != nil {
			return nil, err
		}
		if err := o.rollback(ctx, outcome, handle); err != nil {
			return nil, err
		}
		if err := o.setWorkItemStatus(ctx, workItemID, store.WorkItemFailed); err != nil {
			return nil, err
		}
	}

	outcome.Run, _ = o.store.GetRun(ctx, run.ID)
	return outcome, nil
}

func statusNote(status store.RunStatus, m mood.Mood, stage string) map[string]any {
	return map[string]any{"status": string(status), "mood": m.String(), "stage": stage}
}

// finishRun moves the run to its terminal status with the SKEPTICAL
// terminal mood and writes the matching status note.
func (o *Orchestrator) finishRun(ctx context.Context, run *store.Run, status store.RunStatus, stage string, started time.Time) error {
	if _, err := o.store.UpdateRun(ctx, run.ID, status, mood.Skeptical); err != nil {
		return err
	}
	o.metrics.ObserveRun(string(status), time.Since(started))
	_, err := o.store.AddRunNote(ctx, run.ID, "note.status", statusNote(status, mood.Skeptical, stage))
	return err
}

// ensureLastGood bootstraps the last-good pointer from the current HEAD
// before the first verified run.
func (o *Orchestrator) ensureLastGood(ctx context.Context) error {
	_, err := o.store.LastGoodCheckpoint(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	head := o.repo.HeadSHA(ctx)
	if head == "" {
		return errors.New("cannot bootstrap last_good: repository has no HEAD")
	}
	seq, err := o.store.LatestSeq(ctx)
	if err != nil {
		return err
	}
	return o.store.SetLastGoodCheckpoint(ctx, store.LastGood{CommitSHA: head, EventSeq: seq})
}

// provisionSandbox creates the run's sandbox and best-effort restores
// the user's last sandbox checkpoint into it.
func (o *Orchestrator) provisionSandbox(ctx context.Context, run *store.Run) (*sandbox.Handle, error) {
	handle, err := o.provider.Create(ctx, o.sandboxCfg)
	if err != nil {
		return nil, fmt.Errorf("provision sandbox: %w", err)
	}
	if err := o.store.SetSandboxHandle(ctx, store.SandboxHandle{
		SandboxID: handle.SandboxID,
		Provider:  o.providerName,
	}); err != nil {
		return nil, err
	}

	if cp, err := o.store.SandboxCheckpointPointer(ctx); err == nil {
		restoreErr := o.provider.Restore(ctx, handle, cp.CheckpointID)
		note := map[string]any{
			"event":         "sandbox.restore",
			"checkpoint_id": cp.CheckpointID,
			"restored":      restoreErr == nil,
		}
		if restoreErr != nil {
			note["error"] = restoreErr.Error()
		}
		if _, err := o.store.AddRunNote(ctx, run.ID, "note.observation", note); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	return handle, nil
}

func (o *Orchestrator) teardownSandbox(ctx context.Context, handle *sandbox.Handle) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := o.provider.Destroy(ctx, handle); err != nil {
		slog.Warn("sandbox destroy failed", "sandbox_id", handle.SandboxID, "error", err)
		return
	}
	if err := o.store.ClearSandboxHandle(ctx); err != nil {
		slog.Warn("sandbox handle cleanup failed", "error", err)
	}
}

// promote checkpoints the repository and sandbox after a verified run
// and emits the commit request carrying the plan and attestations.
func (o *Orchestrator) promote(ctx context.Context, run *store.Run, outcome *Outcome, handle *sandbox.Handle) error {
	checkpoint, err := o.repo.Checkpoint(ctx, "")
	if err != nil {
		return fmt.Errorf("repo checkpoint: %w", err)
	}
	if !checkpoint.Success {
		return fmt.Errorf("repo checkpoint: %s", checkpoint.Error)
	}
	outcome.CommitSHA = checkpoint.CommitSHA

	seq, err := o.store.LatestSeq(ctx)
	if err != nil {
		return err
	}
	if err := o.store.SetLastGoodCheckpoint(ctx, store.LastGood{
		CommitSHA: checkpoint.CommitSHA,
		EventSeq:  seq,
		RunID:     run.ID,
	}); err != nil {
		return err
	}

	if cp, err := o.provider.Checkpoint(ctx, handle, "run-"+run.ID); err != nil {
		slog.Warn("sandbox checkpoint failed", "run_id", run.ID, "error", err)
	} else if err := o.store.SetSandboxCheckpointPointer(ctx, store.SandboxCheckpoint{
		CheckpointID: cp.CheckpointID,
		SandboxID:    handle.SandboxID,
		EventSeq:     seq,
	}); err != nil {
		return err
	}

	attestations := make([]map[string]any, 0, len(outcome.VerifierResults))
	for _, result := range outcome.VerifierResults {
		attestation, err := o.runner.Attestation(result)
		if err != nil {
			return err
		}
		attestations = append(attestations, attestation)
	}
	_, err = o.store.AddRunNote(ctx, run.ID, "note.request.verify", map[string]any{
		"status":           "ready_for_review",
		"commit_sha":       checkpoint.CommitSHA,
		"verifier_plan":    planDocument(outcome.Plan),
		"verifier_results": attestations,
	})
	return err
}

// rollback resets the workspace to last_good, restores the sandbox to
// its last checkpoint when one exists, and notifies the sink.
func (o *Orchestrator) rollback(ctx context.Context, outcome *Outcome, handle *sandbox.Handle) error {
	lg, err := o.store.LastGoodCheckpoint(ctx)
	if err != nil {
		return err
	}

	revert, err := o.repo.Revert(ctx, lg.CommitSHA, false)
	if err != nil {
		return fmt.Errorf("rollback to %s: %w", lg.CommitSHA, err)
	}
	if !revert.Success {
		return fmt.Errorf("rollback to %s: %s", lg.CommitSHA, revert.Error)
	}
	outcome.RolledBackTo = lg.CommitSHA

	if cp, err := o.store.SandboxCheckpointPointer(ctx); err == nil {
		if err := o.provider.Restore(ctx, handle, cp.CheckpointID); err != nil {
			slog.Warn("sandbox restore on rollback failed",
				"checkpoint_id", cp.CheckpointID, "error", err)
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	o.metrics.IncRollback()
	if o.sink != nil {
		o.sink.NotifyRollback(ctx)
	}
	return nil
}

func (o *Orchestrator) setWorkItemStatus(ctx context.Context, id string, status store.WorkItemStatus) error {
	err := o.store.SetWorkItemStatus(ctx, id, status)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

func planDocument(plan verifier.Plan) map[string]any {
	return map[string]any{
		"plan_id":          plan.PlanID,
		"inputs_hash":      plan.InputsHash,
		"verifier_ids":     plan.VerifierIDs,
		"unknown_required": plan.UnknownRequired,
	}
}
