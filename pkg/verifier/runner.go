package verifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/choiros/choird/pkg/sandbox"
)

// Version stamps every attestation so consumers can detect format changes.
const Version = "v0"

// Result is the adjudicable outcome of one verifier execution. The three
// hashes content-address the raw output, the structured report, and the
// attestation in the artifact store.
type Result struct {
	VerifierID      string `json:"verifier_id"`
	Status          string `json:"status"`
	ReturnCode      int    `json:"return_code"`
	ArtifactHash    string `json:"artifact_hash"`
	ReportHash      string `json:"report_hash"`
	AttestationHash string `json:"attestation_hash"`
}

// Passed reports whether the verifier succeeded.
func (r Result) Passed() bool {
	return r.Status == "pass"
}

// Runner executes catalog verifiers through the sandbox provider and stores
// their evidence.
type Runner struct {
	catalog        *Catalog
	store          *ArtifactStore
	provider       sandbox.Provider
	workspaceRoot  string
	defaultTimeout time.Duration

	// now is swappable for deterministic tests.
	now func() time.Time
}

// NewRunner wires a runner. A zero defaultTimeout falls back to 5 minutes.
func NewRunner(catalog *Catalog, store *ArtifactStore, provider sandbox.Provider, workspaceRoot string, defaultTimeout time.Duration) *Runner {
	if defaultTimeout <= 0 {
		defaultTimeout = 5 * time.Minute
	}
	return &Runner{
		catalog:        catalog,
		store:          store,
		provider:       provider,
		workspaceRoot:  workspaceRoot,
		defaultTimeout: defaultTimeout,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// RunPlan executes every verifier in the plan in order and returns their
// results. Ids missing from the catalog (removed since planning) fail with
// an error rather than being skipped silently.
func (r *Runner) RunPlan(ctx context.Context, plan Plan, handle *sandbox.Handle) ([]Result, error) {
	results := make([]Result, 0, len(plan.VerifierIDs))
	for _, id := range plan.VerifierIDs {
		spec, ok := r.catalog.Get(id)
		if !ok {
			return results, fmt.Errorf("verifier %s is no longer in the catalog", id)
		}
		result, err := r.Run(ctx, spec, handle)
		if err != nil {
			return results, err
		}
		results = append(results, result)
	}
	return results, nil
}

// Run executes one verifier and persists artifact, report, and attestation.
func (r *Runner) Run(ctx context.Context, spec Spec, handle *sandbox.Handle) (Result, error) {
	argv := strings.Fields(spec.Command)
	if len(argv) == 0 {
		return Result{}, fmt.Errorf("verifier %s has an empty command", spec.ID)
	}

	started := r.now().Format(time.RFC3339)
	execResult, err := r.provider.Run(ctx, sandbox.Command{
		Argv:    argv,
		Timeout: spec.SpecTimeout(r.defaultTimeout),
		Cwd:     r.workspaceRoot,
		Sandbox: handle,
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to execute verifier %s: %w", spec.ID, err)
	}
	finished := r.now().Format(time.RFC3339)

	raw := "STDOUT\n" + execResult.Stdout + "\nSTDERR\n" + execResult.Stderr
	artifactHash, err := r.store.WriteBytes([]byte(raw), ".log")
	if err != nil {
		return Result{}, err
	}

	report := map[string]any{
		"verifier_id":   spec.ID,
		"command":       argv,
		"return_code":   execResult.ReturnCode,
		"artifact_hash": artifactHash,
		"started_at":    started,
		"finished_at":   finished,
	}
	reportHash, err := r.store.WriteJSON(report)
	if err != nil {
		return Result{}, err
	}

	status := "fail"
	if execResult.ReturnCode == 0 {
		status = "pass"
	}

	attestation := map[string]any{
		"verifier_id":      spec.ID,
		"result":           status,
		"artifact_hash":    artifactHash,
		"report_hash":      reportHash,
		"command":          argv,
		"started_at":       started,
		"finished_at":      finished,
		"verifier_version": Version,
	}
	attestationHash, err := r.store.WriteJSON(attestation)
	if err != nil {
		return Result{}, err
	}

	slog.Info("Verifier finished",
		"verifier_id", spec.ID, "status", status, "return_code", execResult.ReturnCode)

	return Result{
		VerifierID:      spec.ID,
		Status:          status,
		ReturnCode:      execResult.ReturnCode,
		ArtifactHash:    artifactHash,
		ReportHash:      reportHash,
		AttestationHash: attestationHash,
	}, nil
}

// Attestation rebuilds the attestation document for a result.
func (r *Runner) Attestation(result Result) (map[string]any, error) {
	data, err := r.store.Read(result.AttestationHash, ".json")
	if err != nil {
		return nil, fmt.Errorf("failed to read attestation %s: %w", result.AttestationHash, err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode attestation %s: %w", result.AttestationHash, err)
	}
	return out, nil
}
