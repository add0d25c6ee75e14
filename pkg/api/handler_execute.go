package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/choiros/choird/pkg/models"
	"github.com/choiros/choird/pkg/mood"
	"github.com/choiros/choird/pkg/orchestrator"
	"github.com/choiros/choird/pkg/store"
)

// RunExecutor drives one orchestrated run end to end for a work item.
// The daemon wires an agent-backed implementation; tests may stub it.
type RunExecutor interface {
	ExecuteWorkItem(ctx context.Context, workItemID string, seed mood.Mood) (*orchestrator.Outcome, error)
}

// ExecuteRun handles POST /run/execute. The response is the run's
// verification document: terminal run, verifier plan, per-verifier
// results, and the rollback target on failure.
func (s *Server) ExecuteRun(c *gin.Context) {
	if s.executor == nil {
		c.AbortWithStatusJSON(http.StatusNotImplemented, models.ErrorResponse{Error: "run execution is not configured"})
		return
	}
	var req models.CreateRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	m, ok := parseMood(req.Mood, mood.Calm)
	if !ok {
		abortWithError(c, store.NewValidationError("mood", "unknown mood"))
		return
	}
	if _, err := s.store.GetWorkItem(c.Request.Context(), req.WorkItemID); err != nil {
		abortWithError(c, err)
		return
	}

	outcome, err := s.executor.ExecuteWorkItem(c.Request.Context(), req.WorkItemID, m)
	if err != nil {
		abortWithError(c, err)
		return
	}
	results := make([]gin.H, 0, len(outcome.VerifierResults))
	for _, r := range outcome.VerifierResults {
		results = append(results, gin.H{"id": r.VerifierID, "status": r.Status})
	}
	c.JSON(http.StatusOK, gin.H{
		"run":            outcome.Run,
		"verifier_plan":  outcome.Plan,
		"results":        results,
		"commit_sha":     outcome.CommitSHA,
		"rolled_back_to": outcome.RolledBackTo,
	})
}
