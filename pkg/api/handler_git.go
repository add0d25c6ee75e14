package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/choiros/choird/pkg/models"
	"github.com/choiros/choird/pkg/store"
)

// GitStatus handles GET /git/status.
func (s *Server) GitStatus(c *gin.Context) {
	status, err := s.repo.FilteredStatus(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// GitLog handles GET /git/log?count.
func (s *Server) GitLog(c *gin.Context) {
	commits, err := s.repo.Log(c.Request.Context(), queryInt(c, "count", 10))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"commits": commits})
}

// GitCheckpoint handles POST /git/checkpoint.
func (s *Server) GitCheckpoint(c *gin.Context) {
	var req models.CheckpointRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		badRequest(c, err)
		return
	}
	result, err := s.repo.Checkpoint(c.Request.Context(), req.Message)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// GitRevert handles POST /git/revert?sha&dry_run.
func (s *Server) GitRevert(c *gin.Context) {
	sha := c.Query("sha")
	if sha == "" {
		abortWithError(c, store.NewValidationError("sha", "sha query parameter is required"))
		return
	}
	result, err := s.repo.Revert(c.Request.Context(), sha, queryBool(c, "dry_run"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// GitLastGood handles GET /git/last_good.
func (s *Server) GitLastGood(c *gin.Context) {
	lg, err := s.store.LastGoodCheckpoint(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, lg)
}

// GitRollback handles POST /git/rollback?dry_run. It reverts to the
// last good checkpoint and restarts the dev server on a performed revert.
func (s *Server) GitRollback(c *gin.Context) {
	lg, err := s.store.LastGoodCheckpoint(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	dryRun := queryBool(c, "dry_run")

	result, err := s.repo.Revert(c.Request.Context(), lg.CommitSHA, dryRun)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if result.Success && !dryRun {
		s.metrics.IncRollback()
		if s.devserver != nil {
			s.devserver.NotifyRollback(c.Request.Context())
		}
	}
	c.JSON(http.StatusOK, gin.H{"last_good": lg, "result": result})
}

func queryBool(c *gin.Context, key string) bool {
	switch c.Query(key) {
	case "1", "true", "yes":
		return true
	}
	return false
}
