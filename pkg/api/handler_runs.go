package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/choiros/choird/pkg/events"
	"github.com/choiros/choird/pkg/models"
	"github.com/choiros/choird/pkg/mood"
	"github.com/choiros/choird/pkg/store"
)

// CreateRun handles POST /run.
func (s *Server) CreateRun(c *gin.Context) {
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
	status := store.RunStatus(req.Status)
	if req.Status == "" {
		status = store.RunCreated
	}

	run, err := s.store.CreateRun(c.Request.Context(), req.WorkItemID, m, status)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// GetRun handles GET /run/:id. The response bundles the run with its
// notes, verifications, and commit requests.
func (s *Server) GetRun(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	run, err := s.store.GetRun(ctx, id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	notes, err := s.store.RunNotes(ctx, id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	verifications, err := s.store.RunVerifications(ctx, id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	commitRequests, err := s.store.CommitRequests(ctx, id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"run":             run,
		"notes":           notes,
		"verifications":   verifications,
		"commit_requests": commitRequests,
	})
}

// PatchRun handles PATCH /run/:id.
func (s *Server) PatchRun(c *gin.Context) {
	var req models.PatchRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	m, ok := parseMood(req.Mood, "")
	if !ok {
		abortWithError(c, store.NewValidationError("mood", "unknown mood"))
		return
	}

	run, err := s.store.UpdateRun(c.Request.Context(), c.Param("id"), store.RunStatus(req.Status), m)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// ListRuns handles GET /runs?status&limit.
func (s *Server) ListRuns(c *gin.Context) {
	runs, err := s.store.ListRuns(c.Request.Context(), store.RunStatus(c.Query("status")), queryInt(c, "limit", 50))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

// AddRunNote handles POST /run/:id/note.
func (s *Server) AddRunNote(c *gin.Context) {
	var req models.AddRunNoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	noteType := events.Normalize(req.NoteType)
	if !strings.HasPrefix(noteType, "note.") {
		abortWithError(c, store.NewValidationError("note_type", "must be a note.* event type"))
		return
	}
	if _, err := s.store.GetRun(c.Request.Context(), c.Param("id")); err != nil {
		abortWithError(c, err)
		return
	}

	seq, err := s.store.AddRunNote(c.Request.Context(), c.Param("id"), noteType, req.Body)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"seq": seq})
}

// AddRunVerification handles POST /run/:id/verify.
func (s *Server) AddRunVerification(c *gin.Context) {
	var req models.AddVerificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if _, err := s.store.GetRun(c.Request.Context(), c.Param("id")); err != nil {
		abortWithError(c, err)
		return
	}

	seq, err := s.store.AddRunVerification(c.Request.Context(), c.Param("id"), req.Attestation)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"seq": seq})
}

// AddCommitRequest handles POST /run/:id/commit_request. The commit
// request is the note.request.verify event; the projection double-writes
// it into run_commit_requests.
func (s *Server) AddCommitRequest(c *gin.Context) {
	var req models.CommitRequestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if _, err := s.store.GetRun(c.Request.Context(), c.Param("id")); err != nil {
		abortWithError(c, err)
		return
	}

	body := req.Payload
	if body == nil {
		body = map[string]any{}
	}
	if req.Status != "" {
		body["status"] = req.Status
	}
	seq, err := s.store.AddRunNote(c.Request.Context(), c.Param("id"), events.TypeNoteRequestVerify, body)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"seq": seq})
}

// parseMood maps an optional request mood onto the mood vocabulary.
func parseMood(raw string, fallback mood.Mood) (mood.Mood, bool) {
	if raw == "" {
		return fallback, true
	}
	m := mood.Mood(strings.ToUpper(raw))
	return m, m.Valid()
}
