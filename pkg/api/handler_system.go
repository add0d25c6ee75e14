package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/choiros/choird/pkg/events"
	"github.com/choiros/choird/pkg/models"
	"github.com/choiros/choird/pkg/version"
)

// Health handles GET /health.
func (s *Server) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	dbStatus := "ok"
	httpStatus := http.StatusOK
	if err := s.store.DB().PingContext(ctx); err != nil {
		dbStatus = err.Error()
		httpStatus = http.StatusServiceUnavailable
	}
	seq, _ := s.store.LatestSeq(ctx)

	resp := models.HealthResponse{
		Status:          "ok",
		Version:         version.Full(),
		Database:        dbStatus,
		MirrorEnabled:   s.mirrorEnabled,
		FileHistorySize: s.history.Size(),
		LatestSeq:       seq,
	}
	if s.devserver != nil {
		resp.DevserverOn = s.devserver.Running()
	}
	if httpStatus != http.StatusOK {
		resp.Status = "unhealthy"
	}
	c.JSON(httpStatus, resp)
}

// AHDBState handles GET /state/ahdb.
func (s *Server) AHDBState(c *gin.Context) {
	state, err := s.store.AHDBState(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": state})
}

// ListEvents handles GET /events?since&type&limit.
func (s *Server) ListEvents(c *gin.Context) {
	since := int64(queryInt(c, "since", 0))
	eventType := events.Normalize(c.Query("type"))
	if c.Query("type") == "" {
		eventType = ""
	}

	evs, err := s.store.Events(c.Request.Context(), since, eventType, queryInt(c, "limit", 100))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": evs})
}

// RebuildProjections handles POST /rebuild.
func (s *Server) RebuildProjections(c *gin.Context) {
	count, err := s.store.RebuildProjections(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.RebuildResponse{EventsReplayed: count})
}

// Undo handles POST /undo?count. Each batch appends one undo event and
// restarts the dev server when files were restored.
func (s *Server) Undo(c *gin.Context) {
	count := queryInt(c, "count", 1)
	if count < 1 {
		count = 1
	}

	restored, err := s.history.Undo(count)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if len(restored) > 0 {
		if _, err := s.store.Append(c.Request.Context(), events.TypeUndo, map[string]any{
			"restored_files": restored,
			"count":          len(restored),
		}, events.SourceUser); err != nil {
			abortWithError(c, err)
			return
		}
		if s.devserver != nil {
			s.devserver.NotifyRollback(c.Request.Context())
		}
	}
	c.JSON(http.StatusOK, models.UndoResponse{RestoredFiles: restored, Count: len(restored)})
}
