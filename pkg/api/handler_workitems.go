package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/choiros/choird/pkg/models"
	"github.com/choiros/choird/pkg/store"
)

// UpsertWorkItem handles POST /work_item.
func (s *Server) UpsertWorkItem(c *gin.Context) {
	var req models.UpsertWorkItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	status := store.WorkItemStatus(req.Status)
	if req.Status != "" && !store.ValidWorkItemStatus(status) {
		abortWithError(c, store.NewValidationError("status", "unknown work item status"))
		return
	}

	item, err := s.store.UpsertWorkItem(c.Request.Context(), &store.WorkItem{
		ID:                 req.ID,
		Description:        req.Description,
		AcceptanceCriteria: req.AcceptanceCriteria,
		RequiredVerifiers:  req.RequiredVerifiers,
		RiskTier:           req.RiskTier,
		Dependencies:       req.Dependencies,
		Status:             status,
		ParentID:           req.ParentID,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

// GetWorkItem handles GET /work_item/:id.
func (s *Server) GetWorkItem(c *gin.Context) {
	item, err := s.store.GetWorkItem(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

// ListWorkItems handles GET /work_items?status&limit.
func (s *Server) ListWorkItems(c *gin.Context) {
	status := store.WorkItemStatus(c.Query("status"))
	if status != "" && !store.ValidWorkItemStatus(status) {
		abortWithError(c, store.NewValidationError("status", "unknown work item status"))
		return
	}
	limit := queryInt(c, "limit", 50)

	items, err := s.store.ListWorkItems(c.Request.Context(), status, limit)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"work_items": items})
}

func queryInt(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
