package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/choiros/choird/pkg/models"
	"github.com/choiros/choird/pkg/store"
)

// abortWithError maps store-layer errors to HTTP statuses and writes the
// uniform error body.
func abortWithError(c *gin.Context, err error) {
	var validErr *store.ValidationError
	switch {
	case errors.As(err, &validErr):
		c.AbortWithStatusJSON(http.StatusBadRequest, models.ErrorResponse{Error: validErr.Error()})
	case errors.Is(err, store.ErrInvalidInput):
		c.AbortWithStatusJSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
	case errors.Is(err, store.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, models.ErrorResponse{Error: "resource not found"})
	case errors.Is(err, store.ErrRunActive):
		c.AbortWithStatusJSON(http.StatusConflict, models.ErrorResponse{Error: err.Error()})
	case errors.Is(err, store.ErrStatusRegression):
		c.AbortWithStatusJSON(http.StatusConflict, models.ErrorResponse{Error: err.Error()})
	default:
		slog.Error("unexpected error serving request", "path", c.FullPath(), "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, models.ErrorResponse{Error: "internal server error"})
	}
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
}
