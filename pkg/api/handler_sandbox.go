package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/choiros/choird/pkg/models"
	"github.com/choiros/choird/pkg/sandbox"
	"github.com/choiros/choird/pkg/store"
)

// errNoSandbox reports operations against a sandbox that was never created.
var errNoSandbox = errors.New("no active sandbox")

// currentHandle returns the process's singleton sandbox handle.
func (s *Server) currentHandle() (*sandbox.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return nil, errNoSandbox
	}
	return s.handle, nil
}

// SandboxCreate handles POST /sandbox/create. Creating while a sandbox
// is active returns the existing handle.
func (s *Server) SandboxCreate(c *gin.Context) {
	var req models.SandboxCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		badRequest(c, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle != nil {
		c.JSON(http.StatusOK, s.handle)
		return
	}

	cfg := s.sandboxCfg
	if req.WorkspaceID != "" {
		cfg.WorkspaceID = req.WorkspaceID
	}
	handle, err := s.provider.Create(c.Request.Context(), cfg)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if err := s.store.SetSandboxHandle(c.Request.Context(), store.SandboxHandle{
		SandboxID: handle.SandboxID,
		Provider:  s.providerName,
	}); err != nil {
		abortWithError(c, err)
		return
	}
	s.handle = handle
	c.JSON(http.StatusOK, handle)
}

// SandboxDestroy handles POST /sandbox/destroy. Destroying twice is not
// an error.
func (s *Server) SandboxDestroy(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		c.JSON(http.StatusOK, gin.H{"destroyed": false})
		return
	}
	if err := s.provider.Destroy(c.Request.Context(), s.handle); err != nil {
		abortWithError(c, err)
		return
	}
	if err := s.store.ClearSandboxHandle(c.Request.Context()); err != nil {
		abortWithError(c, err)
		return
	}
	s.handle = nil
	c.JSON(http.StatusOK, gin.H{"destroyed": true})
}

// SandboxExec handles POST /sandbox/exec.
func (s *Server) SandboxExec(c *gin.Context) {
	var req models.SandboxExecRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	handle, err := s.currentHandle()
	if err != nil {
		c.AbortWithStatusJSON(http.StatusConflict, models.ErrorResponse{Error: err.Error()})
		return
	}

	timeout := time.Duration(req.TimeoutS) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	result, err := s.provider.Run(c.Request.Context(), sandbox.Command{
		Argv:    req.Argv,
		Timeout: timeout,
		Cwd:     req.Cwd,
		Env:     req.Env,
		Sandbox: handle,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// SandboxCheckpoint handles POST /sandbox/checkpoint.
func (s *Server) SandboxCheckpoint(c *gin.Context) {
	var req models.SandboxCheckpointRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		badRequest(c, err)
		return
	}
	handle, err := s.currentHandle()
	if err != nil {
		c.AbortWithStatusJSON(http.StatusConflict, models.ErrorResponse{Error: err.Error()})
		return
	}

	cp, err := s.provider.Checkpoint(c.Request.Context(), handle, req.Label)
	if err != nil {
		abortWithError(c, err)
		return
	}
	seq, err := s.store.LatestSeq(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	if err := s.store.SetSandboxCheckpointPointer(c.Request.Context(), store.SandboxCheckpoint{
		CheckpointID: cp.CheckpointID,
		SandboxID:    handle.SandboxID,
		EventSeq:     seq,
	}); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, cp)
}

// SandboxRestore handles POST /sandbox/restore.
func (s *Server) SandboxRestore(c *gin.Context) {
	var req models.SandboxRestoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	handle, err := s.currentHandle()
	if err != nil {
		c.AbortWithStatusJSON(http.StatusConflict, models.ErrorResponse{Error: err.Error()})
		return
	}

	if err := s.provider.Restore(c.Request.Context(), handle, req.CheckpointID); err != nil {
		if errors.Is(err, sandbox.ErrUnknownCheckpoint) {
			c.AbortWithStatusJSON(http.StatusNotFound, models.ErrorResponse{Error: err.Error()})
			return
		}
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"restored": true, "checkpoint_id": req.CheckpointID})
}

// SandboxProxy handles POST /sandbox/proxy.
func (s *Server) SandboxProxy(c *gin.Context) {
	var req models.SandboxProxyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	handle, err := s.currentHandle()
	if err != nil {
		c.AbortWithStatusJSON(http.StatusConflict, models.ErrorResponse{Error: err.Error()})
		return
	}

	proxy, err := s.provider.OpenProxy(c.Request.Context(), handle, req.Port)
	if err != nil {
		if errors.Is(err, sandbox.ErrUnsupported) {
			c.AbortWithStatusJSON(http.StatusNotImplemented, models.ErrorResponse{Error: err.Error()})
			return
		}
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, proxy)
}

// SandboxStopProcess handles POST /sandbox/process/stop.
func (s *Server) SandboxStopProcess(c *gin.Context) {
	var req models.SandboxStopProcessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	handle, err := s.currentHandle()
	if err != nil {
		c.AbortWithStatusJSON(http.StatusConflict, models.ErrorResponse{Error: err.Error()})
		return
	}

	if err := s.provider.StopProcess(c.Request.Context(), handle, req.ProcessID); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stopped": true, "process_id": req.ProcessID})
}
