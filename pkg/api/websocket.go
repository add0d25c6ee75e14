package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/choiros/choird/pkg/agent"
	"github.com/choiros/choird/pkg/models"
)

const wsWriteTimeout = 10 * time.Second

// AgentWebSocket handles WS /agent. Prompts are processed strictly
// serially per connection; each one streams its frames back before the
// next is read. Oversize or over-rate prompts get an error frame, not a
// disconnect.
func (s *Server) AgentWebSocket(c *gin.Context) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.originAllowed,
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.IncWSConnection()
	defer s.metrics.DecWSConnection()

	connID := uuid.NewString()
	log := slog.With("ws_conn", connID)
	log.Info("agent websocket connected")

	var windowStart time.Time
	var windowCount int
	rateCap := s.cfg.PromptsPerMinute
	sessionCtx := c.Request.Context()

	writeFrame := func(f agent.Frame) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(f)
	}
	writeError := func(msg string) error {
		return writeFrame(agent.Frame{Type: agent.FrameError, Content: msg})
	}

	for {
		var prompt models.PromptFrame
		if err := conn.ReadJSON(&prompt); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("agent websocket closed unexpectedly", "error", err)
			}
			return
		}
		if prompt.Prompt == "" {
			if writeError("No prompt provided") != nil {
				return
			}
			continue
		}
		if s.cfg.MaxFrameBytes > 0 && int64(len(prompt.Prompt)) > s.cfg.MaxFrameBytes {
			if writeError("Prompt exceeds maximum size") != nil {
				return
			}
			continue
		}
		if rateCap > 0 {
			now := time.Now()
			if now.Sub(windowStart) >= time.Minute {
				windowStart, windowCount = now, 0
			}
			windowCount++
			if windowCount > rateCap {
				if writeError("Prompt rate limit exceeded") != nil {
					return
				}
				continue
			}
		}
		if s.harness == nil {
			if writeError("Agent is not configured") != nil {
				return
			}
			continue
		}

		s.metrics.IncPrompt()
		for frame := range s.harness.Process(sessionCtx, prompt.Prompt) {
			if writeFrame(frame) != nil {
				return
			}
		}
	}
}

// originAllowed checks websocket upgrade origins against the configured
// allowlist. No configured origins means any origin is accepted.
func (s *Server) originAllowed(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}
