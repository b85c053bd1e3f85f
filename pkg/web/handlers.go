package web

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-interview/pkg/hub"
	"github.com/teslashibe/go-interview/pkg/interview"
	"github.com/teslashibe/go-interview/pkg/orchestrator"
)

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	UI        State             `json:"ui"`
	Interview *interview.Status `json:"interview,omitempty"`
	Clients   int               `json:"clients"`
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	resp := StatusResponse{UI: s.State(), Clients: s.events.ClientCount()}
	if ctrl := s.controller(); ctrl != nil {
		st := ctrl.Status()
		resp.Interview = &st
	}
	return c.JSON(resp)
}

// handleRetryAvatar restarts the avatar from the primary provider.
func (s *Server) handleRetryAvatar(c *fiber.Ctx) error {
	ctrl := s.controller()
	if ctrl == nil {
		return errorJSON(c, fiber.StatusServiceUnavailable, ErrNoController)
	}
	if err := ctrl.RetryAvatar(c.UserContext()); err != nil {
		status := fiber.StatusInternalServerError
		if errors.Is(err, interview.ErrNotRunning) || errors.Is(err, orchestrator.ErrClosed) {
			status = fiber.StatusConflict
		}
		return errorJSON(c, status, err)
	}
	s.logger.Info("avatar retry requested")
	return c.JSON(fiber.Map{"retried": true})
}

func (s *Server) handleStop(c *fiber.Ctx) error {
	ctrl := s.controller()
	if ctrl == nil {
		return errorJSON(c, fiber.StatusServiceUnavailable, ErrNoController)
	}
	if err := ctrl.Stop(c.UserContext()); err != nil {
		return errorJSON(c, fiber.StatusInternalServerError, err)
	}
	return c.JSON(fiber.Map{"stopped": true, "status": ctrl.Status()})
}

func errorJSON(c *fiber.Ctx, status int, err error) error {
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}

// handleEventsWS sends the current state, then every event until the
// client disconnects.
func (s *Server) handleEventsWS(conn *websocket.Conn) {
	snapshot, err := hub.NewEvent(EventState, s.State()).Encode()
	if err != nil {
		s.logger.Warn("state not encoded", "error", err)
		return
	}
	client := hub.NewClient(s.events, conn, snapshot)
	if client == nil {
		return
	}
	client.Run()
}
