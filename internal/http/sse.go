package http

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// handleEvents streams session lifecycle events via Server-Sent Events.
// The event name is the state the session entered. ?session=<id> limits
// the stream to one session, which then ends when that session closes.
//
//	GET /api/v1/events?session=7f0c...
//
//	event: presented
//	data: {"session_id":"7f0c...","state":"presented","title":"Wi-Fi firmware crashed",...}
//
//	event: resolved
//	data: {"session_id":"7f0c...","state":"resolved","outcome":"resolved",...}
func (s *Server) handleEvents(c echo.Context) error {
	only := c.QueryParam("session")
	if only != "" {
		if _, err := s.sessions.Get(only); err != nil {
			return c.JSON(404, map[string]string{
				"error": "Session not found",
			})
		}
	}

	events, cancel := s.events.Subscribe()
	defer cancel()

	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	c.Response().WriteHeader(200)
	c.Response().Flush()

	ticker := time.NewTicker(s.config.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if only != "" && ev.SessionID != only {
				continue
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Warn("failed to marshal event", zap.Error(err))
				continue
			}
			fmt.Fprintf(c.Response(), "event: %s\n", ev.State)
			fmt.Fprintf(c.Response(), "data: %s\n\n", data)
			c.Response().Flush()

			if only != "" && ev.State.Terminal() {
				return nil
			}

		case <-ticker.C:
			fmt.Fprintf(c.Response(), ": heartbeat\n\n")
			c.Response().Flush()

		case <-c.Request().Context().Done():
			return nil
		}
	}
}
