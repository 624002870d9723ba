package webhook

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/user/incidentd/internal/types"
)

// handleStream replays a session's retained events from the requested
// offset and then follows live events until the client goes away or the
// session's bus is closed.
func (s *Server) handleStream(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	since, err := streamOffset(c)
	if err != nil {
		abort(c, err)
		return
	}

	ctx := c.Request.Context()
	sub, err := s.gw.Subscribe(ctx, id, since)
	if err != nil {
		abort(c, err)
		return
	}
	defer sub.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			writeHeartbeat(c.Writer)
			c.Writer.Flush()
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if err := writeEvent(c.Writer, ev); err != nil {
				slog.Debug("sse write failed", "session_id", id, "error", err)
				return
			}
			c.Writer.Flush()
		}
	}
}

// writeEvent writes one event frame. The id line carries the event index
// so a reconnecting client resumes with Last-Event-ID.
func writeEvent(w io.Writer, ev types.Event) error {
	payload := ev.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Index, ev.Kind, payload)
	return err
}

// writeHeartbeat writes a keep-alive frame. It has no id line and so never
// moves the client's resume offset.
func writeHeartbeat(w io.Writer) {
	fmt.Fprintf(w, "event: heartbeat\ndata: {\"timestamp\":%q}\n\n", time.Now().UTC().Format(time.RFC3339))
}
