package api

import (
	"encoding/json"
	"io"
	"time"

	"github.com/gin-gonic/gin"

	"convertd/apperr"
	"convertd/broadcast"
)

const sseHeartbeat = 25 * time.Second

func sseHeaders(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
}

// handleJobEvents streams status events for one job. The disconnect of
// the last listener is what arms the abandonment grace timer, via the
// registry hooks wired at startup.
func (s *Server) handleJobEvents(c *gin.Context) {
	rec, ok := s.ownedJob(c)
	if !ok {
		return
	}

	sseHeaders(c)

	sub := s.registry.Subscribe(broadcast.JobTopic(rec.ID))
	defer s.registry.Unsubscribe(sub)

	// Initial snapshot so a reconnecting client is current immediately.
	if payload, err := json.Marshal(s.hub.BuildStatusEvent(rec)); err == nil {
		writeSSE(c, "status", payload)
	}

	s.streamTo(c, sub)
}

// handleSessionEvents streams full session snapshots.
func (s *Server) handleSessionEvents(c *gin.Context) {
	session := sessionKey(c)
	if session == "" {
		writeError(c, apperr.New(apperr.KindValidation, "session key is required"))
		return
	}

	sseHeaders(c)

	sub := s.registry.Subscribe(broadcast.SessionTopic(session))
	defer s.registry.Unsubscribe(sub)

	if snapshot, err := s.hub.SessionSnapshot(c.Request.Context(), session); err == nil {
		if payload, err := json.Marshal(snapshot); err == nil {
			writeSSE(c, "snapshot", payload)
		}
	}

	s.streamTo(c, sub)
}

func (s *Server) streamTo(c *gin.Context, sub *broadcast.Subscriber) {
	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case payload, ok := <-sub.C:
			if !ok {
				return false
			}
			writeSSE(c, "message", payload)
			return true
		case <-time.After(sseHeartbeat):
			c.SSEvent("ping", time.Now().UTC().Format(time.RFC3339))
			return true
		}
	})
}

func writeSSE(c *gin.Context, event string, payload []byte) {
	c.SSEvent(event, string(payload))
	c.Writer.Flush()
}
