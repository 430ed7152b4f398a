package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/menagerie-sh/menagerie/pkg/models"
)

// heartbeatInterval keeps idle SSE connections alive through proxies.
const heartbeatInterval = 20 * time.Second

// sseQueueSize bounds the per-client delivery buffer. The bus already
// buffers per subscriber; this smaller channel decouples bus delivery
// from the client's write speed.
const sseQueueSize = 64

// streamSSE serves the live event feed. History is not replayed; clients
// fetch recent windows through the REST routes.
func (s *Server) streamSSE(c *gin.Context) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	queue := make(chan models.Event, sseQueueSize)
	unsub := s.deps.Store.Subscribe(func(evt models.Event) {
		select {
		case queue <- evt:
		default:
			// Client is not keeping up; drop for it rather than stall the
			// bus delivery goroutine.
		}
	})
	defer unsub()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := c.Writer.WriteString(": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case evt := <-queue:
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			if _, err := c.Writer.WriteString("data: " + string(data) + "\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
