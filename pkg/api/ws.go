package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/menagerie-sh/menagerie/pkg/models"
)

// wsWriteTimeout bounds one frame write to a client.
const wsWriteTimeout = 10 * time.Second

// wsClientMessage is what a dashboard client may send: a ping or a filter
// on creature names.
type wsClientMessage struct {
	Action    string   `json:"action"`
	Creatures []string `json:"creatures,omitempty"`
}

// streamWS is the websocket twin of the SSE feed, for clients that want a
// bidirectional channel (ping, per-creature filters).
func (s *Server) streamWS(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("Websocket accept failed", "error", err)
		return
	}
	clientID := uuid.New().String()
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// filter is written by the read loop, read by the delivery loop.
	filter := make(chan []string, 1)
	queue := make(chan models.Event, sseQueueSize)
	unsub := s.deps.Store.Subscribe(func(evt models.Event) {
		select {
		case queue <- evt:
		default:
		}
	})
	defer unsub()

	s.logger.Debug("Websocket client connected", "client", clientID)

	go func() {
		defer cancel()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg wsClientMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			switch msg.Action {
			case "ping":
				writeJSON(ctx, conn, map[string]string{"action": "pong"})
			case "subscribe":
				select {
				case filter <- msg.Creatures:
				default:
				}
			}
		}
	}()

	var only map[string]bool
	for {
		select {
		case <-ctx.Done():
			return
		case names := <-filter:
			if len(names) == 0 {
				only = nil
				continue
			}
			only = make(map[string]bool, len(names))
			for _, n := range names {
				only[n] = true
			}
		case evt := <-queue:
			if only != nil && !only[evt.Creature] {
				continue
			}
			if err := writeJSON(ctx, conn, evt); err != nil {
				return
			}
		}
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}
