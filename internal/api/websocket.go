package api

import (
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/easelhq/easel/internal/collab"
	"github.com/easelhq/easel/pkg/canvas"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsConn adapts a gorilla websocket connection to collab.Conn. The write
// mutex serializes hub broadcasts with read-loop replies; gorilla allows
// only one concurrent writer.
type wsConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *wsConn) Send(env collab.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(env)
}

// handleWebsocket serves GET /v1/canvases/:id/ws?user=<id>. It upgrades the
// connection, registers the participant on the hub and bridges client
// messages until the connection drops.
func (s *Server) handleWebsocket(c *gin.Context) {
	canvasID := c.Param("id")
	userID := c.Query("user")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user query parameter is required", "code": "missing_user"})
		return
	}

	exists, err := s.service.Store().CanvasExists(c.Request.Context(), canvasID)
	if err != nil {
		writeError(c, err)
		return
	}
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "canvas not found", "code": "not_found"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[API] Websocket upgrade failed for %s: %v", userID, err)
		return
	}
	defer ws.Close()

	conn := &wsConn{ws: ws}
	hub := s.service.Hub()
	hub.Connect(canvasID, userID, conn)
	defer hub.Disconnect(canvasID, userID)

	for {
		var msg collab.Envelope
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[API] Websocket read error for %s: %v", userID, err)
			}
			return
		}
		s.routeClientMessage(hub, conn, canvasID, userID, msg)
	}
}

// routeClientMessage maps one inbound frame onto hub operations.
func (s *Server) routeClientMessage(hub *collab.Hub, conn *wsConn, canvasID, userID string, msg collab.Envelope) {
	switch msg.Type {
	case collab.MsgArtifactEditStart:
		artifactID, _ := msg.Data["artifact_id"].(string)
		if err := hub.AcquireLock(canvasID, artifactID, userID); err != nil {
			var conflict *canvas.ConflictError
			holder := ""
			if errors.As(err, &conflict) {
				holder = conflict.Holder
			}
			s.service.Metrics().RecordLockConflict()
			if sendErr := conn.Send(collab.Envelope{
				Type: collab.MsgEditConflict,
				Data: map[string]interface{}{
					"artifact_id": artifactID,
					"holder":      holder,
				},
				Timestamp: time.Now().UnixMilli(),
			}); sendErr != nil {
				log.Printf("[API] Failed to send edit conflict to %s: %v", userID, sendErr)
			}
		}

	case collab.MsgArtifactEditStop:
		artifactID, _ := msg.Data["artifact_id"].(string)
		hub.ReleaseLock(canvasID, artifactID, userID)

	case collab.MsgArtifactContentChange, collab.MsgCursorMove:
		data := msg.Data
		if data == nil {
			data = map[string]interface{}{}
		}
		data["user_id"] = userID
		hub.Broadcast(canvasID, userID, msg.Type, data)

	case collab.MsgPing:
		if err := conn.Send(collab.Envelope{Type: collab.MsgPong, Timestamp: time.Now().UnixMilli()}); err != nil {
			log.Printf("[API] Failed to send pong to %s: %v", userID, err)
		}

	default:
		log.Printf("[API] Ignoring unknown message type %q from %s", msg.Type, userID)
	}
}
