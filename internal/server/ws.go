package server

import (
	"encoding/json"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"conductor/internal/hub"
)

// clientMessage is everything a dashboard may send. Unknown types get
// an error reply, never a disconnect.
type clientMessage struct {
	Type      string `json:"type"`
	ProcessID string `json:"processId,omitempty"`
}

// handleWS upgrades the request and hands the socket to the hub. The
// hub's writer goroutine owns all writes from here on; this handler
// goroutine becomes the read loop.
func (s *HTTPServer) handleWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		s.logger.Warn("ws: upgrade from %s failed: %v", c.ClientIP(), err)
		return
	}

	id := s.app.Hub.AddConnection(conn, map[string]string{
		"remoteAddr": c.ClientIP(),
		"userAgent":  c.Request.UserAgent(),
	})
	s.app.Hub.SendToConnection(id, hub.NewMessage(MessageWelcome, welcomePayload{
		SessionID: id,
		Version:   s.app.Version,
	}))

	s.readLoop(conn, id)
}

func (s *HTTPServer) readLoop(conn *websocket.Conn, id string) {
	defer s.app.Hub.RemoveConnection(id)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.app.Hub.UpdateActivity(id)

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.reply(id, MessageError, errorPayload{Error: "malformed message"})
			continue
		}

		switch msg.Type {
		case hub.ActionSubscribe, hub.ActionUnsubscribe, hub.ActionSubscribeAll, hub.ActionUnsubscribeAll:
			if err := s.app.Hub.UpdateSubscription(id, msg.Type, msg.ProcessID); err != nil {
				s.reply(id, MessageError, errorPayload{Error: err.Error()})
			}
		case "ping":
			s.reply(id, MessagePong, nil)
		default:
			s.reply(id, MessageError, errorPayload{Error: "unknown message type " + msg.Type})
		}
	}
}

func (s *HTTPServer) reply(id, msgType string, payload any) {
	s.app.Hub.SendToConnection(id, hub.NewMessage(msgType, payload))
}
