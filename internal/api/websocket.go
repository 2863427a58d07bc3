package api

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"copytrade-core/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsFrame wraps a bus payload with its topic for the dashboard.
type wsFrame struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// websocket streams session outcomes, risk vetoes, and relationship state
// changes to the dashboard.
func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	topics := []events.Event{
		events.EventSignalNormalized,
		events.EventSessionCreated,
		events.EventSessionCompleted,
		events.EventSessionFailed,
		events.EventRiskVeto,
		events.EventRelationshipState,
	}

	merged := make(chan wsFrame, 256)
	done := make(chan struct{})
	defer close(done)

	for _, topic := range topics {
		stream, unsub := s.Bus.Subscribe(topic, 100)
		defer unsub()
		go func(topic events.Event, stream <-chan any) {
			for {
				select {
				case <-done:
					return
				case msg, ok := <-stream:
					if !ok {
						return
					}
					select {
					case merged <- wsFrame{Topic: string(topic), Payload: msg}:
					case <-done:
						return
					}
				}
			}
		}(topic, stream)
	}

	for frame := range merged {
		if err := conn.WriteJSON(frame); err != nil {
			log.Printf("ws write error: %v", err)
			return
		}
	}
}
