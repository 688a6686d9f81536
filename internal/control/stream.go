package control

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	streamBuffer   = 256
)

// handleEventStream upgrades to a websocket and pushes events as JSON text
// messages: first the history after ?since=, then live events.
func (s *Server) handleEventStream(c *gin.Context) {
	since, ok := queryUint(c, "since")
	if !ok {
		return
	}
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("control.Server websocket upgrade failed")
		return
	}
	defer conn.Close()

	// Subscribe before reading history so nothing falls between the two.
	live, cancel := s.svc.Subscribe(streamBuffer)
	defer cancel()

	closed := make(chan struct{})
	go readPump(conn, closed)

	last := since
	for _, ev := range s.svc.Events(since) {
		if err := writeJSON(conn, ev); err != nil {
			return
		}
		last = ev.Seq
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case ev, ok := <-live:
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if ev.Seq <= last {
				continue
			}
			if err := writeJSON(conn, ev); err != nil {
				return
			}
			last = ev.Seq
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

// readPump drains client frames so pongs and close messages are processed.
func readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
