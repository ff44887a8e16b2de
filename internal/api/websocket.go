package api

import (
	"context"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/Tecet/ollm-cli/internal/events"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second
	// pongWait is how long a client may stay silent before the
	// connection is considered dead.
	pongWait = 60 * time.Second
	// pingPeriod must be under pongWait so pings keep the read
	// deadline alive.
	pingPeriod = 54 * time.Second
)

// handleEventsWS upgrades to a WebSocket and streams every broker
// event as JSON. An optional ?since=RFC3339 parameter replays retained
// history from that instant before the live stream; without it the
// whole retained history is replayed.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, "since must be an RFC3339 timestamp", http.StatusBadRequest)
			return
		}
		since = t
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "err", err)
		return
	}
	log.Debug("event stream attached", "remote", conn.RemoteAddr())

	// The request context dies when this handler returns, so the
	// stream gets its own, canceled by whichever pump exits first.
	ctx, cancel := context.WithCancel(context.Background())
	stream := s.deps.Events.ReplayAll(ctx, since)

	go writeEvents(conn, stream, cancel)
	go discardReads(conn, cancel)
}

// writeEvents forwards broker events to the client and keeps the
// connection alive with pings.
func writeEvents(conn *websocket.Conn, stream <-chan events.Event[any], cancel context.CancelFunc) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cancel()
		conn.Close()
	}()

	for {
		select {
		case event, ok := <-stream:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// discardReads drains the connection so close frames and pongs are
// processed; the stream is one-way.
func discardReads(conn *websocket.Conn, cancel context.CancelFunc) {
	defer func() {
		cancel()
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("event stream read ended", "err", err)
			}
			return
		}
	}
}
