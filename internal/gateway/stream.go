package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const streamWriteTimeout = 5 * time.Second

// defaultStreamTopics covers every topic the engine publishes.
var defaultStreamTopics = []string{"task.", "phase.", "source.", "dedup.", "config."}

// streamFrame is one bus event as sent to WebSocket clients.
type streamFrame struct {
	Topic   string    `json:"topic"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

// handleWS streams bus events as JSON frames. ?topics=task.,phase. narrows
// the stream by prefix.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}
	prefixes := defaultStreamTopics
	if raw := strings.TrimSpace(r.URL.Query().Get("topics")); raw != "" {
		prefixes = nil
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				prefixes = append(prefixes, p)
			}
		}
	}

	// Subscribe before the upgrade completes so no event published after
	// the handshake is missed.
	sub := s.cfg.Bus.SubscribeMany(prefixes...)
	defer s.cfg.Bus.Unsubscribe(sub)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.logger.Warn("ws: accept failed", "error", err)
		return
	}
	s.streams.Add(1)
	defer s.streams.Add(-1)
	s.logger.Info("ws: client connected", "topics", strings.Join(prefixes, ","))

	// Clients only listen; CloseRead handles their control frames and
	// cancels ctx once they go away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "bye")
			s.logger.Info("ws: client disconnected")
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "bus closed")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := wsjson.Write(wctx, conn, streamFrame{Topic: ev.Topic, Payload: ev.Payload, At: s.cfg.Clock().UTC()})
			cancel()
			if err != nil {
				s.logger.Debug("ws: write failed", "topic", ev.Topic, "error", err)
				return
			}
		}
	}
}
