package server

import (
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/relay/internal/logging"
	"github.com/Tyrowin/relay/internal/protocol"
)

// checkHeartbeats reaps sessions that have been silent longer than the
// heartbeat timeout and pings the rest.
func (h *Hub) checkHeartbeats(now time.Time) {
	timeout := h.cfg.Heartbeat.Timeout()

	var expired []*Session
	for _, s := range h.sessions {
		if now.Sub(s.LastHeartbeatAt) > timeout {
			expired = append(expired, s)
		}
	}
	for _, s := range expired {
		logging.Info("Heartbeat timeout",
			zap.String("session", s.ID),
			zap.String("name", s.Name),
			zap.Duration("silent_for", now.Sub(s.LastHeartbeatAt)))
		h.remove(s, reasonTimeout, websocket.CloseGoingAway, "heartbeat timeout")
	}

	if len(h.sessions) == 0 {
		return
	}
	data, err := protocol.Encode(&protocol.Outbound{Type: protocol.TypeHeartbeatPing, At: now})
	if err != nil {
		logging.Error("Failed to encode heartbeat", zap.Error(err))
		return
	}
	for _, s := range h.sessions {
		h.sendRaw(s, data)
	}
}
