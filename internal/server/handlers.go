package server

import (
	"encoding/json"
	"net"
	"net/http"

	"go.uber.org/zap"

	"github.com/Tyrowin/relay/internal/logging"
	"github.com/Tyrowin/relay/internal/version"
)

// webSocketHandler upgrades GET /ws. Banned addresses get a plain 403 and no
// handshake; the hub checks again once the client reaches the loop.
func (s *Server) webSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	ip := clientIP(r)
	if s.bans.IsBanned(ip) {
		s.metrics.RecordRejected(reasonBanned)
		logging.LogConnection(r.RemoteAddr, "refused_banned", zap.String("ip", ip))
		http.Error(w, "You are banned from this server", http.StatusForbidden)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		logging.Debug("WebSocket upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}

	client := NewClient(conn, s.hub, r.RemoteAddr, ip)
	if !s.hub.Register(client) {
		_ = conn.Close()
	}
}

type healthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Sessions int    `json:"sessions"`
	Bans     int    `json:"bans"`
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(healthResponse{
		Status:   "ok",
		Version:  version.Version,
		Sessions: s.hub.SessionCount(),
		Bans:     s.bans.Len(),
	})
	if err != nil {
		logging.Debug("Error writing health response", zap.Error(err))
	}
}

// clientIP is the peer address of r without its port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if ip := normalizeIP(host); ip != "" {
		return ip
	}
	return host
}
