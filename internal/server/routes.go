package server

import "net/http"

// routes builds the relay's ServeMux: the WebSocket endpoint, a health check
// and, when enabled, Prometheus metrics.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.healthHandler)
	mux.HandleFunc("/ws", s.webSocketHandler)
	if s.metrics != nil {
		mux.Handle(s.cfg.Metrics.Path, s.metrics.Handler())
	}
	return mux
}
