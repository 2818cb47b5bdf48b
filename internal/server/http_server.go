package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/relay/internal/discovery"
	"github.com/Tyrowin/relay/internal/logging"
	"github.com/Tyrowin/relay/internal/store"
	"github.com/Tyrowin/relay/internal/version"
)

// Server owns the relay's long-lived pieces: the hub loop, the ban registry,
// the admin authority, the room store and the HTTP listener.
type Server struct {
	cfg      Config
	hub      *Hub
	bans     *BanRegistry
	admin    *AdminAuthority
	rooms    *RoomRegistry
	metrics  *Metrics
	upgrader websocket.Upgrader

	httpServer *http.Server
	announcer  *discovery.Announcer

	startOnce    sync.Once
	shutdownOnce sync.Once
	started      atomic.Bool
	stopRotation context.CancelFunc
}

// New loads persistent state and wires the relay. Errors returned here are
// fatal: an unreadable ban list, an unwritable admin secret, or a room store
// that cannot be opened.
func New(cfg Config) (*Server, error) {
	cfg = cfg.Sanitize()

	bans, err := LoadBanRegistry(cfg.Bans.Path)
	if err != nil {
		return nil, err
	}

	admin, err := NewAdminAuthority(cfg.Admin.SecretPath, cfg.Admin.SecretLength)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize admin secret: %w", err)
	}

	var roomStore RoomStore = store.NewMemory()
	if cfg.Rooms.StorePath != "" {
		db, err := store.Open(cfg.Rooms.StorePath)
		if err != nil {
			return nil, err
		}
		roomStore = db
	}
	rooms, err := NewRoomRegistry(context.Background(), cfg.Rooms.MainRoom, roomStore, time.Now())
	if err != nil {
		_ = roomStore.Close()
		return nil, err
	}

	var metrics *Metrics
	if cfg.Metrics.Enabled {
		metrics = NewMetrics()
	}
	admin.rotated = metrics.RecordAdminRotation
	metrics.RecordBans(bans.Len())
	metrics.RecordRooms(rooms.Len())

	s := &Server{
		cfg:     cfg,
		hub:     NewHub(cfg, bans, admin, rooms, metrics),
		bans:    bans,
		admin:   admin,
		rooms:   rooms,
		metrics: metrics,
	}
	origins := newOriginPolicy(cfg.AllowedOrigins)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     origins.check,
	}
	s.httpServer = CreateServer(cfg.Addr, s.routes())

	logging.Info("Relay initialized",
		zap.String("admin_secret_path", cfg.Admin.SecretPath),
		zap.Int("bans", bans.Len()),
		zap.Int("rooms", rooms.Len()))
	return s, nil
}

// CreateServer creates an HTTP server with production timeouts. Hijacked
// WebSocket connections are not subject to them.
func CreateServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Handler returns the relay's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Hub returns the relay's event loop.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Admin returns the admin authority.
func (s *Server) Admin() *AdminAuthority {
	return s.admin
}

// Bans returns the ban registry.
func (s *Server) Bans() *BanRegistry {
	return s.bans
}

// Start launches the hub loop and the admin secret rotation. It does not
// listen; ListenAndServe does both.
func (s *Server) Start() {
	s.startOnce.Do(func() {
		go s.hub.Run()

		ctx, cancel := context.WithCancel(context.Background())
		s.stopRotation = cancel
		go s.admin.RunRotation(ctx, s.cfg.Admin.RotationInterval)

		s.started.Store(true)
		logging.Info("Hub started", zap.Duration("admin_rotation", s.cfg.Admin.RotationInterval))
	})
}

// ListenAndServe serves until ctx is cancelled or the listener fails, then
// shuts down.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.Start()

	if s.cfg.Discovery.Enabled {
		port := ln.Addr().(*net.TCPAddr).Port
		announcer, err := discovery.Announce(s.cfg.Discovery.Instance, port, "/ws", s.cfg.TLS.Enabled(), version.Version)
		if err != nil {
			logging.Warn("mDNS announcement failed", zap.Error(err))
		} else {
			s.announcer = announcer
			logging.Info("Announcing relay over mDNS", zap.String("instance", s.cfg.Discovery.Instance), zap.Int("port", port))
		}
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("Relay listening",
			zap.String("addr", ln.Addr().String()),
			zap.Bool("tls", s.cfg.TLS.Enabled()))
		if s.cfg.TLS.Enabled() {
			errCh <- s.httpServer.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
			return
		}
		errCh <- s.httpServer.Serve(ln)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		if errors.Is(serveErr, http.ErrServerClosed) {
			serveErr = nil
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		return err
	}
	return serveErr
}

// Shutdown persists state, closes every session and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	s.shutdownOnce.Do(func() {
		logging.Info("Shutting down relay")

		if err := s.bans.Flush(); err != nil {
			errs = append(errs, err)
		}
		if err := s.admin.Persist(); err != nil {
			errs = append(errs, err)
		}
		if s.stopRotation != nil {
			s.stopRotation()
		}
		s.announcer.Shutdown()

		if s.started.Load() {
			timeout := s.cfg.ShutdownTimeout
			if deadline, ok := ctx.Deadline(); ok {
				timeout = time.Until(deadline)
			}
			if err := s.hub.Shutdown(timeout); err != nil {
				errs = append(errs, fmt.Errorf("hub shutdown: %w", err))
			}
		}

		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := s.rooms.Close(); err != nil {
			errs = append(errs, fmt.Errorf("room store close: %w", err))
		}
		logging.Info("Relay shutdown completed")
	})
	return errors.Join(errs...)
}
