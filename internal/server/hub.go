package server

import (
	"context"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/relay/internal/logging"
	"github.com/Tyrowin/relay/internal/protocol"
)

// Reasons a session leaves the hub, used in logs and metrics.
const (
	reasonDisconnect = "disconnect"
	reasonKicked     = "kicked"
	reasonBanned     = "banned"
	reasonFlood      = "flood"
	reasonTimeout    = "heartbeat_timeout"
	reasonSlow       = "slow_consumer"
	reasonShutdown   = "shutdown"
)

// Hub is the relay's event loop. The session table, room registry, flood
// guard and name index belong to the goroutine running Run; everything else
// reaches them through the hub's channels.
type Hub struct {
	cfg     Config
	bans    *BanRegistry
	admin   *AdminAuthority
	rooms   *RoomRegistry
	flood   *FloodGuard
	metrics *Metrics

	sessions map[string]*Session
	names    map[string]string // nameKey -> session id
	guestSeq int
	slow     []string
	commands map[string]*command

	register   chan *Client
	unregister chan *Client
	inbound    chan inboundFrame
	heartbeats chan *Client

	active atomic.Int64
	now    func() time.Time

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHub wires the hub to its collaborators. bans, admin and rooms are
// required; metrics may be nil.
func NewHub(cfg Config, bans *BanRegistry, admin *AdminAuthority, rooms *RoomRegistry, metrics *Metrics) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		cfg:        cfg,
		bans:       bans,
		admin:      admin,
		rooms:      rooms,
		flood:      NewFloodGuard(cfg.Flood.Threshold, cfg.Flood.Window),
		metrics:    metrics,
		sessions:   make(map[string]*Session),
		names:      make(map[string]string),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inboundFrame),
		heartbeats: make(chan *Client),
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	h.commands = buildCommands()
	return h
}

// Register hands a freshly upgraded client to the loop. It returns false
// once the hub has stopped.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// deliver forwards an inbound frame to the loop.
func (h *Hub) deliver(f inboundFrame) bool {
	select {
	case h.inbound <- f:
		return true
	case <-h.done:
		return false
	}
}

// leave reports that a client's read pump has ended.
func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// touch records transport-level liveness (a WebSocket pong).
func (h *Hub) touch(c *Client) {
	select {
	case h.heartbeats <- c:
	case <-h.done:
	}
}

// SessionCount returns the number of live sessions. Safe from any goroutine.
func (h *Hub) SessionCount() int {
	return int(h.active.Load())
}

// Run is the event loop. It returns after Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	ticker := time.NewTicker(h.cfg.Heartbeat.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownSessions()
			return

		case c := <-h.register:
			if c == nil {
				continue
			}
			if _, err := h.accept(c); err != nil {
				logging.Info("Connection rejected", zap.String("remote_addr", c.addr), zap.Error(err))
			}

		case c := <-h.unregister:
			if s, ok := h.sessions[c.sessionID]; ok && s.client == c {
				h.remove(s, reasonDisconnect, websocket.CloseNormalClosure, "")
			}

		case f := <-h.inbound:
			h.handleInbound(f.client, f.data)

		case c := <-h.heartbeats:
			if s, ok := h.sessions[c.sessionID]; ok && s.client == c {
				s.LastHeartbeatAt = h.now()
			}

		case now := <-ticker.C:
			h.checkHeartbeats(now)
		}

		h.reapSlow()
	}
}

// accept turns a client into a session, or refuses it if its IP was banned
// after the upgrade check passed.
func (h *Hub) accept(c *Client) (*Session, error) {
	if h.bans.IsBanned(c.ip) {
		h.metrics.RecordRejected(reasonBanned)
		h.refuse(c, protocol.ErrorNotice(protocol.CodeBannedIP, "You are banned from this server", h.now()))
		return nil, ErrBannedIP
	}

	now := h.now()
	s := &Session{
		ID:              uuid.NewString(),
		IP:              c.ip,
		State:           StateUnregistered,
		ConnectedAt:     now,
		LastHeartbeatAt: now,
		client:          c,
	}
	c.sessionID = s.ID
	h.sessions[s.ID] = s
	h.active.Store(int64(len(h.sessions)))
	h.metrics.RecordSessionCreated(len(h.sessions))
	logging.LogConnection(c.addr, "accepted", zap.String("session", s.ID))

	h.startPumps(c)
	return s, nil
}

// refuse writes one notice to a client that never became a session, then
// closes it.
func (h *Hub) refuse(c *Client, notice *protocol.Outbound) {
	if data, err := protocol.Encode(notice); err == nil {
		select {
		case c.send <- data:
		default:
		}
	}
	c.closeCode = websocket.ClosePolicyViolation
	c.closeReason = string(notice.Code)
	close(c.send)
	if c.conn != nil {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			c.writePump()
		}()
	}
}

func (h *Hub) startPumps(c *Client) {
	if c.conn == nil {
		return
	}
	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		c.writePump()
	}()
	go func() {
		defer h.wg.Done()
		c.readPump()
	}()
}

// remove detaches a session from the name index, its room and the flood
// guard in one step, closes its connection, and tells the old room.
func (h *Hub) remove(s *Session, reason string, code int, text string) {
	if _, ok := h.sessions[s.ID]; !ok {
		return
	}
	delete(h.sessions, s.ID)
	if s.Name != "" && h.names[nameKey(s.Name)] == s.ID {
		delete(h.names, nameKey(s.Name))
	}
	room := h.rooms.Remove(s.ID)
	h.flood.Forget(s.ID)

	s.client.closeCode = code
	s.client.closeReason = text
	close(s.client.send)

	h.active.Store(int64(len(h.sessions)))
	h.metrics.RecordSessionClosed(reason, len(h.sessions))
	logging.LogConnection(s.client.addr, reason,
		zap.String("session", s.ID),
		zap.String("name", s.Name))

	if !s.registered() || room == "" || reason == reasonShutdown {
		return
	}
	// Kicks and bans announce themselves.
	if reason != reasonKicked && reason != reasonBanned {
		h.broadcast(room, h.notice(protocol.EventLeft, room, s.Name+" left the chat"))
	}
	h.broadcastMembers(room)
}

// sendTo queues a frame for one session. A full queue marks the session as
// a slow consumer; it is removed once the current event is done.
func (h *Hub) sendTo(s *Session, frame *protocol.Outbound) {
	data, err := protocol.Encode(frame)
	if err != nil {
		logging.Error("Failed to encode frame", zap.Error(err))
		return
	}
	h.sendRaw(s, data)
}

func (h *Hub) sendRaw(s *Session, data []byte) {
	if _, ok := h.sessions[s.ID]; !ok {
		return
	}
	select {
	case s.client.send <- data:
		h.metrics.RecordFrameSent()
	default:
		h.metrics.RecordFrameDropped()
		h.slow = append(h.slow, s.ID)
	}
}

// broadcast sends frame to every member of room except the sessions listed
// in exclude. It returns the number of recipients.
func (h *Hub) broadcast(room string, frame *protocol.Outbound, exclude ...string) int {
	data, err := protocol.Encode(frame)
	if err != nil {
		logging.Error("Failed to encode frame", zap.Error(err))
		return 0
	}
	sent := 0
	for _, id := range h.rooms.Members(room) {
		if slices.Contains(exclude, id) {
			continue
		}
		if s, ok := h.sessions[id]; ok {
			h.sendRaw(s, data)
			sent++
		}
	}
	return sent
}

// broadcastMembers sends the current member list of room to its members.
func (h *Hub) broadcastMembers(room string) {
	h.broadcast(room, &protocol.Outbound{
		Type:    protocol.TypeMemberList,
		At:      h.now(),
		Room:    room,
		Members: h.memberList(room),
	})
}

func (h *Hub) memberList(room string) []protocol.Member {
	ids := h.rooms.Members(room)
	members := make([]protocol.Member, 0, len(ids))
	for _, id := range ids {
		s, ok := h.sessions[id]
		if !ok {
			continue
		}
		members = append(members, protocol.Member{
			Name:      s.Name,
			Admin:     s.isAdmin(),
			PublicKey: s.PublicKey,
		})
	}
	sort.Slice(members, func(i, j int) bool { return nameKey(members[i].Name) < nameKey(members[j].Name) })
	return members
}

// lookupName finds a registered session by display name, ignoring case.
func (h *Hub) lookupName(name string) (*Session, bool) {
	id, ok := h.names[nameKey(name)]
	if !ok {
		return nil, false
	}
	s, ok := h.sessions[id]
	return s, ok
}

func (h *Hub) reapSlow() {
	if len(h.slow) == 0 {
		return
	}
	slow := h.slow
	h.slow = nil
	for _, id := range slow {
		if s, ok := h.sessions[id]; ok {
			logging.Warn("Removing slow consumer", zap.String("session", id), zap.String("name", s.Name))
			h.remove(s, reasonSlow, websocket.CloseTryAgainLater, "send buffer full")
		}
	}
}

// shutdownSessions tells every session the server is going away and closes it.
func (h *Hub) shutdownSessions() {
	notice := protocol.EventNotice(protocol.EventShutdown, "Server is shutting down", h.now())
	data, err := protocol.Encode(notice)
	if err != nil {
		logging.Error("Failed to encode shutdown notice", zap.Error(err))
	}

	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	for _, s := range sessions {
		if data != nil {
			select {
			case s.client.send <- data:
			default:
			}
		}
		h.remove(s, reasonShutdown, websocket.CloseGoingAway, "server shutting down")
	}
	logging.Info("Closed client sessions", zap.Int("count", len(sessions)))
}

// Shutdown stops the loop and waits for every pump to finish, or for timeout.
func (h *Hub) Shutdown(timeout time.Duration) error {
	logging.Info("Initiating hub shutdown")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logging.Info("Hub shutdown completed")
		return nil
	case <-time.After(timeout):
		logging.Warn("Hub shutdown timeout reached, some connections may still be open")
		return context.DeadlineExceeded
	}
}
