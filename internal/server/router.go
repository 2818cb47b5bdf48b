package server

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/Tyrowin/relay/internal/logging"
	"github.com/Tyrowin/relay/internal/protocol"
)

// handleInbound routes one raw frame from c. It runs on the hub loop.
func (h *Hub) handleInbound(c *Client, data []byte) {
	s, ok := h.sessions[c.sessionID]
	if !ok || s.client != c {
		// Removed while the frame was in flight.
		return
	}

	in, err := protocol.Decode(data)
	if err != nil {
		h.metrics.RecordFrameReceived("invalid")
		h.reject(s, fmt.Errorf("%w: %v", ErrMalformedFrame, err))
		return
	}
	h.metrics.RecordFrameReceived(string(in.Type))
	s.LastHeartbeatAt = h.now()

	if err := h.route(s, in); err != nil {
		h.reject(s, err)
	}
}

func (h *Hub) route(s *Session, in *protocol.Inbound) error {
	switch in.Type {
	case protocol.TypeRegister:
		return h.handleRegister(s, in.Name)
	case protocol.TypeHeartbeatPing:
		h.sendTo(s, &protocol.Outbound{Type: protocol.TypeHeartbeatPong, At: h.now()})
		return nil
	case protocol.TypeHeartbeatPong:
		return nil
	}

	if !s.registered() {
		return ErrNotRegistered
	}

	switch in.Type {
	case protocol.TypeKeyRegister:
		return h.handleKeyRegister(s, in.Key)
	case protocol.TypePublicMessage:
		return h.handlePublic(s, in.Text)
	case protocol.TypePrivateMessage:
		return h.handlePrivate(s, in.Target, in.Payload)
	case protocol.TypeKeyRequest:
		return h.handleKeyRequest(s, in.Target)
	case protocol.TypeAdminAuth:
		return h.handleAdminAuth(s, in.Secret)
	case protocol.TypeAdminCommand:
		args := in.Args
		if in.Room != "" {
			args = append(args, in.Room)
		}
		return h.runCommand(s, in.Command, args)
	}
	return fmt.Errorf("%w: unhandled type %q", ErrMalformedFrame, in.Type)
}

// reject answers a failed request with an error notice.
func (h *Hub) reject(s *Session, err error) {
	h.sendTo(s, protocol.ErrorNotice(noticeCode(err), err.Error(), h.now()))
}

func (h *Hub) notice(event, room, text string) *protocol.Outbound {
	n := protocol.EventNotice(event, text, h.now())
	n.Room = room
	return n
}

func (h *Hub) handleRegister(s *Session, requested string) error {
	if s.registered() {
		return ErrAlreadyRegistered
	}

	name := strings.TrimSpace(requested)
	if name == "" {
		name = h.nextGuestName()
	} else {
		if err := validateName(name, h.cfg.Names); err != nil {
			return fmt.Errorf("%w: %q must be %d-%d letters, digits, '_' or '-'",
				err, name, h.cfg.Names.MinLength, h.cfg.Names.MaxLength)
		}
		resolved, err := h.resolveName(name, h.cfg.Names.ConflictPolicy)
		if err != nil {
			return err
		}
		name = resolved
	}

	main := h.rooms.Main()
	if _, err := h.rooms.Join(s.ID, main); err != nil {
		return err
	}
	s.Name = name
	s.State = StateRegistered
	h.names[nameKey(name)] = s.ID

	h.sendTo(s, &protocol.Outbound{
		Type: protocol.TypeWelcome,
		ID:   s.ID,
		At:   h.now(),
		Name: name,
		Room: main,
		Text: "Connected as " + name,
	})
	h.broadcast(main, h.notice(protocol.EventJoined, main, name+" joined the chat"), s.ID)
	h.broadcastMembers(main)

	logging.Info("Session registered",
		zap.String("session", s.ID),
		zap.String("name", name),
		zap.String("ip", s.IP))
	return nil
}

// resolveName checks name against the index. Under the suffix policy a taken
// name gets the smallest free numeric suffix that still fits the length limit.
func (h *Hub) resolveName(name, policy string) (string, error) {
	if _, taken := h.names[nameKey(name)]; !taken {
		return name, nil
	}
	if policy != ConflictSuffix {
		return "", fmt.Errorf("%w: %s", ErrNameTaken, name)
	}
	for n := 2; n < 10000; n++ {
		suffix := strconv.Itoa(n)
		if len(suffix) >= h.cfg.Names.MaxLength {
			break
		}
		base := name
		if len(base)+len(suffix) > h.cfg.Names.MaxLength {
			base = base[:h.cfg.Names.MaxLength-len(suffix)]
		}
		candidate := base + suffix
		if _, taken := h.names[nameKey(candidate)]; !taken {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNameTaken, name)
}

func (h *Hub) nextGuestName() string {
	for {
		h.guestSeq++
		candidate := fmt.Sprintf("%s%04d", h.cfg.Names.FallbackPrefix, h.guestSeq)
		if _, taken := h.names[nameKey(candidate)]; !taken {
			return candidate
		}
	}
}

func (h *Hub) handleRename(s *Session, requested string) error {
	name := strings.TrimSpace(requested)
	if err := validateName(name, h.cfg.Names); err != nil {
		return fmt.Errorf("%w: %q must be %d-%d letters, digits, '_' or '-'",
			err, name, h.cfg.Names.MinLength, h.cfg.Names.MaxLength)
	}
	old := s.Name
	if name == old {
		return nil
	}
	if id, taken := h.names[nameKey(name)]; taken && id != s.ID {
		return fmt.Errorf("%w: %s", ErrNameTaken, name)
	}

	delete(h.names, nameKey(old))
	h.names[nameKey(name)] = s.ID
	s.Name = name

	room := h.rooms.RoomOf(s.ID)
	confirm := h.notice(protocol.EventRenamed, room, "Username changed to "+name)
	confirm.Name = name
	h.sendTo(s, confirm)
	h.broadcast(room, h.notice(protocol.EventRenamed, room, old+" changed username to "+name), s.ID)
	h.broadcastMembers(room)

	logging.Info("Session renamed", zap.String("session", s.ID), zap.String("from", old), zap.String("to", name))
	return nil
}

func (h *Hub) handleKeyRegister(s *Session, key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty public key", ErrMalformedFrame)
	}
	s.PublicKey = key
	room := h.rooms.RoomOf(s.ID)
	h.sendTo(s, h.notice(protocol.EventKeyRegistered, room, "Public key registered successfully"))
	h.broadcastMembers(room)
	return nil
}

// checkFlood applies the flood guard to a chat message from s.
func (h *Hub) checkFlood(s *Session) error {
	if h.flood.RecordAndCheck(s.ID, s.isAdmin(), h.now()) == Allowed {
		s.floodStrikes = 0
		return nil
	}

	s.floodStrikes++
	h.metrics.RecordFloodBlocked()
	err := fmt.Errorf("%w: at most %d messages per %s", ErrRateLimited, h.cfg.Flood.Threshold, h.cfg.Flood.Window)

	if limit := h.cfg.Flood.DisconnectAfter; limit > 0 && s.floodStrikes >= limit {
		h.reject(s, err)
		logging.Warn("Disconnecting flooding session",
			zap.String("session", s.ID),
			zap.String("name", s.Name),
			zap.Int("strikes", s.floodStrikes))
		h.remove(s, reasonFlood, websocket.ClosePolicyViolation, "flood")
	}
	return err
}

func (h *Hub) handlePublic(s *Session, text string) error {
	if strings.HasPrefix(text, "/") {
		return h.runSlashCommand(s, text)
	}
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: empty message", ErrMalformedFrame)
	}
	if err := h.checkFlood(s); err != nil {
		return err
	}

	room := h.rooms.RoomOf(s.ID)
	exclude := ""
	if !h.cfg.EchoToSender {
		exclude = s.ID
	}
	n := h.broadcast(room, &protocol.Outbound{
		Type:  protocol.TypePublicMessage,
		ID:    ulid.Make().String(),
		At:    h.now(),
		From:  s.Name,
		Room:  room,
		Text:  text,
		Admin: s.isAdmin(),
	}, exclude)

	h.metrics.RecordMessageRelayed("public")
	h.metrics.RecordBroadcastFanout(n)
	return nil
}

// handlePrivate forwards an opaque payload to one recipient. The payload is
// copied as-is and never interpreted.
func (h *Hub) handlePrivate(s *Session, target, payload string) error {
	if target == "" || payload == "" {
		return fmt.Errorf("%w: private message needs target and payload", ErrMalformedFrame)
	}
	if err := h.checkFlood(s); err != nil {
		return err
	}
	recipient, ok := h.lookupName(target)
	if !ok || !recipient.registered() {
		return fmt.Errorf("%w: %s", ErrRecipientNotFound, target)
	}

	id := ulid.Make().String()
	h.sendTo(recipient, &protocol.Outbound{
		Type:    protocol.TypePrivateMessage,
		ID:      id,
		At:      h.now(),
		From:    s.Name,
		Target:  recipient.Name,
		Payload: payload,
		Admin:   s.isAdmin(),
	})

	ack := protocol.EventNotice(protocol.EventDelivered, "Delivered to "+recipient.Name, h.now())
	ack.ID = id
	ack.Target = recipient.Name
	h.sendTo(s, ack)

	h.metrics.RecordMessageRelayed("private")
	return nil
}

func (h *Hub) handleKeyRequest(s *Session, target string) error {
	recipient, ok := h.lookupName(target)
	if !ok {
		return fmt.Errorf("%w: %s", ErrRecipientNotFound, target)
	}
	if recipient.PublicKey == "" {
		return fmt.Errorf("%w: %s", ErrNoPublicKey, recipient.Name)
	}
	h.sendTo(s, &protocol.Outbound{
		Type: protocol.TypeKeyResponse,
		At:   h.now(),
		Name: recipient.Name,
		Key:  recipient.PublicKey,
	})
	return nil
}

func (h *Hub) handleAdminAuth(s *Session, secret string) error {
	if s.isAdmin() {
		h.sendTo(s, h.notice(protocol.EventAdminGranted, "", "Admin privileges already granted"))
		return nil
	}
	if !h.admin.Verify(secret) {
		logging.Warn("Failed admin authentication",
			zap.String("session", s.ID),
			zap.String("name", s.Name),
			zap.String("ip", s.IP))
		return ErrInvalidCredential
	}

	s.State = StateAdmin
	room := h.rooms.RoomOf(s.ID)
	h.sendTo(s, h.notice(protocol.EventAdminGranted, room, "Admin privileges granted"))
	h.broadcastMembers(room)
	logging.LogModeration("admin_granted", s.Name, s.IP)
	return nil
}

// announceMove tells s, its old room and its new room about a room change.
func (h *Hub) announceMove(s *Session, prev, next, text string) {
	h.sendTo(s, h.notice(protocol.EventRoomChanged, next, text))
	if prev != "" && prev != next {
		h.broadcast(prev, h.notice(protocol.EventLeft, prev, s.Name+" left #"+prev), s.ID)
		h.broadcastMembers(prev)
	}
	h.broadcast(next, h.notice(protocol.EventJoined, next, s.Name+" joined #"+next), s.ID)
	h.broadcastMembers(next)
}

// broadcastAll sends frame to every registered session.
func (h *Hub) broadcastAll(frame *protocol.Outbound) {
	data, err := protocol.Encode(frame)
	if err != nil {
		logging.Error("Failed to encode frame", zap.Error(err))
		return
	}
	for _, s := range h.sessions {
		if s.registered() {
			h.sendRaw(s, data)
		}
	}
}

func (h *Hub) userInfo(s *Session, now time.Time) *protocol.UserInfo {
	return &protocol.UserInfo{
		Name:           s.Name,
		IP:             s.IP,
		Room:           h.rooms.RoomOf(s.ID),
		Admin:          s.isAdmin(),
		HasPublicKey:   s.PublicKey != "",
		ConnectedAt:    s.ConnectedAt,
		RecentMessages: h.flood.Count(s.ID, now),
	}
}
