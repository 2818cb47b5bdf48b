package server

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/mattn/go-shellwords"
	"go.uber.org/zap"

	"github.com/Tyrowin/relay/internal/logging"
	"github.com/Tyrowin/relay/internal/protocol"
)

// command is one entry of the slash-command table.
type command struct {
	name     string
	usage    string
	summary  string
	requires State
	minArgs  int
	run      func(h *Hub, s *Session, args []string) error
}

func buildCommands() map[string]*command {
	list := []*command{
		{name: "help", usage: "/help", summary: "list the commands you can use",
			requires: StateRegistered, run: cmdHelp},
		{name: "changeuname", usage: "/changeuname <name>", summary: "change your display name",
			requires: StateRegistered, minArgs: 1, run: cmdChangeName},
		{name: "join", usage: "/join #<room>", summary: "switch to another room",
			requires: StateRegistered, minArgs: 1, run: cmdJoin},
		{name: "left", usage: "/left", summary: "go back to the main room",
			requires: StateRegistered, run: cmdLeft},
		{name: "rooms", usage: "/rooms", summary: "list rooms",
			requires: StateRegistered, run: cmdRooms},
		{name: "admin", usage: "/admin <password>", summary: "authenticate as admin",
			requires: StateRegistered, minArgs: 1, run: cmdAdmin},
		{name: "userinfo", usage: "/userinfo <user>", summary: "show a user's details",
			requires: StateAdmin, minArgs: 1, run: cmdUserInfo},
		{name: "kick", usage: "/kick <user>", summary: "disconnect a user",
			requires: StateAdmin, minArgs: 1, run: cmdKick},
		{name: "ban", usage: "/ban <user> [reason]", summary: "ban a user's IP and disconnect it",
			requires: StateAdmin, minArgs: 1, run: cmdBan},
		{name: "unban", usage: "/unban <ip>", summary: "lift an IP ban",
			requires: StateAdmin, minArgs: 1, run: cmdUnban},
		{name: "createroom", usage: "/createroom <name>", summary: "create a room",
			requires: StateAdmin, minArgs: 1, run: cmdCreateRoom},
		{name: "deleteroom", usage: "/deleteroom <name>", summary: "delete a room, moving its members to the main room",
			requires: StateAdmin, minArgs: 1, run: cmdDeleteRoom},
		{name: "move", usage: "/move <user> #<room>", summary: "move a user to a room",
			requires: StateAdmin, minArgs: 2, run: cmdMove},
	}
	table := make(map[string]*command, len(list))
	for _, c := range list {
		table[c.name] = c
	}
	return table
}

// runSlashCommand splits a "/name args..." chat line with shell quoting rules.
func (h *Hub) runSlashCommand(s *Session, line string) error {
	words, err := shellwords.Parse(strings.TrimPrefix(line, "/"))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if len(words) == 0 {
		return fmt.Errorf("%w: empty command", ErrUnknownCommand)
	}
	return h.runCommand(s, words[0], words[1:])
}

func (h *Hub) runCommand(s *Session, name string, args []string) error {
	cmd, ok := h.commands[strings.ToLower(name)]
	if !ok {
		return fmt.Errorf("%w: /%s (try /help)", ErrUnknownCommand, name)
	}
	if s.State < cmd.requires {
		if cmd.requires == StateAdmin {
			return fmt.Errorf("%w: /%s", ErrUnauthorized, cmd.name)
		}
		return ErrNotRegistered
	}
	if len(args) < cmd.minArgs {
		return fmt.Errorf("%w: usage: %s", ErrMalformedFrame, cmd.usage)
	}

	err := cmd.run(h, s, args)
	if err == nil && cmd.requires == StateAdmin {
		h.metrics.RecordModeration(cmd.name)
	}
	return err
}

func cmdHelp(h *Hub, s *Session, _ []string) error {
	var names []string
	for name, cmd := range h.commands {
		if s.State >= cmd.requires {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("Commands:")
	for _, name := range names {
		cmd := h.commands[name]
		fmt.Fprintf(&b, "\n  %s - %s", cmd.usage, cmd.summary)
	}
	h.sendTo(s, h.notice(protocol.EventHelp, "", b.String()))
	return nil
}

func cmdChangeName(h *Hub, s *Session, args []string) error {
	return h.handleRename(s, args[0])
}

func cmdJoin(h *Hub, s *Session, args []string) error {
	room, err := normalizeRoomName(args[0])
	if err != nil {
		return err
	}
	prev, err := h.rooms.Join(s.ID, room)
	if err != nil {
		return err
	}
	if prev == room {
		h.sendTo(s, h.notice(protocol.EventRoomChanged, room, "You are already in #"+room))
		return nil
	}
	h.announceMove(s, prev, room, "You are now in #"+room)
	return nil
}

func cmdLeft(h *Hub, s *Session, _ []string) error {
	prev, err := h.rooms.Leave(s.ID)
	if err != nil {
		return err
	}
	main := h.rooms.Main()
	h.announceMove(s, prev, main, "You left #"+prev+" and are back in #"+main)
	return nil
}

func cmdRooms(h *Hub, s *Session, _ []string) error {
	rooms := h.rooms.List()
	summaries := make([]protocol.RoomSummary, 0, len(rooms))
	for _, rm := range rooms {
		summaries = append(summaries, protocol.RoomSummary{
			Name:      rm.Name,
			Members:   rm.Len(),
			Main:      rm.Name == h.rooms.Main(),
			CreatedBy: rm.CreatedBy,
			CreatedAt: rm.CreatedAt,
		})
	}
	h.sendTo(s, &protocol.Outbound{
		Type:  protocol.TypeRoomList,
		At:    h.now(),
		Room:  h.rooms.RoomOf(s.ID),
		Rooms: summaries,
	})
	return nil
}

func cmdAdmin(h *Hub, s *Session, args []string) error {
	return h.handleAdminAuth(s, args[0])
}

func cmdUserInfo(h *Hub, s *Session, args []string) error {
	target, ok := h.lookupName(args[0])
	if !ok {
		return fmt.Errorf("%w: %s", ErrRecipientNotFound, args[0])
	}
	h.sendTo(s, &protocol.Outbound{
		Type: protocol.TypeUserInfo,
		At:   h.now(),
		Name: target.Name,
		User: h.userInfo(target, h.now()),
	})
	return nil
}

func cmdKick(h *Hub, s *Session, args []string) error {
	target, ok := h.lookupName(args[0])
	if !ok {
		return fmt.Errorf("%w: %s", ErrRecipientNotFound, args[0])
	}

	room := h.rooms.RoomOf(target.ID)
	h.sendTo(target, h.notice(protocol.EventKicked, room, "You have been kicked by "+s.Name))
	h.broadcast(room, h.notice(protocol.EventKicked, room, target.Name+" was kicked by "+s.Name), target.ID)
	h.remove(target, reasonKicked, websocket.ClosePolicyViolation, "kicked")

	if h.rooms.RoomOf(s.ID) != room && target.ID != s.ID {
		h.sendTo(s, h.notice(protocol.EventKicked, room, target.Name+" has been kicked"))
	}
	logging.LogModeration("kick", s.Name, target.Name, zap.String("ip", target.IP))
	return nil
}

func cmdBan(h *Hub, s *Session, args []string) error {
	target, ok := h.lookupName(args[0])
	if !ok {
		return fmt.Errorf("%w: %s", ErrRecipientNotFound, args[0])
	}
	reason := strings.Join(args[1:], " ")
	ip := target.IP
	name := target.Name

	_, persistErr := h.bans.Add(ip, reason, s.Name, h.now())
	if persistErr != nil && !errors.Is(persistErr, ErrPersistence) {
		return persistErr
	}
	h.metrics.RecordBans(h.bans.Len())
	logging.LogModeration("ban", s.Name, name, zap.String("ip", ip), zap.String("reason", reason))

	// Everyone on the banned address goes, not only the named user.
	var victims []*Session
	for _, other := range h.sessions {
		if other.IP == ip {
			victims = append(victims, other)
		}
	}
	for _, v := range victims {
		room := h.rooms.RoomOf(v.ID)
		h.sendTo(v, h.notice(protocol.EventBanned, room, "You have been banned by "+s.Name))
		if v.registered() {
			h.broadcast(room, h.notice(protocol.EventBanned, room, v.Name+" was banned by "+s.Name), v.ID, s.ID)
		}
		h.remove(v, reasonBanned, websocket.ClosePolicyViolation, "banned")
	}

	h.sendTo(s, h.notice(protocol.EventBanned, "", fmt.Sprintf("%s (%s) has been banned", name, ip)))
	if persistErr != nil {
		logging.Error("Ban not written to disk", zap.String("ip", ip), zap.Error(persistErr))
		return persistErr
	}
	return nil
}

func cmdUnban(h *Hub, s *Session, args []string) error {
	ip := args[0]
	if err := h.bans.Remove(ip); err != nil {
		return err
	}
	h.metrics.RecordBans(h.bans.Len())
	h.sendTo(s, h.notice(protocol.EventUnbanned, "", ip+" has been unbanned"))
	logging.LogModeration("unban", s.Name, ip)
	return nil
}

func cmdCreateRoom(h *Hub, s *Session, args []string) error {
	rm, err := h.rooms.Create(h.ctx, args[0], s.Name, s.isAdmin(), h.now())
	if err != nil {
		return err
	}
	h.metrics.RecordRooms(h.rooms.Len())
	h.broadcastAll(h.notice(protocol.EventRoomCreated, rm.Name, "Room #"+rm.Name+" created by "+s.Name))
	logging.LogModeration("createroom", s.Name, rm.Name)
	return nil
}

func cmdDeleteRoom(h *Hub, s *Session, args []string) error {
	name, err := normalizeRoomName(args[0])
	if err != nil {
		return err
	}
	relocated, err := h.rooms.Delete(h.ctx, name, s.isAdmin())
	if err != nil {
		return err
	}
	h.metrics.RecordRooms(h.rooms.Len())

	main := h.rooms.Main()
	for _, id := range relocated {
		if member, ok := h.sessions[id]; ok {
			h.sendTo(member, h.notice(protocol.EventRoomChanged, main,
				"Room #"+name+" was deleted; you are back in #"+main))
		}
	}
	if len(relocated) > 0 {
		h.broadcastMembers(main)
	}
	h.broadcastAll(h.notice(protocol.EventRoomDeleted, name, "Room #"+name+" deleted by "+s.Name))
	logging.LogModeration("deleteroom", s.Name, name, zap.Int("relocated", len(relocated)))
	return nil
}

func cmdMove(h *Hub, s *Session, args []string) error {
	target, ok := h.lookupName(args[0])
	if !ok {
		return fmt.Errorf("%w: %s", ErrRecipientNotFound, args[0])
	}
	room, err := normalizeRoomName(args[1])
	if err != nil {
		return err
	}
	prev, err := h.rooms.Join(target.ID, room)
	if err != nil {
		return err
	}
	if prev != room {
		h.announceMove(target, prev, room, "You were moved to #"+room+" by "+s.Name)
	}
	if target.ID != s.ID {
		h.sendTo(s, h.notice(protocol.EventRoomChanged, room, target.Name+" is now in #"+room))
	}
	logging.LogModeration("move", s.Name, target.Name, zap.String("room", room))
	return nil
}
