package server

import (
	"os"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/relay/internal/protocol"
)

func TestUnknownCommand(t *testing.T) {
	h, _ := newTestHub(t)
	alice := join(t, h, "10.0.0.1", "alice")

	say(t, h, alice, "/frobnicate now")
	assert.NotNil(t, findCode(drain(alice), protocol.CodeUnknownCommand))

	send(t, h, alice, protocol.Inbound{Type: protocol.TypeAdminCommand, Command: "frobnicate"})
	assert.NotNil(t, findCode(drain(alice), protocol.CodeUnknownCommand))
}

func TestCommandUsage(t *testing.T) {
	h, _ := newTestHub(t)
	alice := join(t, h, "10.0.0.1", "alice")

	say(t, h, alice, "/join")

	notice := findCode(drain(alice), protocol.CodeMalformedFrame)
	require.NotNil(t, notice)
	assert.Contains(t, notice.Text, "/join #<room>")
}

func TestAdminCommandsRequireAdmin(t *testing.T) {
	h, _ := newTestHub(t)
	alice := join(t, h, "10.0.0.1", "alice")
	bob := join(t, h, "10.0.0.2", "bob")

	for _, line := range []string{
		"/kick bob",
		"/ban bob",
		"/unban 10.0.0.9",
		"/createroom dev",
		"/deleteroom dev",
		"/move bob dev",
		"/userinfo bob",
	} {
		say(t, h, alice, line)
		assert.NotNil(t, findCode(drain(alice), protocol.CodeUnauthorized), line)
	}

	send(t, h, alice, protocol.Inbound{Type: protocol.TypeAdminCommand, Command: "kick", Args: []string{"bob"}})
	assert.NotNil(t, findCode(drain(alice), protocol.CodeUnauthorized))

	assert.Contains(t, h.sessions, bob.sessionID)
	assert.Equal(t, 1, h.rooms.Len())
}

func TestHelpListsPermittedCommands(t *testing.T) {
	h, _ := newTestHub(t)
	alice := join(t, h, "10.0.0.1", "alice")
	root := joinAdmin(t, h, "10.0.0.2", "root")

	say(t, h, alice, "/help")
	help := findEvent(drain(alice), protocol.EventHelp)
	require.NotNil(t, help)
	assert.Contains(t, help.Text, "/join #<room>")
	assert.NotContains(t, help.Text, "/kick")

	say(t, h, root, "/help")
	help = findEvent(drain(root), protocol.EventHelp)
	require.NotNil(t, help)
	assert.Contains(t, help.Text, "/kick <user>")
	assert.Contains(t, help.Text, "/deleteroom <name>")
}

func TestChangeName(t *testing.T) {
	h, _ := newTestHub(t)
	alice := join(t, h, "10.0.0.1", "alice")
	bob := join(t, h, "10.0.0.2", "bob")
	drain(alice)

	say(t, h, alice, "/changeuname alicia")

	confirm := findEvent(drain(alice), protocol.EventRenamed)
	require.NotNil(t, confirm)
	assert.Equal(t, "alicia", confirm.Name)
	assert.Equal(t, "alicia", session(h, alice).Name)

	bobFrames := drain(bob)
	renamed := findEvent(bobFrames, protocol.EventRenamed)
	require.NotNil(t, renamed)
	assert.Contains(t, renamed.Text, "alice changed username to alicia")

	_, ok := h.lookupName("alice")
	assert.False(t, ok, "the old name is released")

	say(t, h, bob, "/changeuname ALICIA")
	assert.NotNil(t, findCode(drain(bob), protocol.CodeNameTaken))

	say(t, h, bob, "/changeuname b")
	assert.NotNil(t, findCode(drain(bob), protocol.CodeInvalidName))
	assert.Equal(t, "bob", session(h, bob).Name)
}

func TestChangeNameIgnoresSuffixPolicy(t *testing.T) {
	h, _ := newTestHub(t, func(cfg *Config) {
		cfg.Names.ConflictPolicy = ConflictSuffix
	})
	join(t, h, "10.0.0.1", "alice")
	bob := join(t, h, "10.0.0.2", "bob")

	say(t, h, bob, "/changeuname alice")

	assert.NotNil(t, findCode(drain(bob), protocol.CodeNameTaken))
}

func TestJoinAndLeaveRooms(t *testing.T) {
	h, _ := newTestHub(t)
	root := joinAdmin(t, h, "10.0.0.1", "root")
	bob := join(t, h, "10.0.0.2", "bob")

	say(t, h, root, "/createroom Dev")
	created := findEvent(drain(bob), protocol.EventRoomCreated)
	require.NotNil(t, created)
	assert.Equal(t, "dev", created.Room)
	drain(root)

	say(t, h, bob, "/join #DEV")
	moved := findEvent(drain(bob), protocol.EventRoomChanged)
	require.NotNil(t, moved)
	assert.Equal(t, "dev", moved.Room)
	assert.Equal(t, "dev", h.rooms.RoomOf(bob.sessionID))

	rootFrames := drain(root)
	left := findEvent(rootFrames, protocol.EventLeft)
	require.NotNil(t, left)
	assert.Contains(t, left.Text, "bob left #main")
	assert.Equal(t, []protocol.Member{{Name: "root", Admin: true}}, lastOfType(rootFrames, protocol.TypeMemberList).Members)

	say(t, h, bob, "/join dev")
	assert.Contains(t, findEvent(drain(bob), protocol.EventRoomChanged).Text, "already")

	say(t, h, bob, "/left")
	assert.NotNil(t, findEvent(drain(bob), protocol.EventRoomChanged))
	assert.Equal(t, "main", h.rooms.RoomOf(bob.sessionID))

	say(t, h, bob, "/left")
	assert.NotNil(t, findCode(drain(bob), protocol.CodeIsMainRoom))

	say(t, h, bob, "/join nowhere")
	assert.NotNil(t, findCode(drain(bob), protocol.CodeRoomNotFound))

	say(t, h, bob, "/join bad!name")
	assert.NotNil(t, findCode(drain(bob), protocol.CodeInvalidRoomName))
}

func TestRoomsList(t *testing.T) {
	h, _ := newTestHub(t)
	root := joinAdmin(t, h, "10.0.0.1", "root")
	say(t, h, root, "/createroom zeta")
	say(t, h, root, "/createroom alpha")
	drain(root)

	say(t, h, root, "/rooms")

	list := lastOfType(drain(root), protocol.TypeRoomList)
	require.NotNil(t, list)
	require.Len(t, list.Rooms, 3)
	assert.Equal(t, "main", list.Rooms[0].Name)
	assert.True(t, list.Rooms[0].Main)
	assert.Equal(t, 1, list.Rooms[0].Members)
	assert.Equal(t, "alpha", list.Rooms[1].Name)
	assert.Equal(t, "root", list.Rooms[1].CreatedBy)
	assert.Equal(t, "zeta", list.Rooms[2].Name)
}

func TestCreateRoomErrors(t *testing.T) {
	h, _ := newTestHub(t)
	root := joinAdmin(t, h, "10.0.0.1", "root")

	say(t, h, root, "/createroom dev")
	drain(root)

	say(t, h, root, "/createroom #DEV")
	assert.NotNil(t, findCode(drain(root), protocol.CodeRoomExists))

	say(t, h, root, "/createroom main")
	assert.NotNil(t, findCode(drain(root), protocol.CodeRoomExists))

	say(t, h, root, "/createroom "+strings.Repeat("x", 33))
	assert.NotNil(t, findCode(drain(root), protocol.CodeInvalidRoomName))
}

func TestDeleteRoomRelocatesMembers(t *testing.T) {
	h, _ := newTestHub(t)
	root := joinAdmin(t, h, "10.0.0.1", "root")
	bob := join(t, h, "10.0.0.2", "bob")
	carol := join(t, h, "10.0.0.3", "carol")
	dave := join(t, h, "10.0.0.4", "dave")

	say(t, h, root, "/createroom lobby")
	say(t, h, root, "/createroom ops")
	say(t, h, bob, "/join #lobby")
	say(t, h, carol, "/join lobby")
	say(t, h, dave, "/join ops")
	drain(root)
	drain(bob)
	drain(carol)
	drain(dave)

	say(t, h, root, "/deleteroom #lobby")

	for _, c := range []*Client{bob, carol} {
		frames := drain(c)
		moved := findEvent(frames, protocol.EventRoomChanged)
		require.NotNil(t, moved)
		assert.Equal(t, "main", moved.Room)
		assert.NotNil(t, findEvent(frames, protocol.EventRoomDeleted))
		assert.Equal(t, "main", h.rooms.RoomOf(c.sessionID))
	}

	members := lastOfType(drain(root), protocol.TypeMemberList)
	require.NotNil(t, members)
	assert.Len(t, members.Members, 3)

	_, ok := h.rooms.Get("lobby")
	assert.False(t, ok)
	drain(dave)

	say(t, h, bob, "back in main")
	for _, c := range []*Client{root, carol} {
		msg := lastOfType(drain(c), protocol.TypePublicMessage)
		require.NotNil(t, msg)
		assert.Equal(t, "back in main", msg.Text)
		assert.Equal(t, "main", msg.Room)
	}
	assert.Nil(t, lastOfType(drain(dave), protocol.TypePublicMessage), "other rooms do not see main")

	say(t, h, root, "/deleteroom lobby")
	assert.NotNil(t, findCode(drain(root), protocol.CodeRoomNotFound))

	say(t, h, root, "/deleteroom main")
	assert.NotNil(t, findCode(drain(root), protocol.CodeIsMainRoom))
}

func TestDeleteRoomAdminFrame(t *testing.T) {
	h, _ := newTestHub(t)
	root := joinAdmin(t, h, "10.0.0.1", "root")
	say(t, h, root, "/createroom dev")

	send(t, h, root, protocol.Inbound{Type: protocol.TypeAdminCommand, Command: "deleteroom", Room: "dev"})

	assert.NotNil(t, findEvent(drain(root), protocol.EventRoomDeleted))
	_, ok := h.rooms.Get("dev")
	assert.False(t, ok)
}

func TestMoveUser(t *testing.T) {
	h, _ := newTestHub(t)
	root := joinAdmin(t, h, "10.0.0.1", "root")
	bob := join(t, h, "10.0.0.2", "bob")
	say(t, h, root, "/createroom dev")
	drain(root)
	drain(bob)

	say(t, h, root, "/move bob #dev")

	moved := findEvent(drain(bob), protocol.EventRoomChanged)
	require.NotNil(t, moved)
	assert.Contains(t, moved.Text, "moved to #dev by root")
	assert.Equal(t, "dev", h.rooms.RoomOf(bob.sessionID))
	assert.NotNil(t, findEvent(drain(root), protocol.EventRoomChanged))
}

func TestUserInfo(t *testing.T) {
	h, _ := newTestHub(t)
	root := joinAdmin(t, h, "10.0.0.1", "root")
	bob := join(t, h, "10.0.0.2", "bob")
	send(t, h, bob, protocol.Inbound{Type: protocol.TypeKeyRegister, Key: "pk-bob"})
	say(t, h, bob, "hi")
	say(t, h, bob, "there")
	drain(root)

	say(t, h, root, "/userinfo bob")

	info := lastOfType(drain(root), protocol.TypeUserInfo)
	require.NotNil(t, info)
	require.NotNil(t, info.User)
	assert.Equal(t, "bob", info.User.Name)
	assert.Equal(t, "10.0.0.2", info.User.IP)
	assert.Equal(t, "main", info.User.Room)
	assert.True(t, info.User.HasPublicKey)
	assert.False(t, info.User.Admin)
	assert.Equal(t, 2, info.User.RecentMessages)
}

func TestKick(t *testing.T) {
	h, _ := newTestHub(t)
	root := joinAdmin(t, h, "10.0.0.1", "root")
	bob := join(t, h, "10.0.0.2", "bob")
	carol := join(t, h, "10.0.0.3", "carol")
	drain(root)

	say(t, h, root, "/kick Bob")

	bobFrames := drain(bob)
	assert.NotNil(t, findEvent(bobFrames, protocol.EventKicked))
	assert.True(t, closed(bob))
	assert.Equal(t, websocket.ClosePolicyViolation, bob.closeCode)
	assert.NotContains(t, h.sessions, bob.sessionID)

	carolFrames := drain(carol)
	assert.NotNil(t, findEvent(carolFrames, protocol.EventKicked))
	assert.Nil(t, findEvent(carolFrames, protocol.EventLeft), "kicks are not also announced as departures")

	assert.False(t, h.bans.IsBanned("10.0.0.2"), "a kick is not a ban")

	say(t, h, root, "/kick bob")
	assert.NotNil(t, findCode(drain(root), protocol.CodeRecipientNotFound))
}

func TestBanDisconnectsEverySessionOnAddress(t *testing.T) {
	h, _ := newTestHub(t)
	root := joinAdmin(t, h, "10.0.0.1", "root")
	bob := join(t, h, "10.0.0.2", "bob")
	sock := join(t, h, "10.0.0.2", "sock")
	lurker := connect(t, h, "10.0.0.2")
	carol := join(t, h, "10.0.0.3", "carol")
	drain(root)

	say(t, h, root, `/ban bob "repeated spam"`)

	for _, c := range []*Client{bob, sock, lurker} {
		assert.NotNil(t, findEvent(drain(c), protocol.EventBanned))
		assert.NotContains(t, h.sessions, c.sessionID)
		assert.True(t, closed(c))
	}
	assert.Contains(t, h.sessions, carol.sessionID)
	assert.NotNil(t, findEvent(drain(carol), protocol.EventBanned))

	banned := ofType(drain(root), protocol.TypeSystemNotice)
	require.Len(t, banned, 1, "the admin gets the ack, not the room announcement")
	assert.Equal(t, protocol.EventBanned, banned[0].Event)
	assert.Empty(t, banned[0].Room)
	assert.Contains(t, banned[0].Text, "bob (10.0.0.2)")

	require.True(t, h.bans.IsBanned("10.0.0.2"))
	entries := h.bans.List()
	require.Len(t, entries, 1)
	assert.Equal(t, "repeated spam", entries[0].Reason)
	assert.Equal(t, "root", entries[0].BannedBy)

	data, err := os.ReadFile(h.cfg.Bans.Path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "IP:10.0.0.2\t")

	again := NewClient(nil, h, "10.0.0.2:1", "10.0.0.2")
	_, err = h.accept(again)
	assert.ErrorIs(t, err, ErrBannedIP)
}

func TestUnban(t *testing.T) {
	h, clock := newTestHub(t)
	root := joinAdmin(t, h, "10.0.0.1", "root")
	_, err := h.bans.Add("10.0.0.9", "", "root", clock.Now())
	require.NoError(t, err)

	say(t, h, root, "/unban 10.0.0.9")
	assert.NotNil(t, findEvent(drain(root), protocol.EventUnbanned))
	assert.False(t, h.bans.IsBanned("10.0.0.9"))

	say(t, h, root, "/unban 10.0.0.9")
	assert.NotNil(t, findCode(drain(root), protocol.CodeNotBanned))

	connect(t, h, "10.0.0.9")
}

func TestBanPersistenceFailureStillBans(t *testing.T) {
	h, _ := newTestHub(t)
	root := joinAdmin(t, h, "10.0.0.1", "root")
	bob := join(t, h, "10.0.0.2", "bob")
	h.bans.path = h.cfg.Bans.Path + ".missing/banned.txt"

	say(t, h, root, "/ban bob")

	assert.NotNil(t, findCode(drain(root), protocol.CodePersistence))
	assert.True(t, h.bans.IsBanned("10.0.0.2"))
	assert.NotContains(t, h.sessions, bob.sessionID)
}
