package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/relay/internal/protocol"
)

// startTestServer runs a full relay behind httptest and returns it and its
// base URL.
func startTestServer(t *testing.T, mutate ...func(*Config)) (*Server, *httptest.Server) {
	t.Helper()

	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.Bans.Path = filepath.Join(dir, "banned.txt")
	cfg.Admin.SecretPath = filepath.Join(dir, "admin.txt")
	cfg.Rooms.StorePath = filepath.Join(dir, "rooms.db")
	for _, m := range mutate {
		m(&cfg)
	}

	s, err := New(cfg)
	require.NoError(t, err)
	s.Start()

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, s.Shutdown(ctx))
		ts.Close()
	})
	return s, ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads frames until one of type typ arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ protocol.Type) protocol.Outbound {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var f protocol.Outbound
		require.NoError(t, json.Unmarshal(data, &f))
		if f.Type == typ {
			return f
		}
	}
}

func writeFrame(t *testing.T, conn *websocket.Conn, in protocol.Inbound) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(in))
}

func TestWebSocketRegisterAndChat(t *testing.T) {
	_, ts := startTestServer(t)

	alice := dial(t, ts)
	writeFrame(t, alice, protocol.Inbound{Type: protocol.TypeRegister, Name: "alice"})
	welcome := readUntil(t, alice, protocol.TypeWelcome)
	assert.Equal(t, "alice", welcome.Name)
	assert.Equal(t, "main", welcome.Room)

	bob := dial(t, ts)
	writeFrame(t, bob, protocol.Inbound{Type: protocol.TypeRegister, Name: "bob"})
	readUntil(t, bob, protocol.TypeWelcome)

	writeFrame(t, bob, protocol.Inbound{Type: protocol.TypePublicMessage, Text: "hi alice"})
	msg := readUntil(t, alice, protocol.TypePublicMessage)
	assert.Equal(t, "bob", msg.From)
	assert.Equal(t, "hi alice", msg.Text)
}

func TestWebSocketPrivateMessage(t *testing.T) {
	_, ts := startTestServer(t)

	alice := dial(t, ts)
	writeFrame(t, alice, protocol.Inbound{Type: protocol.TypeRegister, Name: "alice"})
	readUntil(t, alice, protocol.TypeWelcome)
	bob := dial(t, ts)
	writeFrame(t, bob, protocol.Inbound{Type: protocol.TypeRegister, Name: "bob"})
	readUntil(t, bob, protocol.TypeWelcome)

	payload := `{"ciphertext":"q83vEjRWeJA=","nonce":"AAECAwQFBgcICQoL"}`
	writeFrame(t, alice, protocol.Inbound{Type: protocol.TypePrivateMessage, Target: "bob", Payload: payload})

	msg := readUntil(t, bob, protocol.TypePrivateMessage)
	assert.Equal(t, payload, msg.Payload)
	assert.Equal(t, "alice", msg.From)
}

func TestWebSocketRejectsBannedIP(t *testing.T) {
	s, ts := startTestServer(t)
	_, err := s.Bans().Add("127.0.0.1", "testing", "root", time.Now())
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestWebSocketBanDisconnectsLiveSession(t *testing.T) {
	s, ts := startTestServer(t)

	conn := dial(t, ts)
	writeFrame(t, conn, protocol.Inbound{Type: protocol.TypeRegister, Name: "admin"})
	readUntil(t, conn, protocol.TypeWelcome)
	writeFrame(t, conn, protocol.Inbound{Type: protocol.TypeAdminAuth, Secret: s.Admin().Current()})
	readUntil(t, conn, protocol.TypeSystemNotice)

	// Both connections come from 127.0.0.1, so the ban takes the admin too.
	victim := dial(t, ts)
	writeFrame(t, victim, protocol.Inbound{Type: protocol.TypeRegister, Name: "victim"})
	readUntil(t, victim, protocol.TypeWelcome)

	writeFrame(t, conn, protocol.Inbound{Type: protocol.TypeAdminCommand, Command: "ban", Args: []string{"victim", "test"}})

	require.NoError(t, victim.SetReadDeadline(time.Now().Add(3*time.Second)))
	var closeErr *websocket.CloseError
	for {
		_, _, err := victim.ReadMessage()
		if err == nil {
			continue
		}
		require.ErrorAs(t, err, &closeErr)
		break
	}
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	assert.True(t, s.Bans().IsBanned("127.0.0.1"))
}

func TestWebSocketEndpointMethodNotAllowed(t *testing.T) {
	_, ts := startTestServer(t)

	resp, err := http.Post(ts.URL+"/ws", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestWebSocketOriginRejected(t *testing.T) {
	_, ts := startTestServer(t, func(cfg *Config) {
		cfg.AllowedOrigins = []string{"https://chat.example.com"}
	})

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	header := http.Header{"Origin": []string{"https://evil.test"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	s, ts := startTestServer(t)

	conn := dial(t, ts)
	writeFrame(t, conn, protocol.Inbound{Type: protocol.TypeRegister, Name: "alice"})
	readUntil(t, conn, protocol.TypeWelcome)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 1, body.Sessions)
	assert.Equal(t, s.Hub().SessionCount(), body.Sessions)
	assert.Zero(t, body.Bans)
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := startTestServer(t)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, ts = startTestServer(t, func(cfg *Config) {
		cfg.Metrics.Enabled = false
	})
	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRoomsSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Bans.Path = filepath.Join(dir, "banned.txt")
	cfg.Admin.SecretPath = filepath.Join(dir, "admin.txt")
	cfg.Rooms.StorePath = filepath.Join(dir, "rooms.db")

	s, err := New(cfg)
	require.NoError(t, err)
	_, err = s.rooms.Create(context.Background(), "dev", "root", true, time.Now())
	require.NoError(t, err)
	require.NoError(t, s.Shutdown(context.Background()))

	s, err = New(cfg)
	require.NoError(t, err)
	defer s.Shutdown(context.Background())

	_, ok := s.rooms.Get("dev")
	assert.True(t, ok)
}

func TestNewFailsOnUnwritableAdminSecret(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Bans.Path = filepath.Join(t.TempDir(), "banned.txt")
	cfg.Admin.SecretPath = filepath.Join(t.TempDir(), "missing", "admin.txt")

	_, err := New(cfg)
	assert.ErrorIs(t, err, ErrPersistence)
}

func TestShutdownPersistsState(t *testing.T) {
	s, _ := startTestServer(t)
	_, err := s.Bans().Add("10.1.1.1", "", "root", time.Now())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	reloaded, err := LoadBanRegistry(s.cfg.Bans.Path)
	require.NoError(t, err)
	assert.True(t, reloaded.IsBanned("10.1.1.1"))
}
