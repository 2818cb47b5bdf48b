// Package protocol defines the JSON frames exchanged between relay clients and
// the server, along with decoding rules for inbound traffic.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

// Type is the discriminator carried in the "type" field of every frame.
type Type string

// Frame types accepted from clients.
const (
	TypeRegister       Type = "register"
	TypeKeyRegister    Type = "key_register"
	TypePublicMessage  Type = "public_message"
	TypePrivateMessage Type = "private_message"
	TypeKeyRequest     Type = "key_request"
	TypeAdminAuth      Type = "admin_auth"
	TypeAdminCommand   Type = "admin_command"
	TypeHeartbeatPing  Type = "heartbeat_ping"
	TypeHeartbeatPong  Type = "heartbeat_pong"
)

// Frame types only ever sent by the server.
const (
	TypeSystemNotice Type = "system_notice"
	TypeWelcome      Type = "welcome"
	TypeMemberList   Type = "member_list"
	TypeKeyResponse  Type = "key_response"
	TypeUserInfo     Type = "user_info"
	TypeRoomList     Type = "room_list"
)

var inboundTypes = map[Type]struct{}{
	TypeRegister:       {},
	TypeKeyRegister:    {},
	TypePublicMessage:  {},
	TypePrivateMessage: {},
	TypeKeyRequest:     {},
	TypeAdminAuth:      {},
	TypeAdminCommand:   {},
	TypeHeartbeatPing:  {},
	TypeHeartbeatPong:  {},
}

// Decoding errors.
var (
	ErrInvalidJSON = errors.New("frame is not a valid JSON object")
	ErrMissingType = errors.New("frame has no type")
	ErrUnknownType = errors.New("unknown frame type")
)

// Inbound is the union of every field a client frame may carry. Which fields
// are meaningful depends on Type.
type Inbound struct {
	Type Type `json:"type"`

	// register
	Name string `json:"name,omitempty"`
	// key_register
	Key string `json:"key,omitempty"`
	// public_message
	Text string `json:"text,omitempty"`
	// private_message, key_request
	Target string `json:"target,omitempty"`
	// private_message; opaque ciphertext, never inspected
	Payload string `json:"payload,omitempty"`
	// admin_auth
	Secret string `json:"secret,omitempty"`
	// admin_command
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	Room    string   `json:"room,omitempty"`
}

// Decode parses a raw client frame. Frames that are not valid UTF-8 are
// rejected, as are frames whose type is empty, unknown or server-only.
func Decode(data []byte) (*Inbound, error) {
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("%w: frame is not valid UTF-8", ErrInvalidJSON)
	}
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	if in.Type == "" {
		return nil, ErrMissingType
	}
	if _, ok := inboundTypes[in.Type]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, in.Type)
	}
	return &in, nil
}

// IsInbound reports whether clients may send frames of type t.
func IsInbound(t Type) bool {
	_, ok := inboundTypes[t]
	return ok
}

// Level grades a system notice.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Member describes one session in a member_list frame.
type Member struct {
	Name      string `json:"name"`
	Admin     bool   `json:"admin,omitempty"`
	PublicKey string `json:"public_key,omitempty"`
}

// RoomSummary describes one room in a room_list frame.
type RoomSummary struct {
	Name      string    `json:"name"`
	Members   int       `json:"members"`
	Main      bool      `json:"main,omitempty"`
	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// UserInfo is the admin-only view of a session. It never carries key
// material beyond whether a public key was registered.
type UserInfo struct {
	Name           string    `json:"name"`
	IP             string    `json:"ip"`
	Room           string    `json:"room"`
	Admin          bool      `json:"admin"`
	HasPublicKey   bool      `json:"has_public_key"`
	ConnectedAt    time.Time `json:"connected_at"`
	RecentMessages int       `json:"recent_messages"`
}

// Outbound is a frame written by the server.
type Outbound struct {
	Type Type      `json:"type"`
	ID   string    `json:"id,omitempty"`
	At   time.Time `json:"at"`

	From    string `json:"from,omitempty"`
	Target  string `json:"target,omitempty"`
	Room    string `json:"room,omitempty"`
	Name    string `json:"name,omitempty"`
	Text    string `json:"text,omitempty"`
	Payload string `json:"payload,omitempty"`
	Key     string `json:"key,omitempty"`
	Admin   bool   `json:"admin,omitempty"`

	Level Level  `json:"level,omitempty"`
	Code  Code   `json:"code,omitempty"`
	Event string `json:"event,omitempty"`

	Members []Member      `json:"members,omitempty"`
	Rooms   []RoomSummary `json:"rooms,omitempty"`
	User    *UserInfo     `json:"user,omitempty"`
}

// Encode serializes an outbound frame.
func Encode(frame *Outbound) ([]byte, error) {
	if frame == nil {
		return nil, errors.New("nil frame")
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", frame.Type, err)
	}
	return data, nil
}
