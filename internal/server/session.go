package server

import (
	"regexp"
	"strings"
	"time"
)

// State is a session's position in the Unregistered → Registered → Admin
// progression.
type State int

const (
	StateUnregistered State = iota
	StateRegistered
	StateAdmin
)

func (s State) String() string {
	switch s {
	case StateRegistered:
		return "registered"
	case StateAdmin:
		return "admin"
	default:
		return "unregistered"
	}
}

// Session is the server-side record of one connection. Only the hub loop
// reads or writes it.
type Session struct {
	ID              string
	Name            string
	IP              string
	State           State
	PublicKey       string
	ConnectedAt     time.Time
	LastHeartbeatAt time.Time

	// consecutive flood-blocked messages
	floodStrikes int
	client       *Client
}

func (s *Session) registered() bool { return s.State >= StateRegistered }

func (s *Session) isAdmin() bool { return s.State == StateAdmin }

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// validateName checks the character set and length of a display name.
func validateName(name string, cfg NamesConfig) error {
	if n := len(name); n < cfg.MinLength || n > cfg.MaxLength {
		return ErrInvalidName
	}
	if !namePattern.MatchString(name) {
		return ErrInvalidName
	}
	return nil
}

// nameKey is the case-insensitive index key for a display name.
func nameKey(name string) string {
	return strings.ToLower(name)
}
