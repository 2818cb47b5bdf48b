package server

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/Tyrowin/relay/internal/store"
)

// RoomStore is the durable side of the room registry.
type RoomStore interface {
	LoadRooms(ctx context.Context) ([]store.Room, error)
	SaveRoom(ctx context.Context, r store.Room) error
	DeleteRoom(ctx context.Context, name string) error
	Close() error
}

const storeTimeout = 5 * time.Second

var roomNamePattern = regexp.MustCompile(`^[a-z0-9_-]{1,32}$`)

// normalizeRoomName strips a leading '#' and lowercases the name.
func normalizeRoomName(name string) (string, error) {
	name = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "#"))
	if !roomNamePattern.MatchString(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRoomName, name)
	}
	return name, nil
}

// Room is a named channel. Members are session ids.
type Room struct {
	Name      string
	CreatedBy string
	CreatedAt time.Time
	members   map[string]struct{}
}

// Len returns the number of members.
func (r *Room) Len() int { return len(r.members) }

// RoomRegistry tracks rooms and which room each session is in. Every session
// is in exactly one room once placed. It is owned by the hub loop.
type RoomRegistry struct {
	main       string
	rooms      map[string]*Room
	membership map[string]string
	store      RoomStore
}

// NewRoomRegistry creates the registry, restoring rooms from st. The main
// room always exists and is never persisted.
func NewRoomRegistry(ctx context.Context, main string, st RoomStore, now time.Time) (*RoomRegistry, error) {
	main, err := normalizeRoomName(main)
	if err != nil {
		return nil, fmt.Errorf("main room: %w", err)
	}
	if st == nil {
		st = store.NewMemory()
	}
	r := &RoomRegistry{
		main:       main,
		rooms:      make(map[string]*Room),
		membership: make(map[string]string),
		store:      st,
	}
	r.rooms[main] = &Room{Name: main, CreatedAt: now, members: make(map[string]struct{})}

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	saved, err := st.LoadRooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load rooms: %w", err)
	}
	for _, sr := range saved {
		if sr.Name == main {
			continue
		}
		r.rooms[sr.Name] = &Room{
			Name:      sr.Name,
			CreatedBy: sr.CreatedBy,
			CreatedAt: sr.CreatedAt,
			members:   make(map[string]struct{}),
		}
	}
	return r, nil
}

// Main returns the name of the permanent room.
func (r *RoomRegistry) Main() string { return r.main }

// Get returns the room called name.
func (r *RoomRegistry) Get(name string) (*Room, bool) {
	rm, ok := r.rooms[name]
	return rm, ok
}

// Len returns the number of rooms including the main room.
func (r *RoomRegistry) Len() int { return len(r.rooms) }

// Create adds a room. Only admins may create rooms.
func (r *RoomRegistry) Create(ctx context.Context, name, by string, admin bool, now time.Time) (*Room, error) {
	if !admin {
		return nil, ErrUnauthorized
	}
	name, err := normalizeRoomName(name)
	if err != nil {
		return nil, err
	}
	if _, exists := r.rooms[name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRoom, name)
	}

	rm := &Room{Name: name, CreatedBy: by, CreatedAt: now, members: make(map[string]struct{})}

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := r.store.SaveRoom(ctx, store.Room{Name: name, CreatedBy: by, CreatedAt: now}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	r.rooms[name] = rm
	return rm, nil
}

// Delete removes a room, moving its members to the main room first. It
// returns the ids of the relocated sessions.
func (r *RoomRegistry) Delete(ctx context.Context, name string, admin bool) ([]string, error) {
	if !admin {
		return nil, ErrUnauthorized
	}
	name, err := normalizeRoomName(name)
	if err != nil {
		return nil, err
	}
	if name == r.main {
		return nil, ErrIsMainRoom
	}
	rm, ok := r.rooms[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, name)
	}

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := r.store.DeleteRoom(ctx, name); err != nil && !errors.Is(err, store.ErrRoomNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	relocated := sortedIDs(rm.members)
	main := r.rooms[r.main]
	for _, id := range relocated {
		main.members[id] = struct{}{}
		r.membership[id] = r.main
	}
	delete(r.rooms, name)
	return relocated, nil
}

// Join moves a session into room name, leaving its current room. It returns
// the room the session was in, or "" if it had none.
func (r *RoomRegistry) Join(sessionID, name string) (string, error) {
	name, err := normalizeRoomName(name)
	if err != nil {
		return "", err
	}
	target, ok := r.rooms[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrRoomNotFound, name)
	}

	prev := r.membership[sessionID]
	if prev == name {
		return prev, nil
	}
	if old, ok := r.rooms[prev]; ok {
		delete(old.members, sessionID)
	}
	target.members[sessionID] = struct{}{}
	r.membership[sessionID] = name
	return prev, nil
}

// Leave returns a session to the main room.
func (r *RoomRegistry) Leave(sessionID string) (string, error) {
	prev, ok := r.membership[sessionID]
	if !ok {
		return "", ErrNotRegistered
	}
	if prev == r.main {
		return prev, ErrIsMainRoom
	}
	return r.Join(sessionID, r.main)
}

// Remove detaches a session from whatever room it is in and returns that room.
func (r *RoomRegistry) Remove(sessionID string) string {
	prev, ok := r.membership[sessionID]
	if !ok {
		return ""
	}
	if rm, ok := r.rooms[prev]; ok {
		delete(rm.members, sessionID)
	}
	delete(r.membership, sessionID)
	return prev
}

// RoomOf returns the room a session is in.
func (r *RoomRegistry) RoomOf(sessionID string) string {
	return r.membership[sessionID]
}

// Members returns the session ids in room name, sorted.
func (r *RoomRegistry) Members(name string) []string {
	rm, ok := r.rooms[name]
	if !ok {
		return nil
	}
	return sortedIDs(rm.members)
}

// List returns all rooms with the main room first, then by name.
func (r *RoomRegistry) List() []*Room {
	list := make([]*Room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		list = append(list, rm)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Name == r.main {
			return true
		}
		if list[j].Name == r.main {
			return false
		}
		return list[i].Name < list[j].Name
	})
	return list
}

// Close closes the backing store.
func (r *RoomRegistry) Close() error {
	return r.store.Close()
}

func sortedIDs(set map[string]struct{}) []string {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
