// Package store persists room metadata. Message bodies are never stored.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrRoomNotFound is returned when a room does not exist in the store.
var ErrRoomNotFound = errors.New("room not found in store")

// Room is the durable part of a room: its name and provenance.
type Room struct {
	Name      string
	CreatedBy string
	CreatedAt time.Time
}

// SQLite stores rooms in a SQLite database through the pure-Go modernc driver.
type SQLite struct {
	conn *sql.DB
}

const schema = `CREATE TABLE IF NOT EXISTS rooms (
	name       TEXT PRIMARY KEY,
	created_by TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
)`

// Open opens (creating if needed) the room database at path.
func Open(path string) (*SQLite, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open room store: %w", err)
	}

	// Writes come from a single goroutine; one connection avoids SQLITE_BUSY.
	conn.SetMaxOpenConns(1)
	conn.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create rooms table: %w", err)
	}

	return &SQLite{conn: conn}, nil
}

// LoadRooms returns every stored room ordered by name.
func (s *SQLite) LoadRooms(ctx context.Context) ([]Room, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT name, created_by, created_at FROM rooms ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query rooms: %w", err)
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		var r Room
		var createdAt int64
		if err := rows.Scan(&r.Name, &r.CreatedBy, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan room: %w", err)
		}
		r.CreatedAt = time.UnixMilli(createdAt)
		rooms = append(rooms, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rooms: %w", err)
	}
	return rooms, nil
}

// SaveRoom inserts or replaces a room.
func (s *SQLite) SaveRoom(ctx context.Context, r Room) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO rooms (name, created_by, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET created_by = excluded.created_by, created_at = excluded.created_at`,
		r.Name, r.CreatedBy, r.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save room %q: %w", r.Name, err)
	}
	return nil
}

// DeleteRoom removes a room. Deleting a missing room returns ErrRoomNotFound.
func (s *SQLite) DeleteRoom(ctx context.Context, name string) error {
	res, err := s.conn.ExecContext(ctx, `DELETE FROM rooms WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete room %q: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete room %q: %w", name, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRoomNotFound, name)
	}
	return nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.conn.Close()
}

// Memory is an in-process room store used when no database path is configured.
type Memory struct {
	mu    sync.Mutex
	rooms map[string]Room
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{rooms: make(map[string]Room)}
}

func (m *Memory) LoadRooms(context.Context) ([]Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rooms := make([]Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].Name < rooms[j].Name })
	return rooms, nil
}

func (m *Memory) SaveRoom(_ context.Context, r Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[r.Name] = r
	return nil
}

func (m *Memory) DeleteRoom(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[name]; !ok {
		return fmt.Errorf("%w: %s", ErrRoomNotFound, name)
	}
	delete(m.rooms, name)
	return nil
}

func (m *Memory) Close() error { return nil }
