package server

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// BanEntry is one banned address.
type BanEntry struct {
	IP       string
	Reason   string
	BannedAt time.Time
	BannedBy string
}

// BanRegistry is the set of banned IPs, mirrored to a text file. It is read
// by the HTTP upgrade handler as well as the hub loop, so it has its own lock.
//
// File lines look like "IP:<ip>" optionally followed by tab-separated unix
// seconds, banning admin and reason.
type BanRegistry struct {
	mu      sync.RWMutex
	path    string
	entries map[string]BanEntry
}

// LoadBanRegistry reads the ban list at path. A missing file is an empty
// list; any other read error is returned and is fatal to startup.
func LoadBanRegistry(path string) (*BanRegistry, error) {
	r := &BanRegistry{path: path, entries: make(map[string]BanEntry)}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read ban list %s: %w", path, err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		entry, ok := parseBanLine(scanner.Text())
		if ok {
			r.entries[entry.IP] = entry
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to parse ban list %s: %w", path, err)
	}
	return r, nil
}

func parseBanLine(line string) (BanEntry, bool) {
	line = strings.TrimSpace(line)
	rest, ok := strings.CutPrefix(line, "IP:")
	if !ok {
		return BanEntry{}, false
	}
	fields := strings.SplitN(rest, "\t", 4)
	ip := normalizeIP(fields[0])
	if ip == "" {
		return BanEntry{}, false
	}
	entry := BanEntry{IP: ip}
	if len(fields) > 1 {
		if secs, err := strconv.ParseInt(fields[1], 10, 64); err == nil && secs != 0 {
			entry.BannedAt = time.Unix(secs, 0)
		}
	}
	if len(fields) > 2 {
		entry.BannedBy = fields[2]
	}
	if len(fields) > 3 {
		entry.Reason = fields[3]
	}
	return entry, true
}

var banFieldReplacer = strings.NewReplacer("\t", " ", "\n", " ", "\r", " ")

// canonicalBanEntry returns e as it reads back from the file: fields
// without separators or surrounding space, and whole-second timestamps.
func canonicalBanEntry(e BanEntry) BanEntry {
	e.BannedBy = strings.TrimSpace(banFieldReplacer.Replace(e.BannedBy))
	e.Reason = strings.TrimSpace(banFieldReplacer.Replace(e.Reason))
	if !e.BannedAt.IsZero() {
		e.BannedAt = time.Unix(e.BannedAt.Unix(), 0)
	}
	return e
}

func formatBanLine(e BanEntry) string {
	e = canonicalBanEntry(e)
	var at int64
	if !e.BannedAt.IsZero() {
		at = e.BannedAt.Unix()
	}
	return fmt.Sprintf("IP:%s\t%d\t%s\t%s\n", e.IP, at, e.BannedBy, e.Reason)
}

// normalizeIP returns the canonical text form of ip, or "" if it does not parse.
func normalizeIP(ip string) string {
	ip = strings.TrimSpace(ip)
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ""
	}
	if v4 := parsed.To4(); v4 != nil {
		return v4.String()
	}
	return parsed.String()
}

// IsBanned reports whether ip is banned.
func (r *BanRegistry) IsBanned(ip string) bool {
	ip = normalizeIP(ip)
	if ip == "" {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[ip]
	return ok
}

// Add bans ip. The entry is appended to the file and synced before Add
// returns. If the write fails the ban still holds in memory and the error
// wraps ErrPersistence. Adding an existing ban is a no-op.
func (r *BanRegistry) Add(ip, reason, by string, at time.Time) (BanEntry, error) {
	norm := normalizeIP(ip)
	if norm == "" {
		return BanEntry{}, fmt.Errorf("cannot ban %q: not an IP address", ip)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[norm]; ok {
		return existing, nil
	}
	entry := canonicalBanEntry(BanEntry{IP: norm, Reason: reason, BannedAt: at, BannedBy: by})
	r.entries[norm] = entry

	if err := r.appendLocked(entry); err != nil {
		return entry, fmt.Errorf("%w: ban list %s: %v", ErrPersistence, r.path, err)
	}
	return entry, nil
}

func (r *BanRegistry) appendLocked(e BanEntry) error {
	f, err := os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(formatBanLine(e)); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Remove lifts the ban on ip and rewrites the file atomically.
func (r *BanRegistry) Remove(ip string) error {
	norm := normalizeIP(ip)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[norm]; !ok || norm == "" {
		return fmt.Errorf("%w: %s", ErrNotBanned, ip)
	}
	delete(r.entries, norm)

	if err := r.rewriteLocked(); err != nil {
		return fmt.Errorf("%w: ban list %s: %v", ErrPersistence, r.path, err)
	}
	return nil
}

// Flush rewrites the whole file from memory.
func (r *BanRegistry) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.rewriteLocked(); err != nil {
		return fmt.Errorf("%w: ban list %s: %v", ErrPersistence, r.path, err)
	}
	return nil
}

func (r *BanRegistry) rewriteLocked() error {
	var buf bytes.Buffer
	for _, e := range r.sortedLocked() {
		buf.WriteString(formatBanLine(e))
	}
	return writeFileAtomic(r.path, buf.Bytes(), 0o600)
}

// List returns all bans ordered by IP.
func (r *BanRegistry) List() []BanEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedLocked()
}

// Len returns the number of banned addresses.
func (r *BanRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *BanRegistry) sortedLocked() []BanEntry {
	list := make([]BanEntry, 0, len(r.entries))
	for _, e := range r.entries {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].IP < list[j].IP })
	return list
}
