package discovery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// ServiceType is the mDNS service type relays advertise under
	ServiceType = "_relay._tcp"

	// ServiceDomain is the mDNS domain (typically "local.")
	ServiceDomain = "local."

	// DefaultScanTimeout is the default timeout for relay discovery
	DefaultScanTimeout = 5 * time.Second
)

// Relay is a relay server found on the local network.
type Relay struct {
	Instance     string
	Hostname     string
	IP           string
	Port         int
	Path         string
	TLS          bool
	Version      string
	DiscoveredAt time.Time
}

// URL returns the WebSocket URL clients should dial.
func (r *Relay) URL() string {
	scheme := "ws"
	if r.TLS {
		scheme = "wss"
	}
	host := r.IP
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return fmt.Sprintf("%s://%s:%d%s", scheme, host, r.Port, r.Path)
}

// Announcer advertises a running relay over mDNS.
type Announcer struct {
	server *zeroconf.Server
}

// Announce registers the relay on the local network. The TXT record carries
// the WebSocket path, whether TLS is on, and the server version.
func Announce(instance string, port int, path string, tls bool, version string) (*Announcer, error) {
	txt := []string{
		"path=" + path,
		fmt.Sprintf("tls=%t", tls),
		"version=" + version,
	}
	server, err := zeroconf.Register(instance, ServiceType, ServiceDomain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to register mDNS service: %w", err)
	}
	return &Announcer{server: server}, nil
}

// Shutdown withdraws the announcement.
func (a *Announcer) Shutdown() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// Scanner browses for relays on the local network
type Scanner struct {
	// Timeout is the maximum time to wait for answers
	Timeout time.Duration
}

// NewScanner creates a new mDNS scanner with default settings
func NewScanner() *Scanner {
	return &Scanner{Timeout: DefaultScanTimeout}
}

// Scan collects every relay that answers before the timeout or ctx expires.
func (s *Scanner) Scan(ctx context.Context) ([]*Relay, error) {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	found := make(chan []*Relay, 1)
	go func() {
		var relays []*Relay
		for entry := range entries {
			if relay := parseServiceEntry(entry); relay != nil {
				relays = append(relays, relay)
			}
		}
		found <- relays
	}()

	if err := resolver.Browse(ctx, ServiceType, ServiceDomain, entries); err != nil {
		return nil, fmt.Errorf("failed to browse for mDNS services: %w", err)
	}

	<-ctx.Done()
	// The resolver closes entries once ctx is done.
	select {
	case relays := <-found:
		return relays, nil
	case <-time.After(time.Second):
		return nil, nil
	}
}

// parseServiceEntry converts a zeroconf entry into a Relay, or nil when the
// entry has no usable address.
func parseServiceEntry(entry *zeroconf.ServiceEntry) *Relay {
	if entry == nil {
		return nil
	}

	var ip string
	if len(entry.AddrIPv4) > 0 {
		ip = entry.AddrIPv4[0].String()
	} else if len(entry.AddrIPv6) > 0 {
		ip = entry.AddrIPv6[0].String()
	}
	if ip == "" || entry.Port == 0 {
		return nil
	}

	relay := &Relay{
		Instance:     entry.Instance,
		Hostname:     entry.HostName,
		IP:           ip,
		Port:         entry.Port,
		Path:         "/ws",
		DiscoveredAt: time.Now(),
	}

	for _, txt := range entry.Text {
		key, value, _ := strings.Cut(txt, "=")
		switch key {
		case "path":
			if value != "" {
				relay.Path = value
			}
		case "tls":
			relay.TLS = value == "true"
		case "version":
			relay.Version = value
		}
	}
	return relay
}
