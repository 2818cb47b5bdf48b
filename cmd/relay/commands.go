package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/Tyrowin/relay/internal/discovery"
	"github.com/Tyrowin/relay/internal/logging"
	"github.com/Tyrowin/relay/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the relay",
	Long: `Start the relay and accept WebSocket connections on /ws.

Settings come from, in increasing priority: built-in defaults, the config
file, RELAY_* environment variables (RELAY_FLOOD_THRESHOLD, RELAY_ADMIN_SECRET_PATH,
...), and the flags below.

The admin password is written to --admin-file on startup and after every
rotation.`,
	Example: `  # Listen on the default port 3333
  relay serve

  # Custom port, debug logging and a persistent room store
  relay serve --addr :8080 --log-level debug --rooms-db rooms.db

  # Serve wss:// and announce on the LAN
  relay serve --tls-cert cert.pem --tls-key key.pem --mdns`,
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("addr", ":3333", "listen address")
	f.String("log-level", "info", "log level (debug, info, warn, error)")
	f.StringSlice("origins", []string{"*"}, "allowed WebSocket origins")
	f.String("admin-file", "admin.txt", "file the rotating admin password is written to")
	f.Duration("admin-rotation", time.Hour, "admin password rotation interval")
	f.String("ban-file", "banned.txt", "ban list file")
	f.String("rooms-db", "", "SQLite file for room metadata (empty keeps rooms in memory)")
	f.Int("flood-threshold", 30, "chat messages allowed per flood window")
	f.Duration("flood-window", time.Minute, "flood window")
	f.Int("flood-disconnect-after", 0, "disconnect after this many consecutive blocked messages (0 only warns)")
	f.Duration("heartbeat-interval", 30*time.Second, "heartbeat interval")
	f.String("name-conflict", server.ConflictReject, "taken names on register: reject or suffix")
	f.Bool("metrics", true, "serve Prometheus metrics")
	f.Bool("mdns", false, "announce the relay over mDNS")
	f.String("tls-cert", "", "TLS certificate file")
	f.String("tls-key", "", "TLS private key file")

	bindings := map[string]string{
		"addr":                    "addr",
		"log_level":               "log-level",
		"allowed_origins":         "origins",
		"admin.secret_path":       "admin-file",
		"admin.rotation_interval": "admin-rotation",
		"bans.path":               "ban-file",
		"rooms.store_path":        "rooms-db",
		"flood.threshold":         "flood-threshold",
		"flood.window":            "flood-window",
		"flood.disconnect_after":  "flood-disconnect-after",
		"heartbeat.interval":      "heartbeat-interval",
		"names.conflict_policy":   "name-conflict",
		"metrics.enabled":         "metrics",
		"discovery.enabled":       "mdns",
		"tls.cert_file":           "tls-cert",
		"tls.key_file":            "tls-key",
	}
	for key, flag := range bindings {
		if err := v.BindPFlag(key, f.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", flag, err))
		}
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := server.LoadConfig(v)
	if err != nil {
		return err
	}

	if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
		return fmt.Errorf("both --tls-cert and --tls-key must be provided together, or neither")
	}

	if err := logging.Initialize(cfg.LogLevel); err != nil {
		return err
	}
	defer logging.Sync()

	srv, err := server.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create relay: %w", err)
	}

	logging.Info("Admin password written",
		zap.String("path", cfg.Admin.SecretPath),
		zap.Duration("rotation", cfg.Admin.RotationInterval))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return srv.ListenAndServe(ctx)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage relay configuration",
}

var forceInit bool

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a config file with the default settings",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "relay.yaml"
		if len(args) == 1 {
			path = args[0]
		}
		if _, err := os.Stat(path); err == nil && !forceInit {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}

		data, err := yaml.Marshal(server.DefaultConfig())
		if err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
		return nil
	},
}

var scanTimeout time.Duration

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Find relays announced on the local network",
	RunE: func(cmd *cobra.Command, args []string) error {
		scanner := discovery.NewScanner()
		scanner.Timeout = scanTimeout

		relays, err := scanner.Scan(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(relays) == 0 {
			fmt.Fprintln(out, "No relays found")
			return nil
		}
		for _, r := range relays {
			fmt.Fprintf(out, "%-20s %-32s %s\n", r.Instance, r.URL(), r.Version)
		}
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&forceInit, "force", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd)
	discoverCmd.Flags().DurationVar(&scanTimeout, "timeout", discovery.DefaultScanTimeout, "how long to wait for answers")
}
