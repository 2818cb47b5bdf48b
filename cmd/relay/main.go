// Relay is a WebSocket message relay with rooms, end-to-end encrypted private
// messages and built-in moderation.
//
// Usage:
//
//	relay serve [flags]
//	relay config init [path]
//	relay discover
//
// See 'relay <command> --help' for available options.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Tyrowin/relay/internal/version"
)

var (
	cfgFile string
	v       = viper.New()
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "WebSocket message relay",
	Long: `A real-time message relay. Clients connect over WebSocket, register a
display name, chat in rooms and exchange end-to-end encrypted private messages
that the server forwards without reading.

Moderation is built in: per-session flood control, IP bans persisted to disk,
and an admin password that rotates every hour and is written to a file only
the operator can read.`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return readConfigFile()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, toml or json; default ./relay.yaml if present)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(versionCmd)
}

// readConfigFile loads the config file into v. A missing default file is
// fine; a missing explicit file is not.
func readConfigFile() error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("relay")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok && cfgFile == "" {
			return nil
		}
		return fmt.Errorf("failed to read config: %w", err)
	}
	return nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("relay %s\n", version.Full())
	},
}
