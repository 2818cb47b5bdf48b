// Package logging provides the structured logger shared by the relay.
//
// It wraps a single process-wide zap logger. Until Initialize is called the
// logger is a no-op, which keeps tests and one-shot CLI commands quiet.
//
// # Usage
//
//	if err := logging.Initialize("info"); err != nil {
//	    return err
//	}
//	defer logging.Sync()
//
//	logging.Info("Relay listening", zap.String("addr", addr))
//	logging.LogConnection(remoteAddr, "accepted")
//	logging.LogModeration("ban", "alice", "10.0.0.7")
//
// # Levels
//
// The level is taken from the argument to Initialize, falling back to the
// RELAY_LOG_LEVEL environment variable: debug, info, warn or error.
package logging
