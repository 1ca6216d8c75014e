package domain

import "errors"

// Collector errors. They are returned by the collector and the CLI and
// can be checked with errors.Is.
var (
	// ErrAlreadyRunning is returned when Start() is called on a running collector.
	ErrAlreadyRunning = errors.New("devrelay: already running")

	// ErrNotRunning is returned when Stop() is called on a stopped collector.
	ErrNotRunning = errors.New("devrelay: not running")

	// ErrShutdownTimeout is returned when graceful shutdown times out.
	ErrShutdownTimeout = errors.New("devrelay: shutdown timeout")

	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("devrelay: invalid configuration")

	// ErrUnknownCommand is returned for a UI command the bridge does not handle.
	ErrUnknownCommand = errors.New("devrelay: unknown ui command")
)
