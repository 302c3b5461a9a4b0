// Package logging assembles the slog loggers used by the factory, the
// daemons and the command line tools.
//
// It owns the console and JSON handlers, level parsing (including the
// storlet daemon level names passed on the daemon command line), and the
// standard attribute keys so every process emits records of the same shape.
package logging
