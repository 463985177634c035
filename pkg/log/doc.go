// Package log provides Quilt's structured logging: a package-level
// zerolog.Logger initialized once via Init, plus WithComponent and
// WithContainerID helpers for building child loggers that carry context
// through a goroutine's call chain without passing a logger by hand.
package log
