// Package logging provides structured logging for the session agent.
//
// It wraps log/slog with level parsing, JSON/text output selection, default
// service fields, and optional rotating file output. Components receive a
// *Logger scoped with their component name via With.
package logging
