// Package logx wraps zerolog behind a small structured logging API.
//
// A Service owns sink configuration (console, file, alert forwarding) and
// can be re-applied at runtime; Loggers derived from it stay live across
// reconfiguration. The zero Logger value is a safe no-op.
package logx
