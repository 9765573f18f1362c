// Package pkg provides shared utilities for the softotg transfer engine.
//
// This package contains common functionality used by the host controller
// engine, its simulator and tools:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel errors for the engine's error taxonomy
//   - Transfer completion status codes
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with component context:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentDMA, "channel bound", "channel", 0)
//
// # Errors
//
// Errors are sentinel values to be matched with [errors.Is]:
//
//	if errors.Is(err, pkg.ErrConfiguration) {
//	    // no FIFO region fits the endpoint
//	}
package pkg
