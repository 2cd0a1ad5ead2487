// Package recovery provides panic recovery utilities for engine goroutines.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// RecoverWithLog recovers from panics and logs them with the provided logger.
// Use this with defer at the start of goroutines to prevent crashes and log diagnostics.
//
// Example:
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "quictransport.acceptLoop")
//	    // ... goroutine work
//	}()
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		stack := string(debug.Stack())
		logger.Error("panic recovered",
			"goroutine", name,
			"panic", fmt.Sprintf("%v", r),
			"stack", stack)
	}
}
