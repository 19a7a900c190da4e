package lifecycle

import "sync/atomic"

// Process states reported by the health endpoint.
const (
	StatusStarting     = "starting"
	StatusReady        = "ready"
	StatusShuttingDown = "shutting-down"
)

var (
	shuttingDown atomic.Bool
	ready        atomic.Bool
)

// SetShuttingDown sets the shutdown flag. Call when SIGTERM/SIGINT received.
// Health handler returns 503 with status shutting-down while true.
func SetShuttingDown(v bool) {
	shuttingDown.Store(v)
}

// IsShuttingDown returns true if the process is draining and should not receive new traffic.
func IsShuttingDown() bool {
	return shuttingDown.Load()
}

// SetReady marks that a bulletin has been loaded at least once.
func SetReady(v bool) {
	ready.Store(v)
}

// IsReady reports whether the first bulletin load has completed.
func IsReady() bool {
	return ready.Load()
}

// Status returns the current process state. Shutting down takes precedence.
func Status() string {
	switch {
	case IsShuttingDown():
		return StatusShuttingDown
	case IsReady():
		return StatusReady
	default:
		return StatusStarting
	}
}
