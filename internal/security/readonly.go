package security

import (
	"fmt"
	"os"
	"sync"
)

// OperationType labels the operations the guard arbitrates.
type OperationType string

const (
	OpRead         OperationType = "READ"
	OpPlaceOrder   OperationType = "PLACE_ORDER"
	OpExitPosition OperationType = "EXIT_POSITION"
)

// ReadOnlyError reports a write operation blocked by read-only mode.
type ReadOnlyError struct {
	Operation OperationType
}

func (e *ReadOnlyError) Error() string {
	return fmt.Sprintf("operation %s blocked: read-only mode is enabled", e.Operation)
}

// Guard enforces read-only mode and the kill switch. Read-only blocks new
// entries but still lets the engine exit positions; the kill switch is a
// file the operator creates to force an immediate flatten-and-stop without
// touching the process.
type Guard struct {
	mu             sync.RWMutex
	readOnly       bool
	killSwitchPath string
}

func NewGuard(readOnly bool, killSwitchPath string) *Guard {
	return &Guard{readOnly: readOnly, killSwitchPath: killSwitchPath}
}

// IsReadOnly reports whether read-only mode is on.
func (g *Guard) IsReadOnly() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.readOnly
}

// SetReadOnly flips read-only mode.
func (g *Guard) SetReadOnly(readOnly bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.readOnly = readOnly
}

// Allow returns a ReadOnlyError when op opens new exposure in read-only
// mode. Exits are always allowed: a guard must never trap an open position.
func (g *Guard) Allow(op OperationType) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.readOnly && op == OpPlaceOrder {
		return &ReadOnlyError{Operation: op}
	}
	return nil
}

// KillSwitchTripped reports whether the kill-switch file exists. Checked at
// cycle cadence; a stat per minute costs nothing.
func (g *Guard) KillSwitchTripped() bool {
	g.mu.RLock()
	path := g.killSwitchPath
	g.mu.RUnlock()
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

// KillSwitchPath returns the watched file path.
func (g *Guard) KillSwitchPath() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.killSwitchPath
}
