package session

import (
	"sync"

	"github.com/modista/shopagent/internal/logger"
	"github.com/modista/shopagent/internal/queue"
)

// ModeSwitch holds the current execution mode for search dispatch. It is
// read on every query and settable at runtime.
type ModeSwitch struct {
	mu   sync.RWMutex
	mode queue.Mode
}

// NewModeSwitch creates a switch initialised to the given mode.
func NewModeSwitch(mode queue.Mode) *ModeSwitch {
	logger.L.Info("agent execution mode initialized", "mode", mode)
	return &ModeSwitch{mode: mode}
}

// Get returns the current execution mode.
func (m *ModeSwitch) Get() queue.Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

// Set changes the execution mode.
func (m *ModeSwitch) Set(mode queue.Mode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mode == mode {
		return
	}
	m.mode = mode
	logger.L.Info("agent execution mode changed", "mode", mode)
}
