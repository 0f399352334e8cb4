package events

import "sync"

var (
	globalMu  sync.RWMutex
	globalBus *Bus
)

// SetGlobalBus registers the system-wide bus so modules can reach it
// during initialization.
func SetGlobalBus(bus *Bus) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalBus = bus
}

// GetGlobalBus returns the system-wide bus, nil before server startup
func GetGlobalBus() *Bus {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalBus
}
