// Package ports provides port reservation for command and event endpoints.
// Worker listener ports are chosen by the operator; ports left at zero are
// allocated from the dynamic range.
package ports

import (
	"fmt"
	"net"
	"sync"
)

const (
	// DefaultAPIPort is the operator API port
	DefaultAPIPort = 8080

	// Reserved range for dynamic allocation
	DynamicPortStart = 12100
	DynamicPortEnd   = 12999
)

// Manager handles port allocation and conflict detection
type Manager struct {
	mu          sync.RWMutex
	allocated   map[int]string // port -> owner name
	nextDynamic int
	probe       func(port int) bool
}

// NewManager creates a new port manager
func NewManager() *Manager {
	return &Manager{
		allocated:   make(map[int]string),
		nextDynamic: DynamicPortStart,
		probe:       IsPortAvailable,
	}
}

// IsPortAvailable checks if a port is available for binding
func IsPortAvailable(port int) bool {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return false
	}
	ln.Close()
	return true
}

// Reserve reserves a port for an owner.
// Returns the port and true if successful, or 0 and false if the port is taken
func (pm *Manager) Reserve(port int, owner string) (int, bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if existing, ok := pm.allocated[port]; ok {
		if existing == owner {
			return port, true
		}
		return 0, false
	}

	if !pm.probe(port) {
		return 0, false
	}

	pm.allocated[port] = owner
	return port, true
}

// ReserveOrFind reserves the preferred port or finds an available one.
// A preferred port of 0 goes straight to the dynamic range.
func (pm *Manager) ReserveOrFind(preferredPort int, owner string) (int, error) {
	if preferredPort > 0 {
		if port, ok := pm.Reserve(preferredPort, owner); ok {
			return port, nil
		}
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()

	for port := pm.nextDynamic; port <= DynamicPortEnd; port++ {
		if _, exists := pm.allocated[port]; !exists && pm.probe(port) {
			pm.allocated[port] = owner
			pm.nextDynamic = port + 1
			return port, nil
		}
	}

	return 0, fmt.Errorf("no available ports for %s", owner)
}

// Release releases a port
func (pm *Manager) Release(port int) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.allocated, port)
}

// Owner returns the owner of a reserved port
func (pm *Manager) Owner(port int) (string, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	owner, ok := pm.allocated[port]
	return owner, ok
}
