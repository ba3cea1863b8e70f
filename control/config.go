// control/config.go
// Author: momentics <momentics@gmail.com>
//
// Read-mostly configuration snapshot store. Pool budgets and segment name
// are immutable for a segment's lifetime (spec: configuration is fixed at
// construction), but the store still supports OnReload listeners so callers
// can observe runtime events surfaced through Control, such as the auditor
// invalidating the segment.

package control

import (
	"sync"
)

// ConfigStore is a dynamic key/value map with atomic snapshot and listener support.
type ConfigStore struct {
	mu        sync.RWMutex
	config    map[string]any
	listeners []func()
}

// NewConfigStore initializes a new config store with empty data.
func NewConfigStore() *ConfigStore {
	return &ConfigStore{
		config:    make(map[string]any),
		listeners: make([]func(), 0),
	}
}

// GetSnapshot returns a copy of all config values.
func (cs *ConfigStore) GetSnapshot() map[string]any {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	snap := make(map[string]any, len(cs.config))
	for k, v := range cs.config {
		snap[k] = v
	}
	return snap
}

// SetConfig merges new values and dispatches reload notifications.
func (cs *ConfigStore) SetConfig(newCfg map[string]any) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for k, v := range newCfg {
		cs.config[k] = v
	}
	cs.dispatchReload()
}

// OnReload registers a listener hook called whenever SetConfig is invoked.
func (cs *ConfigStore) OnReload(fn func()) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.listeners = append(cs.listeners, fn)
}

// dispatchReload invokes all listeners synchronously; callers registering
// long-running hooks are expected to dispatch their own goroutine.
func (cs *ConfigStore) dispatchReload() {
	for _, fn := range cs.listeners {
		fn()
	}
}
