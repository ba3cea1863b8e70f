// control/hotreload.go
// Author: momentics <momentics@gmail.com>
//
// Process-wide reload hook registry, separate from any single adapter's
// ConfigStore listeners. Used by the auditor's liveness loop to notify
// observability code when the segment's invalid flag flips, without
// threading a callback through every layer that constructs a Control.

package control

import "sync"

var (
	reloadMu    sync.Mutex
	reloadHooks []func()
)

// RegisterReloadHook registers fn to be invoked by TriggerReload.
func RegisterReloadHook(fn func()) {
	reloadMu.Lock()
	defer reloadMu.Unlock()
	reloadHooks = append(reloadHooks, fn)
}

// TriggerReload invokes all globally registered reload hooks. Called by the
// auditor when it invalidates a segment.
func TriggerReload() {
	reloadMu.Lock()
	hooks := make([]func(), len(reloadHooks))
	copy(hooks, reloadHooks)
	reloadMu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}
