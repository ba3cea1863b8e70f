// Package control
// Author: momentics <momentics@gmail.com>
//
// Runtime metrics, configuration snapshotting, debug introspection, and
// process-liveness checks for the hybrid memory pool.
//
// Provides concurrent-safe state handling primitives including:
//   - Config snapshot reads plus reload-event hooks
//   - Metrics telemetry contracts
//   - State export, debug hooks, and probe registration
//   - Cross-process liveness checks used by the auditor's watchdog loop
//
// This package is cross-platform and build-tag-partitioned as needed.
package control
