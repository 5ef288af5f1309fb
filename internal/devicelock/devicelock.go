// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package devicelock serializes the load-mutate-save span of one device's
// state (model.DeviceState, including alert_states) across every path that
// can touch it concurrently: the live ingestion pipeline
// (internal/position.Processor.Process), the periodic sweep
// (cmd/fleetwatch's sweepOnce), and the connection-supersede window in
// internal/gateway where an old and a new connection for the same IMEI can
// briefly overlap. Without it, two goroutines running
// load-from-DB/mutate-in-memory/write-back for the same device race, per
// spec.md section 5.
package devicelock

import "sync"

// Registry hands out one mutex per device ID, created lazily on first use
// and kept for the life of the process. Its own map is guarded by a
// single mutex; the per-device mutexes it hands out are held for the
// caller's full critical section, not just the map lookup.
type Registry struct {
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{locks: make(map[int64]*sync.Mutex)}
}

// Lock blocks until deviceID's lock is free, acquires it, and returns the
// function that releases it. Callers must hold the lock across the entire
// load-mutate-save span for that device, not just the write.
func (r *Registry) Lock(deviceID int64) func() {
	r.mu.Lock()
	l, ok := r.locks[deviceID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[deviceID] = l
	}
	r.mu.Unlock()

	l.Lock()
	return l.Unlock
}
