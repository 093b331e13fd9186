package httpapi

import (
	"sync"
	"sync/atomic"
)

// Inflight tracks in-flight ingest requests and websocket streams and
// supports graceful draining. When draining is enabled, new work is rejected
// while in-flight work finishes naturally.
//
// The mu mutex makes the draining check and wg.Add atomic in Add(), preventing
// a TOCTOU race where StartDraining+Wait could be called between the draining
// check and wg.Add.
type Inflight struct {
	mu       sync.Mutex
	draining bool
	wg       sync.WaitGroup
	count    atomic.Int64
	drainCh  chan struct{}
}

// NewInflight creates a new Inflight tracker.
func NewInflight() *Inflight {
	return &Inflight{drainCh: make(chan struct{})}
}

// Add registers new in-flight work. Returns false if the tracker is draining,
// meaning no new work should be accepted. The draining check and WaitGroup
// increment are performed atomically under a mutex.
func (t *Inflight) Add() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.draining {
		return false
	}
	t.wg.Add(1)
	t.count.Add(1)
	return true
}

// Done marks work as completed. Must be called exactly once per successful Add.
func (t *Inflight) Done() {
	t.count.Add(-1)
	t.wg.Done()
}

// StartDraining sets the draining flag so that future Add calls return false
// and closes the channel returned by Draining.
func (t *Inflight) StartDraining() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.draining {
		return
	}
	t.draining = true
	close(t.drainCh)
}

// IsDraining reports whether the tracker is in draining mode.
func (t *Inflight) IsDraining() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.draining
}

// Draining returns a channel closed once draining starts. Long-lived streams
// select on it to finish early.
func (t *Inflight) Draining() <-chan struct{} {
	return t.drainCh
}

// ActiveCount returns the amount of in-flight work.
func (t *Inflight) ActiveCount() int64 {
	return t.count.Load()
}

// Wait blocks until all in-flight work has completed (all Done calls matched Add calls).
func (t *Inflight) Wait() {
	t.wg.Wait()
}
