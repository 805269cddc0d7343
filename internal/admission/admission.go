// Package admission implements the fail-fast concurrency gate in front of
// upstream resolution: a bounded number of in-flight upstream
// calls, with callers above the limit rejected immediately rather than
// queued: a non-blocking select/default acquire instead of a blocking
// semaphore.
package admission

import "sync/atomic"

// Limiter is a counting semaphore that never blocks: TryAcquire either
// succeeds immediately or reports failure. There is no queueing admitted
// work that the Non-goals exclude.
type Limiter struct {
	slots   chan struct{}
	inUse   atomic.Int64
	rejects atomic.Uint64
}

// New creates a Limiter allowing up to maxInflight concurrent holders. A
// non-positive maxInflight disables the gate: TryAcquire always succeeds and
// Release is a no-op.
func New(maxInflight int) *Limiter {
	if maxInflight <= 0 {
		return &Limiter{}
	}
	return &Limiter{slots: make(chan struct{}, maxInflight)}
}

// TryAcquire attempts to take one slot. If it succeeds, release must be
// called exactly once to return the slot. If ok is false, release is nil
// and the caller must reject the request (dropped_max_inflight).
func (l *Limiter) TryAcquire() (release func(), ok bool) {
	if l.slots == nil {
		return func() {}, true
	}
	select {
	case l.slots <- struct{}{}:
		l.inUse.Add(1)
		return l.release, true
	default:
		l.rejects.Add(1)
		return nil, false
	}
}

func (l *Limiter) release() {
	l.inUse.Add(-1)
	<-l.slots
}

// InUse returns the current number of held slots.
func (l *Limiter) InUse() int64 {
	return l.inUse.Load()
}

// Capacity returns the configured maxInflight, or 0 if the gate is disabled.
func (l *Limiter) Capacity() int {
	return cap(l.slots)
}

// Rejections returns the running total of TryAcquire calls that failed.
func (l *Limiter) Rejections() uint64 {
	return l.rejects.Load()
}
