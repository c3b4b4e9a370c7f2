// Package memcap implements the per-VM memory-cap allocator (C3): a
// ceiling on total allocated memory that every allocation/resize/free
// performed on a VM's behalf must be interposed through.
package memcap

import (
	"errors"
	"sync/atomic"
)

// DefaultLimit is the default per-VM memory ceiling (§4.3).
const DefaultLimit int64 = 2 * 1024 * 1024 // 2 MiB

// ErrLimitExceeded is wrapped into the error a caller-facing TryResize
// interposition point (e.g. internal/sched's compile cache) returns
// when an allocation is refused, so callers can distinguish "out of
// memory" from any other failure along the same path and report it as
// MemoryExhausted rather than a generic error (§8 S5).
var ErrLimitExceeded = errors.New("memcap: allocation would exceed the memory cap")

// Allocator tracks one VM's allocated-memory counter against its
// ceiling. Used is reconstructed purely from TryResize traffic; no
// other source is allowed to write it (§4.3 invariant).
//
// Used is an atomic so a metrics exporter or a STATUS_QUERY handler
// running on a different goroutine can read it without racing the
// worker thread that's the only writer — the spec's "no mutex needed"
// note applies to the writer side (single-threaded per VM), not to
// read-only observers elsewhere in the process.
type Allocator struct {
	used  atomic.Int64
	limit int64
}

// New creates an Allocator with the given ceiling.
func New(limit int64) *Allocator {
	return &Allocator{limit: limit}
}

// TryResize attempts to change an allocation's size from oldSize to
// newSize. It refuses (returning false, leaving the counter
// untouched) if the result would cross the limit; otherwise it
// updates the counter and returns true. A fresh allocation is
// TryResize(0, n); a free is TryResize(n, 0).
func (a *Allocator) TryResize(oldSize, newSize int64) bool {
	for {
		used := a.used.Load()
		next := used - oldSize + newSize
		if next > a.limit {
			return false
		}
		if next < 0 {
			next = 0
		}
		if a.used.CompareAndSwap(used, next) {
			return true
		}
	}
}

// Used returns the current allocated-memory counter.
func (a *Allocator) Used() int64 {
	return a.used.Load()
}

// Limit returns the configured ceiling.
func (a *Allocator) Limit() int64 {
	return a.limit
}

// Release is a convenience for TryResize(size, 0); a pure free never
// crosses the ceiling, so it cannot fail in practice, but it still
// goes through TryResize so Used() has exactly one code path.
func (a *Allocator) Release(size int64) {
	a.TryResize(size, 0)
}
