//go:build linux

package clock

import (
	"time"

	"golang.org/x/sys/unix"
)

// ThreadCPUTime returns the CPU time consumed so far by the calling OS
// thread. The caller must have pinned its goroutine to the thread with
// runtime.LockOSThread before relying on this value across calls,
// otherwise the goroutine may be rescheduled onto a different thread
// between reads and the delta becomes meaningless.
//
// This is the property §4.9 calls out as critical: a thread spinning
// CPU inside a blocking call on another thread must not burn this
// thread's preemption budget. Wall-clock or process-clock time would
// not have that property; only a per-thread clock does.
func ThreadCPUTime() (time.Duration, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_THREAD_CPUTIME_ID, &ts); err != nil {
		return 0, err
	}
	return time.Duration(ts.Sec)*time.Second + time.Duration(ts.Nsec)*time.Nanosecond, nil
}
