package sched

import (
	"errors"
	"time"

	"github.com/NovaSquirrel/TilemapTownScriptingService/internal/apival"
	"github.com/NovaSquirrel/TilemapTownScriptingService/internal/clock"
	"github.com/NovaSquirrel/TilemapTownScriptingService/internal/interp"
)

// preemptReason is the value handed to goja's Interrupt call; goja
// only threads it through to the resulting *goja.InterruptedError, so
// its exact content is just a diagnostic breadcrumb.
const preemptReason = "script exceeded its time slice"

// resumeWithDeadline arms a TimeSlice deadline, resumes co once, and
// reports how much of the calling OS thread's CPU time the resume
// actually consumed.
//
// §4.4 describes the interrupt hook as reading thread-CPU-time itself
// and comparing against a precomputed deadline. goja does not expose
// a hook invoked per instruction; the only mechanism it offers is an
// externally-called Interrupt(v), checked by the VM at its own
// periodic safepoints. This is approximated here with a wall-clock
// timer on a separate goroutine that calls Interrupt after TimeSlice
// has elapsed — the arming goroutine cannot read the time of an
// arbitrary other OS thread, only its own (that is the whole point of
// CLOCK_THREAD_CPUTIME_ID), so it cannot itself implement the "poll
// thread-CPU-time" design literally. Since the worker goroutine never
// blocks on I/O while a coroutine is running (suspending host calls
// go through a generator yield rather than a blocking syscall), wall
// time elapsed during one resume is a close proxy for CPU time
// consumed; the slice boundary itself already carries slack (§8 S3:
// "scheduling latency over 100ms is acceptable"). The exact
// thread-CPU-time delta used for strike accounting (below) is still a
// real self-read, taken by the same goroutine that is locked to its
// OS thread, so §4.5's stopwatch arithmetic is exact even though the
// slice boundary that triggers Interrupt is only approximate.
func resumeWithDeadline(rt *interp.Runtime, co *interp.Coroutine, input apival.Value) (step interp.Step, cpuDelta time.Duration, preempted bool, err error) {
	cpuStart, _ := clock.ThreadCPUTime()

	timer := time.AfterFunc(TimeSlice, func() {
		rt.Interrupt(preemptReason)
	})
	step, err = co.Resume(input)
	timer.Stop()
	rt.ClearInterrupt()

	cpuEnd, _ := clock.ThreadCPUTime()
	cpuDelta = cpuEnd - cpuStart

	if errors.Is(err, interp.ErrPreempted) {
		return interp.Step{}, cpuDelta, true, nil
	}
	return step, cpuDelta, false, err
}
