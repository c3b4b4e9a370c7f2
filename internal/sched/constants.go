package sched

import "time"

// Tunables (§4.4-§4.7), overridable at process start by
// internal/config. These are plain vars, not consts, so config.Apply
// can patch them before the first VM is constructed; nothing below
// internal/sched ever takes their address across a VM boundary.
var (
	// TimeSlice is the thread-CPU budget armed before every resume
	// (§4.4).
	TimeSlice = 10 * time.Millisecond

	// PenaltyThresholdMS is the accumulated-nanoseconds threshold past
	// which a resume's stopwatch triggers a forced penalty sleep
	// (§4.5).
	PenaltyThresholdMS = 500 * time.Millisecond

	// PenaltySleepMS is how long a forced penalty sleep lasts (§4.5).
	PenaltySleepMS = 2500 * time.Millisecond

	// TerminateThreadAfterStrikes stops a ScriptThread once its
	// force-sleep strike count reaches this many (§4.5).
	TerminateThreadAfterStrikes = 3

	// TerminateScriptAfterStrikes erases a Script once its
	// force-terminate count reaches this many (§4.6/§4.7).
	TerminateScriptAfterStrikes = 3

	// MaxScriptThreadCount bounds the number of live ScriptThreads a
	// single Script may hold (§4.6, invariant 2 of §8).
	MaxScriptThreadCount = 10

	// APIResultTimeout is how long a thread may sit in WaitingApi
	// before it is released with zero values (§4.5, §4.9).
	APIResultTimeout = 30 * time.Second

	// DefaultMemoryLimit is the per-VM allocator ceiling a VM is
	// constructed with unless a caller overrides it (§4.3).
	DefaultMemoryLimit int64 = 2 * 1024 * 1024
)
