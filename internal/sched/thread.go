package sched

import (
	"errors"
	"fmt"
	"time"

	"github.com/NovaSquirrel/TilemapTownScriptingService/internal/apicatalog"
	"github.com/NovaSquirrel/TilemapTownScriptingService/internal/apival"
	"github.com/NovaSquirrel/TilemapTownScriptingService/internal/clock"
	"github.com/NovaSquirrel/TilemapTownScriptingService/internal/interp"
)

// ThreadState is a ScriptThread's position in the §4.5 state machine:
// Fresh -> Running <-> {Sleeping, WaitingApi} -> {Finished, Stopped}.
type ThreadState int

const (
	ThreadFresh ThreadState = iota
	ThreadRunning
	ThreadSleeping
	ThreadWaitingApi
	ThreadFinished
	ThreadStopped
)

func (s ThreadState) String() string {
	switch s {
	case ThreadFresh:
		return "fresh"
	case ThreadRunning:
		return "running"
	case ThreadSleeping:
		return "sleeping"
	case ThreadWaitingApi:
		return "waiting_api"
	case ThreadFinished:
		return "finished"
	case ThreadStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// runOutcome is what run() reports back to the owning Script's sweep.
type runOutcome int

const (
	outcomeNotFinished runOutcome = iota
	outcomeFinished
	outcomePreempted
)

// ScriptThread is one schedulable coroutine belonging to a Script
// (§4.5). host is the owning Script's hooks for everything a thread
// cannot do on its own: dispatching an outbound API call, counting
// strikes at the Script/VM level, and emitting SCRIPT_ERROR.
type ScriptThread struct {
	host ThreadHost
	rt   *interp.Runtime

	co          *interp.Coroutine
	interrupted *interp.Coroutine // nested-coroutine resume-first pointer (§4.4, §5-3)

	// restart reconstructs a fresh Coroutine from this thread's chunk
	// (or registered callback function) from the top. goja's Interrupt
	// unwinds rather than suspends (see interp.ErrPreempted), so co is
	// left permanently unusable the moment a resume is preempted; this
	// is how run() gets a working replacement without the Script layer
	// needing to know it happened. nil for a thread adopted via
	// StartThread, whose coroutine came from script code directly
	// rather than a chunk this package can re-invoke.
	restart func() (*interp.Coroutine, error)

	state ThreadState

	wakeUpAt               time.Time
	apiResponseKey         int64
	startedWaitingForAPIAt time.Time

	nanoseconds      time.Duration
	totalNanoseconds time.Duration
	countForceSleeps int

	wasScheduledYet bool
	pendingResume   apival.Value // result to feed back in on the next run() after a wakeup
}

// ThreadHost is the subset of Script (and, transitively, VM) behavior
// a ScriptThread needs: outbound API dispatch, strike accounting, and
// error reporting. Implemented by *Script; kept as an interface so
// thread.go can be unit-tested without constructing a full Script/VM.
type ThreadHost interface {
	NextAPIKey() int64
	SendAPICall(key int64, requestResponse bool, name string, args []apival.Value)
	APIResult(key int64) (wireResult []apival.Value, ok bool)
	RecordPreempt()
	RecordForceTerminate()
	RecordPenaltySleep()
	ReportScriptError(kind ErrKind, message string)

	// AllowAPICall reports whether the owning Script's rate limiter
	// (SPEC_FULL.md C5 EXPANSION) currently has headroom for another
	// outbound request-response call. A false result is a rejection,
	// not a queueing delay: the caller strikes the thread instead of
	// sending.
	AllowAPICall() bool
}

// newScriptThread wraps a freshly started coroutine. state starts at
// Fresh; the first run() call transitions it to Running via its first
// resume, per §4.5.
func newScriptThread(host ThreadHost, rt *interp.Runtime, co *interp.Coroutine) *ScriptThread {
	return &ScriptThread{host: host, rt: rt, co: co, state: ThreadFresh}
}

// ready reports whether this thread should be considered for
// scheduling in the current pass: it is not done, not waiting on a
// sleep deadline that hasn't arrived, and not waiting on an API
// result that hasn't arrived (and hasn't timed out).
//
// It also performs the Sleeping->Running and WaitingApi->Running edge
// transitions (§4.5) as a side effect of the check, since those
// transitions are defined purely in terms of "is it time yet".
func (t *ScriptThread) ready(now time.Time) bool {
	switch t.state {
	case ThreadSleeping:
		if clock.AtOrAfter(now, t.wakeUpAt) {
			t.state = ThreadRunning
			return true
		}
		return false
	case ThreadWaitingApi:
		if results, ok := t.host.APIResult(t.apiResponseKey); ok {
			t.state = ThreadRunning
			t.pendingResume = firstOrNil(results)
			return true
		}
		if time.Since(t.startedWaitingForAPIAt) >= APIResultTimeout {
			t.state = ThreadRunning
			t.pendingResume = apival.Nil()
			return true
		}
		return false
	case ThreadFinished, ThreadStopped:
		return false
	default:
		return true
	}
}

func firstOrNil(vs []apival.Value) apival.Value {
	if len(vs) == 0 {
		return apival.Nil()
	}
	return vs[0]
}

// run is the thread's entry point, called once per scheduling pass
// that ready() admitted it into (§4.5 "run(arg_count)"). input carries
// the value the coroutine should see at its current yield point (the
// API result or sleep wakeup that made it ready); it is ignored on a
// thread's very first run.
func (t *ScriptThread) run(input apival.Value) runOutcome {
	if t.state == ThreadStopped || t.state == ThreadFinished {
		return outcomeFinished
	}

	if t.interrupted != nil {
		before := t.interrupted
		step, delta, preempted, err := resumeWithDeadline(t.rt, t.interrupted, input)
		t.accumulate(delta)
		if preempted {
			// Same unresumability as the main coroutine (see restart's
			// doc comment), but there is no chunk/FunctionRef on hand to
			// rebuild a nested coroutine from, so the thread fails
			// rather than silently corrupting on its next resume.
			t.host.RecordPreempt()
			t.interrupted = nil
			t.fail(RuntimeError, "nested coroutine preempted mid-step and cannot be resumed")
			return outcomeFinished
		}
		if err != nil {
			t.fail(RuntimeError, err.Error())
			return outcomeFinished
		}
		if t.interrupted != before {
			panic("sched: nested coroutine pointer changed during its own resume")
		}
		t.interrupted = nil
		if !step.Done {
			// A nested coroutine that suspended rather than finished
			// stays the resume-first target; the main coroutine does
			// not run this pass.
			t.interrupted = before
			return outcomeNotFinished
		}
	}

	t.state = ThreadRunning
	step, delta, preempted, err := resumeWithDeadline(t.rt, t.co, input)
	t.accumulate(delta)

	if preempted {
		t.host.RecordPreempt()
		if outcome := t.applyPenalty(); outcome == outcomeFinished {
			// strike() already stopped the thread and cleared t.co.
			return outcomeFinished
		}
		if err := t.restartFromTop(); err != nil {
			t.fail(RuntimeError, err.Error())
			return outcomeFinished
		}
		// Still reported as preempted so the owning sweep bails out for
		// this pass (§4.6/§4.7's "a single preemption ends the sweep
		// early") even though t.co is now a valid, freshly-restarted
		// coroutine ready for the next one.
		return outcomePreempted
	}
	if err != nil {
		t.fail(RuntimeError, err.Error())
		return outcomeFinished
	}

	if step.Done {
		t.state = ThreadFinished
		return outcomeFinished
	}

	if spec, ok := apicatalog.Builtins[step.Suspend.Name]; ok {
		if err := spec.Signature.Validate(step.Suspend.Args); err != nil {
			t.fail(RuntimeError, fmt.Sprintf("%s: %s", step.Suspend.Name, err))
			return outcomeFinished
		}
	}

	switch step.Suspend.Op {
	case interp.SuspendSleep:
		t.beginSleep(suspendSleepMS(step.Suspend))
	case interp.SuspendCall:
		t.beginAPIWait(step.Suspend)
	default:
		t.fail(RuntimeError, fmt.Sprintf("unknown suspend op %q", step.Suspend.Op))
		return outcomeFinished
	}
	if t.state == ThreadStopped {
		// beginAPIWait may have struck and terminated the thread via
		// RegisterRateLimitStrike before ever reaching applyPenalty.
		return outcomeFinished
	}
	return t.applyPenalty()
}

func suspendSleepMS(s *interp.Suspend) int64 {
	if len(s.Args) == 0 || s.Args[0].Tag != apival.TagInteger {
		return 0
	}
	return int64(s.Args[0].Int)
}

func (t *ScriptThread) beginSleep(ms int64) {
	t.state = ThreadSleeping
	t.wakeUpAt = clock.Now().Add(time.Duration(ms) * time.Millisecond)
	t.rewardSleep(ms)
}

func (t *ScriptThread) beginAPIWait(s *interp.Suspend) {
	if !t.host.AllowAPICall() {
		// Same fate as a CPU-time penalty (strike(), see applyPenalty):
		// either a penalty sleep or termination. Either way the
		// coroutine resumes from this yield point with a nil result
		// once it next runs, exactly as a genuine request that timed
		// out would.
		t.RegisterRateLimitStrike()
		return
	}
	key := t.host.NextAPIKey()
	t.apiResponseKey = key
	t.startedWaitingForAPIAt = clock.Now()
	t.state = ThreadWaitingApi
	t.host.SendAPICall(key, true, s.Name, s.Args)
}

// rewardSleep implements §4.5's "sleep_for_ms additionally rewards
// good behavior": a voluntary sleep of at least 500ms subtracts half
// the sleep duration (ms/2) from the penalty counter, saturating at
// zero. The
// spec records as an open question that this arithmetic can overshoot
// PenaltyThresholdMS by construction; that is implemented literally
// here rather than clamped, per SPEC_FULL.md's Open Question 2.
func (t *ScriptThread) rewardSleep(ms int64) {
	if ms < 500 {
		return
	}
	reward := time.Duration(ms) * time.Millisecond / 2
	if reward > t.nanoseconds {
		t.nanoseconds = 0
	} else {
		t.nanoseconds -= reward
	}
}

// accumulate folds one resume's CPU delta into the stopwatch (§4.5:
// "Δ = cpu_now() - cpu_start; increment nanoseconds and
// total_nanoseconds by Δ").
func (t *ScriptThread) accumulate(delta time.Duration) {
	t.nanoseconds += delta
	t.totalNanoseconds += delta
}

// applyPenalty runs the stopwatch/strike policy after a resume that
// did not finish the thread (§4.5). It is also the place a
// rate-limiter rejection (SPEC_FULL.md C5 EXPANSION) feeds the same
// strike counter.
func (t *ScriptThread) applyPenalty() runOutcome {
	if t.nanoseconds <= PenaltyThresholdMS {
		return outcomeNotFinished
	}
	return t.strike()
}

// strike records one force-sleep strike and stops the thread once
// TerminateThreadAfterStrikes is reached. Shared by the CPU-time
// penalty path (applyPenalty) and the rate-limiter rejection path
// (RegisterRateLimitStrike) so a preemption and a throttled API call
// can never both count as more than one strike per occurrence.
func (t *ScriptThread) strike() runOutcome {
	t.countForceSleeps++
	if t.countForceSleeps >= TerminateThreadAfterStrikes {
		t.stop()
		t.host.RecordForceTerminate()
		return outcomeFinished
	}
	t.state = ThreadSleeping
	t.wakeUpAt = clock.Now().Add(PenaltySleepMS)
	t.host.RecordPenaltySleep()
	return outcomeNotFinished
}

// RegisterRateLimitStrike is called by the Script when this thread's
// outbound API call was rejected by the catrate limiter
// (SPEC_FULL.md C5 EXPANSION). It reuses the exact same strike path
// as a CPU-time penalty.
func (t *ScriptThread) RegisterRateLimitStrike() {
	t.strike()
}

// restartFromTop replaces a preempted thread's dead coroutine with a
// fresh one built from the same chunk/callback it originally started
// from, per interp.ErrPreempted's "restart from the top" contract. A
// thread with no restart closure (one adopted via StartThread) cannot
// be recovered this way.
func (t *ScriptThread) restartFromTop() error {
	if t.restart == nil {
		return errors.New("sched: coroutine preempted mid-step with no way to restart it from the top")
	}
	co, err := t.restart()
	if err != nil {
		return fmt.Errorf("sched: restarting preempted coroutine: %w", err)
	}
	t.co = co
	return nil
}

func (t *ScriptThread) fail(kind ErrKind, message string) {
	t.host.ReportScriptError(kind, message)
	t.stop()
}

// stop is idempotent and safe to call more than once (§4.5 "Stop
// semantics"): the interpreter-level coroutine reference is dropped
// first, then the thread is marked stopped. A subsequent run() is a
// no-op that reports finished.
func (t *ScriptThread) stop() {
	if t.state == ThreadStopped {
		return
	}
	t.co = nil
	t.interrupted = nil
	t.state = ThreadStopped
}

// Stopped reports whether this thread has been permanently retired.
func (t *ScriptThread) Stopped() bool { return t.state == ThreadStopped }

// State exposes the thread's current state for diagnostics
// (STATUS_QUERY) and tests.
func (t *ScriptThread) State() ThreadState { return t.state }
