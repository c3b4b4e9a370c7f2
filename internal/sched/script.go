package sched

import (
	"errors"
	"fmt"
	"time"

	"github.com/joeycumines/go-catrate"

	"github.com/NovaSquirrel/TilemapTownScriptingService/internal/apival"
	"github.com/NovaSquirrel/TilemapTownScriptingService/internal/clock"
	"github.com/NovaSquirrel/TilemapTownScriptingService/internal/interp"
	"github.com/NovaSquirrel/TilemapTownScriptingService/internal/memcap"
)

// apiCallRates configures each Script's outbound-call rate limiter
// (SPEC_FULL.md C5 EXPANSION): bursty enough for a handful of calls in
// immediate succession, tight enough that a runaway loop calling
// send_api_call every resume gets caught well before it could flood
// the host pipe.
var apiCallRates = map[time.Duration]int{
	time.Second: 5,
	time.Minute: 120,
}

// SweepStatus is the aggregate outcome of one Script.RunThreads or
// VM.RunScripts pass (§4.6/§4.7).
type SweepStatus int

const (
	StatusFinished SweepStatus = iota
	StatusKeepGoing
	StatusAllWaiting
	StatusPreempted
)

// CallbackMiscShutdown is the one CallbackTypeID named explicitly by
// the spec (§4.6 "shutdown() delivers CALLBACK_MISC_SHUTDOWN"). The
// rest of the host's callback ID catalog is out of scope (spec.md §1
// places the Tilemap Town API surface itself out of scope); the
// callback table is keyed by a plain int32 so the host can use
// whatever IDs its catalog defines without this package needing to
// enumerate them.
const CallbackMiscShutdown int32 = 0

// ScriptHost is what a Script needs from its owning VM: outbound
// message dispatch, API result lookup, and VM-level counters.
// Implemented by *VM; kept as an interface so script.go is testable
// in isolation.
type ScriptHost interface {
	NextAPIKey() int64
	SendAPICall(entityID int32, key int64, requestResponse bool, name string, args []apival.Value)
	APIResult(key int64) ([]apival.Value, bool)
	SendSetCallback(entityID int32, callbackID int32, on bool)
	RecordPreempt()
	RecordForceTerminate()
	RecordPenaltySleep()
	ReportScriptError(entityID int32, kind ErrKind, message string)

	// CompiledChunk compiles (or reuses a cached compile of) name/source
	// and loads it into the VM's shared runtime, producing a fresh
	// Chunk (SPEC_FULL.md DOMAIN STACK: the compile cache keyed by a
	// RIPEMD-160 digest of source text).
	CompiledChunk(name, source string) (*interp.Chunk, error)

	// SetCurrentEntity records which entity's code is about to run on
	// the VM's single shared interpreter, so a fire-and-forget builtin
	// bound once at VM construction (tt.owner_say) knows which entity
	// made the call it is currently handling. Set immediately before
	// any coroutine of this Script may resume.
	SetCurrentEntity(entityID int32)
}

// Script is the scheduling unit bound to one entity inside a VM
// (§4.6).
type Script struct {
	entityID int32
	host     ScriptHost
	rt       *interp.Runtime

	threads   map[*ScriptThread]struct{}
	callbacks map[int32]*interp.FunctionRef
	limiter   *catrate.Limiter

	preemptCount        int
	countForceTerminate int

	wasScheduledYet bool // scratch flag for VM.RunScripts' two-phase sweep
}

// NewScript constructs an empty Script bound to entityID.
func NewScript(entityID int32, host ScriptHost, rt *interp.Runtime) *Script {
	return &Script{
		entityID:  entityID,
		host:      host,
		rt:        rt,
		threads:   make(map[*ScriptThread]struct{}),
		callbacks: make(map[int32]*interp.FunctionRef),
		limiter:   catrate.NewLimiter(apiCallRates),
	}
}

// ThreadHost implementation — delegates wire-level work to the VM and
// folds the per-thread strike into this Script's own counters too,
// matching §4.5's "increments the owning Script's and VM's preempt
// counters".

func (s *Script) NextAPIKey() int64 { return s.host.NextAPIKey() }

func (s *Script) SendAPICall(key int64, requestResponse bool, name string, args []apival.Value) {
	s.host.SendAPICall(s.entityID, key, requestResponse, name, args)
}

func (s *Script) APIResult(key int64) ([]apival.Value, bool) { return s.host.APIResult(key) }

func (s *Script) RecordPreempt() {
	s.preemptCount++
	s.host.RecordPreempt()
}

func (s *Script) RecordForceTerminate() {
	s.countForceTerminate++
	s.host.RecordForceTerminate()
}

func (s *Script) RecordPenaltySleep() { s.host.RecordPenaltySleep() }

func (s *Script) AllowAPICall() bool {
	_, ok := s.limiter.Allow(s.entityID)
	return ok
}

func (s *Script) ReportScriptError(kind ErrKind, message string) {
	s.host.ReportScriptError(s.entityID, kind, message)
}

func (s *Script) enterEntity() { s.host.SetCurrentEntity(s.entityID) }

// chunkName renders the "[entity N]" / "[entity ~N]" naming §4.6
// specifies for compiled chunks.
func (s *Script) chunkName() string {
	if s.entityID < 0 {
		return fmt.Sprintf("[entity ~%d]", -s.entityID)
	}
	return fmt.Sprintf("[entity %d]", s.entityID)
}

// CompileAndStart compiles source, starts a coroutine from it, and
// resumes it once. If the thread finishes on that first resume it is
// discarded without ever joining the set (§4.6).
func (s *Script) CompileAndStart(source string) error {
	if len(s.threads) >= MaxScriptThreadCount {
		return nil // silently rejected as "already complete", per §4.6
	}
	chunk, err := s.host.CompiledChunk(s.chunkName(), source)
	if err != nil {
		kind := CompileError
		if errors.Is(err, memcap.ErrLimitExceeded) {
			kind = MemoryExhausted
		}
		s.ReportScriptError(kind, err.Error())
		return err
	}
	co, err := s.rt.Start(chunk)
	if err != nil {
		s.ReportScriptError(LoadError, err.Error())
		return err
	}
	s.addAndRunOnce(co, func() (*interp.Coroutine, error) { return s.rt.Start(chunk) })
	return nil
}

// StartCallback looks up the stored function for callbackID. If
// absent, the call succeeds trivially (the data is simply not acted
// on). Otherwise it starts a new coroutine from the stored function
// with values as its arguments and resumes it once.
func (s *Script) StartCallback(callbackID int32, values []apival.Value) {
	ref, ok := s.callbacks[callbackID]
	if !ok {
		return
	}
	if len(s.threads) >= MaxScriptThreadCount {
		return
	}
	co, err := s.rt.StartFunctionRef(ref, values)
	if err != nil {
		s.ReportScriptError(RuntimeError, err.Error())
		return
	}
	s.addAndRunOnce(co, func() (*interp.Coroutine, error) { return s.rt.StartFunctionRef(ref, values) })
}

// StartThread adopts an already-created coroutine as a new thread
// without resuming it (§4.6's start_thread(from_state)) — used when
// script code itself has pushed a function to run as a sibling
// coroutine rather than via compile_and_start or a host callback.
func (s *Script) StartThread(co *interp.Coroutine) bool {
	if len(s.threads) >= MaxScriptThreadCount {
		return false
	}
	s.threads[newScriptThread(s, s.rt, co)] = struct{}{}
	return true
}

func (s *Script) addAndRunOnce(co *interp.Coroutine, restart func() (*interp.Coroutine, error)) {
	s.enterEntity()
	t := newScriptThread(s, s.rt, co)
	t.restart = restart
	outcome := t.run(apival.Nil())
	if outcome == outcomeFinished {
		return // discarded, never joins the set
	}
	// A freshly started thread that was preempted on its very first
	// resume still needs to join the set so it gets serviced again;
	// RunThreads will pick it up on the next pass like any other.
	s.threads[t] = struct{}{}
}

// SetCallback stores ref under callbackID (replacing any previous
// registration) and notifies the host so it can decide whether to
// keep delivering the matching event (§4.6).
func (s *Script) SetCallback(callbackID int32, ref *interp.FunctionRef) {
	s.callbacks[callbackID] = ref
	s.host.SendSetCallback(s.entityID, callbackID, true)
}

// ClearCallback removes a callback registration.
func (s *Script) ClearCallback(callbackID int32) {
	delete(s.callbacks, callbackID)
	s.host.SendSetCallback(s.entityID, callbackID, false)
}

// RunThreads implements the two-phase fair-chance sweep of §4.6.
func (s *Script) RunThreads() SweepStatus {
	s.enterEntity()
	for t := range s.threads {
		t.wasScheduledYet = false
	}

	ranSomething := false
	retried := false

	for {
		scheduledThisIteration := false
		now := clock.Now()

		for t := range s.threads {
			if t.wasScheduledYet {
				continue
			}
			t.wasScheduledYet = true
			scheduledThisIteration = true

			if !t.ready(now) {
				continue
			}

			input := t.pendingResume
			t.pendingResume = apival.Nil()
			ranSomething = true

			switch t.run(input) {
			case outcomeFinished:
				delete(s.threads, t)
			case outcomePreempted:
				return StatusPreempted
			case outcomeNotFinished:
				// keep going
			}
		}

		if scheduledThisIteration {
			break
		}
		if retried {
			break
		}
		retried = true
		for t := range s.threads {
			t.wasScheduledYet = false
		}
	}

	switch {
	case len(s.threads) == 0:
		return StatusFinished
	case !ranSomething:
		return StatusAllWaiting
	default:
		return StatusKeepGoing
	}
}

// EarliestWakeUp returns the earliest wake_up_at over every Sleeping
// thread in this Script, for the VM to fold into its own summary
// (§4.7, invariant 4 of §8).
func (s *Script) EarliestWakeUp() (time.Time, bool) {
	var earliest time.Time
	found := false
	for t := range s.threads {
		if t.state != ThreadSleeping {
			continue
		}
		if !found || t.wakeUpAt.Before(earliest) {
			earliest = t.wakeUpAt
			found = true
		}
	}
	return earliest, found
}

// ThreadCount exposes |threads| for STATUS_QUERY and invariant tests
// (§8 invariant 2: |threads| <= MaxScriptThreadCount).
func (s *Script) ThreadCount() int { return len(s.threads) }

// ForceTerminateCount exposes this Script's strike count so the VM
// can erase scripts past TerminateScriptAfterStrikes (§4.7).
func (s *Script) ForceTerminateCount() int { return s.countForceTerminate }

// Shutdown delivers CALLBACK_MISC_SHUTDOWN one last time if
// registered, then returns; the caller is responsible for discarding
// the Script afterward (§4.6).
func (s *Script) Shutdown() {
	ref, ok := s.callbacks[CallbackMiscShutdown]
	if !ok {
		return
	}
	s.enterEntity()
	co, err := s.rt.StartFunctionRef(ref, nil)
	if err == nil {
		newScriptThread(s, s.rt, co).run(apival.Nil())
	}
}
