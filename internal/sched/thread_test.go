package sched

import (
	"strings"
	"testing"
	"time"

	"github.com/NovaSquirrel/TilemapTownScriptingService/internal/apival"
	"github.com/NovaSquirrel/TilemapTownScriptingService/internal/clock"
	"github.com/NovaSquirrel/TilemapTownScriptingService/internal/interp"
	"github.com/NovaSquirrel/TilemapTownScriptingService/internal/memcap"
)

// fakeThreadHost is a minimal ThreadHost for exercising ScriptThread in
// isolation, without a Script or VM.
type fakeThreadHost struct {
	results       map[int64][]apival.Value
	sentCalls     []string
	allowAPICalls bool

	preempts        int
	forceTerminates int
	penaltySleeps   int
	errors          []string
	nextKey         int64
}

func newFakeThreadHost() *fakeThreadHost {
	return &fakeThreadHost{results: make(map[int64][]apival.Value), allowAPICalls: true, nextKey: 1}
}

func (h *fakeThreadHost) NextAPIKey() int64 {
	k := h.nextKey
	h.nextKey++
	return k
}

func (h *fakeThreadHost) SendAPICall(key int64, requestResponse bool, name string, args []apival.Value) {
	h.sentCalls = append(h.sentCalls, name)
}

func (h *fakeThreadHost) APIResult(key int64) ([]apival.Value, bool) {
	v, ok := h.results[key]
	return v, ok
}

func (h *fakeThreadHost) RecordPreempt()        { h.preempts++ }
func (h *fakeThreadHost) RecordForceTerminate() { h.forceTerminates++ }
func (h *fakeThreadHost) RecordPenaltySleep()   { h.penaltySleeps++ }
func (h *fakeThreadHost) ReportScriptError(kind ErrKind, message string) {
	h.errors = append(h.errors, kind.String()+": "+message)
}
func (h *fakeThreadHost) AllowAPICall() bool { return h.allowAPICalls }

func newTestRuntime(t *testing.T) *interp.Runtime {
	t.Helper()
	rt, err := interp.NewRuntime(memcap.New(memcap.DefaultLimit))
	if err != nil {
		t.Fatalf("interp.NewRuntime: %v", err)
	}
	return rt
}

func compileAndStart(t *testing.T, rt *interp.Runtime, source string) *interp.Coroutine {
	t.Helper()
	chunk, err := rt.Compile(t.Name(), source)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	co, err := rt.Start(chunk)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return co
}

func TestScriptThread_FreshRunFinishesTrivialScript(t *testing.T) {
	host := newFakeThreadHost()
	rt := newTestRuntime(t)
	co := compileAndStart(t, rt, "1 + 1;")

	th := newScriptThread(host, rt, co)
	if outcome := th.run(apival.Nil()); outcome != outcomeFinished {
		t.Fatalf("run() = %v, want outcomeFinished", outcome)
	}
	if !th.Stopped() && th.State() != ThreadFinished {
		t.Fatalf("state = %v, want finished", th.State())
	}
}

func TestScriptThread_SleepSuspendsAndResumes(t *testing.T) {
	host := newFakeThreadHost()
	rt := newTestRuntime(t)
	co := compileAndStart(t, rt, "tt.sleep(20); __done = true;")

	th := newScriptThread(host, rt, co)
	if outcome := th.run(apival.Nil()); outcome != outcomeNotFinished {
		t.Fatalf("run() = %v, want outcomeNotFinished", outcome)
	}
	if th.State() != ThreadSleeping {
		t.Fatalf("state = %v, want sleeping", th.State())
	}
	if th.ready(clock.Now()) {
		t.Fatalf("ready() true immediately after sleep begins")
	}

	time.Sleep(30 * time.Millisecond)
	if !th.ready(clock.Now()) {
		t.Fatalf("ready() false after sleep duration elapsed")
	}
	if outcome := th.run(th.pendingResume); outcome != outcomeFinished {
		t.Fatalf("run() after wakeup = %v, want outcomeFinished", outcome)
	}
}

func TestScriptThread_APICallWaitsForResult(t *testing.T) {
	host := newFakeThreadHost()
	rt := newTestRuntime(t)
	co := compileAndStart(t, rt, `storage.load("k");`)

	th := newScriptThread(host, rt, co)
	if outcome := th.run(apival.Nil()); outcome != outcomeNotFinished {
		t.Fatalf("run() = %v, want outcomeNotFinished", outcome)
	}
	if th.State() != ThreadWaitingApi {
		t.Fatalf("state = %v, want waiting_api", th.State())
	}
	if len(host.sentCalls) != 1 || host.sentCalls[0] != "storage.load" {
		t.Fatalf("sentCalls = %v, want [storage.load]", host.sentCalls)
	}

	if th.ready(clock.Now()) {
		t.Fatalf("ready() true before a result is posted")
	}

	host.results[th.apiResponseKey] = []apival.Value{apival.String("v")}
	if !th.ready(clock.Now()) {
		t.Fatalf("ready() false once a result is posted")
	}
	if outcome := th.run(th.pendingResume); outcome != outcomeFinished {
		t.Fatalf("run() after result = %v, want outcomeFinished", outcome)
	}
}

func TestScriptThread_APICallTimesOutWithNilResult(t *testing.T) {
	old := APIResultTimeout
	APIResultTimeout = 10 * time.Millisecond
	defer func() { APIResultTimeout = old }()

	host := newFakeThreadHost()
	rt := newTestRuntime(t)
	co := compileAndStart(t, rt, `storage.load("k");`)

	th := newScriptThread(host, rt, co)
	th.run(apival.Nil())

	time.Sleep(20 * time.Millisecond)
	if !th.ready(clock.Now()) {
		t.Fatalf("ready() false after the result timeout elapsed")
	}
	if th.pendingResume.Tag != apival.TagNil {
		t.Fatalf("pendingResume = %v, want Nil() on timeout", th.pendingResume)
	}
}

// TestScriptThread_SleepWithWrongArgTypeFailsAsRuntimeError drives
// §4.2's argument signature on the one suspending-call path that never
// goes through Bind: tt.sleep expects an integer, so a string argument
// must be rejected before beginSleep ever runs, as a RuntimeError
// rather than silently coercing or panicking.
func TestScriptThread_SleepWithWrongArgTypeFailsAsRuntimeError(t *testing.T) {
	host := newFakeThreadHost()
	rt := newTestRuntime(t)
	co := compileAndStart(t, rt, `tt.sleep("oops");`)

	th := newScriptThread(host, rt, co)
	if outcome := th.run(apival.Nil()); outcome != outcomeFinished {
		t.Fatalf("run() = %v, want outcomeFinished (a signature mismatch fails the thread)", outcome)
	}
	if !th.Stopped() {
		t.Fatalf("thread not stopped after a signature mismatch")
	}
	if len(host.errors) != 1 || !strings.HasPrefix(host.errors[0], "RuntimeError: tt.sleep:") {
		t.Fatalf("errors = %v, want one RuntimeError naming tt.sleep", host.errors)
	}
	if th.State() == ThreadSleeping {
		t.Fatalf("state = %v, want the thread to never have reached beginSleep", th.State())
	}
}

func TestScriptThread_RateLimitRejectionStrikesAndTerminates(t *testing.T) {
	host := newFakeThreadHost()
	host.allowAPICalls = false
	rt := newTestRuntime(t)
	co := compileAndStart(t, rt, `storage.load("k");`)

	th := newScriptThread(host, rt, co)
	suspend := &interp.Suspend{Op: interp.SuspendCall, Name: "storage.load"}

	for i := 0; i < TerminateThreadAfterStrikes-1; i++ {
		th.beginAPIWait(suspend)
		if th.Stopped() {
			t.Fatalf("strike %d: stopped too early", i)
		}
		if th.State() != ThreadSleeping {
			t.Fatalf("strike %d: state = %v, want sleeping", i, th.State())
		}
	}

	th.beginAPIWait(suspend)
	if !th.Stopped() {
		t.Fatalf("thread not stopped after %d strikes", TerminateThreadAfterStrikes)
	}
	if host.forceTerminates != 1 {
		t.Fatalf("forceTerminates = %d, want 1", host.forceTerminates)
	}
	if len(host.sentCalls) != 0 {
		t.Fatalf("sentCalls = %v, want none: a rejected call must never reach the host", host.sentCalls)
	}
}

func TestScriptThread_StopIsIdempotent(t *testing.T) {
	host := newFakeThreadHost()
	rt := newTestRuntime(t)
	co := compileAndStart(t, rt, "tt.sleep(1000);")

	th := newScriptThread(host, rt, co)
	th.run(apival.Nil())

	th.stop()
	th.stop() // must not panic or double-count anything
	if !th.Stopped() {
		t.Fatalf("Stopped() = false after stop()")
	}
	if outcome := th.run(apival.Nil()); outcome != outcomeFinished {
		t.Fatalf("run() on a stopped thread = %v, want outcomeFinished", outcome)
	}
}
