package sched

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/NovaSquirrel/TilemapTownScriptingService/internal/apival"
	"github.com/NovaSquirrel/TilemapTownScriptingService/internal/interp"
)

// fakeScriptHost is a minimal ScriptHost for exercising Script/RunThreads
// without a full VM.
type fakeScriptHost struct {
	rt         *interp.Runtime
	nextKey    int64
	results    map[int64][]apival.Value
	sentCalls  []string
	callbacks  []string
	curEntity  int32
	preempts   int
	terminates int
}

func newFakeScriptHost(rt *interp.Runtime) *fakeScriptHost {
	return &fakeScriptHost{rt: rt, nextKey: 1, results: make(map[int64][]apival.Value)}
}

func (h *fakeScriptHost) NextAPIKey() int64 {
	k := h.nextKey
	h.nextKey++
	return k
}

func (h *fakeScriptHost) SendAPICall(entityID int32, key int64, requestResponse bool, name string, args []apival.Value) {
	h.sentCalls = append(h.sentCalls, name)
}

func (h *fakeScriptHost) APIResult(key int64) ([]apival.Value, bool) {
	v, ok := h.results[key]
	return v, ok
}

func (h *fakeScriptHost) SendSetCallback(entityID int32, callbackID int32, on bool) {
	if on {
		h.callbacks = append(h.callbacks, "on")
	} else {
		h.callbacks = append(h.callbacks, "off")
	}
}

func (h *fakeScriptHost) RecordPreempt()        { h.preempts++ }
func (h *fakeScriptHost) RecordForceTerminate() { h.terminates++ }
func (h *fakeScriptHost) RecordPenaltySleep()   {}
func (h *fakeScriptHost) ReportScriptError(entityID int32, kind ErrKind, message string) {}

func (h *fakeScriptHost) CompiledChunk(name, source string) (*interp.Chunk, error) {
	return h.rt.Compile(name, source)
}

func (h *fakeScriptHost) SetCurrentEntity(entityID int32) { h.curEntity = entityID }

func TestScript_CompileAndStartDiscardsFinishedThread(t *testing.T) {
	rt := newTestRuntime(t)
	host := newFakeScriptHost(rt)
	s := NewScript(1, host, rt)

	if err := s.CompileAndStart("1 + 1;"); err != nil {
		t.Fatalf("CompileAndStart: %v", err)
	}
	if got := s.ThreadCount(); got != 0 {
		t.Fatalf("ThreadCount() = %d, want 0 (thread should finish on first resume)", got)
	}
}

func TestScript_RunThreadsResolvesAPIWaitAcrossSweeps(t *testing.T) {
	rt := newTestRuntime(t)
	host := newFakeScriptHost(rt)
	s := NewScript(1, host, rt)

	if err := s.CompileAndStart(`storage.load("k");`); err != nil {
		t.Fatalf("CompileAndStart: %v", err)
	}
	if got := s.ThreadCount(); got != 1 {
		t.Fatalf("ThreadCount() = %d, want 1 (thread waiting on API result)", got)
	}

	if status := s.RunThreads(); status != StatusAllWaiting {
		t.Fatalf("RunThreads() = %v, want StatusAllWaiting while the result is outstanding", status)
	}

	host.results[1] = []apival.Value{apival.String("v")}
	if status := s.RunThreads(); status != StatusFinished {
		t.Fatalf("RunThreads() = %v, want StatusFinished once the result arrives", status)
	}
	if got := s.ThreadCount(); got != 0 {
		t.Fatalf("ThreadCount() = %d, want 0 after the thread finishes", got)
	}
}

func TestScript_AllowAPICallEnforcesBurstLimit(t *testing.T) {
	rt := newTestRuntime(t)
	host := newFakeScriptHost(rt)
	s := NewScript(1, host, rt)

	burst := apiCallRates[time.Second]
	allowed := 0
	for i := 0; i < burst+1; i++ {
		if s.AllowAPICall() {
			allowed++
		}
	}
	if allowed != burst {
		t.Fatalf("allowed %d calls in the first second, want exactly %d (the configured burst)", allowed, burst)
	}
}

func TestScript_SetCallbackAndShutdownDeliversCallback(t *testing.T) {
	rt := newTestRuntime(t)
	host := newFakeScriptHost(rt)
	s := NewScript(1, host, rt)

	fired := false
	if err := rt.BindCallbackRegistrar("tt.set_callback", func(callbackID int32, ref *interp.FunctionRef) {
		s.SetCallback(callbackID, ref)
	}); err != nil {
		t.Fatalf("BindCallbackRegistrar: %v", err)
	}
	if err := rt.Bind("tt.mark_fired", func(args []apival.Value) apival.Value {
		fired = true
		return apival.Nil()
	}); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	source := fmt.Sprintf(`tt.set_callback(%d, function*() { tt.mark_fired(); });`, CallbackMiscShutdown)
	if err := s.CompileAndStart(source); err != nil {
		t.Fatalf("CompileAndStart: %v", err)
	}
	if len(host.callbacks) != 1 || host.callbacks[0] != "on" {
		t.Fatalf("callbacks = %v, want one \"on\" registration", host.callbacks)
	}

	s.Shutdown()
	if !fired {
		t.Fatalf("shutdown callback never ran")
	}
}

// TestScript_PrintOfAPIResultReportsDiagnosticLine drives §8 S6's tail
// end: once storage.load's result arrives, print(...) must produce a
// diagnostic line containing the resolved value, not silently discard
// it the way an unwired print sink would.
func TestScript_PrintOfAPIResultReportsDiagnosticLine(t *testing.T) {
	rt := newTestRuntime(t)
	host := newFakeScriptHost(rt)
	s := NewScript(1, host, rt)

	var printed []string
	rt.SetPrint(func(args []apival.Value) {
		printed = append(printed, apival.JoinStrings(args))
	})

	if err := s.CompileAndStart(`print(storage.load("k"));`); err != nil {
		t.Fatalf("CompileAndStart: %v", err)
	}
	if len(host.sentCalls) != 1 || host.sentCalls[0] != "storage.load" {
		t.Fatalf("sentCalls = %v, want [storage.load]", host.sentCalls)
	}

	host.results[1] = []apival.Value{apival.String("v")}
	if status := s.RunThreads(); status != StatusFinished {
		t.Fatalf("RunThreads() = %v, want StatusFinished once the result arrives", status)
	}

	if len(printed) != 1 || !strings.Contains(printed[0], "v") {
		t.Fatalf("printed = %v, want one diagnostic line containing %q", printed, "v")
	}
}

// TestScript_RunawayPreemptionEventuallyForceTerminates drives §8 S4: a
// tight loop that never voluntarily suspends gets preempted on every
// resume, accumulates CPU-time strikes, and is force-terminated once
// it runs out of chances — without ever crashing the sweep on the
// interpreter's now-unusable, post-interrupt coroutine.
func TestScript_RunawayPreemptionEventuallyForceTerminates(t *testing.T) {
	origSlice, origThreshold, origSleep, origStrikes :=
		TimeSlice, PenaltyThresholdMS, PenaltySleepMS, TerminateThreadAfterStrikes
	TimeSlice = 2 * time.Millisecond
	PenaltyThresholdMS = 3 * time.Millisecond
	PenaltySleepMS = 2 * time.Millisecond
	TerminateThreadAfterStrikes = 2
	defer func() {
		TimeSlice, PenaltyThresholdMS, PenaltySleepMS, TerminateThreadAfterStrikes =
			origSlice, origThreshold, origSleep, origStrikes
	}()

	rt := newTestRuntime(t)
	host := newFakeScriptHost(rt)
	s := NewScript(1, host, rt)

	if err := s.CompileAndStart(`while (true) {}`); err != nil {
		t.Fatalf("CompileAndStart: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for s.ThreadCount() > 0 && time.Now().Before(deadline) {
		s.RunThreads()
	}

	if s.ThreadCount() != 0 {
		t.Fatalf("thread still alive after a runaway loop, want it force-terminated")
	}
	if host.terminates != 1 {
		t.Fatalf("terminates = %d, want exactly 1", host.terminates)
	}
	if host.preempts == 0 {
		t.Fatalf("preempts = 0, want at least one recorded preemption along the way")
	}
}
