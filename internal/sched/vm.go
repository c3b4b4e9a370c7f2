package sched

import (
	"errors"
	"fmt"
	"log"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ripemd160"

	"github.com/NovaSquirrel/TilemapTownScriptingService/internal/apicatalog"
	"github.com/NovaSquirrel/TilemapTownScriptingService/internal/apival"
	"github.com/NovaSquirrel/TilemapTownScriptingService/internal/interp"
	"github.com/NovaSquirrel/TilemapTownScriptingService/internal/memcap"
	"github.com/NovaSquirrel/TilemapTownScriptingService/internal/metrics"
	"github.com/NovaSquirrel/TilemapTownScriptingService/internal/wire"
)

// bootstrapProgram is compiled once per process and loaded, by value,
// into every VM's own runtime (§4.7 "shared between VMs by value,
// never shared references").
var (
	bootstrapOnce    sync.Once
	bootstrapProgram *interp.SharedProgram
	bootstrapErr     error
)

func sharedBootstrap() (*interp.SharedProgram, error) {
	bootstrapOnce.Do(func() {
		bootstrapProgram, bootstrapErr = interp.CompileSharedProgram("[bootstrap]", apicatalog.BootstrapSource)
	})
	return bootstrapProgram, bootstrapErr
}

// VM is a single user's container of Scripts (§4.7): its own
// interpreter state, inbox, API-result map, and worker loop.
type VM struct {
	userID int32
	writer  *wire.Writer
	alloc   *memcap.Allocator
	rt      *interp.Runtime
	logger  *log.Logger
	metrics *metrics.Collectors

	scripts    map[int32]*Script
	nextAPIKey int64
	apiResults map[int64][]apival.Value

	// chunkCache avoids recompiling RUN_CODE source the host resubmits
	// verbatim (a common pattern when it re-arms a script after a
	// reconnect), keyed by a RIPEMD-160 digest of the source text.
	chunkCache map[[ripemd160.Size]byte]*interp.SharedProgram

	preemptCount        int
	forceTerminateCount int
	currentEntity       int32

	earliestWake time.Time
	haveSleeper  bool

	mu    sync.Mutex
	queue []inboxEntry
	wake  chan struct{}

	quitting bool
}

// NewVM constructs a VM for userID with its own interpreter and
// memory-cap allocator, binds the fixed builtin catalog, and runs the
// bootstrap chunk once before returning.
func NewVM(userID int32, memLimit int64, writer *wire.Writer, logger *log.Logger) (*VM, error) {
	alloc := memcap.New(memLimit)
	rt, err := interp.NewRuntime(alloc)
	if err != nil {
		return nil, fmt.Errorf("sched: new VM runtime: %w", err)
	}

	v := &VM{
		userID:     userID,
		writer:     writer,
		alloc:      alloc,
		rt:         rt,
		logger:     logger,
		scripts:    make(map[int32]*Script),
		apiResults: make(map[int64][]apival.Value),
		chunkCache: make(map[[ripemd160.Size]byte]*interp.SharedProgram),
		nextAPIKey: 1,
		wake:       make(chan struct{}, 1),
	}

	if err := v.bindBuiltins(); err != nil {
		return nil, fmt.Errorf("sched: binding builtins: %w", err)
	}
	if err := v.loadBootstrap(); err != nil {
		return nil, err
	}
	return v, nil
}

func (v *VM) bindBuiltins() error {
	ownerSay := apicatalog.Builtins["tt.owner_say"].Name
	if err := v.rt.Bind(ownerSay, func(args []apival.Value) apival.Value {
		v.SendAPICall(v.currentEntity, 0, false, ownerSay, args)
		return apival.Nil()
	}); err != nil {
		return err
	}

	v.rt.SetPrint(func(args []apival.Value) {
		v.ReportScriptError(v.currentEntity, Print, apival.JoinStrings(args))
	})

	return v.rt.BindCallbackRegistrar("tt.set_callback", func(callbackID int32, ref *interp.FunctionRef) {
		s, ok := v.scripts[v.currentEntity]
		if !ok {
			return
		}
		s.SetCallback(callbackID, ref)
	})
}

func (v *VM) loadBootstrap() error {
	sp, err := sharedBootstrap()
	if err != nil {
		return fmt.Errorf("sched: compiling bootstrap: %w", err)
	}
	chunk, err := v.rt.LoadShared(sp)
	if err != nil {
		return fmt.Errorf("sched: loading bootstrap: %w", err)
	}
	co, err := v.rt.Start(chunk)
	if err != nil {
		return fmt.Errorf("sched: starting bootstrap: %w", err)
	}
	step, err := co.Resume(apival.Nil())
	if err != nil {
		return fmt.Errorf("sched: running bootstrap: %w", err)
	}
	if !step.Done {
		return errors.New("sched: bootstrap chunk suspended; bootstrap must not use suspending calls")
	}
	return nil
}

// ScriptHost implementation — see script.go.

func (v *VM) NextAPIKey() int64 {
	key := v.nextAPIKey
	v.nextAPIKey++
	return key
}

func (v *VM) SendAPICall(entityID int32, key int64, requestResponse bool, name string, args []apival.Value) {
	values := append([]apival.Value{apival.String(apicatalog.WireNameOf(name))}, args...)
	data := apival.Encode(values)

	msgType := wire.APICall
	otherID := int32(0)
	if requestResponse {
		msgType = wire.APICallGet
		otherID = int32(key)
	}

	v.send(wire.Message{
		Type:     msgType,
		UserID:   v.userID,
		EntityID: entityID,
		OtherID:  otherID,
		Status:   uint8(len(values)),
		Data:     data,
	})
}

func (v *VM) APIResult(key int64) ([]apival.Value, bool) {
	values, ok := v.apiResults[key]
	if ok {
		delete(v.apiResults, key)
	}
	return values, ok
}

func (v *VM) SendSetCallback(entityID int32, callbackID int32, on bool) {
	status := uint8(0)
	if on {
		status = 1
	}
	v.send(wire.Message{Type: wire.SetCallback, UserID: v.userID, EntityID: entityID, OtherID: callbackID, Status: status})
}

func (v *VM) RecordPreempt() {
	v.preemptCount++
	v.metrics.RecordPreempt()
}

func (v *VM) RecordForceTerminate() {
	v.forceTerminateCount++
	v.metrics.RecordForceTerminate()
}

func (v *VM) RecordPenaltySleep() { v.metrics.RecordPenaltySleep() }

// SetMetrics attaches the process-wide metrics collectors. A nil
// argument (the default when the host starts without a metrics
// listener) leaves every Record* call a safe no-op, since
// *metrics.Collectors' methods tolerate a nil receiver.
func (v *VM) SetMetrics(m *metrics.Collectors) { v.metrics = m }

func (v *VM) ReportScriptError(entityID int32, kind ErrKind, message string) {
	v.send(wire.Message{
		Type:     wire.ScriptError,
		UserID:   v.userID,
		EntityID: entityID,
		Data:     []byte(kind.String() + ": " + message),
	})
	if v.logger != nil {
		v.logger.Printf("vm %d entity %d: %s: %s", v.userID, entityID, kind, message)
	}
}

func (v *VM) SetCurrentEntity(entityID int32) { v.currentEntity = entityID }

func (v *VM) send(m wire.Message) {
	if err := v.writer.WriteMessage(m); err != nil && v.logger != nil {
		v.logger.Printf("vm %d: write failed: %v", v.userID, err)
	}
}

// inboxEntry pairs a queued message with an optional completion signal.
// The ack channel lets a caller outside the VM's own goroutine (the
// router, broadcasting SHUTDOWN/STATUS_QUERY to every VM) learn when
// this VM has actually dispatched the message, without the VM exposing
// anything about its internal scheduling to that caller.
type inboxEntry struct {
	msg  wire.Message
	done chan struct{}
}

// Push enqueues an inbound message and wakes the worker loop if it is
// blocked (§4.7's "one-shot future" signal).
func (v *VM) Push(m wire.Message) {
	v.push(inboxEntry{msg: m})
}

// PushWithAck behaves like Push but returns a channel that closes once
// this message has been dispatched by the VM's own worker goroutine.
func (v *VM) PushWithAck(m wire.Message) <-chan struct{} {
	done := make(chan struct{})
	v.push(inboxEntry{msg: m, done: done})
	return done
}

func (v *VM) push(e inboxEntry) {
	v.mu.Lock()
	v.queue = append(v.queue, e)
	v.mu.Unlock()

	select {
	case v.wake <- struct{}{}:
	default:
	}
}

func (v *VM) drain() []inboxEntry {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.queue) == 0 {
		return nil
	}
	entries := v.queue
	v.queue = nil
	return entries
}

// CompiledChunk implements ScriptHost's compile cache: an exact repeat
// of source text (by RIPEMD-160 digest) reuses its already-parsed
// SharedProgram, and only LoadShared — cheap, per-runtime — runs again.
//
// A chunk not already in the cache charges its source length against
// the VM's memory cap before compiling it (§4.3's "every allocation
// performed on a VM's behalf", concretely: the one piece of retained
// per-chunk state this package controls directly — see SPEC_FULL.md's
// note on goja's GC'd heap not exposing a literal allocator hook). The
// charge is never released: a cached chunk is retained for the VM's
// whole lifetime, same as its memory footprint.
func (v *VM) CompiledChunk(name, source string) (*interp.Chunk, error) {
	digest := chunkDigest(source)
	sp, ok := v.chunkCache[digest]
	if !ok {
		size := int64(len(source))
		if !v.alloc.TryResize(0, size) {
			return nil, fmt.Errorf("sched: %w: compiling a %d-byte chunk would exceed the %d-byte cap (%d already used)",
				memcap.ErrLimitExceeded, size, v.alloc.Limit(), v.alloc.Used())
		}
		var err error
		sp, err = interp.CompileSharedProgram(name, source)
		if err != nil {
			v.alloc.Release(size)
			return nil, err
		}
		v.chunkCache[digest] = sp
	}
	return v.rt.LoadShared(sp)
}

func chunkDigest(source string) [ripemd160.Size]byte {
	h := ripemd160.New()
	h.Write([]byte(source))
	var digest [ripemd160.Size]byte
	copy(digest[:], h.Sum(nil))
	return digest
}

func (v *VM) scriptFor(entityID int32) *Script {
	s, ok := v.scripts[entityID]
	if !ok {
		s = NewScript(entityID, v, v.rt)
		v.scripts[entityID] = s
	}
	return s
}

// dispatch implements the §6/§4.7 message-dispatch table. Any type not
// named there is a harmless no-op.
func (v *VM) dispatch(m wire.Message) {
	switch m.Type {
	case wire.Ping:
		v.send(wire.Message{Type: wire.Pong, UserID: v.userID, OtherID: m.OtherID, Status: m.Status})
	case wire.RunCode:
		_ = v.scriptFor(m.EntityID).CompileAndStart(string(m.Data))
	case wire.StartScript:
		v.scriptFor(m.EntityID)
	case wire.StopScript:
		delete(v.scripts, m.EntityID)
	case wire.APICallGet:
		v.apiResults[int64(m.OtherID)] = apival.Decode(m.Data, int(m.Status))
	case wire.Callback:
		if s, ok := v.scripts[m.EntityID]; ok {
			s.StartCallback(m.OtherID, apival.Decode(m.Data, int(m.Status)))
		}
	case wire.StatusQuery:
		if m.Status == 0 {
			v.send(wire.Message{Type: wire.StatusQuery, UserID: v.userID, Status: 1, Data: []byte(v.diagnosticString())})
		}
	case wire.Shutdown:
		v.shutdown()
	}
}

func (v *VM) shutdown() {
	for _, s := range v.scripts {
		s.Shutdown()
	}
	v.scripts = make(map[int32]*Script)
	v.quitting = true
}

func (v *VM) diagnosticString() string {
	var b strings.Builder
	fmt.Fprintf(&b, "user=%d scripts=%d mem=%d/%d preempts=%d force_terminates=%d\n",
		v.userID, len(v.scripts), v.alloc.Used(), v.alloc.Limit(), v.preemptCount, v.forceTerminateCount)
	for id, s := range v.scripts {
		fmt.Fprintf(&b, "  entity=%d threads=%d script_force_terminates=%d\n", id, s.ThreadCount(), s.ForceTerminateCount())
	}
	return b.String()
}

// RunScripts implements the two-phase fair-chance sweep of §4.7, one
// level above Script.RunThreads.
func (v *VM) RunScripts() SweepStatus {
	for _, s := range v.scripts {
		s.wasScheduledYet = false
	}

	ranSomething := false
	retried := false
	v.earliestWake = time.Time{}
	v.haveSleeper = false

	for {
		scheduledThisIteration := false

		for id, s := range v.scripts {
			if s.wasScheduledYet {
				continue
			}
			s.wasScheduledYet = true
			scheduledThisIteration = true

			switch s.RunThreads() {
			case StatusFinished:
				delete(v.scripts, id)
				ranSomething = true
			case StatusPreempted:
				return StatusPreempted
			case StatusAllWaiting:
				if wake, ok := s.EarliestWakeUp(); ok {
					if !v.haveSleeper || wake.Before(v.earliestWake) {
						v.earliestWake = wake
						v.haveSleeper = true
					}
				}
			case StatusKeepGoing:
				ranSomething = true
			}
		}

		if scheduledThisIteration {
			break
		}
		if retried {
			break
		}
		retried = true
		for _, s := range v.scripts {
			s.wasScheduledYet = false
		}
	}

	switch {
	case len(v.scripts) == 0:
		return StatusFinished
	case !ranSomething:
		return StatusAllWaiting
	default:
		return StatusKeepGoing
	}
}

// EarliestWakeUp exposes the sleeping-summary RunScripts folded from
// every ALL_WAITING Script in its last pass.
func (v *VM) EarliestWakeUp() (time.Time, bool) { return v.earliestWake, v.haveSleeper }

// purgeStrikeMaxed erases Scripts whose force-terminate strikes have
// reached TerminateScriptAfterStrikes, per §4.7 step 4.
func (v *VM) purgeStrikeMaxed() {
	for id, s := range v.scripts {
		if s.ForceTerminateCount() >= TerminateScriptAfterStrikes {
			delete(v.scripts, id)
		}
	}
}

// Run is the worker thread loop thread_function() of §4.7. It blocks
// the calling goroutine until SHUTDOWN is processed. The caller is
// expected to run this on its own goroutine, one per VM, per C8's
// "thread never migrates work between VMs". LockOSThread pins that
// goroutine to a single OS thread for its whole lifetime: preempt.go's
// CLOCK_THREAD_CPUTIME_ID reads before and after each resume are only
// exact if both reads land on the same OS thread, and without this the
// Go scheduler is free to migrate the goroutine between them.
func (v *VM) Run() {
	runtime.LockOSThread()
	for {
		for _, e := range v.drain() {
			v.dispatch(e.msg)
			if e.done != nil {
				close(e.done)
			}
		}
		if v.quitting {
			return
		}

		status := v.RunScripts()
		v.purgeStrikeMaxed()
		v.pollMetrics()

		switch status {
		case StatusAllWaiting:
			if wake, ok := v.EarliestWakeUp(); ok {
				v.waitUntil(wake)
			} else {
				v.waitIndefinitely()
			}
		case StatusFinished:
			v.waitIndefinitely()
		default: // StatusKeepGoing, StatusPreempted
		}
	}
}

// pollMetrics refreshes the gauges that reflect point-in-time state
// rather than counted events: current memory use and live script
// count, sampled once per scheduling pass rather than on every
// allocation or Script creation/removal.
func (v *VM) pollMetrics() {
	if v.metrics == nil {
		return
	}
	userID := fmt.Sprintf("%d", v.userID)
	v.metrics.SetVMMemoryUsed(userID, v.alloc.Used())
	v.metrics.SetVMScriptCount(userID, len(v.scripts))
}

func (v *VM) waitUntil(deadline time.Time) {
	d := time.Until(deadline)
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-v.wake:
	case <-timer.C:
	}
}

func (v *VM) waitIndefinitely() {
	<-v.wake
}

// UserID exposes the VM's owning user for the router's registry.
func (v *VM) UserID() int32 { return v.userID }

// Quitting reports whether this VM has processed SHUTDOWN and its
// worker goroutine has returned (or is about to).
func (v *VM) Quitting() bool { return v.quitting }
