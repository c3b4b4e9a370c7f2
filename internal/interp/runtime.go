// Package interp narrows the embedded scripting runtime down to the
// handful of operations the scheduler actually needs: compile a
// chunk, start a coroutine from it, resume a coroutine with a value,
// and interrupt one that has run too long. runtime.go and builtins.go
// are the only files that import github.com/dop251/goja; everything above internal/interp (internal/sched and up) talks to
// Runtime, Chunk and Coroutine only.
package interp

import (
	"errors"
	"fmt"

	"github.com/dop251/goja"

	"github.com/NovaSquirrel/TilemapTownScriptingService/internal/apival"
	"github.com/NovaSquirrel/TilemapTownScriptingService/internal/memcap"
)

// ErrPreempted is returned by Resume when the step was aborted by an
// Interrupt call made from another goroutine while it was running.
// Per SPEC_FULL.md's embedded-runtime EXPANSION note, goja's interrupt mechanism
// unwinds the interrupted call rather than suspending it at the exact
// bytecode offset; a preempted step that had not reached a yield
// point is therefore not resumable and must be restarted from the top
// of the coroutine the next time it is scheduled. A step that HAD
// already reached a yield point before being interrupted is reported
// as ErrPreempted too (same as a fresh start, since a generator
// object whose .next() call panicked is left unusable by goja), so
// callers never need to special-case which happened.
var ErrPreempted = errors.New("interp: coroutine preempted")

// SuspendOp identifies what a suspended coroutine is waiting on.
type SuspendOp string

const (
	SuspendSleep SuspendOp = "sleep"
	SuspendCall  SuspendOp = "call"
)

// Suspend describes a coroutine's pending suspension, decoded from the
// value yielded by the rewritten call site (see rewrite.go).
type Suspend struct {
	Op   SuspendOp
	Name string        // API call name, set when Op == SuspendCall
	Args []apival.Value
}

// Step is the outcome of one Coroutine.Resume call.
type Step struct {
	Done    bool
	Result  apival.Value // valid when Done
	Suspend *Suspend      // valid when !Done
}

// Runtime wraps one goja.Runtime plus a reference to the VM's
// memory-cap allocator. goja's own heap is the Go GC's, with no
// per-value allocation hook this package can interpose on (see
// SPEC_FULL.md's note on this); alloc is what chargeCurrent charges
// when the __alloc_string/__alloc_table builtins (builtins.go) are
// called. internal/sched's compiled-chunk cache charges a chunk's
// retained source length directly against the same *memcap.Allocator.
type Runtime struct {
	vm    *goja.Runtime
	alloc *memcap.Allocator
	print func(args []apival.Value)

	// current is the Coroutine whose next() call is presently on the
	// goja call stack, so the __alloc_string/__alloc_table builtins
	// (builtins.go) know which Coroutine's ledger to charge against.
	// goja runs single-threaded, so at most one Coroutine is ever
	// "current" on a given Runtime at a time, including nested ones
	// (§4.5's Interrupted back-pointer) — Resume sets and clears this
	// around its own call to next().
	current *Coroutine
}

// SetPrint installs the function print()/console.log() calls forward
// their decoded arguments to. Until a host calls this, print is bound
// but silently discards its arguments (see bindBuiltins), which is
// what a Runtime built without a VM around it (such as this package's
// tests) gets by default.
func (r *Runtime) SetPrint(fn func(args []apival.Value)) { r.print = fn }

// Chunk is a compiled, not-yet-started script body.
type Chunk struct {
	genFn goja.Callable
}

// Coroutine is one resumable, suspendable execution of a Chunk (or of
// a nested generator a script created itself — see §4.5's
// Interrupted back-pointer, modeled the same way at this layer).
type Coroutine struct {
	rt      *Runtime
	next    goja.Callable
	done    bool
	charged int64 // bytes charged against rt.alloc via __alloc_string/__alloc_table while this coroutine ran
}

// NewRuntime constructs a fresh goja.Runtime with the host builtins
// bound (builtins.go) and alloc attached as the ledger the
// __alloc_string/__alloc_table builtins charge (see chargeCurrent).
func NewRuntime(alloc *memcap.Allocator) (*Runtime, error) {
	vm := goja.New()
	r := &Runtime{vm: vm, alloc: alloc}
	if err := bindBuiltins(r); err != nil {
		return nil, err
	}
	return r, nil
}

// Compile rewrites source (see rewrite.go), wraps it as a generator
// function body, and compiles it. name is used only for error
// messages (goja source-map style "chunkName:line").
func (r *Runtime) Compile(name, source string) (*Chunk, error) {
	sp, err := CompileSharedProgram(name, source)
	if err != nil {
		return nil, err
	}
	return r.LoadShared(sp)
}

// SharedProgram is an immutable compiled chunk body that many Runtimes
// can each load independently via LoadShared, with no mutable state
// shared between them — how the bootstrap chunk in
// internal/sched/vm.go is compiled once per process and loaded
// into every VM's own runtime (§4.7 "shared between VMs by value").
// The underlying goja type stays unexported so callers outside this
// package never need to import goja themselves.
type SharedProgram struct {
	prog *goja.Program
}

// CompileSharedProgram rewrites and compiles source into a
// SharedProgram, independent of any particular Runtime.
func CompileSharedProgram(name, source string) (*SharedProgram, error) {
	rewritten := rewriteSuspendingCalls(source, SuspendingCallNames)
	wrapped := "(function*(){\n" + rewritten + "\n})"
	prog, err := goja.Compile(name, wrapped, false)
	if err != nil {
		return nil, fmt.Errorf("interp: compiling %s: %w", name, err)
	}
	return &SharedProgram{prog: prog}, nil
}

// LoadShared loads sp into this Runtime, producing a fresh Chunk local
// to it.
func (r *Runtime) LoadShared(sp *SharedProgram) (*Chunk, error) {
	val, err := r.vm.RunProgram(sp.prog)
	if err != nil {
		return nil, fmt.Errorf("interp: loading shared chunk: %w", err)
	}
	fn, ok := goja.AssertFunction(val)
	if !ok {
		return nil, errors.New("interp: shared chunk did not compile to a function")
	}
	return &Chunk{genFn: fn}, nil
}

// Start invokes chunk, producing a not-yet-run generator object, and
// wraps it as a Coroutine. It does not run any script code itself;
// the first Resume call does.
func (r *Runtime) Start(chunk *Chunk) (*Coroutine, error) {
	genVal, err := chunk.genFn(goja.Undefined())
	if err != nil {
		return nil, fmt.Errorf("interp: starting coroutine: %w", err)
	}
	return r.wrapGenerator(genVal)
}

// FunctionRef is an opaque handle to a script-registered generator
// function, captured via BindCallbackRegistrar (§4.6's callback
// table stores one of these per CallbackTypeID).
type FunctionRef struct {
	call goja.Callable
}

// BindCallbackRegistrar wires a host function of the shape
// `name(callbackID, fn)` that captures fn as a FunctionRef and hands
// it to onRegister, without ever exposing the raw goja.Value to the
// caller. This is the one place outside builtins.go that needs to see
// a bare function argument rather than a decoded apival.Value, so it
// cannot be expressed through the generic Bind.
func (r *Runtime) BindCallbackRegistrar(name string, onRegister func(callbackID int32, ref *FunctionRef)) error {
	return r.vm.Set(name, func(call goja.FunctionCall) goja.Value {
		id := int32(call.Argument(0).ToInteger())
		fn, ok := goja.AssertFunction(call.Argument(1))
		if !ok {
			return goja.Undefined()
		}
		onRegister(id, &FunctionRef{call: fn})
		return goja.Undefined()
	})
}

// StartFunctionRef invokes a captured callback function with args
// (decoded wire values, converted to JS), producing a fresh Coroutine
// exactly like Start does for a compiled chunk. Callback functions
// registered through set_callback are expected to be declared with
// `function*` by the same convention compiled chunks use internally,
// so that a callback body can itself call a suspending API (§4.6
// doesn't forbid it, and nothing about the callback path should be
// less capable than a freshly started script).
func (r *Runtime) StartFunctionRef(ref *FunctionRef, args []apival.Value) (*Coroutine, error) {
	jsArgs := make([]goja.Value, len(args))
	for i, a := range args {
		jsArgs[i] = valueToJS(r.vm, a)
	}
	genVal, err := ref.call(goja.Undefined(), jsArgs...)
	if err != nil {
		return nil, fmt.Errorf("interp: starting callback coroutine: %w", err)
	}
	return r.wrapGenerator(genVal)
}

func (r *Runtime) wrapGenerator(genVal goja.Value) (*Coroutine, error) {
	genObj, ok := genVal.(*goja.Object)
	if !ok {
		return nil, errors.New("interp: generator function did not return an object")
	}
	nextVal := genObj.Get("next")
	next, ok := goja.AssertFunction(nextVal)
	if !ok {
		return nil, errors.New("interp: generator object has no callable next()")
	}
	return &Coroutine{rt: r, next: next}, nil
}

// Resume runs the coroutine until it either finishes, suspends again,
// or is interrupted. input is passed as the result of the `yield`
// expression the coroutine is currently paused at (ignored on the
// first Resume of a freshly Start-ed coroutine).
func (c *Coroutine) Resume(input apival.Value) (Step, error) {
	if c.done {
		return Step{}, errors.New("interp: Resume called on a finished coroutine")
	}

	prevCurrent := c.rt.current
	c.rt.current = c
	jsInput := valueToJS(c.rt.vm, input)
	result, err := c.next(goja.Undefined(), jsInput)
	c.rt.current = prevCurrent

	if err != nil {
		if ie, ok := err.(*goja.InterruptedError); ok {
			_ = ie
			c.finish()
			return Step{}, ErrPreempted
		}
		c.finish()
		return Step{}, fmt.Errorf("interp: script error: %w", err)
	}

	resObj, ok := result.(*goja.Object)
	if !ok {
		c.finish()
		return Step{}, errors.New("interp: next() did not return an iterator result")
	}

	done := resObj.Get("done")
	value := resObj.Get("value")

	if done != nil && done.ToBoolean() {
		c.finish()
		return Step{Done: true, Result: jsToValue(value)}, nil
	}

	suspend, err := decodeSuspend(value)
	if err != nil {
		c.finish()
		return Step{}, err
	}
	return Step{Done: false, Suspend: suspend}, nil
}

// finish marks the coroutine done and releases whatever it charged
// against the memory cap via __alloc_string/__alloc_table. Every exit
// from Resume other than "suspended, still runnable" calls this, so a
// coroutine's runtime allocations never outlive it — mirroring §8 S5's
// "used memory after the failure must be ... strictly less than at the
// moment of failure (freed during unwinding)" the same way a GC'd
// host reclaims a finished or abandoned generator's locals.
func (c *Coroutine) finish() {
	c.done = true
	if c.charged != 0 && c.rt.alloc != nil {
		c.rt.alloc.Release(c.charged)
		c.charged = 0
	}
}

// chargeCurrent charges n bytes against rt.alloc on behalf of whichever
// Coroutine is presently resuming, refusing (without charging) if that
// would exceed the cap. Called from the __alloc_string/__alloc_table
// builtins (builtins.go); a nil alloc or no current coroutine (the
// bootstrap chunk's own one-shot Resume from loadBootstrap never calls
// these) always allows the charge.
func (r *Runtime) chargeCurrent(n int64) bool {
	if r.alloc == nil || r.current == nil || n <= 0 {
		return true
	}
	if !r.alloc.TryResize(0, n) {
		return false
	}
	r.current.charged += n
	return true
}

// Interrupt aborts whichever Coroutine.Resume call is currently
// running on this Runtime, from any goroutine. Per ErrPreempted's
// doc, the coroutine that was running is left unusable; the
// scheduler's response is to strike it and, if not past its
// termination threshold, re-Start its chunk from the top on the next
// pass.
func (r *Runtime) Interrupt(reason any) {
	r.vm.Interrupt(reason)
}

// ClearInterrupt un-poisons the runtime after a non-fatal interrupt so
// the next Resume/Start call can proceed; goja leaves the interrupt
// flag set until explicitly cleared.
func (r *Runtime) ClearInterrupt() {
	r.vm.ClearInterrupt()
}

func decodeSuspend(v goja.Value) (*Suspend, error) {
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil, errors.New("interp: yielded value was not a suspend request object")
	}
	op := obj.Get("op")
	if op == nil || goja.IsUndefined(op) {
		return nil, errors.New("interp: suspend request missing \"op\"")
	}
	s := &Suspend{Op: SuspendOp(op.String())}
	if name := obj.Get("name"); name != nil && !goja.IsUndefined(name) {
		s.Name = name.String()
	}
	if argsVal := obj.Get("args"); argsVal != nil && !goja.IsUndefined(argsVal) {
		s.Args = jsArrayToValues(argsVal)
	}
	return s, nil
}
