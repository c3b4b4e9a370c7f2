package interp

import (
	"strconv"
	"strings"

	"github.com/dop251/goja"

	"github.com/NovaSquirrel/TilemapTownScriptingService/internal/apicatalog"
	"github.com/NovaSquirrel/TilemapTownScriptingService/internal/apival"
)

// SuspendingCallNames lists the host call sites rewrite.go turns into
// real generator suspension points, sourced from the same catalog the
// scheduler uses to map a JS callee to its wire name, so the two never
// drift apart. tt.sleep suspends until the scheduler's sleep deadline
// elapses; storage.load suspends until the matching API_CALL_GET
// response arrives. Fire-and-forget calls like tt.owner_say are
// deliberately absent: §8 S2 dispatches them without waiting, so
// they're bound as ordinary (non-suspending) functions in bindBuiltins
// instead.
var SuspendingCallNames = apicatalog.SuspendingCallNames()

// bindBuiltins wires the small, fixed set of globals every compiled
// chunk can see: print/console.log for host-visible diagnostics (§4.5's
// "leftover values ... printed via the custom print path", forwarded
// to whatever Runtime.SetPrint installs), and __suspend_call, the
// marker function rewrite.go's output calls through `yield`.
// Call-specific builtins (tt.owner_say and the rest of the API
// catalog) are bound later via Bind, once the scheduler has a
// dispatcher to hand fire-and-forget calls to.
func bindBuiltins(r *Runtime) error {
	vm := r.vm

	if err := vm.Set(suspendMarker, func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		argsVal := call.Argument(1)

		op := SuspendCall
		if name == "tt.sleep" {
			op = SuspendSleep
		}

		obj := vm.NewObject()
		obj.Set("op", string(op))
		obj.Set("name", name)
		obj.Set("args", argsVal)
		return obj
	}); err != nil {
		return err
	}

	printFn := func(call goja.FunctionCall) goja.Value {
		if r.print == nil {
			return goja.Undefined()
		}
		args := make([]apival.Value, len(call.Arguments))
		for i, a := range call.Arguments {
			args[i] = jsToValue(a)
		}
		r.print(args)
		return goja.Undefined()
	}
	if err := vm.Set("print", printFn); err != nil {
		return err
	}

	console := vm.NewObject()
	if err := console.Set("log", printFn); err != nil {
		return err
	}
	if err := vm.Set("console", console); err != nil {
		return err
	}

	// __alloc_string/__alloc_table charge a runtime allocation against
	// the VM's memory cap before bootstrap.js's string/table growth
	// shims let it through (§4.3's "interpose on every allocation
	// performed by a VM's interpreter", at the one granularity a GC'd
	// host lets this package actually control). Both names route
	// through the same byte-counted ledger; the distinction exists for
	// bootstrap.js to read, not because strings and tables are charged
	// any differently here.
	allocFn := func(call goja.FunctionCall) goja.Value {
		n := call.Argument(0).ToInteger()
		return vm.ToValue(r.chargeCurrent(n))
	}
	if err := vm.Set("__alloc_string", allocFn); err != nil {
		return err
	}
	if err := vm.Set("__alloc_table", allocFn); err != nil {
		return err
	}

	return nil
}

// Bind registers a fire-and-forget host function under name (which
// may be dotted, e.g. "tt.owner_say"), creating intermediate objects
// as needed. fn receives decoded wire values and returns the decoded
// wire value to hand back to the script as the call's result (Nil()
// for calls with no meaningful return).
//
// When name has a catalog entry carrying a Signature, every call is
// validated against it (§4.2's argument-signature concept) before fn
// ever sees the arguments; a mismatch panics with a goja TypeError,
// which Coroutine.Resume surfaces as a script error the same way any
// other raised exception would (§7's RuntimeError, from the script's
// point of view — a malformed call is no different from any other bug
// in the calling script).
func (r *Runtime) Bind(name string, fn func(args []apival.Value) apival.Value) error {
	sig, checked := apicatalog.Builtins[name]
	parts := strings.Split(name, ".")
	parent := r.vm.GlobalObject()
	for _, p := range parts[:len(parts)-1] {
		childVal := parent.Get(p)
		child, ok := childVal.(*goja.Object)
		if !ok {
			child = r.vm.NewObject()
			parent.Set(p, child)
		}
		parent = child
	}
	leaf := parts[len(parts)-1]
	parent.Set(leaf, func(call goja.FunctionCall) goja.Value {
		args := make([]apival.Value, len(call.Arguments))
		for i, a := range call.Arguments {
			args[i] = jsToValue(a)
		}
		if checked {
			if err := sig.Signature.Validate(args); err != nil {
				panic(r.vm.NewTypeError("%s: %s", name, err.Error()))
			}
		}
		return valueToJS(r.vm, fn(args))
	})
	return nil
}

func jsArrayToValues(v goja.Value) []apival.Value {
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil
	}
	length := int64(obj.Get("length").ToInteger())
	out := make([]apival.Value, 0, length)
	for i := int64(0); i < length; i++ {
		out = append(out, jsToValue(obj.Get(strconv.FormatInt(i, 10))))
	}
	return out
}

// valueToJS converts a decoded wire value into its goja equivalent.
func valueToJS(vm *goja.Runtime, v apival.Value) goja.Value {
	switch v.Tag {
	case apival.TagNil:
		return goja.Null()
	case apival.TagFalse:
		return vm.ToValue(false)
	case apival.TagTrue:
		return vm.ToValue(true)
	case apival.TagInteger:
		return vm.ToValue(v.Int)
	case apival.TagString:
		return vm.ToValue(v.Str)
	case apival.TagJSON:
		parsed, err := vm.RunString("(" + v.Str + ")")
		if err != nil {
			return goja.Undefined()
		}
		return parsed
	default:
		// TagTable / TagMiniTilemap: apival.Encode refuses to encode
		// these (see internal/apival/codec.go), so nothing upstream
		// should be handing one to the interpreter boundary yet.
		return goja.Undefined()
	}
}

// jsToValue converts a goja.Value produced by script code back into a
// decoded wire value, for the handful of JS types the API surface
// actually needs to carry. Anything else collapses to a STRING holding
// goja's String() conversion of the value; for a plain object that is
// "[object Object]", so its fields are not carried.
func jsToValue(v goja.Value) apival.Value {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return apival.Nil()
	}
	switch exported := v.Export().(type) {
	case bool:
		return apival.Bool(exported)
	case int64:
		return apival.Int32(int32(exported))
	case float64:
		return apival.Int32(int32(exported))
	case string:
		return apival.String(exported)
	default:
		return apival.String(v.String())
	}
}
