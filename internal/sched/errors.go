package sched

// ErrKind is the small closed set of error kinds that can surface out
// of a ScriptThread to the host, as a SCRIPT_ERROR message (§7).
// Preempted and ApiTimeout are included in the enum for completeness
// even though neither is actually an error the host sees on the wire
// (Preempted is a scheduling status retried internally; ApiTimeout
// resumes the thread with zero values) — callers that log a kind for
// diagnostics still want a name for them.
type ErrKind int

const (
	CompileError ErrKind = iota
	LoadError
	RuntimeError
	MemoryExhausted
	Preempted
	ApiTimeout
	StrikeTerminated
	// Print is not an error at all — script-issued print()/console.log
	// output rides the same SCRIPT_ERROR channel as a diagnostic line
	// (§4.5's "leftover values ... printed via the custom print path"),
	// since the wire protocol has no dedicated message type for it.
	Print
)

func (k ErrKind) String() string {
	switch k {
	case CompileError:
		return "CompileError"
	case LoadError:
		return "LoadError"
	case RuntimeError:
		return "RuntimeError"
	case MemoryExhausted:
		return "MemoryExhausted"
	case Preempted:
		return "Preempted"
	case ApiTimeout:
		return "ApiTimeout"
	case StrikeTerminated:
		return "StrikeTerminated"
	case Print:
		return "Print"
	default:
		return "Unknown"
	}
}
