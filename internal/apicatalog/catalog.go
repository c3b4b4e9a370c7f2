// Package apicatalog is the small, fixed table of host-bound API
// primitives this service actually exercises end to end (§1 places the
// rest of the Tilemap Town API surface out of scope as an external
// collaborator). It holds data only — no interpreter or scheduler
// dependency — so both internal/interp (which needs to know which call
// sites to rewrite into suspension points) and internal/sched (which
// needs the wire name a JS callee maps to) can import it without a
// cycle.
package apicatalog

import (
	"sort"

	"github.com/NovaSquirrel/TilemapTownScriptingService/internal/apival"
)

// CallSpec describes one host-bound primitive a compiled chunk can
// call by name.
type CallSpec struct {
	// Name is the exact JS callee text recognized by the suspend
	// rewrite pass and by Runtime.Bind (e.g. "tt.owner_say").
	Name string
	// WireName is the first packed value sent in the call's
	// API_CALL/API_CALL_GET payload, when it differs from Name (§8 S2:
	// the owner_say call's wire name is "ownersay"; S6's storage.load
	// is "s_load"). Empty means the call never reaches the wire
	// (tt.sleep is purely a local scheduling primitive).
	WireName string
	// Suspends marks a call rewrite.go must turn into a yield point.
	Suspends bool
	// RequestResponse marks a call that dispatches as API_CALL_GET and
	// suspends its thread until a matching result arrives, rather than
	// firing API_CALL and returning immediately.
	RequestResponse bool
	Signature       apival.Signature
}

// Builtins is the full catalog, keyed by Name.
var Builtins = map[string]CallSpec{
	"tt.owner_say": {
		Name:      "tt.owner_say",
		WireName:  "ownersay",
		Signature: mustSignature("s", 1),
	},
	"tt.sleep": {
		Name:      "tt.sleep",
		Suspends:  true,
		Signature: mustSignature("i", 1),
	},
	"storage.load": {
		Name:            "storage.load",
		WireName:        "s_load",
		Suspends:        true,
		RequestResponse: true,
		Signature:       mustSignature("s", 1),
	},
}

func mustSignature(params string, declaredCount int) apival.Signature {
	sig, err := apival.ParseSignature(params, declaredCount)
	if err != nil {
		panic("apicatalog: " + err.Error())
	}
	return sig
}

// SuspendingCallNames returns the Name of every catalog entry that
// rewrite.go must turn into a yield point, sorted for deterministic
// iteration in callers that range over it once at startup.
func SuspendingCallNames() []string {
	names := make([]string, 0, len(Builtins))
	for name, spec := range Builtins {
		if spec.Suspends {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// WireNameOf returns the wire-visible call name for a JS callee name,
// falling back to the JS name itself when the catalog has no override
// or no entry at all.
func WireNameOf(jsName string) string {
	if spec, ok := Builtins[jsName]; ok && spec.WireName != "" {
		return spec.WireName
	}
	return jsName
}
