package interp

import "testing"

func TestRewriteTopLevelCall(t *testing.T) {
	got := rewriteSuspendingCalls(`tt.sleep(100);`, SuspendingCallNames)
	want := `(yield __suspend_call("tt.sleep", [100]));`
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestRewriteNestedCall(t *testing.T) {
	got := rewriteSuspendingCalls(`print(storage.load('k'));`, SuspendingCallNames)
	want := `print((yield __suspend_call("storage.load", ['k'])));`
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestRewriteIgnoresIdentifierSuffix(t *testing.T) {
	src := `my_storage.load(1); storage.load(2);`
	got := rewriteSuspendingCalls(src, SuspendingCallNames)
	if want := `my_storage.load(1); `; got[:len(want)] != want {
		t.Fatalf("rewrote a call whose callee was only a suffix match: %q", got)
	}
}

func TestRewriteSkipsStringLiterals(t *testing.T) {
	src := `var s = "storage.load(1)"; storage.load(2);`
	got := rewriteSuspendingCalls(src, SuspendingCallNames)
	if got != `var s = "storage.load(1)"; (yield __suspend_call("storage.load", [2]));` {
		t.Fatalf("string literal was rewritten: %q", got)
	}
}

func TestRewriteHandlesNestedParensAndCommas(t *testing.T) {
	src := `storage.load(foo(1, 2), "a,b");`
	got := rewriteSuspendingCalls(src, SuspendingCallNames)
	want := `(yield __suspend_call("storage.load", [foo(1, 2), "a,b"]));`
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
