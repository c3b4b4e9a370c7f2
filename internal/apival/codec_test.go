package apival

import "testing"

func TestValueRoundTrip(t *testing.T) {
	values := []Value{
		Nil(),
		Bool(true),
		Bool(false),
		Int32(42),
		Int32(-7),
		String("hello"),
		JSON(`{"a":1}`),
	}

	encoded := Encode(values)
	decoded := Decode(encoded, len(values))

	if len(decoded) != len(values) {
		t.Fatalf("Decode returned %d values, want %d", len(decoded), len(values))
	}
	for i := range values {
		if decoded[i] != values[i] {
			t.Fatalf("value %d: got %+v, want %+v", i, decoded[i], values[i])
		}
	}
}

func TestDecodeStopsAtN(t *testing.T) {
	encoded := Encode([]Value{Int32(1), Int32(2), Int32(3)})
	decoded := Decode(encoded, 2)
	if len(decoded) != 2 {
		t.Fatalf("Decode(n=2) returned %d values, want 2", len(decoded))
	}
}

func TestDecodeTruncatedEntryIsSilentlyDropped(t *testing.T) {
	encoded := Encode([]Value{String("hello")})
	truncated := encoded[:len(encoded)-2] // chop off the last 2 bytes of "hello"

	decoded := Decode(truncated, 1)
	if len(decoded) != 0 {
		t.Fatalf("Decode of truncated entry returned %d values, want 0", len(decoded))
	}
}

func TestDecodeRequestingMoreThanAvailable(t *testing.T) {
	encoded := Encode([]Value{Int32(1)})
	decoded := Decode(encoded, 5)
	if len(decoded) != 1 {
		t.Fatalf("Decode(n=5) over 1-value buffer returned %d, want 1", len(decoded))
	}
}

func TestEncodeTablePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("Encode(TABLE) did not panic")
		}
	}()
	Encode([]Value{{Tag: TagTable}})
}

func TestSignatureValidateFixedArity(t *testing.T) {
	sig, err := ParseSignature("ss", 2)
	if err != nil {
		t.Fatalf("ParseSignature: %v", err)
	}
	if err := sig.Validate([]Value{String("a"), String("b")}); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := sig.Validate([]Value{String("a")}); err == nil {
		t.Fatalf("Validate accepted wrong arity")
	}
	if err := sig.Validate([]Value{String("a"), Int32(1)}); err == nil {
		t.Fatalf("Validate accepted wrong type")
	}
}

func TestSignatureValidateVariadic(t *testing.T) {
	sig, err := ParseSignature("s", -1)
	if err != nil {
		t.Fatalf("ParseSignature: %v", err)
	}
	if !sig.Variadic || sig.MinArgs != 1 {
		t.Fatalf("ParseSignature variadic parse = %+v", sig)
	}
	if err := sig.Validate([]Value{String("a"), String("b"), String("c")}); err != nil {
		t.Fatalf("Validate variadic: %v", err)
	}
	if err := sig.Validate(nil); err == nil {
		t.Fatalf("Validate accepted zero args against MinArgs=1")
	}
}

func TestParseSignatureRejectsUnknownChar(t *testing.T) {
	if _, err := ParseSignature("sx", 2); err == nil {
		t.Fatalf("ParseSignature accepted unknown kind character")
	}
}
