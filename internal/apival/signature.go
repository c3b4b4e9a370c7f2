package apival

import "fmt"

// ParamKind is one character of an API call's argument signature
// (§4.2): {E=entity, b=bool, s=string, n=number, i=integer,
// I=integer-or-string, t=table, F=optional function, f=function,
// $=stringifiable}.
type ParamKind byte

const (
	KindEntity           ParamKind = 'E'
	KindBool             ParamKind = 'b'
	KindString           ParamKind = 's'
	KindNumber           ParamKind = 'n'
	KindInteger          ParamKind = 'i'
	KindIntegerOrString  ParamKind = 'I'
	KindTable            ParamKind = 't'
	KindOptionalFunction ParamKind = 'F'
	KindFunction         ParamKind = 'f'
	KindStringifiable    ParamKind = '$'
)

func validKind(k byte) bool {
	switch ParamKind(k) {
	case KindEntity, KindBool, KindString, KindNumber, KindInteger,
		KindIntegerOrString, KindTable, KindOptionalFunction, KindFunction, KindStringifiable:
		return true
	default:
		return false
	}
}

// Signature describes the expected arguments of one API call.
type Signature struct {
	Params   []ParamKind
	Variadic bool // true when the declared parameter count was negative
	MinArgs  int  // |declared count|
}

// ParseSignature builds a Signature from the call's per-character
// parameter string and its declared parameter count. A negative count
// means "at least |count|" (§4.2); Params is expected to describe the
// first |count| parameters, with the last one reused for any
// additional variadic arguments.
func ParseSignature(params string, declaredCount int) (Signature, error) {
	for i := 0; i < len(params); i++ {
		if !validKind(params[i]) {
			return Signature{}, fmt.Errorf("apival: invalid argument-signature character %q at position %d", params[i], i)
		}
	}

	sig := Signature{Params: make([]ParamKind, len(params))}
	for i := 0; i < len(params); i++ {
		sig.Params[i] = ParamKind(params[i])
	}

	if declaredCount < 0 {
		sig.Variadic = true
		sig.MinArgs = -declaredCount
	} else {
		sig.MinArgs = declaredCount
	}
	return sig, nil
}

// Validate checks args against the signature: argument count against
// MinArgs/Variadic, and each argument's wire tag against the expected
// kind at that position (variadic overflow reuses the last declared
// kind, per ParseSignature's doc comment).
func (s Signature) Validate(args []Value) error {
	if s.Variadic {
		if len(args) < s.MinArgs {
			return fmt.Errorf("apival: expected at least %d arguments, got %d", s.MinArgs, len(args))
		}
	} else if len(args) != s.MinArgs {
		return fmt.Errorf("apival: expected exactly %d arguments, got %d", s.MinArgs, len(args))
	}

	for i, arg := range args {
		kind := s.kindAt(i)
		if kind == 0 {
			continue // no declared kind to check against (e.g. MinArgs == 0)
		}
		if err := checkKind(kind, arg); err != nil {
			return fmt.Errorf("apival: argument %d: %w", i, err)
		}
	}
	return nil
}

func (s Signature) kindAt(i int) ParamKind {
	if len(s.Params) == 0 {
		return 0
	}
	if i < len(s.Params) {
		return s.Params[i]
	}
	return s.Params[len(s.Params)-1]
}

func checkKind(kind ParamKind, v Value) error {
	switch kind {
	case KindBool:
		if v.Tag != TagTrue && v.Tag != TagFalse {
			return fmt.Errorf("expected bool, got %s", v.Tag)
		}
	case KindString:
		if v.Tag != TagString {
			return fmt.Errorf("expected string, got %s", v.Tag)
		}
	case KindInteger:
		if v.Tag != TagInteger {
			return fmt.Errorf("expected integer, got %s", v.Tag)
		}
	case KindIntegerOrString:
		if v.Tag != TagInteger && v.Tag != TagString {
			return fmt.Errorf("expected integer or string, got %s", v.Tag)
		}
	case KindNumber:
		if v.Tag != TagInteger {
			return fmt.Errorf("expected number, got %s", v.Tag)
		}
	case KindEntity:
		if v.Tag != TagInteger {
			return fmt.Errorf("expected entity id, got %s", v.Tag)
		}
	case KindTable:
		if v.Tag != TagTable {
			return fmt.Errorf("expected table, got %s", v.Tag)
		}
	case KindStringifiable:
		// Any tag can be stringified; nothing to reject.
	case KindFunction:
		// Functions are represented on the interpreter side, not on
		// the wire (§1: value representation is an external
		// collaborator) — this signature position is validated by
		// the interpreter binding before a value ever reaches here.
	case KindOptionalFunction:
		// Same as KindFunction, plus absence is allowed; absence is
		// expressed by the caller simply not supplying the argument,
		// which the count check above already handles.
	}
	return nil
}
