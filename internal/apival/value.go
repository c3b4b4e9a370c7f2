// Package apival implements the API-value wire format (C2): the
// variable-length tagged value sequence shared by outbound API calls
// and inbound callback/response payloads.
package apival

import (
	"fmt"
	"strings"
)

// Tag is the one-byte value-type discriminator (§4.2).
type Tag uint8

const (
	TagNil         Tag = 0
	TagFalse       Tag = 1
	TagTrue        Tag = 2
	TagInteger     Tag = 3
	TagString      Tag = 4
	TagJSON        Tag = 5
	TagTable       Tag = 6
	TagMiniTilemap Tag = 7
)

func (t Tag) String() string {
	switch t {
	case TagNil:
		return "NIL"
	case TagFalse:
		return "FALSE"
	case TagTrue:
		return "TRUE"
	case TagInteger:
		return "INTEGER"
	case TagString:
		return "STRING"
	case TagJSON:
		return "JSON"
	case TagTable:
		return "TABLE"
	case TagMiniTilemap:
		return "MINI_TILEMAP"
	default:
		return fmt.Sprintf("TAG(%d)", uint8(t))
	}
}

// Value is one decoded/encodable entry of an API-value sequence.
//
// TABLE and MINI_TILEMAP have no documented wire body (§9 Open
// Questions: "no encoder path populates [TABLE]; the format of a
// serialized table is unspecified"). Decode accepts them defensively
// (see decodeOne: the tag byte alone, with no payload captured) but
// Encode refuses to emit them — this implementation does not invent a
// format the spec leaves undefined.
type Value struct {
	Tag Tag
	Int int32
	Str string // payload for TagString and TagJSON
}

// Nil returns the NIL value.
func Nil() Value { return Value{Tag: TagNil} }

// Bool returns TRUE or FALSE.
func Bool(b bool) Value {
	if b {
		return Value{Tag: TagTrue}
	}
	return Value{Tag: TagFalse}
}

// Int32 returns an INTEGER value.
func Int32(v int32) Value { return Value{Tag: TagInteger, Int: v} }

// String returns a STRING value.
func String(s string) Value { return Value{Tag: TagString, Str: s} }

// JSON returns a JSON value carrying the given already-serialized
// UTF-8 text verbatim. Validating that text is well-formed JSON is
// the job of the out-of-scope JSON decoder collaborator (§1); this
// package only moves the bytes.
func JSON(s string) Value { return Value{Tag: TagJSON, Str: s} }

// IsTruthy reports the value's boolean sense at the wire level: NIL
// and FALSE are falsy, everything else is truthy. Script-level
// truthiness (e.g. whether an empty string or integer zero is falsy)
// is a property of the embedded runtime, not of this wire format.
func (v Value) IsTruthy() bool {
	return v.Tag != TagNil && v.Tag != TagFalse
}

// Display renders v the way a diagnostic print line does: the STRING
// and JSON payload verbatim, everything else by its wire tag name.
func (v Value) Display() string {
	switch v.Tag {
	case TagString, TagJSON:
		return v.Str
	case TagInteger:
		return fmt.Sprintf("%d", v.Int)
	case TagTrue:
		return "true"
	case TagFalse:
		return "false"
	case TagNil:
		return "nil"
	default:
		return v.Tag.String()
	}
}

// JoinStrings renders a sequence of values the way a print(...) call
// with multiple arguments does: each Display()ed and space-joined.
func JoinStrings(values []Value) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = v.Display()
	}
	return strings.Join(parts, " ")
}
