package apival

import "encoding/binary"

// Encode serializes values as a concatenation of tagged entries.
// Encode never emits TagTable or TagMiniTilemap (see Value doc); a
// caller that tries to is a programming error caught by a panic, not
// silently swallowed, since it would otherwise produce a message a
// remote decoder cannot interpret.
func Encode(values []Value) []byte {
	var buf []byte
	for _, v := range values {
		buf = appendValue(buf, v)
	}
	return buf
}

func appendValue(buf []byte, v Value) []byte {
	switch v.Tag {
	case TagNil, TagFalse, TagTrue:
		return append(buf, byte(v.Tag))
	case TagInteger:
		buf = append(buf, byte(v.Tag))
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], uint32(v.Int))
		return append(buf, tmp[:]...)
	case TagString, TagJSON:
		buf = append(buf, byte(v.Tag))
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], uint32(len(v.Str)))
		buf = append(buf, tmp[:]...)
		return append(buf, v.Str...)
	default:
		panic("apival: Encode cannot serialize " + v.Tag.String() + ": wire format unspecified (§9 Open Questions)")
	}
}

// Decode parses up to n tagged values from data. Decoding stops as
// soon as either n values have been produced or the buffer is
// exhausted; a truncated final entry is dropped silently rather than
// reported as an error, matching "overruns truncate silently" (§4.2).
func Decode(data []byte, n int) []Value {
	values := make([]Value, 0, maxInt(n, 0))
	off := 0
	for len(values) < n && off < len(data) {
		v, consumed, ok := decodeOne(data[off:])
		if !ok {
			break
		}
		values = append(values, v)
		off += consumed
	}
	return values
}

// decodeOne parses a single tagged entry from the front of data.
// ok is false if data does not contain a complete entry.
func decodeOne(data []byte) (v Value, consumed int, ok bool) {
	if len(data) < 1 {
		return Value{}, 0, false
	}
	tag := Tag(data[0])
	switch tag {
	case TagNil, TagFalse, TagTrue:
		return Value{Tag: tag}, 1, true
	case TagInteger:
		if len(data) < 5 {
			return Value{}, 0, false
		}
		return Value{Tag: tag, Int: int32(binary.LittleEndian.Uint32(data[1:5]))}, 5, true
	case TagString, TagJSON:
		if len(data) < 5 {
			return Value{}, 0, false
		}
		length := int(binary.LittleEndian.Uint32(data[1:5]))
		if length < 0 || len(data) < 5+length {
			return Value{}, 0, false
		}
		s := string(data[5 : 5+length])
		return Value{Tag: tag, Str: s}, 5 + length, true
	case TagTable, TagMiniTilemap:
		// No encoder path populates these (§9 Open Questions); the
		// wire body is unspecified, so there is no safe general way
		// to know how many bytes to skip. Treat the tag byte alone as
		// the entry and let decoding stop naturally if that desyncs
		// the stream, rather than guessing a length and silently
		// corrupting the rest of the sequence.
		return Value{Tag: tag}, 1, true
	default:
		return Value{}, 0, false
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
