package wire

import (
	"bytes"
	"io"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	cases := []Message{
		{Type: Ping, UserID: 7, EntityID: 0, OtherID: 42, Status: 9},
		{Type: RunCode, UserID: 1, EntityID: 5, OtherID: 0, Status: 0, Data: []byte("tt.sleep(100)")},
		{Type: APICall, UserID: -3, EntityID: -1, OtherID: 1, Status: 2},
		{Type: ScriptError, UserID: 1, EntityID: 5, Data: []byte("boom\nat line 1")},
	}

	for i, want := range cases {
		buf, err := Encode(want)
		if err != nil {
			t.Fatalf("case %d: Encode: %v", i, err)
		}
		got, err := ReadMessage(bytes.NewReader(buf))
		if err != nil {
			t.Fatalf("case %d: ReadMessage: %v", i, err)
		}
		if got.Type != want.Type || got.UserID != want.UserID || got.EntityID != want.EntityID ||
			got.OtherID != want.OtherID || got.Status != want.Status || !bytes.Equal(got.Data, want.Data) {
			t.Fatalf("case %d: round trip mismatch: got %+v, want %+v", i, got, want)
		}
	}
}

func TestReadMessageCleanEOF(t *testing.T) {
	_, err := ReadMessage(bytes.NewReader(nil))
	if err != io.EOF {
		t.Fatalf("ReadMessage on empty stream = %v, want io.EOF", err)
	}
}

func TestReadMessageShortHeader(t *testing.T) {
	_, err := ReadMessage(bytes.NewReader([]byte{1, 2, 3}))
	if err == nil {
		t.Fatalf("ReadMessage with truncated header succeeded, want ErrShortRead")
	}
}

func TestReadMessageShortPayload(t *testing.T) {
	buf, err := Encode(Message{Type: RunCode, Data: []byte("hello world")})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	truncated := buf[:HeaderSize+3]
	_, err = ReadMessage(bytes.NewReader(truncated))
	if err == nil {
		t.Fatalf("ReadMessage with truncated payload succeeded, want ErrShortRead")
	}
}

func TestEncodeDataTooLarge(t *testing.T) {
	_, err := Encode(Message{Data: make([]byte, MaxDataLen+1)})
	if err != ErrDataTooLarge {
		t.Fatalf("Encode with oversized payload = %v, want ErrDataTooLarge", err)
	}
}

func TestWriterSerializesConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	const n = 50
	done := make(chan error, n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			done <- w.WriteMessage(Message{Type: Pong, OtherID: int32(i), Status: 1})
		}()
	}
	for i := 0; i < n; i++ {
		if err := <-done; err != nil {
			t.Fatalf("WriteMessage: %v", err)
		}
	}

	r := bytes.NewReader(buf.Bytes())
	seen := make(map[int32]bool)
	for i := 0; i < n; i++ {
		msg, err := ReadMessage(r)
		if err != nil {
			t.Fatalf("ReadMessage %d: %v", i, err)
		}
		if msg.Type != Pong {
			t.Fatalf("interleaved write detected: message %d has type %v", i, msg.Type)
		}
		seen[msg.OtherID] = true
	}
	if len(seen) != n {
		t.Fatalf("got %d distinct messages, want %d", len(seen), n)
	}
}
