package wsserver

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// encodeClientFrame builds a masked client-to-server frame, the inverse
// of decodeClientFrame, for feeding test input into MessageParser.
func encodeClientFrame(fin bool, op OpCode, payload []byte, maskKey [4]byte) []byte {
	n := len(payload)
	headerLen := 2
	switch {
	case n > 65535:
		headerLen = 10
	case n > 125:
		headerLen = 4
	}

	buf := make([]byte, headerLen+4+n)
	buf[0] = byte(op) & 0x0F
	if fin {
		buf[0] |= 0x80
	}

	pos := 2
	switch {
	case n <= 125:
		buf[1] = 0x80 | byte(n)
	case n <= 65535:
		buf[1] = 0x80 | 126
		binary.BigEndian.PutUint16(buf[2:4], uint16(n))
		pos = 4
	default:
		buf[1] = 0x80 | 127
		binary.BigEndian.PutUint64(buf[2:10], uint64(n))
		pos = 10
	}

	copy(buf[pos:pos+4], maskKey[:])
	pos += 4
	masked := make([]byte, n)
	for i, b := range payload {
		masked[i] = b ^ maskKey[i%4]
	}
	copy(buf[pos:], masked)
	return buf
}

func TestMessageParserTextRoundTrip(t *testing.T) {
	p := &MessageParser{}
	frame := encodeClientFrame(true, OpText, []byte("hello"), [4]byte{1, 2, 3, 4})
	if err := p.Parse(frame); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if p.Empty() {
		t.Fatalf("expected a decoded message")
	}
	msg := p.Front()
	p.Pop()
	if msg.Type != MessageText {
		t.Fatalf("Type = %v, want MessageText", msg.Type)
	}
	if string(msg.Payload) != "hello" {
		t.Fatalf("Payload = %q, want %q", msg.Payload, "hello")
	}
	if !p.Empty() {
		t.Fatalf("queue should be empty after Pop")
	}
}

func TestMessageParserFragmentedBinary(t *testing.T) {
	p := &MessageParser{}
	key := [4]byte{9, 8, 7, 6}
	part1 := encodeClientFrame(false, OpBinary, []byte("ab"), key)
	part2 := encodeClientFrame(true, OpContinuation, []byte("cd"), key)

	if err := p.Parse(part1); err != nil {
		t.Fatalf("Parse part1: %v", err)
	}
	if !p.Empty() {
		t.Fatalf("fragment without Fin should not complete a message")
	}
	if err := p.Parse(part2); err != nil {
		t.Fatalf("Parse part2: %v", err)
	}
	if p.Empty() {
		t.Fatalf("expected the reassembled message")
	}
	msg := p.Front()
	if msg.Type != MessageBinary {
		t.Fatalf("Type = %v, want MessageBinary", msg.Type)
	}
	if string(msg.Payload) != "abcd" {
		t.Fatalf("Payload = %q, want %q", msg.Payload, "abcd")
	}
}

func TestMessageParserSplitAcrossCalls(t *testing.T) {
	p := &MessageParser{}
	frame := encodeClientFrame(true, OpText, []byte("split"), [4]byte{1, 1, 1, 1})
	if err := p.Parse(frame[:3]); err != nil {
		t.Fatalf("Parse partial: %v", err)
	}
	if !p.Empty() {
		t.Fatalf("an incomplete frame must not produce a message")
	}
	if err := p.Parse(frame[3:]); err != nil {
		t.Fatalf("Parse rest: %v", err)
	}
	if p.Empty() {
		t.Fatalf("expected a message once the frame completes")
	}
	if string(p.Front().Payload) != "split" {
		t.Fatalf("Payload = %q, want %q", p.Front().Payload, "split")
	}
}

func TestMessageParserUnmaskedFrameRejected(t *testing.T) {
	p := &MessageParser{}
	wire := Frame{Fin: true, OpCode: OpText, Payload: []byte("x")}.ToWire()
	if err := p.Parse(wire); err != ErrProtocolViolation {
		t.Fatalf("err = %v, want ErrProtocolViolation", err)
	}
}

func TestMessageParserOversizedControlFrameRejected(t *testing.T) {
	p := &MessageParser{}
	oversized := bytes.Repeat([]byte{'z'}, 126)
	frame := encodeClientFrame(true, OpPing, oversized, [4]byte{1, 2, 3, 4})
	if err := p.Parse(frame); err != ErrProtocolViolation {
		t.Fatalf("err = %v, want ErrProtocolViolation", err)
	}
}

func TestMessageParserCloseAndPing(t *testing.T) {
	p := &MessageParser{}
	key := [4]byte{4, 3, 2, 1}
	if err := p.Parse(encodeClientFrame(true, OpClose, []byte("bye"), key)); err != nil {
		t.Fatalf("Parse close: %v", err)
	}
	if err := p.Parse(encodeClientFrame(true, OpPing, []byte("ping"), key)); err != nil {
		t.Fatalf("Parse ping: %v", err)
	}
	if p.Front().Type != MessageClose || string(p.Front().Payload) != "bye" {
		t.Fatalf("first message = %+v, want Close/bye", p.Front())
	}
	p.Pop()
	if p.Front().Type != MessagePing || string(p.Front().Payload) != "ping" {
		t.Fatalf("second message = %+v, want Ping/ping", p.Front())
	}
}

func TestMessageParserInterleavedContinuationRejected(t *testing.T) {
	p := &MessageParser{}
	key := [4]byte{1, 2, 3, 4}
	if err := p.Parse(encodeClientFrame(false, OpBinary, []byte("a"), key)); err != nil {
		t.Fatalf("Parse start: %v", err)
	}
	// A second data frame before the first fragment's continuation
	// completes is a protocol violation.
	if err := p.Parse(encodeClientFrame(true, OpText, []byte("b"), key)); err != ErrProtocolViolation {
		t.Fatalf("err = %v, want ErrProtocolViolation", err)
	}
}
