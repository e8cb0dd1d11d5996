package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math/rand"
	"testing"
)

func sampleFrames(t *testing.T) []Frame {
	t.Helper()

	header, err := FileHeaderFrame(FileHeader{Name: "report.pdf", Size: 9000})
	if err != nil {
		t.Fatalf("FileHeaderFrame failed: %v", err)
	}
	return []Frame{
		TextFrame("hello"),
		TextFrame(""),
		header,
		ChunkFrame(bytes.Repeat([]byte{0xAB}, 4096)),
		ChunkFrame([]byte{0x00, 0x01, 0x02}),
		EndFrame(),
		ErrorFrame("peer says no"),
		TextFrame("你好, 世界"),
	}
}

func framesEqual(a, b Frame) bool {
	return a.Kind == b.Kind && bytes.Equal(a.Payload, b.Payload)
}

func TestFrameRoundTrip(t *testing.T) {
	codec := NewCodec(0)
	for _, frame := range sampleFrames(t) {
		raw, err := codec.Encode(frame)
		if err != nil {
			t.Fatalf("Encode %s failed: %v", frame.Kind, err)
		}
		if len(raw) != HeaderSize+frame.Len() {
			t.Fatalf("encoded length = %d, want %d", len(raw), HeaderSize+frame.Len())
		}

		got, rest, err := codec.Decode(raw)
		if err != nil {
			t.Fatalf("Decode %s failed: %v", frame.Kind, err)
		}
		if len(rest) != 0 {
			t.Fatalf("unexpected leftover bytes: %d", len(rest))
		}
		if len(got) != 1 || !framesEqual(got[0], frame) {
			t.Fatalf("round trip mismatch for %s", frame.Kind)
		}
	}
}

func TestEncodeWireLayout(t *testing.T) {
	raw, err := Encode(TextFrame("hi"))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	want := []byte{0x01, 0x00, 0x00, 0x00, 0x02, 'h', 'i'}
	if !bytes.Equal(raw, want) {
		t.Fatalf("wire bytes = %x, want %x", raw, want)
	}
}

func TestDecodeIncompleteFrameIsHeldBack(t *testing.T) {
	raw, err := Encode(TextFrame("partial"))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	for cut := 0; cut < len(raw); cut++ {
		frames, rest, err := Decode(raw[:cut], 0)
		if err != nil {
			t.Fatalf("Decode prefix %d failed: %v", cut, err)
		}
		if len(frames) != 0 {
			t.Fatalf("prefix %d yielded %d frames", cut, len(frames))
		}
		if len(rest) != cut {
			t.Fatalf("prefix %d left %d bytes", cut, len(rest))
		}
	}
}

func TestDecoderFragmentationYieldsOriginalFrames(t *testing.T) {
	frames := sampleFrames(t)
	codec := NewCodec(0)

	var stream []byte
	for _, frame := range frames {
		raw, err := codec.Encode(frame)
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		stream = append(stream, raw...)
	}

	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 200; trial++ {
		decoder := NewDecoder(0)
		var got []Frame
		remaining := stream
		for len(remaining) > 0 {
			n := 1 + rng.Intn(64)
			if trial%10 == 0 {
				n = 1
			}
			if n > len(remaining) {
				n = len(remaining)
			}
			out, err := decoder.Feed(remaining[:n])
			if err != nil {
				t.Fatalf("trial %d: Feed failed: %v", trial, err)
			}
			got = append(got, out...)
			remaining = remaining[n:]
		}

		if decoder.Buffered() != 0 {
			t.Fatalf("trial %d: %d bytes left buffered", trial, decoder.Buffered())
		}
		if len(got) != len(frames) {
			t.Fatalf("trial %d: got %d frames, want %d", trial, len(got), len(frames))
		}
		for i := range frames {
			if !framesEqual(got[i], frames[i]) {
				t.Fatalf("trial %d: frame %d mismatch (%s vs %s)", trial, i, got[i].Kind, frames[i].Kind)
			}
		}
	}
}

func TestDecoderCoalescedFeed(t *testing.T) {
	var stream []byte
	for i := 0; i < 3; i++ {
		raw, err := Encode(TextFrame("msg"))
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		stream = append(stream, raw...)
	}
	stream = append(stream, 0x01, 0x00)

	decoder := NewDecoder(0)
	frames, err := decoder.Feed(stream)
	if err != nil {
		t.Fatalf("Feed failed: %v", err)
	}
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(frames))
	}
	if decoder.Buffered() != 2 {
		t.Fatalf("buffered = %d, want 2", decoder.Buffered())
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	codec := NewCodec(16)
	_, err := codec.Encode(ChunkFrame(make([]byte, 17)))
	if !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("expected ErrProtocolViolation, got %v", err)
	}
}

func TestEncodeRejectsUnknownKind(t *testing.T) {
	_, err := Encode(Frame{Kind: Kind(0x42)})
	if !errors.Is(err, ErrUnknownFrameKind) {
		t.Fatalf("expected ErrUnknownFrameKind, got %v", err)
	}
}

func TestDecoderRejectsOversizedLengthAndStopsConsuming(t *testing.T) {
	good, err := Encode(TextFrame("ok"))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	bad := make([]byte, HeaderSize)
	bad[0] = byte(KindFileChunk)
	binary.BigEndian.PutUint32(bad[1:], 1024)

	decoder := NewDecoder(512)
	frames, err := decoder.Feed(append(append([]byte{}, good...), bad...))
	if !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("expected ErrProtocolViolation, got %v", err)
	}
	if len(frames) != 1 || string(frames[0].Payload) != "ok" {
		t.Fatalf("frames before the bad header should be delivered, got %d", len(frames))
	}

	// A well-formed frame after the violation must not be decoded.
	frames, err = decoder.Feed(good)
	if !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("expected sticky ErrProtocolViolation, got %v", err)
	}
	if len(frames) != 0 {
		t.Fatalf("decoder consumed bytes after violation")
	}
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	raw := []byte{0x09, 0x00, 0x00, 0x00, 0x00}
	_, rest, err := Decode(raw, 0)
	if !errors.Is(err, ErrUnknownFrameKind) {
		t.Fatalf("expected ErrUnknownFrameKind, got %v", err)
	}
	if len(rest) != len(raw) {
		t.Fatalf("rest should start at the offending header")
	}
}

type chunkedWriter struct {
	buf bytes.Buffer
	max int
}

func (w *chunkedWriter) Write(p []byte) (int, error) {
	if len(p) > w.max {
		p = p[:w.max]
	}
	return w.buf.Write(p)
}

func TestWriteFrameRetriesShortWrites(t *testing.T) {
	w := &chunkedWriter{max: 3}
	codec := NewCodec(0)
	if err := codec.WriteFrame(w, TextFrame("short writes")); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	frames, rest, err := codec.Decode(w.buf.Bytes())
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(rest) != 0 || len(frames) != 1 || string(frames[0].Payload) != "short writes" {
		t.Fatalf("unexpected decode result: %d frames, %d rest", len(frames), len(rest))
	}
}
