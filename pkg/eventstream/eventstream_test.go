package eventstream

import (
	"bytes"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

// chunkReader returns one chunk per Read call.
type chunkReader struct {
	chunks []string
	err    error
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	r.chunks[0] = r.chunks[0][n:]
	if r.chunks[0] == "" {
		r.chunks = r.chunks[1:]
	}
	return n, nil
}

func collect(t *testing.T, r io.Reader) ([]Frame, error) {
	t.Helper()
	var frames []Frame
	for f, err := range Frames(r) {
		if err != nil {
			return frames, err
		}
		frames = append(frames, f)
	}
	return frames, nil
}

func TestFramesAcrossArbitraryChunkBoundaries(t *testing.T) {
	r := &chunkReader{chunks: []string{
		`data: {"type":"tok`,
		`en","content":"Hel"}` + "\n\n" + `data: {"type":"token","con`,
		`tent":"lo!"}` + "\n",
		"\ndata: [DO",
		"NE]\n\n",
	}}
	frames, err := collect(t, r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(frames) != 2 || frames[0].Text != "Hel" || frames[1].Text != "lo!" {
		t.Fatalf("unexpected frames: %+v", frames)
	}
}

func TestFramesSkipNoiseAndUnknownTypes(t *testing.T) {
	body := strings.Join([]string{
		": keep-alive",
		"event: ping",
		`data: {"type":"token","content":"a"`,
		`data: {"type":"progress","content":"50%"}`,
		`data: {"type":"memory","content":{"agent":"order_taking_agent","step":2}}`,
		`data: {"type":"token","content":"b"}`,
		"data: [DONE]",
		`data: {"type":"token","content":"after sentinel"}`,
	}, "\n")
	frames, err := collect(t, strings.NewReader(body))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("expected memory and token frames, got %+v", frames)
	}
	if frames[0].Type != FrameTypeMemory || frames[0].Memory["agent"] != "order_taking_agent" {
		t.Fatalf("unexpected memory frame: %+v", frames[0])
	}
	if frames[1].Type != FrameTypeToken || frames[1].Text != "b" {
		t.Fatalf("unexpected token frame: %+v", frames[1])
	}
}

func TestFramesErrorFrameEndsSequence(t *testing.T) {
	body := "data: {\"type\":\"token\",\"content\":\"x\"}\n\ndata: {\"type\":\"error\",\"content\":\"boom\"}\n\ndata: {\"type\":\"token\",\"content\":\"y\"}\n\n"
	frames, err := collect(t, strings.NewReader(body))
	if !errors.Is(err, ErrUpstreamFrame) {
		t.Fatalf("expected ErrUpstreamFrame, got %v", err)
	}
	var fe *FrameError
	if !errors.As(err, &fe) || fe.Message != "boom" {
		t.Fatalf("expected frame error message, got %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("expected one frame before the error, got %d", len(frames))
	}
}

func TestEncodedErrorFrameDecodesAsFrameError(t *testing.T) {
	var buf strings.Builder
	enc := NewEncoder(&buf)
	if err := enc.Encode(ErrorFrame("upstream request failed")); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if ErrorFrame("x").Type != FrameTypeError {
		t.Fatalf("error frame has type %q", ErrorFrame("x").Type)
	}
	_, err := collect(t, strings.NewReader(buf.String()))
	var fe *FrameError
	if !errors.As(err, &fe) || fe.Message != "upstream request failed" {
		t.Fatalf("expected *FrameError from encoded error frame, got %v", err)
	}
}

func TestFramesWithoutSentinelIsUnterminated(t *testing.T) {
	_, err := collect(t, strings.NewReader("data: {\"type\":\"token\",\"content\":\"x\"}\n\n"))
	if !errors.Is(err, ErrUnterminated) {
		t.Fatalf("expected ErrUnterminated, got %v", err)
	}
}

func TestFramesSentinelWithoutTrailingNewline(t *testing.T) {
	frames, err := collect(t, strings.NewReader("data: {\"type\":\"token\",\"content\":\"x\"}\n\ndata: [DONE]"))
	if err != nil || len(frames) != 1 {
		t.Fatalf("unexpected result: frames=%+v err=%v", frames, err)
	}
}

func TestFramesPropagateReadError(t *testing.T) {
	readErr := errors.New("connection reset")
	_, err := collect(t, &chunkReader{chunks: []string{"data: {\"type\":\"token\",\"content\":\"x\"}\n"}, err: readErr})
	if !errors.Is(err, readErr) {
		t.Fatalf("expected read error, got %v", err)
	}
}

func TestFramesStopWhenConsumerBreaks(t *testing.T) {
	r := &chunkReader{chunks: []string{
		"data: {\"type\":\"token\",\"content\":\"1\"}\n",
		"data: {\"type\":\"token\",\"content\":\"2\"}\n",
	}}
	for f, err := range Frames(r) {
		if err != nil || f.Text != "1" {
			t.Fatalf("unexpected first frame: %+v %v", f, err)
		}
		break
	}
	if len(r.chunks) != 1 {
		t.Fatalf("decoder must not read past the consumer, remaining=%d", len(r.chunks))
	}
}

func TestDataLinesRejectsOversizedLine(t *testing.T) {
	r := strings.NewReader("data: " + strings.Repeat("x", maxLineBytes+1))
	for _, err := range DataLines(r) {
		if !errors.Is(err, ErrLineTooLong) {
			t.Fatalf("expected ErrLineTooLong, got %v", err)
		}
		return
	}
	t.Fatalf("expected an error")
}

func TestEncoderWritesFramesAndFlushes(t *testing.T) {
	rec := httptest.NewRecorder()
	enc := NewEncoder(rec)
	if err := enc.Encode(TokenFrame("Hel")); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !rec.Flushed {
		t.Fatalf("expected flush after frame")
	}
	if err := enc.Encode(MemoryFrame(nil)); err != nil {
		t.Fatalf("encode memory: %v", err)
	}
	if err := enc.Encode(ErrorFrame("upstream request failed")); err != nil {
		t.Fatalf("encode error: %v", err)
	}
	if err := enc.Done(); err != nil {
		t.Fatalf("done: %v", err)
	}
	want := "data: {\"type\":\"token\",\"content\":\"Hel\"}\n\n" +
		"data: {\"type\":\"memory\",\"content\":{}}\n\n" +
		"data: {\"type\":\"error\",\"content\":\"upstream request failed\"}\n\n" +
		"data: [DONE]\n\n"
	if got := rec.Body.String(); got != want {
		t.Fatalf("unexpected wire output:\n%q\nwant\n%q", got, want)
	}
}

func TestEncoderOutputRoundTripsThroughDecoder(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	_ = enc.Encode(TokenFrame("line\nbreak"))
	_ = enc.Done()
	frames, err := collect(t, &buf)
	if err != nil || len(frames) != 1 || frames[0].Text != "line\nbreak" {
		t.Fatalf("unexpected decode: %+v %v", frames, err)
	}
}

func TestHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	Headers(rec.Header())
	if rec.Header().Get("Content-Type") != "text/event-stream" || rec.Header().Get("X-Accel-Buffering") != "no" {
		t.Fatalf("unexpected headers: %v", rec.Header())
	}
}
