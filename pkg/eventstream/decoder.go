package eventstream

import (
	"bytes"
	"errors"
	"io"
	"iter"

	"github.com/tidwall/gjson"
)

const (
	dataPrefix   = "data: "
	readChunk    = 4096
	maxLineBytes = 1 << 20
)

var (
	// ErrUnterminated is returned when the stream ends before the sentinel.
	ErrUnterminated = errors.New("event stream ended before sentinel")
	// ErrLineTooLong is returned when a single line exceeds the buffer limit.
	ErrLineTooLong = errors.New("event stream line too long")
)

// DataLines yields the payload of every "data: " line read from r until the
// sentinel. Lines without the prefix are skipped. The sequence reads r
// lazily and may be ranged over once.
func DataLines(r io.Reader) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		var (
			buf   []byte
			chunk = make([]byte, readChunk)
		)
		// stop reports whether the sentinel was seen or the consumer quit.
		stop := func(line []byte) bool {
			line = bytes.TrimSpace(line)
			if !bytes.HasPrefix(line, []byte(dataPrefix)) {
				return false
			}
			payload := string(bytes.TrimSpace(line[len(dataPrefix):]))
			if payload == Sentinel {
				return true
			}
			return !yield(payload, nil)
		}
		for {
			n, readErr := r.Read(chunk)
			if n > 0 {
				buf = append(buf, chunk[:n]...)
				consumed := false
				for {
					i := bytes.IndexByte(buf, '\n')
					if i < 0 {
						break
					}
					line := buf[:i]
					buf = buf[i+1:]
					consumed = true
					if stop(line) {
						return
					}
				}
				if len(buf) > maxLineBytes {
					yield("", ErrLineTooLong)
					return
				}
				if consumed {
					buf = append([]byte(nil), buf...)
				}
			}
			if readErr == nil {
				continue
			}
			if errors.Is(readErr, io.EOF) {
				if len(buf) > 0 {
					if stop(buf) {
						return
					}
				}
				yield("", ErrUnterminated)
				return
			}
			yield("", readErr)
			return
		}
	}
}

// Frames decodes typed frames from r. Payloads that are not valid JSON are
// skipped, unknown frame types are ignored and an error frame ends the
// sequence with a *FrameError.
func Frames(r io.Reader) iter.Seq2[Frame, error] {
	return func(yield func(Frame, error) bool) {
		for payload, err := range DataLines(r) {
			if err != nil {
				yield(Frame{}, err)
				return
			}
			if !gjson.Valid(payload) {
				continue
			}
			parsed := gjson.Parse(payload)
			content := parsed.Get("content")
			switch FrameType(parsed.Get("type").String()) {
			case FrameTypeToken:
				if !yield(TokenFrame(content.String()), nil) {
					return
				}
			case FrameTypeMemory:
				memory, _ := content.Value().(map[string]any)
				if !yield(MemoryFrame(memory), nil) {
					return
				}
			case FrameTypeError:
				yield(Frame{}, &FrameError{Message: content.String()})
				return
			}
		}
	}
}
