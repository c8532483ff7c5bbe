package eventstream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Headers sets the response headers of a downstream event stream.
func Headers(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// Encoder writes frames downstream, flushing after each one so a frame is on
// the wire before the next upstream unit is read.
type Encoder struct {
	w       io.Writer
	flusher http.Flusher
}

// NewEncoder wraps w. Flushing is skipped when w does not implement http.Flusher.
func NewEncoder(w io.Writer) *Encoder {
	e := &Encoder{w: w}
	if f, ok := w.(http.Flusher); ok {
		e.flusher = f
	}
	return e
}

// Encode writes a single "data: <json>\n\n" frame.
func (e *Encoder) Encode(f Frame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	return e.writeData(payload)
}

// Done writes the terminal sentinel.
func (e *Encoder) Done() error {
	return e.writeData([]byte(Sentinel))
}

func (e *Encoder) writeData(payload []byte) error {
	buf := make([]byte, 0, len(payload)+8)
	buf = append(buf, dataPrefix...)
	buf = append(buf, payload...)
	buf = append(buf, '\n', '\n')
	if _, err := e.w.Write(buf); err != nil {
		return err
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}
