package eventstream

import (
	"encoding/json"
	"errors"
	"fmt"
)

// FrameType is the declared type of a frame payload.
type FrameType string

const (
	FrameTypeToken  FrameType = "token"
	FrameTypeMemory FrameType = "memory"
	FrameTypeError  FrameType = "error"
)

// Sentinel is the payload of the terminal data line.
const Sentinel = "[DONE]"

// Frame is one typed unit of the event stream. Token and error frames carry
// Text; memory frames carry Memory.
type Frame struct {
	Type   FrameType
	Text   string
	Memory map[string]any
}

// TokenFrame builds a token frame.
func TokenFrame(text string) Frame { return Frame{Type: FrameTypeToken, Text: text} }

// MemoryFrame builds a memory frame.
func MemoryFrame(memory map[string]any) Frame { return Frame{Type: FrameTypeMemory, Memory: memory} }

// ErrorFrame builds an error frame.
func ErrorFrame(message string) Frame { return Frame{Type: FrameTypeError, Text: message} }

type wireFrame struct {
	Type    FrameType `json:"type"`
	Content any       `json:"content"`
}

// MarshalJSON encodes the frame as {"type":...,"content":...}.
func (f Frame) MarshalJSON() ([]byte, error) {
	w := wireFrame{Type: f.Type, Content: f.Text}
	if f.Type == FrameTypeMemory {
		memory := f.Memory
		if memory == nil {
			memory = map[string]any{}
		}
		w.Content = memory
	}
	return json.Marshal(w)
}

// ErrUpstreamFrame matches errors produced by decoding an error frame.
var ErrUpstreamFrame = errors.New("upstream error frame")

// FrameError is the decoded content of an error frame.
type FrameError struct {
	Message string
}

func (e *FrameError) Error() string {
	if e.Message == "" {
		return ErrUpstreamFrame.Error()
	}
	return fmt.Sprintf("%s: %s", ErrUpstreamFrame, e.Message)
}

func (e *FrameError) Is(target error) bool { return target == ErrUpstreamFrame }
