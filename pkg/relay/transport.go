package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"versioncoffee/pkg/domain"
	"versioncoffee/pkg/eventstream"
)

// transport is the per-mode wire shape of the upstream call.
type transport interface {
	request(ctx context.Context, turns []domain.Turn, stream bool) (*http.Request, error)
	// frames yields token and memory units until the end-of-stream sentinel.
	frames(body io.Reader) iter.Seq2[eventstream.Frame, error]
	decodeReply(body []byte) (domain.Reply, error)
	healthRequest(ctx context.Context) (*http.Request, error)
}

func jsonRequest(ctx context.Context, url string, payload any) (*http.Request, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// proxyTransport speaks to the agents service.
type proxyTransport struct {
	baseURL string
}

type proxyChatRequest struct {
	Messages []domain.Turn `json:"messages"`
}

func (t *proxyTransport) request(ctx context.Context, turns []domain.Turn, stream bool) (*http.Request, error) {
	url := t.baseURL + "/chat"
	if stream {
		url += "/stream"
	}
	req, err := jsonRequest(ctx, url, proxyChatRequest{Messages: turns})
	if err != nil {
		return nil, err
	}
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	return req, nil
}

func (t *proxyTransport) frames(body io.Reader) iter.Seq2[eventstream.Frame, error] {
	return eventstream.Frames(body)
}

func (t *proxyTransport) decodeReply(body []byte) (domain.Reply, error) {
	var reply domain.Reply
	if err := json.Unmarshal(body, &reply); err != nil {
		return domain.Reply{}, fmt.Errorf("decode agents reply: %w", err)
	}
	if reply.Role != "" && reply.Role != domain.RoleAssistant {
		return domain.Reply{}, fmt.Errorf("unexpected reply role %q", reply.Role)
	}
	reply.Role = domain.RoleAssistant
	return reply, nil
}

func (t *proxyTransport) healthRequest(ctx context.Context) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/health", nil)
}

// directTransport speaks the OpenAI chat completions protocol.
type directTransport struct {
	baseURL string
	apiKey  string
	model   string
}

type directChatRequest struct {
	Model    string        `json:"model"`
	Messages []domain.Turn `json:"messages"`
	Stream   bool          `json:"stream,omitempty"`
}

var errEmptyCompletion = errors.New("empty completion")

func (t *directTransport) request(ctx context.Context, turns []domain.Turn, stream bool) (*http.Request, error) {
	req, err := jsonRequest(ctx, t.baseURL+"/chat/completions", directChatRequest{
		Model:    t.model,
		Messages: turns,
		Stream:   stream,
	})
	if err != nil {
		return nil, err
	}
	t.authorize(req)
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	return req, nil
}

func (t *directTransport) authorize(req *http.Request) {
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}
}

// frames maps provider chunks to token frames. Each non-empty
// choices[0].delta.content is one unit; an inline error object fails the stream.
func (t *directTransport) frames(body io.Reader) iter.Seq2[eventstream.Frame, error] {
	return func(yield func(eventstream.Frame, error) bool) {
		for payload, err := range eventstream.DataLines(body) {
			if err != nil {
				yield(eventstream.Frame{}, err)
				return
			}
			if !gjson.Valid(payload) {
				continue
			}
			chunk := gjson.Parse(payload)
			if msg, ok := inlineError(chunk); ok {
				yield(eventstream.Frame{}, &eventstream.FrameError{Message: msg})
				return
			}
			delta := chunk.Get("choices.0.delta.content").String()
			if delta == "" {
				continue
			}
			if !yield(eventstream.TokenFrame(delta), nil) {
				return
			}
		}
	}
}

// inlineError reports an error object or message carried by a chunk.
// Some compatible providers send "error":null next to normal deltas.
func inlineError(chunk gjson.Result) (string, bool) {
	e := chunk.Get("error")
	switch {
	case e.IsObject():
		if msg := e.Get("message").String(); msg != "" {
			return msg, true
		}
		return e.Raw, true
	case e.Type == gjson.String && e.String() != "":
		return e.String(), true
	default:
		return "", false
	}
}

func (t *directTransport) decodeReply(body []byte) (domain.Reply, error) {
	if !gjson.ValidBytes(body) {
		return domain.Reply{}, errors.New("decode completion: invalid json")
	}
	content := gjson.GetBytes(body, "choices.0.message.content")
	if !content.Exists() || strings.TrimSpace(content.String()) == "" {
		return domain.Reply{}, errEmptyCompletion
	}
	return domain.Reply{Role: domain.RoleAssistant, Content: content.String()}, nil
}

func (t *directTransport) healthRequest(ctx context.Context) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/models", nil)
	if err != nil {
		return nil, err
	}
	t.authorize(req)
	return req, nil
}
