package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"versioncoffee/pkg/domain"
	"versioncoffee/pkg/eventstream"
)

// Mode selects the upstream wire protocol.
type Mode string

const (
	// ModeProxy talks to the agents service (/chat, /chat/stream).
	ModeProxy Mode = "proxy"
	// ModeDirect talks to an OpenAI-compatible /chat/completions endpoint.
	ModeDirect Mode = "direct"
)

// ParseMode validates a configured mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeProxy, "":
		return ModeProxy, nil
	case ModeDirect:
		return ModeDirect, nil
	}
	return "", fmt.Errorf("unknown relay mode %q", s)
}

const (
	defaultModel                 = "gpt-4o-mini"
	defaultResponseHeaderTimeout = 30 * time.Second
	defaultSyncTimeout           = 120 * time.Second
	maxBodyBytes                 = 4 << 20
	maxErrorBodyBytes            = 4 << 10
)

// Config configures a Relay.
type Config struct {
	BaseURL string
	Mode    Mode
	// Model and APIKey are only sent in direct mode.
	Model  string
	APIKey string
	// ResponseHeaderTimeout bounds the wait for upstream headers. Streams
	// themselves have no overall deadline.
	ResponseHeaderTimeout time.Duration
	// SyncTimeout bounds a whole non-streaming call.
	SyncTimeout time.Duration
	HTTPClient  *http.Client
	// OnTransition observes every state change.
	OnTransition func(from, to State)
}

// Relay forwards a conversation to the completion provider.
type Relay struct {
	baseURL     string
	mode        Mode
	transport   transport
	client      *http.Client
	syncTimeout time.Duration
	observe     func(from, to State)
}

// New validates cfg and builds a Relay.
func New(cfg Config) (*Relay, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("relay base url required")
	}
	mode, err := ParseMode(string(cfg.Mode))
	if err != nil {
		return nil, err
	}
	var tr transport
	switch mode {
	case ModeDirect:
		model := strings.TrimSpace(cfg.Model)
		if model == "" {
			model = defaultModel
		}
		tr = &directTransport{baseURL: baseURL, apiKey: strings.TrimSpace(cfg.APIKey), model: model}
	default:
		tr = &proxyTransport{baseURL: baseURL}
	}
	client := cfg.HTTPClient
	if client == nil {
		headerTimeout := cfg.ResponseHeaderTimeout
		if headerTimeout <= 0 {
			headerTimeout = defaultResponseHeaderTimeout
		}
		client = &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: headerTimeout,
		}}
	}
	syncTimeout := cfg.SyncTimeout
	if syncTimeout <= 0 {
		syncTimeout = defaultSyncTimeout
	}
	return &Relay{
		baseURL:     baseURL,
		mode:        mode,
		transport:   tr,
		client:      client,
		syncTimeout: syncTimeout,
		observe:     cfg.OnTransition,
	}, nil
}

// Mode reports the configured transport mode.
func (r *Relay) Mode() Mode { return r.mode }

// Complete runs a non-streaming turn: the whole body is the single unit.
func (r *Relay) Complete(ctx context.Context, turns []domain.Turn) (domain.Reply, error) {
	s := newSession(ctx, r.mode, r.observe)
	callCtx, cancel := context.WithTimeout(ctx, r.syncTimeout)
	defer cancel()

	resp, err := r.open(callCtx, s, turns, false)
	if err != nil {
		return domain.Reply{}, err
	}
	defer resp.Body.Close()

	s.transition(StateStreaming)
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return domain.Reply{}, s.fail(&Error{Kind: ErrMidStreamFailure, Err: err})
	}
	reply, err := r.transport.decodeReply(body)
	if err != nil {
		return domain.Reply{}, s.fail(&Error{Kind: ErrMidStreamFailure, Err: err})
	}
	s.content.WriteString(reply.Content)
	s.memory = reply.Memory
	return s.complete(), nil
}

// Stream runs a streaming turn. Every token and memory unit is passed to emit
// before the next one is read; a failing emit means the downstream is gone
// and cancels the turn. The returned reply holds the concatenated tokens and
// is only valid when err is nil.
func (r *Relay) Stream(ctx context.Context, turns []domain.Turn, emit func(eventstream.Frame) error) (domain.Reply, error) {
	s := newSession(ctx, r.mode, r.observe)
	resp, err := r.open(ctx, s, turns, true)
	if err != nil {
		return domain.Reply{}, err
	}
	// Closing the body aborts the upstream read on every exit path.
	defer resp.Body.Close()

	s.transition(StateStreaming)
	for frame, err := range r.transport.frames(resp.Body) {
		if err != nil {
			return domain.Reply{}, s.fail(&Error{Kind: ErrMidStreamFailure, Err: err})
		}
		switch frame.Type {
		case eventstream.FrameTypeToken:
			s.content.WriteString(frame.Text)
		case eventstream.FrameTypeMemory:
			s.memory = frame.Memory
		default:
			continue
		}
		if err := emit(frame); err != nil {
			return domain.Reply{}, s.fail(fmt.Errorf("%w: downstream write: %w", ErrCancelled, err))
		}
	}
	return s.complete(), nil
}

// Ping checks that the upstream answers its health endpoint.
func (r *Relay) Ping(ctx context.Context) error {
	req, err := r.transport.healthRequest(ctx)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return &Error{Kind: ErrConnectFailed, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodyBytes))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Error{Kind: ErrNonSuccessStatus, Status: resp.StatusCode}
	}
	return nil
}

// open moves the session through REQUESTING and returns a 2xx response.
func (r *Relay) open(ctx context.Context, s *session, turns []domain.Turn, stream bool) (*http.Response, error) {
	s.transition(StateRequesting)
	req, err := r.transport.request(ctx, turns, stream)
	if err != nil {
		return nil, s.fail(&Error{Kind: ErrConnectFailed, Err: err})
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, s.fail(&Error{Kind: ErrConnectFailed, Err: err})
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, s.fail(&Error{
			Kind:    ErrNonSuccessStatus,
			Status:  resp.StatusCode,
			Message: errorMessage(resp.Body),
		})
	}
	return resp, nil
}

// errorMessage extracts {"error":"..."}, {"error":{"message":"..."}},
// {"detail":"..."} or {"message":"..."} from an error body.
func errorMessage(body io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(body, maxErrorBodyBytes))
	var payload struct {
		Error   json.RawMessage `json:"error"`
		Detail  string          `json:"detail"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return ""
	}
	if len(payload.Error) > 0 {
		var s string
		if json.Unmarshal(payload.Error, &s) == nil && s != "" {
			return s
		}
		var obj struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(payload.Error, &obj) == nil && obj.Message != "" {
			return obj.Message
		}
	}
	if payload.Detail != "" {
		return payload.Detail
	}
	return payload.Message
}
