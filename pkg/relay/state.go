package relay

import (
	"context"
	"errors"
	"strings"

	"versioncoffee/internal/util"
	"versioncoffee/pkg/domain"
)

// State is a step of a turn's relay lifecycle.
type State int

const (
	StateIdle State = iota
	StateRequesting
	StateStreaming
	StateCompleted
	StateFailed
	StateCancelled
)

var stateNames = [...]string{"idle", "requesting", "streaming", "completed", "failed", "cancelled"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

func validTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case StateCancelled:
		return true
	case StateFailed:
		return from == StateRequesting || from == StateStreaming
	}
	switch from {
	case StateIdle:
		return to == StateRequesting
	case StateRequesting:
		return to == StateStreaming
	case StateStreaming:
		return to == StateCompleted
	}
	return false
}

// session is the per-request relay state. It is never shared.
type session struct {
	ctx     context.Context
	mode    Mode
	state   State
	content strings.Builder
	memory  map[string]any
	observe func(from, to State)
}

func newSession(ctx context.Context, mode Mode, observe func(from, to State)) *session {
	return &session{ctx: ctx, mode: mode, state: StateIdle, observe: observe}
}

func (s *session) transition(to State) {
	from := s.state
	if !validTransition(from, to) {
		util.LoggerFromContext(s.ctx).Error("relay_invalid_transition", "mode", s.mode, "from", from.String(), "to", to.String())
		return
	}
	s.state = to
	util.LoggerFromContext(s.ctx).Debug("relay_state", "mode", s.mode, "from", from.String(), "to", to.String())
	if s.observe != nil {
		s.observe(from, to)
	}
}

// fail moves to CANCELLED when the caller's context is done, FAILED otherwise.
// The accumulator is discarded either way.
func (s *session) fail(cause error) error {
	s.content.Reset()
	s.memory = nil
	if s.ctx.Err() != nil || errors.Is(cause, ErrCancelled) {
		s.transition(StateCancelled)
		if errors.Is(cause, ErrCancelled) {
			return cause
		}
		return errors.Join(ErrCancelled, cause)
	}
	s.transition(StateFailed)
	return cause
}

func (s *session) complete() domain.Reply {
	s.transition(StateCompleted)
	return domain.Reply{Role: domain.RoleAssistant, Content: s.content.String(), Memory: s.memory}
}
