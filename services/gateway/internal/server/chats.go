package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"versioncoffee/internal/util"
	"versioncoffee/pkg/domain"
	"versioncoffee/pkg/eventstream"
	"versioncoffee/pkg/relay"
	"versioncoffee/services/gateway/internal/app"
)

// chatRequest accepts the conversation form and the legacy single message.
type chatRequest struct {
	Messages []domain.Turn `json:"messages"`
	Message  string        `json:"message"`
}

func (s *Server) handleChats(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodGet:
		chats, err := s.app.History(r.Context(), user)
		if err != nil {
			util.LoggerFromContext(r.Context()).Error("list_chats_failed", "user_id", user.ID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		if chats == nil {
			chats = []domain.ChatMessage{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"chats": chats})
	case http.MethodDelete:
		if err := s.app.ClearHistory(r.Context(), user); err != nil {
			util.LoggerFromContext(r.Context()).Error("clear_chats_failed", "user_id", user.ID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "Chats deleted successfully"})
	case http.MethodPost:
		s.handleChatSync(w, r, user)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleChatSync(w http.ResponseWriter, r *http.Request, user domain.User) {
	question, ok := s.readTurn(w, r, user)
	if !ok {
		return
	}
	clearWriteDeadline(w)
	reply, err := s.app.Chat(r.Context(), user, question)
	if err != nil {
		writeChatError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	question, ok := s.readTurn(w, r, user)
	if !ok {
		return
	}
	clearWriteDeadline(w)

	stream := &sseResponse{w: w}
	_, err := s.app.StreamChat(r.Context(), user, question, stream.emit)
	if err != nil {
		stream.fail(r, err)
		return
	}
	stream.start()
	if err := stream.enc.Done(); err != nil {
		util.LoggerFromContext(r.Context()).Info("stream_done_undelivered", "user_id", user.ID, "err", err)
	}
}

// clearWriteDeadline lifts the server write timeout for a chat turn. Upstream
// timeouts in the relay bound how long the turn can run.
func clearWriteDeadline(w http.ResponseWriter) {
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
}

// readTurn applies the chat rate limit and validates the body.
func (s *Server) readTurn(w http.ResponseWriter, r *http.Request, user domain.User) (domain.Turn, bool) {
	if !s.allowRate(w, r, s.chatLimiter, user.ID, "too many chat requests") {
		s.audit(r, "gateway.chat", "rate_limited", "user_id", user.ID)
		return domain.Turn{}, false
	}
	var req chatRequest
	if !decodeJSON(w, r, &req) {
		return domain.Turn{}, false
	}
	question, err := app.NewTurn(req.Messages, req.Message)
	if err != nil {
		writeChatError(w, r, err)
		return domain.Turn{}, false
	}
	return question, true
}

// sseResponse commits event-stream headers on the first frame so failures
// that happen before any output can still use a plain status code.
type sseResponse struct {
	w       http.ResponseWriter
	enc     *eventstream.Encoder
	started bool
}

func (s *sseResponse) start() {
	if s.started {
		return
	}
	s.started = true
	eventstream.Headers(s.w.Header())
	s.w.WriteHeader(http.StatusOK)
	s.enc = eventstream.NewEncoder(s.w)
}

func (s *sseResponse) emit(f eventstream.Frame) error {
	s.start()
	return s.enc.Encode(f)
}

// fail ends the stream. Upstream failures become one error frame; a
// cancelled turn writes nothing since the client is gone.
func (s *sseResponse) fail(r *http.Request, err error) {
	switch {
	case errors.Is(err, relay.ErrCancelled):
		return
	case !s.started && !relay.IsUpstream(err):
		writeChatError(s.w, r, err)
		return
	}
	msg := "failed to save conversation"
	if relay.IsUpstream(err) {
		msg = "upstream request failed"
	}
	s.start()
	if writeErr := s.enc.Encode(eventstream.ErrorFrame(msg)); writeErr != nil {
		util.LoggerFromContext(r.Context()).Info("stream_error_undelivered", "err", writeErr)
	}
}

func writeChatError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, app.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, strings.TrimPrefix(err.Error(), app.ErrInvalidInput.Error()+": "))
	case errors.Is(err, app.ErrTurnInFlight):
		writeError(w, http.StatusConflict, "a previous message is still being answered")
	case errors.Is(err, relay.ErrCancelled):
		// client is gone
	case relay.IsUpstream(err):
		writeError(w, http.StatusBadGateway, "upstream request failed")
	default:
		util.LoggerFromContext(r.Context()).Error("chat_request_failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
