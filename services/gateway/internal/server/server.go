package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"versioncoffee/internal/ratelimit"
	"versioncoffee/internal/util"
	"versioncoffee/pkg/domain"
	"versioncoffee/pkg/health"
	"versioncoffee/services/gateway/internal/app"
	"versioncoffee/services/gateway/internal/security"
)

const (
	// SessionCookieName carries the session credential.
	SessionCookieName = "auth_token"
	maxJSONBodyBytes  = 1 << 20
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App                      *app.App
	Readiness                *health.Readiness
	Redis                    *redis.Client
	TrustedProxies           *util.TrustedProxies
	AllowedOrigins           []string
	Production               bool
	CookieDomain             string
	SignupRateLimitPerMinute int
	LoginRateLimitPerMinute  int
	ChatRateLimitPerMinute   int
}

// Server exposes the gateway HTTP endpoints.
type Server struct {
	app            *app.App
	readiness      *health.Readiness
	trustedProxies *util.TrustedProxies
	allowedOrigins []string
	production     bool
	cookieDomain   string
	mux            *http.ServeMux
	signupLimiter  *ratelimit.FixedWindowLimiter
	loginLimiter   *ratelimit.FixedWindowLimiter
	chatLimiter    *ratelimit.FixedWindowLimiter
	alerter        *security.AuditAlerter
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	if cfg.Redis == nil {
		return nil, errors.New("redis client required for rate limiting")
	}
	signupLimit := cfg.SignupRateLimitPerMinute
	if signupLimit <= 0 {
		signupLimit = 5
	}
	loginLimit := cfg.LoginRateLimitPerMinute
	if loginLimit <= 0 {
		loginLimit = 10
	}
	chatLimit := cfg.ChatRateLimitPerMinute
	if chatLimit <= 0 {
		chatLimit = 20
	}
	rateWindow := time.Minute
	newLimiter := func(name string, limit int) (*ratelimit.FixedWindowLimiter, error) {
		prefix := "versioncoffee:gateway:ratelimit:" + name
		limiter, err := ratelimit.NewFixedWindowLimiter(cfg.Redis, prefix, limit, rateWindow)
		if err != nil {
			return nil, fmt.Errorf("init %s limiter: %w", name, err)
		}
		return limiter, nil
	}
	signupLimiter, err := newLimiter("signup", signupLimit)
	if err != nil {
		return nil, err
	}
	loginLimiter, err := newLimiter("login", loginLimit)
	if err != nil {
		return nil, err
	}
	chatLimiter, err := newLimiter("chat", chatLimit)
	if err != nil {
		return nil, err
	}
	s := &Server{
		app:            cfg.App,
		readiness:      cfg.Readiness,
		trustedProxies: cfg.TrustedProxies,
		allowedOrigins: cfg.AllowedOrigins,
		production:     cfg.Production,
		cookieDomain:   strings.TrimSpace(cfg.CookieDomain),
		mux:            http.NewServeMux(),
		signupLimiter:  signupLimiter,
		loginLimiter:   loginLimiter,
		chatLimiter:    chatLimiter,
		alerter:        security.NewAuditAlerter(cfg.Redis, ""),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("gateway",
		util.WithSecurityHeaders(util.WithCORS(s.allowedOrigins, s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/api/v1/agents/health", s.handleAgentsHealth)

	// auth
	s.mux.HandleFunc("/api/v1/auth/signup", s.handleSignup)
	s.mux.HandleFunc("/api/v1/auth/login", s.handleLogin)
	s.mux.HandleFunc("/api/v1/auth/logout", s.handleLogout)
	s.mux.Handle("/api/v1/auth/verify", s.authenticated(s.handleVerify))

	// chats (auth required)
	s.mux.Handle("/api/v1/chats", s.authenticated(s.handleChats))
	s.mux.Handle("/api/v1/chats/stream", s.authenticated(s.handleChatStream))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAgentsHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	ready := false
	if s.readiness != nil {
		ready = s.readiness.Ready(r.Context())
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ready": ready})
}

// auth wrappers
type authHandler func(http.ResponseWriter, *http.Request, domain.User)

// authenticated resolves the caller before next runs. Every credential or
// identity failure is the same 401.
func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := s.app.Authenticate(r.Context(), credential(r))
		if err != nil {
			if errors.Is(err, app.ErrUnauthenticated) {
				s.audit(r, "gateway.authorize", "fail", "reason", err.Error())
				writeError(w, http.StatusUnauthorized, "unauthenticated")
				return
			}
			util.LoggerFromContext(r.Context()).Error("authorize_failed", "err", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		s.audit(r, "gateway.authorize", "success", "user_id", user.ID)
		next(w, r, user)
	})
}

// credential reads the session cookie, falling back to a bearer token.
func credential(r *http.Request) string {
	if c, err := r.Cookie(SessionCookieName); err == nil && strings.TrimSpace(c.Value) != "" {
		return strings.TrimSpace(c.Value)
	}
	token, _ := bearerToken(r)
	return token
}

// auth handlers
type signupRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	Message string `json:"message"`
	Name    string `json:"name"`
	Email   string `json:"email"`
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.signupLimiter, s.clientIP(r), "too many signup attempts") {
		s.audit(r, "gateway.signup", "rate_limited")
		return
	}
	var req signupRequest
	if !decodeJSON(w, r, &req) {
		s.audit(r, "gateway.signup", "fail", "reason", "invalid_json")
		return
	}
	user, session, err := s.app.SignUp(r.Context(), req.Name, req.Email, req.Password)
	if err != nil {
		s.audit(r, "gateway.signup", "fail", "reason", err.Error())
		writeAuthError(w, r, err)
		return
	}
	s.setSessionCookie(w, session)
	s.audit(r, "gateway.signup", "success", "user_id", user.ID)
	writeJSON(w, http.StatusCreated, authResponse{Message: "User created successfully", Name: user.Name, Email: user.Email})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.loginLimiter, s.clientIP(r), "too many login attempts") {
		s.audit(r, "gateway.login", "rate_limited")
		return
	}
	var req signupRequest
	if !decodeJSON(w, r, &req) {
		s.audit(r, "gateway.login", "fail", "reason", "invalid_json")
		return
	}
	user, session, err := s.app.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.audit(r, "gateway.login", "fail", "reason", err.Error())
		writeAuthError(w, r, err)
		return
	}
	s.setSessionCookie(w, session)
	s.audit(r, "gateway.login", "success", "user_id", user.ID)
	writeJSON(w, http.StatusOK, authResponse{Message: "User logged in successfully", Name: user.Name, Email: user.Email})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, authResponse{Message: "OK", Name: user.Name, Email: user.Email})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if err := s.app.Logout(r.Context(), credential(r)); err != nil {
		util.LoggerFromContext(r.Context()).Error("logout_revoke_failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.clearSessionCookie(w)
	s.audit(r, "gateway.logout", "success")
	writeJSON(w, http.StatusOK, map[string]string{"message": "User logged out successfully"})
}

func (s *Server) sessionCookie(value string, maxAge int) *http.Cookie {
	sameSite := http.SameSiteLaxMode
	if s.production {
		sameSite = http.SameSiteStrictMode
	}
	return &http.Cookie{
		Name:     SessionCookieName,
		Value:    value,
		Path:     "/",
		Domain:   s.cookieDomain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   s.production,
		SameSite: sameSite,
	}
}

func (s *Server) setSessionCookie(w http.ResponseWriter, session app.Session) {
	maxAge := int(time.Until(session.ExpiresAt).Seconds())
	if maxAge <= 0 {
		maxAge = int(s.app.SessionTTL().Seconds())
	}
	c := s.sessionCookie(session.Token, maxAge)
	c.Expires = session.ExpiresAt
	http.SetCookie(w, c)
}

func (s *Server) clearSessionCookie(w http.ResponseWriter) {
	c := s.sessionCookie("", -1)
	c.Expires = time.Unix(0, 0)
	http.SetCookie(w, c)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if authHeader == "" {
		return "", false
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

func decodeJSON(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBodyBytes)).Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	// Reading to EOF lets the server notice a client disconnect.
	_, _ = io.Copy(io.Discard, io.LimitReader(r.Body, maxJSONBodyBytes))
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	ip := s.clientIP(r)
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", ip,
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)

	result, err := s.alerter.Observe(r.Context(), event, outcome, ip)
	if err != nil {
		logger.Warn("security_alert_observe_failed", "event", event, "err", err)
		return
	}
	if result.Triggered {
		logger.Error("security_alert",
			"event", event,
			"outcome", outcome,
			"ip", ip,
			"count", result.Count,
			"window", result.Window.String(),
		)
	}
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, subject, msg string) bool {
	key := r.URL.Path + "|" + subject
	if limiter.Allow(key) {
		return true
	}
	w.Header().Set("Retry-After", strconv.Itoa(int(limiter.RetryAfter().Seconds())))
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}

func (s *Server) clientIP(r *http.Request) string {
	return util.ClientIP(r, s.trustedProxies)
}

func writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, app.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, strings.TrimPrefix(err.Error(), app.ErrInvalidInput.Error()+": "))
	case errors.Is(err, app.ErrEmailTaken):
		writeError(w, http.StatusConflict, "User already exists")
	case errors.Is(err, app.ErrInvalidLogin):
		writeError(w, http.StatusUnauthorized, "Invalid email or password")
	default:
		slog.Error("auth_request_failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
