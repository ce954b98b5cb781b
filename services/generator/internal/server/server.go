package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"teachforge/internal/ratelimit"
	"teachforge/internal/util"
	"teachforge/pkg/auth"
	"teachforge/pkg/generate"
	"teachforge/pkg/modelgateway"
	"teachforge/pkg/subscription"
	"teachforge/pkg/usage"
	"teachforge/services/generator/internal/app"
)

const maxBodyBytes = 1 << 20

// Config wires required dependencies for the HTTP server.
type Config struct {
	App                        *app.App
	Tokens                     *auth.SessionTokens
	RedisAddr                  string
	RedisPassword              string
	GenerateRateLimitPerMinute int
	WebhookRateLimitPerMinute  int
	MaxUploadBytes             int64
}

// Server exposes HTTP endpoints for the generation pipeline.
type Server struct {
	app            *app.App
	tokens         *auth.SessionTokens
	mux            *http.ServeMux
	maxUploadBytes int64
	generateLimit  *ratelimit.FixedWindowLimiter
	webhookLimit   *ratelimit.FixedWindowLimiter
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	generateLimit := cfg.GenerateRateLimitPerMinute
	if generateLimit <= 0 {
		generateLimit = 30
	}
	webhookLimit := cfg.WebhookRateLimitPerMinute
	if webhookLimit <= 0 {
		webhookLimit = 60
	}
	newLimiter := func(name string, limit int) (*ratelimit.FixedWindowLimiter, error) {
		prefix := "teachforge:generator:ratelimit:" + name
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, prefix, limit, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("init %s limiter: %w", name, err)
		}
		return limiter, nil
	}
	generateLimiter, err := newLimiter("generate", generateLimit)
	if err != nil {
		return nil, err
	}
	webhookLimiter, err := newLimiter("webhook", webhookLimit)
	if err != nil {
		return nil, err
	}
	s := &Server{
		app:            cfg.App,
		tokens:         cfg.Tokens,
		mux:            http.NewServeMux(),
		maxUploadBytes: normalizeMaxBytes(cfg.MaxUploadBytes),
		generateLimit:  generateLimiter,
		webhookLimit:   webhookLimiter,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestLog("generator",
		util.WithRequestID(
			util.WithSecurityHeaders(
				util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// generation & usage (auth required)
	s.mux.Handle("/api/generate", s.authenticated(s.handleGenerate))
	s.mux.Handle("/api/usage", s.authenticated(s.handleUsage))
	s.mux.Handle("/api/uploads", s.authenticated(s.handleUpload))
	s.mux.Handle("/api/uploads/", s.authenticated(s.handleUploadByKey))
	s.mux.Handle("/api/grading/sessions", s.authenticated(s.handleGradingSessions))
	s.mux.Handle("/api/grading/sessions/", s.authenticated(s.handleGradingSessionByID))

	// billing provider callback (no bearer auth; rate limited)
	s.mux.HandleFunc("/webhooks/billing", s.handleBillingWebhook)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auth wrappers
type authHandler func(http.ResponseWriter, *http.Request, string)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			s.audit(r, "generator.authorize", "fail", "reason", "missing_token")
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		userID, err := s.tokens.Verify(token)
		if err != nil {
			s.audit(r, "generator.authorize", "fail", "reason", "invalid_token")
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next(w, r, userID)
	})
}

type generateRequest struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.generateLimit, userID, "too many generation requests") {
		s.audit(r, "generator.generate", "rate_limited", "user_id", userID)
		return
	}
	var req generateRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	result, err := s.app.Generate(r.Context(), userID, req.Type, req.Payload)
	if err != nil {
		s.writeGenerateError(w, r, userID, err)
		return
	}
	s.audit(r, "generator.generate", "success", "user_id", userID, "type", req.Type)
	writeJSON(w, http.StatusOK, result)
}

// writeGenerateError maps the error taxonomy onto HTTP statuses. Quota
// rejections carry the full limit context so the client can drive an
// upgrade flow.
func (s *Server) writeGenerateError(w http.ResponseWriter, r *http.Request, userID string, err error) {
	var quota *usage.QuotaExceededError
	if errors.As(err, &quota) {
		s.audit(r, "generator.generate", "quota_exceeded", "user_id", userID, "category", string(quota.Category))
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":        "quota exceeded",
			"limitType":    quota.Category,
			"currentUsage": quota.CurrentUsage,
			"limit":        quota.Limit,
			"tier":         quota.Tier,
		})
		return
	}
	if errors.Is(err, r.Context().Err()) && r.Context().Err() != nil {
		// Client went away; nothing useful to write.
		s.audit(r, "generator.generate", "cancelled", "user_id", userID)
		return
	}
	var exhausted *generate.AttemptsExhaustedError
	if errors.As(err, &exhausted) {
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":    "generation failed",
			"attempts": exhausted.Attempts,
			"cause":    fmt.Sprint(exhausted.Err),
		})
		return
	}
	var malformed *modelgateway.MalformedResponseError
	if errors.As(err, &malformed) {
		writeError(w, http.StatusBadGateway, "model returned an unreadable response")
		return
	}
	slog.Error("generate failed", "user_id", userID, "err", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	monthly, limits, tier, err := s.app.Usage(r.Context(), userID)
	if err != nil {
		slog.Error("usage lookup failed", "user_id", userID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tier":   tier,
		"usage":  monthly,
		"limits": limits,
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(s.maxUploadBytes); err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field required")
		return
	}
	defer file.Close()

	info, err := s.app.UploadSubmission(r.Context(), userID, header.Filename, file, header.Size)
	if err != nil {
		var quota *usage.QuotaExceededError
		switch {
		case errors.As(err, &quota):
			writeJSON(w, http.StatusPaymentRequired, map[string]any{
				"error":        "quota exceeded",
				"limitType":    quota.Category,
				"currentUsage": quota.CurrentUsage,
				"limit":        quota.Limit,
				"tier":         quota.Tier,
			})
		case errors.Is(err, app.ErrUploadTooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, "file exceeds tier size limit")
		case errors.Is(err, app.ErrUploadsDisabled):
			writeError(w, http.StatusServiceUnavailable, "uploads not available")
		default:
			slog.Error("upload failed", "user_id", userID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	s.audit(r, "generator.upload", "success", "user_id", userID, "key", info.Key)
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleUploadByKey(w http.ResponseWriter, r *http.Request, userID string) {
	key := strings.TrimPrefix(r.URL.Path, "/api/uploads/")
	if key == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		url, err := s.app.SubmissionDownloadURL(r.Context(), userID, key)
		if err != nil {
			s.writeUploadKeyError(w, userID, key, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"url": url})
	case http.MethodDelete:
		if err := s.app.DeleteSubmission(r.Context(), userID, key); err != nil {
			s.writeUploadKeyError(w, userID, key, err)
			return
		}
		s.audit(r, "generator.upload.delete", "success", "user_id", userID, "key", key)
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) writeUploadKeyError(w http.ResponseWriter, userID, key string, err error) {
	switch {
	case errors.Is(err, app.ErrSubmissionNotFound):
		writeError(w, http.StatusNotFound, "submission not found")
	case errors.Is(err, app.ErrUploadsDisabled):
		writeError(w, http.StatusServiceUnavailable, "uploads not available")
	default:
		slog.Error("submission access failed", "user_id", userID, "key", key, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type gradingStartRequest struct {
	Payload map[string]any `json:"payload"`
}

func (s *Server) handleGradingSessions(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.generateLimit, userID, "too many grading requests") {
		return
	}
	var req gradingStartRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	snap, err := s.app.StartGrading(r.Context(), userID, req.Payload)
	if err != nil {
		var quota *usage.QuotaExceededError
		if errors.As(err, &quota) {
			writeJSON(w, http.StatusPaymentRequired, map[string]any{
				"error":        "quota exceeded",
				"limitType":    quota.Category,
				"currentUsage": quota.CurrentUsage,
				"limit":        quota.Limit,
				"tier":         quota.Tier,
			})
			return
		}
		slog.Error("start grading failed", "user_id", userID, "err", err)
		writeError(w, http.StatusBadGateway, "could not start grading")
		return
	}
	s.audit(r, "generator.grading.start", "success", "user_id", userID, "session_id", snap.ID)
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleGradingSessionByID(w http.ResponseWriter, r *http.Request, userID string) {
	id := strings.TrimPrefix(r.URL.Path, "/api/grading/sessions/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		snap, err := s.app.GradingSnapshot(id)
		if err != nil {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeJSON(w, http.StatusOK, snap)
	case http.MethodDelete:
		if err := s.app.CancelGrading(id); err != nil {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		s.audit(r, "generator.grading.cancel", "success", "user_id", userID, "session_id", id)
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleBillingWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.webhookLimit, clientIP(r), "too many webhook deliveries") {
		s.audit(r, "generator.webhook", "rate_limited")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	ev, err := subscription.ParseEvent(body)
	if err != nil {
		s.audit(r, "generator.webhook", "fail", "reason", err.Error())
		writeError(w, http.StatusBadRequest, "invalid webhook payload")
		return
	}
	profile, err := s.app.ProcessBillingEvent(r.Context(), ev)
	if err != nil {
		slog.Error("webhook processing failed", "user_id", ev.ExternalReference, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.audit(r, "generator.webhook", "success",
		"user_id", ev.ExternalReference,
		"status", ev.Status,
		"tier", string(profile.Tier),
	)
	writeJSON(w, http.StatusOK, map[string]string{"status": "processed"})
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func normalizeMaxBytes(value int64) int64 {
	if value <= 0 {
		return 100 * 1024 * 1024
	}
	return value
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", clientIP(r),
		"request_id", util.RequestIDFromRequest(r),
	}
	logAttrs = append(logAttrs, attrs...)
	if outcome == "success" {
		slog.Info("security_event", logAttrs...)
		return
	}
	slog.Warn("security_event", logAttrs...)
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, key, msg string) bool {
	if limiter.Allow(r.URL.Path + "|" + key) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}

func clientIP(r *http.Request) string {
	if xfwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xfwd != "" {
		parts := strings.Split(xfwd, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
