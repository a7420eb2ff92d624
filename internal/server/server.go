// Package server exposes the HTTP surface: channel webhooks, the synchronous
// web chat endpoint, and a liveness probe.
package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	twilioclient "github.com/twilio/twilio-go/client"

	"github.com/arogyamitra/arogyabot/internal/config"
	"github.com/arogyamitra/arogyabot/internal/dispatch"
	"github.com/arogyamitra/arogyabot/internal/gemini"
	"github.com/arogyamitra/arogyabot/internal/logger"
	"github.com/arogyamitra/arogyabot/internal/pipeline"
)

// Processor runs the message pipeline for one inbound message.
type Processor interface {
	Process(ctx context.Context, msg pipeline.InboundMessage) (string, error)
}

// Submitter queues a named task onto the deferred worker pool.
type Submitter interface {
	Submit(name string, fn func(context.Context) error)
}

// Server wires the chi router and handlers around the pipeline.
type Server struct {
	httpServer      *http.Server
	processor       Processor
	pool            Submitter
	validator       twilioclient.RequestValidator
	baseURL         string
	smsSecret       string
	shutdownTimeout time.Duration
	log             *slog.Logger
}

// New builds the server and its routes.
func New(cfg *config.Config, processor Processor, pool Submitter, log *slog.Logger) *Server {
	s := &Server{
		processor:       processor,
		pool:            pool,
		validator:       twilioclient.NewRequestValidator(cfg.Twilio.AuthToken),
		baseURL:         strings.TrimSuffix(cfg.Server.BaseURL, "/"),
		smsSecret:       cfg.SMS.Secret,
		shutdownTimeout: cfg.Server.ShutdownTimeout,
		log:             log.With("component", "server"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logger.Middleware(s.log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.Server.RequestTimeout))

	r.Get("/", s.handleStatus)
	r.Post("/api/sms", s.handleSMS)
	r.Post("/api/whatsapp", s.handleWhatsApp)
	r.Post("/api/chat", s.handleChat)

	s.httpServer = &http.Server{
		Addr:    cfg.Server.Address,
		Handler: r,
	}

	return s
}

// Handler returns the configured router, used by tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.log.Info("HTTP server listening", "address", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server failed: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown failed: %w", err)
	}

	s.log.Info("HTTP server stopped")
	return <-errCh
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "arogyabot is running"})
}

// handleSMS accepts form posts from the SMS forwarder app. The shared secret
// is checked before the payload is touched.
func (s *Server) handleSMS(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid form payload"})
		return
	}

	secret := r.PostFormValue("secret")
	if subtle.ConstantTimeCompare([]byte(secret), []byte(s.smsSecret)) != 1 {
		s.log.WarnContext(r.Context(), "SMS webhook rejected: bad secret", "remote", r.RemoteAddr)
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden"})
		return
	}

	from := r.PostFormValue("from")
	text := r.PostFormValue("message")
	if from == "" || strings.TrimSpace(text) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing from or message"})
		return
	}

	s.enqueue("sms_message", pipeline.InboundMessage{
		Address: from,
		Text:    text,
		Channel: dispatch.ChannelSMS,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// handleWhatsApp accepts Twilio webhook posts, authenticated by the
// X-Twilio-Signature header.
func (s *Server) handleWhatsApp(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid form payload"})
		return
	}

	params := make(map[string]string, len(r.PostForm))
	for key := range r.PostForm {
		params[key] = r.PostForm.Get(key)
	}

	signature := r.Header.Get("X-Twilio-Signature")
	url := s.baseURL + r.URL.Path
	if !s.validator.Validate(url, params, signature) {
		s.log.WarnContext(r.Context(), "WhatsApp webhook rejected: bad signature", "remote", r.RemoteAddr)
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden"})
		return
	}

	from := strings.TrimPrefix(r.PostFormValue("From"), "whatsapp:")
	text := r.PostFormValue("Body")
	if from == "" || strings.TrimSpace(text) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing From or Body"})
		return
	}

	s.enqueue("whatsapp_message", pipeline.InboundMessage{
		Address: from,
		Text:    text,
		Channel: dispatch.ChannelWhatsApp,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

type chatRequest struct {
	SessionID string                    `json:"session_id"`
	Message   string                    `json:"message"`
	Profile   *pipeline.AdvisoryProfile `json:"profile"`
}

// handleChat is the synchronous web channel: the reply travels back in the
// HTTP response instead of through a messaging provider.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON payload"})
		return
	}

	if strings.TrimSpace(req.Message) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "message is required"})
		return
	}

	address := req.SessionID
	if address == "" {
		address = newSessionID()
	}

	reply, err := s.processor.Process(r.Context(), pipeline.InboundMessage{
		Address:         address,
		Text:            req.Message,
		Channel:         dispatch.ChannelWeb,
		AdvisoryProfile: req.Profile,
	})
	if err != nil {
		switch {
		case errors.Is(err, gemini.ErrGenerationUnavailable):
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "reply generation unavailable"})
		case errors.Is(err, pipeline.ErrProfileUnavailable):
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "profile storage unavailable"})
		default:
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"response": reply, "session_id": address})
}

// enqueue hands a pipeline task to the worker pool. The handler already
// responded by the time the task runs, so delivery happens out of band.
func (s *Server) enqueue(name string, msg pipeline.InboundMessage) {
	s.pool.Submit(name, func(ctx context.Context) error {
		_, err := s.processor.Process(ctx, msg)
		return err
	})
}

func newSessionID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "web:anonymous"
	}
	return "web:" + hex.EncodeToString(buf)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
