package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MikeSquared-Agency/eqrelay/internal/callevent"
	"github.com/MikeSquared-Agency/eqrelay/internal/correlator"
	"github.com/MikeSquared-Agency/eqrelay/internal/gateway"
	"github.com/MikeSquared-Agency/eqrelay/internal/signature"
	"github.com/MikeSquared-Agency/eqrelay/internal/store"
)

const (
	maxBodyBytes   = 1 << 20
	requestTimeout = 10 * time.Second
)

// Relay is the subset of *gateway.Service the HTTP layer needs.
type Relay interface {
	Submit(ctx context.Context, body []byte) (gateway.Submission, error)
	Poll(ctx context.Context, p correlator.Poll) (correlator.Resolution, error)
	Register(ctx context.Context, sessionID string) error
}

type Verifier interface {
	Verify(header string, body []byte) error
}

// StatusInfo is reported by /api/v1/status.
type StatusInfo struct {
	Strategy       string
	Store          string
	TTL            time.Duration
	RegisterOnPoll bool
}

type Options struct {
	// WebhookID, when set, is the only accepted {id} path segment.
	WebhookID   string
	ResultField string
	// SkipSignature accepts unsigned deliveries. Local development only.
	SkipSignature bool
	Status        StatusInfo
}

type Server struct {
	router   *chi.Mux
	port     int
	relay    Relay
	verifier Verifier
	opts     Options
	logger   *slog.Logger
	http     *http.Server
}

func NewServer(port int, relay Relay, verifier Verifier, opts Options, logger *slog.Logger) *Server {
	if opts.ResultField == "" {
		opts.ResultField = callevent.DefaultResultField
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(requestTimeout))
	router.Use(cors)

	s := &Server{
		router:   router,
		port:     port,
		relay:    relay,
		verifier: verifier,
		opts:     opts,
		logger:   logger,
	}

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	router.Get("/health", s.health)
	router.Get("/api/v1/status", s.status)
	router.Options("/webhook/{id}", s.preflight)
	router.Post("/webhook/{id}", s.webhook)

	return s
}

func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info("API server starting", "addr", addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// cors applies the browser-facing headers to every response, errors included.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, "+signature.Header)
		h.Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"agent":            "eqrelay",
		"strategy":         s.opts.Status.Strategy,
		"store":            s.opts.Status.Store,
		"ttl":              s.opts.Status.TTL.String(),
		"register_on_poll": s.opts.Status.RegisterOnPoll,
	}
	if s.opts.Status.Strategy == correlator.Recency {
		body["limitations"] = []string{"recency correlation assumes a single call in flight; concurrent calls may be cross-matched"}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) preflight(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) webhook(w http.ResponseWriter, r *http.Request) {
	if s.opts.WebhookID != "" && chi.URLParam(r, "id") != s.opts.WebhookID {
		writeError(w, http.StatusNotFound, "unknown webhook")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	// A signed request is authenticated before its body is interpreted.
	verified := false
	if signatureHeader(r) != "" && !s.opts.SkipSignature {
		if !s.authenticate(w, r, body) {
			return
		}
		verified = true
	}

	action, err := callevent.Action(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed payload")
		return
	}

	switch action {
	case callevent.ActionGetProfile:
		s.poll(w, r, body)
	case callevent.ActionRegister:
		s.register(w, r, body)
	default:
		s.delivery(w, r, body, verified)
	}
}

func (s *Server) delivery(w http.ResponseWriter, r *http.Request, body []byte, verified bool) {
	if !verified && !s.opts.SkipSignature && !s.authenticate(w, r, body) {
		return
	}

	sub, err := s.relay.Submit(r.Context(), body)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stored", "key": sub.Key})
}

// authenticate writes a 401 and returns false when the signature does not
// verify.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request, body []byte) bool {
	err := signature.ErrInvalid
	if s.verifier != nil {
		err = s.verifier.Verify(signatureHeader(r), body)
	}
	if err != nil {
		s.logger.Warn("delivery signature rejected", "remote_addr", r.RemoteAddr, "error", err)
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return false
	}
	return true
}

func signatureHeader(r *http.Request) string {
	if h := r.Header.Get(signature.Header); h != "" {
		return h
	}
	return r.Header.Get(signature.PlatformHeader)
}

func (s *Server) poll(w http.ResponseWriter, r *http.Request, body []byte) {
	req, err := callevent.DecodePoll(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.relay.Poll(r.Context(), correlator.Poll{SessionID: req.SessionID, ConversationID: req.ConversationID})
	if err != nil {
		s.fail(w, err)
		return
	}

	if !res.Lookup.Found() {
		writeJSON(w, http.StatusNotFound, map[string]string{"status": string(res.Lookup.Status)})
		return
	}
	found, err := callevent.NewFoundResponse(s.opts.ResultField, res.Lookup.Record.ProfileType)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (s *Server) register(w http.ResponseWriter, r *http.Request, body []byte) {
	req, err := callevent.DecodePoll(body)
	if err == nil && req.SessionID == "" {
		err = fmt.Errorf("%w: session_id is required", callevent.ErrMalformed)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.relay.Register(r.Context(), req.SessionID); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "registered", "session_id": req.SessionID})
}

// fail maps relay errors to responses. Server-side failures are logged and
// answered without detail.
func (s *Server) fail(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "status", status, "error", err)
		writeError(w, status, http.StatusText(status))
		return
	}
	writeError(w, status, err.Error())
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, callevent.ErrMalformed), errors.Is(err, store.ErrInvalidKey):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, store.ErrExpired):
		return http.StatusGone
	case errors.Is(err, store.ErrClosed), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
