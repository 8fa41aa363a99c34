// Package trigger is the small control-plane HTTP surface: the surrounding
// application (or an operator) pokes the orchestrator instead of waiting for
// the next poll. Instant bookings need this; everything else is convenience.
//
// Security: loopback bind by default. A non-loopback bind requires a bearer
// token or an explicit insecure opt-in.
package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"pairbot/internal/runtime/supervisor"
	"pairbot/internal/store"
	logx "pairbot/pkg/logx"
)

// Ops is the slice of the lifecycle service the trigger exposes.
type Ops interface {
	EnsureChannels(ctx context.Context, sessionID string) error
	Teardown(ctx context.Context, sessionID string) error
	ApplyExtension(ctx context.Context, sessionID string) (time.Time, error)
	SubmitRating(ctx context.Context, sessionID, submitterID string, value int, comment string) error
}

type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = "127.0.0.1:8710"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = time.Minute
	}
	return c
}

type Server struct {
	cfg Config
	ops Ops
	log logx.Logger
}

func New(cfg Config, ops Ops, log logx.Logger) *Server {
	return &Server{cfg: cfg.withDefaults(), ops: ops, log: log}
}

func (s *Server) Enabled() bool { return s != nil && s.cfg.Enabled }

// Start runs the server under the supervisor's restart loop until shutdown.
func (s *Server) Start(sup *supervisor.Supervisor) error {
	if !s.Enabled() {
		return nil
	}
	if !s.cfg.AllowInsecure && s.cfg.Token == "" && !isLoopbackAddr(s.cfg.Addr) {
		return errors.New("trigger: non-loopback addr requires token or allow_insecure")
	}
	if s.cfg.AllowInsecure && s.cfg.Token == "" && !isLoopbackAddr(s.cfg.Addr) {
		s.log.Warn("trigger running without token on non-loopback addr (insecure)",
			logx.String("addr", s.cfg.Addr))
	}

	sup.GoRestart("trigger.serve", s.serveOnce,
		supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	return nil
}

func (s *Server) serveOnce(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	defer func() { _ = ln.Close() }()

	srv := &http.Server{
		Handler:      s.routes(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	defer func() { _ = srv.Close() }()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("trigger listening",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("token_set", s.cfg.Token != ""))

	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("trigger server exited unexpectedly")
	}
	return err
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return s.withAuth(h) }

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("POST /v1/sessions/{id}/ensure-channels", wrap(s.handleEnsureChannels))
	mux.HandleFunc("POST /v1/sessions/{id}/teardown", wrap(s.handleTeardown))
	mux.HandleFunc("POST /v1/sessions/{id}/extend", wrap(s.handleExtend))
	mux.HandleFunc("POST /v1/sessions/{id}/rating", wrap(s.handleRating))
	return mux
}

func (s *Server) handleEnsureChannels(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.ops.EnsureChannels(r.Context(), id); err != nil {
		s.fail(w, "ensure-channels", id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": id, "status": "ok"})
}

func (s *Server) handleTeardown(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.ops.Teardown(r.Context(), id); err != nil {
		s.fail(w, "teardown", id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": id, "status": "ok"})
}

func (s *Server) handleExtend(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	newEnd, err := s.ops.ApplyExtension(r.Context(), id)
	if err != nil {
		s.fail(w, "extend", id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": id, "end": newEnd.UTC().Format(time.RFC3339)})
}

type ratingRequest struct {
	SubmitterID string `json:"submitter_id"`
	Rating      int    `json:"rating"`
	Comment     string `json:"comment"`
}

func (s *Server) handleRating(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req ratingRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.SubmitterID == "" {
		http.Error(w, "bad request: submitter_id required", http.StatusBadRequest)
		return
	}
	if err := s.ops.SubmitRating(r.Context(), id, req.SubmitterID, req.Rating, req.Comment); err != nil {
		s.fail(w, "rating", id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": id, "status": "recorded"})
}

func (s *Server) fail(w http.ResponseWriter, op, id string, err error) {
	s.log.Warn("trigger op failed",
		logx.String("op", op),
		logx.String("session", id),
		logx.Err(err))
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "session not found", http.StatusNotFound)
	case errors.Is(err, store.ErrSkipRound):
		http.Error(w, "store unavailable, retry later", http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusConflict)
	}
}

func (s *Server) withAuth(h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(s.cfg.Token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if ah := r.Header.Get("Authorization"); ah != "" {
			const p = "Bearer "
			if strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				h(w, r)
				return
			}
		}
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if host == "" || strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
