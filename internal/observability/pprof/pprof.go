// Package pprof serves the runtime profiling endpoints on an optional,
// loopback-by-default HTTP listener.
//
// Security:
//   - Prefer binding to localhost (default).
//   - A non-loopback bind requires a token or an explicit insecure opt-in.
package pprof

import (
	"context"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"time"

	"pairbot/internal/runtime/supervisor"
	logx "pairbot/pkg/logx"
)

type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
}

type Server struct {
	cfg Config
	log logx.Logger
}

func New(cfg Config, log logx.Logger) *Server {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:6060"
	}
	return &Server{cfg: cfg, log: log}
}

func (s *Server) Enabled() bool { return s != nil && s.cfg.Enabled }

// Start runs the listener under the supervisor until shutdown. Profiling is
// optional observability; serve failures restart with backoff instead of
// taking the process down.
func (s *Server) Start(sup *supervisor.Supervisor) error {
	if !s.Enabled() {
		return nil
	}
	if !s.cfg.AllowInsecure && s.cfg.Token == "" && !isLoopback(s.cfg.Addr) {
		return errors.New("pprof: non-loopback addr requires token or allow_insecure")
	}

	sup.GoRestart("pprof.serve", s.serveOnce,
		supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	return nil
}

func (s *Server) serveOnce(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	defer func() { _ = ln.Close() }()

	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return s.withAuth(h) }
	mux.HandleFunc("/debug/pprof/", wrap(hpprof.Index))
	mux.HandleFunc("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
	mux.HandleFunc("/debug/pprof/profile", wrap(hpprof.Profile))
	mux.HandleFunc("/debug/pprof/symbol", wrap(hpprof.Symbol))
	mux.HandleFunc("/debug/pprof/trace", wrap(hpprof.Trace))

	// WriteTimeout stays 0 so /profile (30s+) works.
	srv := &http.Server{Handler: mux, ReadTimeout: 10 * time.Second}
	defer func() { _ = srv.Close() }()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("pprof listening", logx.String("addr", ln.Addr().String()))
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("pprof server exited unexpectedly")
	}
	return err
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

func isLoopback(addr string) bool {
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
