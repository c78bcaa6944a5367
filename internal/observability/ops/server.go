// Package ops serves the operator HTTP endpoints: /healthz, /metrics and
// optionally net/http/pprof.
package ops

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	logx "relaybot/pkg/logx"
)

const DefaultAddr = "127.0.0.1:9464"

// ErrInsecureBind is returned when a non-loopback address has no token and
// AllowInsecure is off.
var ErrInsecureBind = errors.New("ops: non-loopback addr requires token or allow_insecure")

type Config struct {
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool
}

// HealthFunc reports liveness plus a JSON-encodable detail document.
type HealthFunc func(ctx context.Context) (ok bool, detail any)

type Server struct {
	cfg      Config
	gatherer prometheus.Gatherer
	health   HealthFunc
	log      logx.Logger
}

func New(cfg Config, gatherer prometheus.Gatherer, health HealthFunc, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultAddr
	}
	return &Server{cfg: cfg, gatherer: gatherer, health: health, log: log}
}

// Handler builds the mux. Every route sits behind the token guard.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	guard := func(h http.Handler) http.Handler { return withAuth(s.cfg.Token, h) }

	mux.Handle("/healthz", guard(http.HandlerFunc(s.serveHealth)))
	if s.gatherer != nil {
		mux.Handle("/metrics", guard(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
	if s.cfg.Pprof {
		mux.Handle("/debug/pprof/", guard(http.HandlerFunc(hpprof.Index)))
		mux.Handle("/debug/pprof/cmdline", guard(http.HandlerFunc(hpprof.Cmdline)))
		mux.Handle("/debug/pprof/profile", guard(http.HandlerFunc(hpprof.Profile)))
		mux.Handle("/debug/pprof/symbol", guard(http.HandlerFunc(hpprof.Symbol)))
		mux.Handle("/debug/pprof/trace", guard(http.HandlerFunc(hpprof.Trace)))
	}
	return mux
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	ok, detail := true, any(nil)
	if s.health != nil {
		ok, detail = s.health(r.Context())
	}
	w.Header().Set("Content-Type", "application/json")
	if !ok {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": ok, "detail": detail})
}

// Validate rejects a non-loopback bind without a token unless
// AllowInsecure is set. An empty Addr means DefaultAddr.
func (c Config) Validate() error {
	addr := strings.TrimSpace(c.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	if strings.TrimSpace(c.Token) == "" && !isLoopbackAddr(addr) && !c.AllowInsecure {
		return ErrInsecureBind
	}
	return nil
}

// Run listens and serves until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	addr := s.cfg.Addr
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	if s.cfg.Token == "" && !isLoopbackAddr(addr) {
		s.log.Warn("ops server running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("ops listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	stop := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
	defer stop()

	s.log.Info("ops server started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("pprof", s.cfg.Pprof),
		logx.Bool("token_set", s.cfg.Token != ""),
	)
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("ops server exited unexpectedly")
	}
	return err
}

// withAuth accepts "Authorization: Bearer <token>" or "?token=<token>".
func withAuth(token string, h http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, "Bearer ") {
				got = strings.TrimSpace(strings.TrimPrefix(ah, "Bearer "))
			}
		}
		if got != tok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
