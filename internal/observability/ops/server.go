// Package ops serves the operator HTTP endpoints: Prometheus metrics, a
// health report and optional pprof.
package ops

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"factbot/internal/runtime/supervisor"
	"factbot/pkg/logx"
)

// Config controls the ops listener. A non-loopback Addr needs a Token
// unless AllowInsecure is set.
type Config struct {
	Addr          string
	Token         string
	Pprof         bool
	AllowInsecure bool
}

// Check reports one component's health. A nil error is healthy.
type Check func(ctx context.Context) (detail any, err error)

type Server struct {
	cfg      Config
	log      logx.Logger
	gatherer prometheus.Gatherer

	mu     sync.Mutex
	checks map[string]Check
	sup    *supervisor.Supervisor
	srv    *http.Server
	addr   string
}

func New(cfg Config, gatherer prometheus.Gatherer, log logx.Logger) (*Server, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:9464"
	}
	if cfg.Token == "" && !cfg.AllowInsecure && !isLoopbackAddr(cfg.Addr) {
		return nil, errors.New("ops: non-loopback addr requires a token or allow_insecure")
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, gatherer: gatherer, log: log.With(logx.String("comp", "ops")), checks: map[string]Check{}}, nil
}

// AddCheck registers a named health check for /healthz.
func (s *Server) AddCheck(name string, c Check) {
	s.mu.Lock()
	s.checks[name] = c
	s.mu.Unlock()
}

// Handler returns the routed, authenticated mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.health)
	mux.Handle("/metrics", s.auth(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	if s.cfg.Pprof {
		mux.Handle("/debug/pprof/", s.auth(http.HandlerFunc(hpprof.Index)))
		mux.Handle("/debug/pprof/cmdline", s.auth(http.HandlerFunc(hpprof.Cmdline)))
		mux.Handle("/debug/pprof/profile", s.auth(http.HandlerFunc(hpprof.Profile)))
		mux.Handle("/debug/pprof/symbol", s.auth(http.HandlerFunc(hpprof.Symbol)))
		mux.Handle("/debug/pprof/trace", s.auth(http.HandlerFunc(hpprof.Trace)))
	}
	return mux
}

type healthReport struct {
	Status string         `json:"status"`
	Checks map[string]any `json:"checks,omitempty"`
}

type checkResult struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	Detail any    `json:"detail,omitempty"`
}

// health is unauthenticated; details are only included with a valid token.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	checks := make(map[string]Check, len(s.checks))
	for k, v := range s.checks {
		checks[k] = v
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	rep := healthReport{Status: "ok", Checks: map[string]any{}}
	for name, c := range checks {
		detail, err := c(ctx)
		res := checkResult{OK: err == nil, Detail: detail}
		if err != nil {
			res.Error = err.Error()
			rep.Status = "degraded"
		}
		rep.Checks[name] = res
	}
	if !s.authorized(r) {
		rep.Checks = nil
	}

	w.Header().Set("Content-Type", "application/json")
	if rep.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(rep)
}

func (s *Server) authorized(r *http.Request) bool {
	tok := s.cfg.Token
	if tok == "" {
		return true
	}
	got := r.URL.Query().Get("token")
	if ah := r.Header.Get("Authorization"); got == "" && strings.HasPrefix(ah, "Bearer ") {
		got = strings.TrimSpace(strings.TrimPrefix(ah, "Bearer "))
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(tok)) == 1
}

func (s *Server) auth(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// Start binds the listener and serves under a restart loop.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.addr = ln.Addr().String()
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	srv, sup := s.srv, s.sup

	first := ln
	sup.GoRestart("http.serve", func(c context.Context) error {
		l := first
		first = nil
		if l == nil {
			var err error
			if l, err = net.Listen("tcp", s.cfg.Addr); err != nil {
				return err
			}
		}
		err := srv.Serve(l)
		if c.Err() != nil || errors.Is(err, http.ErrServerClosed) {
			return context.Canceled
		}
		return err
	}, supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))

	s.log.Info("ops server started",
		logx.String("addr", s.addr),
		logx.Bool("pprof", s.cfg.Pprof),
		logx.Bool("token_set", s.cfg.Token != ""))
	return nil
}

// Addr is the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.srv, s.sup = nil, nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	sup.Cancel()
	_ = sup.Wait(ctx)
	s.log.Info("ops server stopped")
	return err
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil || strings.TrimSpace(h) == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
