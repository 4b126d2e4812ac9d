// Package pprof serves net/http/pprof, plus any mounted debug handlers, on an
// optional listener that can be switched on and off by config reloads.
package pprof

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"runtime"
	"strings"
	"sync"
	"time"

	logx "notifyd/pkg/logx"
)

const defaultAddr = "127.0.0.1:6060"

type Config struct {
	Enabled bool
	Addr    string
	Token   string

	BlockProfileRate     int
	MutexProfileFraction int
}

// Validate rejects malformed addresses and a public bind without a token.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	addr := c.addr()
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("pprof.addr: invalid %q (expected host:port): %w", addr, err)
	}
	if c.Token == "" && !isLoopback(host) {
		return errors.New("pprof: binding to a non-loopback addr requires a token")
	}
	if c.BlockProfileRate < 0 || c.MutexProfileFraction < 0 {
		return errors.New("pprof: profile rates must be >= 0")
	}
	return nil
}

func (c Config) addr() string {
	if a := strings.TrimSpace(c.Addr); a != "" {
		return a
	}
	return defaultAddr
}

type Service struct {
	log logx.Logger

	mu    sync.Mutex
	cfg   Config
	srv   *http.Server
	addr  string
	extra map[string]http.Handler
}

func New(log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{log: log, extra: map[string]http.Handler{}}
}

// Handle mounts h next to the profiling endpoints. It takes effect the next
// time the listener starts.
func (s *Service) Handle(pattern string, h http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extra[pattern] = h
}

// Apply starts, stops or rebinds the listener to match cfg. Profile rates are
// applied even when the listener is disabled.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)

	s.mu.Lock()
	defer s.mu.Unlock()

	if !cfg.Enabled {
		s.stopLocked(ctx)
		s.cfg = cfg
		return
	}
	if s.srv != nil && s.cfg.addr() == cfg.addr() && s.cfg.Token == cfg.Token {
		s.cfg = cfg
		return
	}
	s.stopLocked(ctx)
	s.cfg = cfg
	s.startLocked()
}

func (s *Service) startLocked() {
	addr := s.cfg.addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.log.Warn("pprof listen failed", logx.String("addr", addr), logx.Err(err))
		return
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", hpprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", hpprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", hpprof.Trace)
	for pattern, h := range s.extra {
		mux.Handle(pattern, h)
	}

	srv := &http.Server{
		Handler:           withToken(s.cfg.Token, mux),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	s.srv = srv
	s.addr = ln.Addr().String()

	go func(addr string) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("pprof server error", logx.String("addr", addr), logx.Err(err))
		}
	}(s.addr)
	s.log.Info("pprof enabled", logx.String("addr", s.addr), logx.Bool("token", s.cfg.Token != ""))
}

// Stop shuts the listener down if it is running.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(ctx)
	return nil
}

func (s *Service) stopLocked(ctx context.Context) {
	if s.srv == nil {
		return
	}
	srv, addr := s.srv, s.addr
	s.srv, s.addr = nil, ""

	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("pprof shutdown error", logx.String("addr", addr), logx.Err(err))
		_ = srv.Close()
	}
	s.log.Info("pprof disabled", logx.String("addr", addr))
}

// Addr reports the bound address, or "" when not running.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func withToken(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	want := []byte("Bearer " + token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if subtle.ConstantTimeCompare([]byte(r.Header.Get("Authorization")), want) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isLoopback(host string) bool {
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
