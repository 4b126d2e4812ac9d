package ws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"notifyd/internal/transport"
	logx "notifyd/pkg/logx"
)

// Config controls the listener.
//
// Socket wins over Addr.
type Config struct {
	Socket          string
	Addr            string
	AuthToken       string
	WriteTimeout    time.Duration
	PingInterval    time.Duration
	MaxMessageBytes int64
}

func (c Config) withDefaults() Config {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 4 << 20
	}
	return c
}

// Server accepts caller connections and routes call frames to a Handler.
// It implements http.Handler and transport.Invoker.
type Server struct {
	cfg     Config
	handler transport.Handler
	log     logx.Logger

	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*conn]struct{}
	ln     net.Listener
	srv    *http.Server
	closed bool

	wg sync.WaitGroup
}

type conn struct {
	ws   *websocket.Conn
	peer string

	wmu          sync.Mutex
	writeTimeout time.Duration

	cancel context.CancelFunc
}

func New(cfg Config, h transport.Handler, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{
		cfg:     cfg.withDefaults(),
		handler: h,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Local clients only; there is no browser origin to check.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: map[*conn]struct{}{},
	}
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	ln, err := s.listen()
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	s.mu.Lock()
	s.ln = ln
	s.srv = srv
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("method channel listener failed", logx.Err(err))
		}
	}()
	s.log.Info("method channel listening", logx.String("addr", ln.Addr().String()), logx.String("channel", transport.ChannelName), logx.Bool("auth", s.cfg.AuthToken != ""))
	return nil
}

func (s *Server) listen() (net.Listener, error) {
	if s.cfg.Socket != "" {
		path := s.cfg.Socket
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, err
		}
		// A socket left behind by a crashed process blocks bind.
		if fi, err := os.Lstat(path); err == nil && fi.Mode()&os.ModeSocket != 0 {
			if c, err := net.DialTimeout("unix", path, 200*time.Millisecond); err == nil {
				_ = c.Close()
				return nil, fmt.Errorf("listen %s: another instance is listening", path)
			}
			_ = os.Remove(path)
		}
		ln, err := net.Listen("unix", path)
		if err != nil {
			return nil, fmt.Errorf("listen %s: %w", path, err)
		}
		if err := os.Chmod(path, 0o600); err != nil {
			_ = ln.Close()
			return nil, err
		}
		return ln, nil
	}
	if s.cfg.Addr == "" {
		return nil, errors.New("transport: socket or addr required")
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return ln, nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop closes the listener and every open connection.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	srv := s.srv
	bound := s.ln != nil
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	// Hijacked connections are not tracked by http.Server.
	for _, c := range conns {
		c.close(websocket.CloseGoingAway, "server stopping")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if bound && s.cfg.Socket != "" {
		_ = os.Remove(s.cfg.Socket)
	}
	return err
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	tok, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && subtle.ConstantTimeCompare([]byte(tok), []byte(s.cfg.AuthToken)) == 1
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("upgrade failed", logx.Err(err))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &conn{ws: ws, peer: r.RemoteAddr, writeTimeout: s.cfg.WriteTimeout, cancel: cancel}
	if c.peer == "" || c.peer == "@" {
		c.peer = "unix"
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		_ = ws.Close()
		return
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		cancel()
		_ = ws.Close()
		s.wg.Done()
		s.log.Debug("caller disconnected", logx.String("peer", c.peer))
	}()
	s.log.Debug("caller connected", logx.String("peer", c.peer))
	s.serveConn(ctx, c)
}

func (s *Server) serveConn(ctx context.Context, c *conn) {
	c.ws.SetReadLimit(s.cfg.MaxMessageBytes)
	deadline := func() time.Time { return time.Now().Add(2 * s.cfg.PingInterval) }
	_ = c.ws.SetReadDeadline(deadline())
	c.ws.SetPongHandler(func(string) error { return c.ws.SetReadDeadline(deadline()) })

	go s.pingLoop(ctx, c)

	for {
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("read failed", logx.String("peer", c.peer), logx.Err(err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(deadline())

		if f.Type != FrameCall {
			_ = c.write(Frame{Type: FrameError, Seq: f.Seq, Error: &transport.Error{Code: "bad_frame", Message: "unexpected frame type " + f.Type}})
			continue
		}
		resp := s.handler.HandleMethodCall(ctx, transport.MethodCall{Method: f.Method, Args: f.Args, Peer: c.peer})
		if err := c.write(responseFrame(f.Seq, resp)); err != nil {
			s.log.Debug("write failed", logx.String("peer", c.peer), logx.Err(err))
			return
		}
	}
}

func (s *Server) pingLoop(ctx context.Context, c *conn) {
	t := time.NewTicker(s.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				return
			}
		}
	}
}

// InvokeMethod sends an invoke frame to every connected caller. It fails
// only if nobody received it.
func (s *Server) InvokeMethod(ctx context.Context, method string, args any) error {
	b, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode %s args: %w", method, err)
	}
	f := Frame{Type: FrameInvoke, Method: method, Args: b}

	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	if len(conns) == 0 {
		return ErrNoCallers
	}

	var errs []error
	for _, c := range conns {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.write(f); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.peer, err))
		}
	}
	if len(errs) == len(conns) {
		return errors.Join(errs...)
	}
	return nil
}

// ErrNoCallers is returned by InvokeMethod when no caller is connected.
var ErrNoCallers = errors.New("no connected callers")

func (c *conn) write(f Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteJSON(f)
}

func (c *conn) close(code int, reason string) {
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	c.cancel()
	_ = c.ws.Close()
}
