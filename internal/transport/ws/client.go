package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"notifyd/internal/transport"
)

// Target says where a client connects. Socket wins over Addr.
type Target struct {
	Socket    string
	Addr      string
	AuthToken string
	Timeout   time.Duration
}

var (
	// ErrNotImplemented is returned by Call when the daemon does not know the method.
	ErrNotImplemented = errors.New("method not implemented")
	ErrClosed         = errors.New("connection closed")
)

// Client is the caller end of the method channel.
type Client struct {
	ws  *websocket.Conn
	wmu sync.Mutex
	seq atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan Frame
	err     error

	invokes chan transport.MethodCall
	done    chan struct{}
}

func Dial(ctx context.Context, t Target) (*Client, error) {
	if t.Timeout <= 0 {
		t.Timeout = 5 * time.Second
	}
	d := websocket.Dialer{HandshakeTimeout: t.Timeout}
	url := "ws://" + t.Addr + "/"
	switch {
	case t.Socket != "":
		nd := net.Dialer{Timeout: t.Timeout}
		d.NetDial = func(string, string) (net.Conn, error) {
			return nd.DialContext(ctx, "unix", t.Socket)
		}
		url = "ws://localhost/"
	case t.Addr == "":
		return nil, errors.New("transport: socket or addr required")
	}

	header := http.Header{}
	if t.AuthToken != "" {
		header.Set("Authorization", "Bearer "+t.AuthToken)
	}
	ws, resp, err := d.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("dial: %w (check auth token)", err)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		ws:      ws,
		pending: map[uint64]chan Frame{},
		invokes: make(chan transport.MethodCall, 64),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Call sends one method call and waits for its answer. A failure response
// comes back as *transport.Error.
func (c *Client) Call(ctx context.Context, method string, args any) (json.RawMessage, error) {
	var raw json.RawMessage
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("encode args: %w", err)
		}
		raw = b
	}

	seq := c.seq.Add(1)
	ch := make(chan Frame, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.pending[seq] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
	}()

	if err := c.write(Frame{Type: FrameCall, Seq: seq, Method: method, Args: raw}); err != nil {
		return nil, err
	}

	select {
	case f := <-ch:
		switch f.Type {
		case FrameResult:
			return f.Result, nil
		case FrameNotImplemented:
			return nil, ErrNotImplemented
		case FrameError:
			if f.Error == nil {
				return nil, errors.New("error frame without error")
			}
			return nil, f.Error
		default:
			return nil, fmt.Errorf("unexpected frame type %q", f.Type)
		}
	case <-c.done:
		return nil, c.closeErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Invocations delivers invoke frames pushed by the daemon. The channel is
// closed when the connection ends.
func (c *Client) Invocations() <-chan transport.MethodCall { return c.invokes }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Close() error {
	c.wmu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.wmu.Unlock()
	err := c.ws.Close()
	<-c.done
	return err
}

func (c *Client) write(f Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteJSON(f)
}

func (c *Client) closeErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		return ErrClosed
	}
	return c.err
}

func (c *Client) readLoop() {
	defer close(c.invokes)
	defer close(c.done)
	for {
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			c.mu.Lock()
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.err = ErrClosed
			} else {
				c.err = fmt.Errorf("%w: %v", ErrClosed, err)
			}
			c.mu.Unlock()
			return
		}
		if f.Type == FrameInvoke {
			select {
			case c.invokes <- transport.MethodCall{Method: f.Method, Args: f.Args}:
			default:
				// Dropped when the listener falls behind.
			}
			continue
		}
		c.mu.Lock()
		ch := c.pending[f.Seq]
		c.mu.Unlock()
		if ch != nil {
			select {
			case ch <- f:
			default:
			}
		}
	}
}
