package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"notifyd/internal/transport"
	logx "notifyd/pkg/logx"
)

type handlerFunc func(ctx context.Context, call transport.MethodCall) transport.Response

func (f handlerFunc) HandleMethodCall(ctx context.Context, call transport.MethodCall) transport.Response {
	return f(ctx, call)
}

func echoHandler() transport.Handler {
	return handlerFunc(func(_ context.Context, call transport.MethodCall) transport.Response {
		switch call.Method {
		case "echo":
			var v any
			if len(call.Args) > 0 {
				_ = json.Unmarshal(call.Args, &v)
			}
			return transport.Success(v)
		case "fail":
			return transport.Failure("fail_error", "boom", nil)
		default:
			return transport.NotImplemented()
		}
	})
}

func startHTTP(t *testing.T, cfg Config, h transport.Handler) (*Server, string) {
	t.Helper()
	srv := New(cfg, h, logx.Nop())
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
		ts.Close()
	})
	return srv, ts.Listener.Addr().String()
}

func dial(t *testing.T, tg Target) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, tg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCallResultErrorAndNotImplemented(t *testing.T) {
	t.Parallel()
	_, addr := startHTTP(t, Config{}, echoHandler())
	c := dial(t, Target{Addr: addr})
	ctx := context.Background()

	res, err := c.Call(ctx, "echo", map[string]any{"id": 3})
	require.NoError(t, err)
	require.JSONEq(t, `{"id":3}`, string(res))

	res, err = c.Call(ctx, "echo", nil)
	require.NoError(t, err)
	require.Equal(t, "null", string(res))

	_, err = c.Call(ctx, "fail", nil)
	var terr *transport.Error
	require.True(t, errors.As(err, &terr))
	require.Equal(t, "fail_error", terr.Code)
	require.Equal(t, "boom", terr.Message)

	_, err = c.Call(ctx, "nope", nil)
	require.ErrorIs(t, err, ErrNotImplemented)
}

func TestCallsOnOneConnectionRunInOrder(t *testing.T) {
	t.Parallel()
	var (
		mu  sync.Mutex
		got []string
	)
	h := handlerFunc(func(_ context.Context, call transport.MethodCall) transport.Response {
		mu.Lock()
		got = append(got, string(call.Args))
		mu.Unlock()
		return transport.Success(nil)
	})
	_, addr := startHTTP(t, Config{}, h)
	c := dial(t, Target{Addr: addr})

	for i := 0; i < 20; i++ {
		_, err := c.Call(context.Background(), "m", i)
		require.NoError(t, err)
	}
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 20)
	for i, a := range got {
		b, _ := json.Marshal(i)
		require.Equal(t, string(b), a)
	}
}

func TestAuthToken(t *testing.T) {
	t.Parallel()
	_, addr := startHTTP(t, Config{AuthToken: "s3cret"}, echoHandler())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := Dial(ctx, Target{Addr: addr})
	require.Error(t, err)
	_, err = Dial(ctx, Target{Addr: addr, AuthToken: "wrong"})
	require.Error(t, err)

	c := dial(t, Target{Addr: addr, AuthToken: "s3cret"})
	_, err = c.Call(ctx, "echo", 1)
	require.NoError(t, err)
}

func TestUnauthorizedStatus(t *testing.T) {
	t.Parallel()
	srv := New(Config{AuthToken: "x"}, echoHandler(), logx.Nop())
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestInvokeReachesCallers(t *testing.T) {
	t.Parallel()
	srv, addr := startHTTP(t, Config{}, echoHandler())
	ctx := context.Background()

	require.ErrorIs(t, srv.InvokeMethod(ctx, "selectNotification", nil), ErrNoCallers)

	c := dial(t, Target{Addr: addr})
	// A round trip guarantees the server has registered the connection.
	_, err := c.Call(ctx, "echo", nil)
	require.NoError(t, err)

	require.NoError(t, srv.InvokeMethod(ctx, "selectNotification", map[string]any{"id": 4, "payload": "p"}))
	select {
	case in := <-c.Invocations():
		require.Equal(t, "selectNotification", in.Method)
		require.JSONEq(t, `{"id":4,"payload":"p"}`, string(in.Args))
	case <-time.After(2 * time.Second):
		t.Fatal("no invoke frame")
	}
}

func TestUnixSocketStartStop(t *testing.T) {
	t.Parallel()
	sock := filepath.Join(t.TempDir(), "n.sock")
	srv := New(Config{Socket: sock}, echoHandler(), logx.Nop())
	require.NoError(t, srv.Start(context.Background()))
	require.NotEmpty(t, srv.Addr())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, Target{Socket: sock})
	require.NoError(t, err)
	res, err := c.Call(ctx, "echo", "hi")
	require.NoError(t, err)
	require.Equal(t, `"hi"`, string(res))

	require.NoError(t, srv.Stop(ctx))
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client not closed by server stop")
	}
	_, err = c.Call(ctx, "echo", nil)
	require.ErrorIs(t, err, ErrClosed)
	_ = c.Close()
}

func TestResponseFrame(t *testing.T) {
	t.Parallel()
	require.Equal(t, Frame{Type: FrameNotImplemented, Seq: 1}, responseFrame(1, transport.NotImplemented()))

	f := responseFrame(2, transport.Failure("c", "m", nil))
	require.Equal(t, FrameError, f.Type)
	require.Equal(t, "c", f.Error.Code)

	f = responseFrame(3, transport.Success(make(chan int)))
	require.Equal(t, FrameError, f.Type)
	require.Equal(t, "encode_error", f.Error.Code)

	f = responseFrame(4, transport.Success([]int{1}))
	require.Equal(t, json.RawMessage(`[1]`), f.Result)
}
