package pprof

import (
	"context"
	"net/http"
	"runtime"
	"testing"
	"time"

	logx "notifyd/pkg/logx"
)

func get(t *testing.T, url, token string) int {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	_ = resp.Body.Close()
	return resp.StatusCode
}

func TestApplyEnableDisable(t *testing.T) {
	s := New(logx.Nop())
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	prevMutex := runtime.SetMutexProfileFraction(-1)
	t.Cleanup(func() {
		runtime.SetMutexProfileFraction(prevMutex)
		runtime.SetBlockProfileRate(0)
	})

	ctx := context.Background()
	s.Apply(ctx, Config{Enabled: true, Addr: "127.0.0.1:0", MutexProfileFraction: 7})
	addr := s.Addr()
	if addr == "" {
		t.Fatal("expected a bound address")
	}
	if code := get(t, "http://"+addr+"/debug/pprof/", ""); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if got := runtime.SetMutexProfileFraction(-1); got != 7 {
		t.Fatalf("mutex profile fraction = %d, want 7", got)
	}

	s.Apply(ctx, Config{Enabled: false})
	if addr := s.Addr(); addr != "" {
		t.Fatalf("expected listener to stop, still at %s", addr)
	}
}

func TestTokenRequired(t *testing.T) {
	s := New(logx.Nop())
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	s.Apply(context.Background(), Config{Enabled: true, Addr: "127.0.0.1:0", Token: "s3cret"})
	url := "http://" + s.Addr() + "/debug/pprof/"

	if code := get(t, url, ""); code != http.StatusUnauthorized {
		t.Fatalf("without token: status = %d", code)
	}
	if code := get(t, url, "s3cret"); code != http.StatusOK {
		t.Fatalf("with token: status = %d", code)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		cfg Config
		ok  bool
	}{
		{Config{}, true},
		{Config{Enabled: true}, true},
		{Config{Enabled: true, Addr: "localhost:7000"}, true},
		{Config{Enabled: true, Addr: "0.0.0.0:6060"}, false},
		{Config{Enabled: true, Addr: "0.0.0.0:6060", Token: "t"}, true},
		{Config{Enabled: true, Addr: "nope"}, false},
		{Config{Enabled: true, BlockProfileRate: -1}, false},
	}
	for _, c := range cases {
		if err := c.cfg.Validate(); (err == nil) != c.ok {
			t.Fatalf("Validate(%+v) = %v, want ok=%v", c.cfg, err, c.ok)
		}
	}
}

func TestMountedHandlerSharesTokenGate(t *testing.T) {
	s := New(logx.Nop())
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	s.Handle("/debug/extra", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	s.Apply(context.Background(), Config{Enabled: true, Addr: "127.0.0.1:0", Token: "t"})
	url := "http://" + s.Addr() + "/debug/extra"

	if code := get(t, url, ""); code != http.StatusUnauthorized {
		t.Fatalf("without token: status = %d", code)
	}
	if code := get(t, url, "t"); code != http.StatusTeapot {
		t.Fatalf("with token: status = %d", code)
	}
}
