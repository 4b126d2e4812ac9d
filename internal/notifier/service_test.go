package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"notifyd/internal/eventbus"
	"notifyd/internal/notify"
	logx "notifyd/pkg/logx"
)

type surfaceCall struct {
	op  Op
	key string
}

type fakeSurface struct {
	mu       sync.Mutex
	calls    []surfaceCall
	failures int   // remaining Notify failures
	err      error // returned while failures > 0; always when failures < 0

	gate    chan struct{} // when set, Notify blocks until closed
	entered chan struct{}

	interactions chan notify.Interaction
}

func (f *fakeSurface) Notify(ctx context.Context, key string, _ notify.Notification) error {
	if f.gate != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures < 0 {
		return f.err
	}
	if f.failures > 0 {
		f.failures--
		return f.err
	}
	f.calls = append(f.calls, surfaceCall{op: OpDeliver, key: key})
	return nil
}

func (f *fakeSurface) CloseNotification(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, surfaceCall{op: OpWithdraw, key: key})
	return nil
}

func (f *fakeSurface) Interactions() <-chan notify.Interaction {
	if f.interactions == nil {
		return nil
	}
	return f.interactions
}

func (f *fakeSurface) snapshot() []surfaceCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]surfaceCall(nil), f.calls...)
}

func testConfig() Config {
	return Config{
		Enabled:       true,
		Workers:       4,
		QueueSize:     256,
		RatePerSec:    1000,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
		SendTimeout:   time.Second,
	}
}

func stop(t *testing.T, s *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.Stop(ctx)
	require.NoError(t, ctx.Err(), "stop did not drain in time")
}

func waitEvent(t *testing.T, ch <-chan eventbus.Event) eventbus.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
		return eventbus.Event{}
	}
}

func TestPerKeyOrderIsPreserved(t *testing.T) {
	t.Parallel()
	surf := &fakeSurface{}
	s := New(testConfig(), surf, logx.Nop(), nil)
	s.Start(context.Background())

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		for id := int64(1); id <= 3; id++ {
			key := notify.ExternalKey(id)
			require.NoError(t, s.Deliver(ctx, key, notify.Notification{ID: id, Title: fmt.Sprint(i)}))
			require.NoError(t, s.Withdraw(ctx, key))
		}
	}
	stop(t, s)

	perKey := map[string][]Op{}
	for _, c := range surf.snapshot() {
		perKey[c.key] = append(perKey[c.key], c.op)
	}
	require.Len(t, perKey, 3)
	for key, ops := range perKey {
		require.Len(t, ops, 40, key)
		for i, op := range ops {
			if i%2 == 0 {
				require.Equal(t, OpDeliver, op, "%s #%d", key, i)
			} else {
				require.Equal(t, OpWithdraw, op, "%s #%d", key, i)
			}
		}
	}
}

func TestRetriesUntilDelivered(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.SubscribeTypes(4, "notifier.delivered", "notifier.failed")
	defer unsub()

	surf := &fakeSurface{failures: 2, err: errors.New("bus busy")}
	s := New(testConfig(), surf, logx.Nop(), bus)
	s.Start(context.Background())
	defer stop(t, s)

	require.NoError(t, s.Deliver(context.Background(), "k", notify.Notification{ID: 1}))
	e := waitEvent(t, events)
	require.Equal(t, "notifier.delivered", e.Type)
	require.Equal(t, 3, e.Data.(DispatchEvent).Attempts)
}

func TestGivesUpAfterRetryMax(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.SubscribeTypes(4, "notifier.failed")
	defer unsub()

	cfg := testConfig()
	cfg.RetryMax = 1
	surf := &fakeSurface{failures: -1, err: errors.New("no server")}
	s := New(cfg, surf, logx.Nop(), bus)
	s.Start(context.Background())
	defer stop(t, s)

	require.NoError(t, s.Deliver(context.Background(), "k", notify.Notification{ID: 1, Title: "t"}))
	e := waitEvent(t, events)
	ev := e.Data.(DispatchEvent)
	require.Equal(t, 2, ev.Attempts)
	require.Equal(t, "no server", ev.Error)

	hist := s.Snapshot()
	require.Len(t, hist, 1)
	require.Equal(t, "no server", hist[0].Error)
	require.Equal(t, "t", hist[0].Title)
}

func TestQueueFull(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Workers = 1
	cfg.QueueSize = 1
	surf := &fakeSurface{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	s := New(cfg, surf, logx.Nop(), nil)
	s.Start(context.Background())
	ctx := context.Background()

	require.NoError(t, s.Deliver(ctx, "a", notify.Notification{ID: 1}))
	select {
	case <-surf.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never picked up the first job")
	}
	require.NoError(t, s.Deliver(ctx, "b", notify.Notification{ID: 2}))
	require.ErrorIs(t, s.Deliver(ctx, "c", notify.Notification{ID: 3}), ErrQueueFull)

	close(surf.gate)
	stop(t, s)
	require.Len(t, surf.snapshot(), 2)
}

func TestRejectsWhenNotRunning(t *testing.T) {
	t.Parallel()
	s := New(testConfig(), &fakeSurface{}, logx.Nop(), nil)
	require.ErrorIs(t, s.Deliver(context.Background(), "k", notify.Notification{}), ErrStopped)

	s.Start(context.Background())
	stop(t, s)
	require.ErrorIs(t, s.Withdraw(context.Background(), "k"), ErrStopped)
}

func TestSynchronousModeReturnsSurfaceErrors(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Enabled = false
	boom := errors.New("boom")
	surf := &fakeSurface{failures: 1, err: boom}
	s := New(cfg, surf, logx.Nop(), nil)
	s.Start(context.Background())
	defer stop(t, s)

	ctx := context.Background()
	require.ErrorIs(t, s.Deliver(ctx, "k", notify.Notification{}), boom)
	require.NoError(t, s.Deliver(ctx, "k", notify.Notification{}))
	require.Equal(t, []surfaceCall{{op: OpDeliver, key: "k"}}, surf.snapshot())
}

func TestForwardsInteractions(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.SubscribeTypes(4, EventSelected)
	defer unsub()

	surf := &fakeSurface{interactions: make(chan notify.Interaction, 1)}
	s := New(testConfig(), surf, logx.Nop(), bus)
	s.Start(context.Background())
	defer stop(t, s)

	surf.interactions <- notify.Interaction{ID: 9, Payload: "pay", Action: "default"}
	e := waitEvent(t, events)
	require.Equal(t, notify.Interaction{ID: 9, Payload: "pay", Action: "default"}, e.Data)
}

func TestRetryDelayIsBounded(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: 400 * time.Millisecond}
	for attempt := 1; attempt <= 6; attempt++ {
		d := retryDelay(cfg, attempt)
		require.Greater(t, d, time.Duration(0))
		require.LessOrEqual(t, d, cfg.RetryMaxDelay)
	}
	require.GreaterOrEqual(t, retryDelay(cfg, 1), 70*time.Millisecond)
}
