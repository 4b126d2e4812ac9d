package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"notifyd/internal/eventbus"
	"notifyd/internal/notify"
	rtsup "notifyd/internal/runtime/supervisor"
	logx "notifyd/pkg/logx"
)

var (
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

type job struct {
	op  Op
	key string
	n   notify.Notification
}

// Service implements the dispatch pipeline:
// sharded queues + worker per shard + rate limit + retry.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	surface Surface
	bus     eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	shards    []chan job
	sup       *rtsup.Supervisor
	fwdCancel context.CancelFunc
	stopDone  chan struct{} // non-nil while stopping

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, surface Surface, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		surface: surface,
		log:     log,
		bus:     bus,
	}
	s.applyLocked(cfg)
	return s
}

// Apply updates rate and retry settings immediately. Worker and queue sizes
// take effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 10
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 250 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 5 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}

	s.cfg = cfg
	if s.limiter == nil {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
		return
	}
	s.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
	s.limiter.SetBurst(cfg.RatePerSec)
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.sup != nil {
		s.mu.Unlock()
		return
	}

	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.accepting = true
	if s.cfg.Enabled {
		s.shards = make([]chan job, s.cfg.Workers)
		for i := range s.shards {
			s.shards[i] = make(chan job, s.cfg.QueueSize)
		}
	}
	shards := s.shards
	s.mu.Unlock()

	for i, q := range shards {
		q := q
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("notifier worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}

	if ch := s.surface.Interactions(); ch != nil {
		fwdCtx, cancel := context.WithCancel(sup.Context())
		s.mu.Lock()
		s.fwdCancel = cancel
		s.mu.Unlock()
		sup.Go0("interactions", func(context.Context) { s.forwardInteractions(fwdCtx, ch) })
	}
	s.log.Info("notifier started", logx.Int("shards", len(shards)), logx.Bool("async", len(shards) > 0))
}

// Stop stops intake and drains queued jobs best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	sup := s.sup
	if sup == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	shards := s.shards
	fwdCancel := s.fwdCancel
	s.mu.Unlock()

	go func() {
		defer close(done)
		// Wait for in-flight enqueues, then close the shards so workers drain and exit.
		s.sendWG.Wait()
		for _, q := range shards {
			close(q)
		}
		if fwdCancel != nil {
			fwdCancel()
		}
		_ = sup.Wait(context.Background())
		sup.Cancel()

		s.mu.Lock()
		s.shards = nil
		s.sup = nil
		s.fwdCancel = nil
		s.stopDone = nil
		s.mu.Unlock()
		s.log.Info("notifier stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

// Deliver queues n for display under key.
func (s *Service) Deliver(ctx context.Context, key string, n notify.Notification) error {
	return s.enqueue(ctx, job{op: OpDeliver, key: key, n: n})
}

// Withdraw queues removal of the notification shown under key.
func (s *Service) Withdraw(ctx context.Context, key string) error {
	return s.enqueue(ctx, job{op: OpWithdraw, key: key})
}

func (s *Service) enqueue(ctx context.Context, j job) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if !s.accepting {
		s.mu.Unlock()
		return ErrStopped
	}
	shards := s.shards
	cfg := s.cfg
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	if len(shards) == 0 {
		// Synchronous mode: one attempt, errors go straight back.
		cctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		defer cancel()
		err := s.call(cctx, j)
		s.record(j, 1, err)
		return err
	}

	q := shards[shardFor(j.key, len(shards))]
	select {
	case q <- j:
		return nil
	default:
		s.publish("notifier.dropped", j, 0, ErrQueueFull)
		return ErrQueueFull
	}
}

func shardFor(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, j)
		}
	}
}

func (s *Service) call(ctx context.Context, j job) error {
	switch j.op {
	case OpWithdraw:
		return s.surface.CloseNotification(ctx, j.key)
	default:
		return s.surface.Notify(ctx, j.key, j.n)
	}
}

func (s *Service) sendWithRetry(runCtx context.Context, j job) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	attempt := 1
	for ; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(runCtx); err != nil {
			return
		}

		callCtx, cancel := context.WithTimeout(runCtx, cfg.SendTimeout)
		err := s.call(callCtx, j)
		cancel()
		if err == nil {
			s.record(j, attempt, nil)
			return
		}
		lastErr = err
		s.log.Debug("dispatch failed", logx.String("op", string(j.op)), logx.String("key", j.key), logx.Int("attempt", attempt), logx.Int("max", maxAttempts), logx.Err(err))

		if attempt >= maxAttempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-runCtx.Done():
			t.Stop()
			return
		}
	}
	s.record(j, attempt, lastErr)
}

func (s *Service) record(j job, attempts int, err error) {
	item := HistoryItem{At: time.Now(), Op: j.op, Key: j.key, Title: j.n.Title}
	if err != nil {
		item.Error = err.Error()
	}
	s.appendHistory(item)

	switch {
	case err != nil:
		s.log.Warn("dispatch gave up", logx.String("op", string(j.op)), logx.String("key", j.key), logx.Int("attempts", attempts), logx.Err(err))
		s.publish("notifier.failed", j, attempts, err)
	case j.op == OpWithdraw:
		s.publish("notifier.withdrawn", j, attempts, nil)
	default:
		s.publish("notifier.delivered", j, attempts, nil)
	}
}

func (s *Service) publish(typ string, j job, attempts int, err error) {
	if s.bus == nil {
		return
	}
	ev := DispatchEvent{Op: j.op, Key: j.key, Attempts: attempts, At: time.Now()}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}

func (s *Service) forwardInteractions(ctx context.Context, ch <-chan notify.Interaction) {
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-ch:
			if !ok {
				return
			}
			s.log.Debug("notification selected", logx.Int64("id", in.ID), logx.String("action", in.Action))
			if s.bus != nil {
				s.bus.Publish(eventbus.Event{Type: EventSelected, Data: in})
			}
		}
	}
}

// Snapshot returns the recent dispatch history, oldest first.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(item HistoryItem) {
	s.mu.Lock()
	limit := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > limit {
		s.history = s.history[len(s.history)-limit:]
	}
	s.hmu.Unlock()
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1; the delay is for the next attempt.
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	return min(max(d, 0), cfg.RetryMaxDelay)
}
