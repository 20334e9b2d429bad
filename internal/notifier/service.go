package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"rssbot/internal/eventbus"
	"rssbot/internal/relay"
	rtsup "rssbot/internal/runtime/supervisor"
	"rssbot/internal/transport"
	logx "rssbot/pkg/logx"
)

// Service implements relay.Dispatcher:
// per-room ordered queues + worker pool + rate limit + retry.
//
// It is safe for concurrent use. Before Start (or without it) Dispatch
// delivers synchronously.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender transport.Sender
	bus    eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	stopped   bool
	sendWG    sync.WaitGroup
	queues    []chan job
	sup       *rtsup.Supervisor

	sent   atomic.Uint64
	failed atomic.Uint64
}

var _ relay.Dispatcher = (*Service)(nil)

func New(cfg Config, sender transport.Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{sender: sender, log: log, bus: bus}
	s.applyLocked(cfg)
	return s
}

// Apply updates limits and retry policy. Worker count changes take effect on
// the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}

	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.queues != nil {
		s.mu.Unlock()
		return
	}
	workers := s.cfg.Workers
	s.queues = make([]chan job, workers)
	for i := range s.queues {
		s.queues[i] = make(chan job, s.cfg.QueueSize)
	}
	s.accepting = true
	s.stopped = false
	// Workers outlive the caller's ctx so Stop can drain; only Stop cancels them.
	s.sup = rtsup.New(context.WithoutCancel(ctx),
		rtsup.WithLogger(s.log.With(logx.String("comp", "notifier"))),
		// delivery failures should not take down the whole app
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	queues := s.queues
	s.mu.Unlock()

	for i, q := range queues {
		q := q
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			if c.Err() != nil {
				return c.Err()
			}
			s.mu.Lock()
			stopping := !s.accepting
			s.mu.Unlock()
			if stopping {
				return nil
			}
			return errors.New("notifier worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("notifier started", logx.Int("workers", workers))
}

// Stop stops intake and drains queued sends until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	queues := s.queues
	sup := s.sup
	if queues == nil || !s.accepting {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	s.stopped = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Wait for in-flight enqueues, then close so workers drain and exit.
		s.sendWG.Wait()
		for _, q := range queues {
			close(q)
		}
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queues = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
		s.log.Info("notifier stopped")
	case <-ctx.Done():
		s.log.Warn("notifier drain timed out; dropping pending sends", logx.Int("pending", s.Stats().Pending))
		sup.Cancel()
		// cancelled workers count what is left as failed
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	}
}

// Supervisor returns the worker supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

func (s *Service) Stats() Stats {
	st := Stats{Sent: s.sent.Load(), Failed: s.failed.Load()}
	s.mu.Lock()
	for _, q := range s.queues {
		st.Pending += len(q)
	}
	s.mu.Unlock()
	return st
}

// Dispatch implements relay.Dispatcher. It blocks only while a room's queue
// is full.
func (s *Service) Dispatch(ctx context.Context, rooms []string, msg relay.Message) {
	s.mu.Lock()
	queues := s.queues
	accepting := s.accepting
	stopped := s.stopped
	if accepting {
		s.sendWG.Add(1)
	}
	s.mu.Unlock()

	switch {
	case accepting:
		defer s.sendWG.Done()
	case stopped:
		s.log.Warn("notifier stopped; dropping announcement", logx.Strings("rooms", rooms))
		for _, room := range rooms {
			s.fail(room, ErrStopped)
		}
		return
	default:
		for _, room := range rooms {
			s.deliver(ctx, job{room: room, plain: msg.Plain, html: msg.HTML})
		}
		return
	}

	for _, room := range rooms {
		j := job{room: room, plain: msg.Plain, html: msg.HTML}
		q := queues[shard(room, len(queues))]
		select {
		case q <- j:
		case <-ctx.Done():
			s.fail(room, ctx.Err())
		}
	}
}

func shard(room string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(room))
	return int(h.Sum32() % uint32(n))
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			s.abandon(q, ctx.Err())
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, j)
		}
	}
}

// abandon counts every job still queued in q as failed.
func (s *Service) abandon(q <-chan job, err error) {
	for {
		select {
		case j, ok := <-q:
			if !ok {
				return
			}
			s.fail(j.room, err)
		default:
			return
		}
	}
}

func (s *Service) deliver(ctx context.Context, j job) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.RetryBase
	b.MaxInterval = cfg.RetryMaxDelay
	b.RandomizationFactor = 0.3
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(cfg.RetryMax)), ctx)

	attempt := 0
	op := func() error {
		attempt++
		if err := lim.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		defer cancel()
		return s.sender.SendNotice(callCtx, j.room, j.plain, j.html)
	}
	notify := func(err error, next time.Duration) {
		s.log.Debug("send failed; retrying",
			logx.String("room", j.room), logx.Int("attempt", attempt), logx.Duration("delay", next), logx.Err(err))
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		s.fail(j.room, err)
		return
	}
	s.sent.Add(1)
	s.publish(eventbus.TypeMessageSent, j.room, nil)
}

func (s *Service) fail(room string, err error) {
	s.failed.Add(1)
	s.log.Warn("announcement not delivered", logx.String("room", room), logx.Err(err))
	s.publish(eventbus.TypeMessageFailed, room, err)
}

func (s *Service) publish(typ, room string, err error) {
	if s.bus == nil {
		return
	}
	data := map[string]any{"room": room}
	if err != nil {
		data["err"] = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
