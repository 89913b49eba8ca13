package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

// Handler runs deferred work for a tag. A non-nil error asks for a retry.
type Handler func(ctx context.Context) error

// SchedulerOptions tunes retry of failed handlers. Zero values select defaults.
type SchedulerOptions struct {
	RetryBase  time.Duration
	MaxRetries uint64
}

// Scheduler fires registered tags once the monitor reports online. A handler
// that keeps failing is retried with exponential backoff and then left
// pending for the next online transition.
type Scheduler struct {
	monitor *Monitor
	logger  *slog.Logger
	opts    SchedulerOptions

	mu       sync.Mutex
	handlers map[string]Handler
	pending  map[string]bool
	running  map[string]bool
	signal   chan struct{}
	wg       sync.WaitGroup
}

// NewScheduler creates a scheduler driven by monitor.
func NewScheduler(monitor *Monitor, logger *slog.Logger, opts SchedulerOptions) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 2 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 5
	}
	return &Scheduler{
		monitor:  monitor,
		logger:   logger,
		opts:     opts,
		handlers: make(map[string]Handler),
		pending:  make(map[string]bool),
		running:  make(map[string]bool),
		signal:   make(chan struct{}, 1),
	}
}

// Handle sets the handler for tag.
func (s *Scheduler) Handle(tag string, h Handler) {
	s.mu.Lock()
	s.handlers[tag] = h
	s.mu.Unlock()
}

// RegisterSync asks for tag to fire when connectivity allows. Registering
// an already pending tag is a no-op.
func (s *Scheduler) RegisterSync(tag string) {
	s.mu.Lock()
	s.pending[tag] = true
	s.mu.Unlock()
	s.logger.Debug("sync registered", "tag", tag)
	s.poke()
}

// Pending reports whether tag is waiting to fire.
func (s *Scheduler) Pending(tag string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending[tag]
}

func (s *Scheduler) poke() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Run fires pending tags whenever the monitor is online, until ctx is done.
// It waits for running handlers before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	changes, unsubscribe := s.monitor.Subscribe()
	defer unsubscribe()
	defer s.wg.Wait()

	s.fire(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case online := <-changes:
			if online {
				s.fire(ctx)
			}
		case <-s.signal:
			s.fire(ctx)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context) {
	if !s.monitor.Online() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for tag := range s.pending {
		h, ok := s.handlers[tag]
		if !ok || s.running[tag] {
			continue
		}
		delete(s.pending, tag)
		s.running[tag] = true
		s.wg.Add(1)
		go s.run(ctx, tag, h)
	}
}

func (s *Scheduler) run(ctx context.Context, tag string, h Handler) {
	defer s.wg.Done()

	backoff := retry.WithMaxRetries(s.opts.MaxRetries, retry.NewExponential(s.opts.RetryBase))
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := h(ctx)
		if err == nil {
			return nil
		}
		s.logger.Warn("sync handler failed", "tag", tag, "attempt", attempt, "error", err)
		if !s.monitor.Online() {
			// Wait for the next online transition instead.
			return err
		}
		return retry.RetryableError(err)
	})

	s.mu.Lock()
	delete(s.running, tag)
	if err != nil {
		s.pending[tag] = true
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Info("sync left pending", "tag", tag, "error", err)
		return
	}
	s.logger.Info("sync complete", "tag", tag, "attempts", attempt)

	// A registration that arrived while running fires now.
	s.poke()
}
