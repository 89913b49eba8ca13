// Package background is the long-lived execution context that owns uploads,
// the mutation queue and the offline cache on behalf of every page.
//
// Pages post commands; the Run loop drains them in order and dispatches.
// Network-bound work runs on tracked goroutines so later commands, such as a
// cancel, are handled while a request is in flight. Results reach pages only
// as events on the bus. Failures are logged and produce no event.
package background

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/mmcdole/kinosync/internal/assetcache"
	"github.com/mmcdole/kinosync/internal/bus"
	"github.com/mmcdole/kinosync/internal/domain"
	"github.com/mmcdole/kinosync/internal/mutation"
	"github.com/mmcdole/kinosync/internal/upload"
)

// ErrClosed is returned to pages posting after the service stopped.
var ErrClosed = errors.New("background service stopped")

// Service is the background execution context.
type Service struct {
	uploads *upload.Manager
	actions *mutation.Queue
	assets  *assetcache.Cache
	hub     *bus.Hub
	logger  *slog.Logger

	commands *commandQueue
	wg       sync.WaitGroup

	mu    sync.Mutex
	lanes map[string]*uploadLane // Chunks queued or in flight, by upload id

	replayMu sync.Mutex
}

// chunkJob is one UPLOAD_CHUNK waiting for its turn.
type chunkJob struct {
	page  context.Context
	chunk []byte
}

// uploadLane holds the chunks of one upload. A single worker drains it in
// posting order, since a chunk carries no offset of its own.
type uploadLane struct {
	jobs []chunkJob
}

// New creates a background service. Call Run to start processing.
func New(uploads *upload.Manager, actions *mutation.Queue, assets *assetcache.Cache, hub *bus.Hub, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		uploads:  uploads,
		actions:  actions,
		assets:   assets,
		hub:      hub,
		logger:   logger,
		commands: newCommandQueue(),
		lanes:    make(map[string]*uploadLane),
	}
}

// Post queues cmd from the page with bus client id from. ctx is the page's
// lifetime. Returns false after the service stopped.
func (s *Service) Post(ctx context.Context, from string, cmd domain.Command) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.commands.Enqueue(envelope{ctx: ctx, from: from, cmd: cmd})
}

// Pending returns the number of commands waiting for the Run loop.
func (s *Service) Pending() int {
	return s.commands.Len()
}

// Run processes commands until ctx is done, then waits for in-flight work.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("background service started")
	defer s.logger.Info("background service stopped")

	for {
		for {
			env, ok := s.commands.TryDequeue()
			if !ok {
				break
			}
			s.dispatch(ctx, env)
		}

		select {
		case <-ctx.Done():
			s.commands.Close()
			s.wg.Wait()
			return nil
		case _, ok := <-s.commands.Wait():
			if !ok {
				s.wg.Wait()
				return nil
			}
		}
	}
}

// Wake runs the deferred work registered under tag. The error asks the
// scheduler to retry.
func (s *Service) Wake(ctx context.Context, tag string) error {
	switch tag {
	case mutation.ReplayTag:
		_, err := s.replay(ctx)
		return err
	default:
		s.logger.Warn("wake for unknown tag", "tag", tag)
		return nil
	}
}

// Attach connects an in-process page.
func (s *Service) Attach(buffer int) *Conn {
	return &Conn{svc: s, client: s.hub.Connect(buffer)}
}

// Conn is an in-process page connection.
type Conn struct {
	svc    *Service
	client *bus.Client
}

// ID returns the page's bus client id.
func (c *Conn) ID() string { return c.client.ID }

// Send posts cmd on behalf of this page.
func (c *Conn) Send(ctx context.Context, cmd domain.Command) error {
	if !c.svc.Post(ctx, c.client.ID, cmd) {
		return ErrClosed
	}
	return nil
}

// Events returns the page's event stream. Closed by Close.
func (c *Conn) Events() <-chan domain.Event { return c.client.Events }

// Close detaches the page. In-flight work continues.
func (c *Conn) Close() error {
	c.svc.hub.Disconnect(c.client.ID)
	return nil
}

// spawn runs fn on a tracked goroutine.
func (s *Service) spawn(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// enqueueChunk appends job to the upload's lane, starting a worker if idle.
func (s *Service) enqueueChunk(ctx context.Context, uploadID string, job chunkJob) {
	s.mu.Lock()
	lane, running := s.lanes[uploadID]
	if !running {
		lane = &uploadLane{}
		s.lanes[uploadID] = lane
	}
	lane.jobs = append(lane.jobs, job)
	s.mu.Unlock()

	if !running {
		s.spawn(func() { s.drainLane(ctx, uploadID, lane) })
	}
}

// nextChunk pops the lane's next job. An empty lane is retired.
func (s *Service) nextChunk(uploadID string, lane *uploadLane) (chunkJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(lane.jobs) == 0 {
		delete(s.lanes, uploadID)
		return chunkJob{}, false
	}
	job := lane.jobs[0]
	lane.jobs[0] = chunkJob{}
	lane.jobs = lane.jobs[1:]
	return job, true
}

// dropChunks discards queued chunks that were cut against an offset that
// did not advance. The page resends from the confirmed offset.
func (s *Service) dropChunks(uploadID string, lane *uploadLane) {
	s.mu.Lock()
	n := len(lane.jobs)
	lane.jobs = nil
	s.mu.Unlock()

	if n > 0 {
		s.logger.Info("queued chunks dropped", "uploadID", uploadID, "count", n)
	}
}

func (s *Service) uploadActive(uploadID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.lanes[uploadID]
	return ok
}

// pageScoped derives a context that ends with either the service or the page.
func pageScoped(base, page context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(base)
	stop := context.AfterFunc(page, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (s *Service) broadcast(t domain.EventType, payload any) {
	evt, err := domain.NewEvent(t, payload)
	if err != nil {
		s.logger.Error("failed to build event", "type", t, "error", err)
		return
	}
	s.hub.Broadcast(evt)
}

func (s *Service) reply(env envelope, t domain.EventType, payload any) {
	evt, err := domain.NewEvent(t, payload)
	if err != nil {
		s.logger.Error("failed to build event", "type", t, "error", err)
		return
	}
	evt.RequestID = env.cmd.RequestID
	s.hub.Respond(env.from, evt)
}
