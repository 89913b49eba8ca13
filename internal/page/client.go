// Package page is the foreground side of the background service: it posts
// commands, correlates unicast replies and fans broadcasts out to listeners.
package page

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/mmcdole/kinosync/internal/domain"
)

// ErrClosed is returned by a closed client.
var ErrClosed = errors.New("page client closed")

// Transport carries commands to the background service and events back.
type Transport interface {
	Send(ctx context.Context, cmd domain.Command) error
	Events() <-chan domain.Event
	Close() error
}

// Client is one page instance.
type Client struct {
	transport Transport
	logger    *slog.Logger

	mu      sync.Mutex
	waiters map[string]chan domain.Event
	subs    map[int]func(domain.Event)
	nextSub int
	closed  bool

	done chan struct{}
}

// New starts a page client over t.
func New(t Transport, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		transport: t,
		logger:    logger,
		waiters:   make(map[string]chan domain.Event),
		subs:      make(map[int]func(domain.Event)),
		done:      make(chan struct{}),
	}
	go c.pump()
	return c
}

// pump delivers events until the transport closes its stream.
func (c *Client) pump() {
	defer close(c.done)
	for evt := range c.transport.Events() {
		if evt.RequestID != "" {
			c.mu.Lock()
			ch, ok := c.waiters[evt.RequestID]
			delete(c.waiters, evt.RequestID)
			c.mu.Unlock()
			if ok {
				ch <- evt
			}
			continue
		}

		c.mu.Lock()
		subs := make([]func(domain.Event), 0, len(c.subs))
		for _, fn := range c.subs {
			subs = append(subs, fn)
		}
		c.mu.Unlock()

		for _, fn := range subs {
			fn(evt)
		}
	}
	c.logger.Debug("page event stream ended")
}

// Post sends cmd without waiting for any reply.
func (c *Client) Post(ctx context.Context, cmd domain.Command) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return c.transport.Send(ctx, cmd)
}

// PostPayload builds and posts a command.
func (c *Client) PostPayload(ctx context.Context, t domain.CommandType, payload any) error {
	cmd, err := domain.NewCommand(t, payload)
	if err != nil {
		return err
	}
	return c.Post(ctx, cmd)
}

// Request sends cmd with a fresh request id and waits for the reply.
// The background service sends no reply on failure, so callers bound ctx.
func (c *Client) Request(ctx context.Context, cmd domain.Command) (domain.Event, error) {
	cmd.RequestID = uuid.NewString()
	ch := make(chan domain.Event, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.Event{}, ErrClosed
	}
	c.waiters[cmd.RequestID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.waiters, cmd.RequestID)
		c.mu.Unlock()
	}()

	if err := c.transport.Send(ctx, cmd); err != nil {
		return domain.Event{}, err
	}

	select {
	case evt := <-ch:
		return evt, nil
	case <-ctx.Done():
		return domain.Event{}, ctx.Err()
	case <-c.done:
		return domain.Event{}, ErrClosed
	}
}

// RequestPayload builds a command, waits for the reply and decodes it into dest.
func (c *Client) RequestPayload(ctx context.Context, t domain.CommandType, payload, dest any) error {
	cmd, err := domain.NewCommand(t, payload)
	if err != nil {
		return err
	}
	evt, err := c.Request(ctx, cmd)
	if err != nil {
		return err
	}
	return evt.Decode(dest)
}

// Subscribe registers fn for broadcast events. Callbacks run on the pump
// goroutine and must not block.
func (c *Client) Subscribe(fn func(domain.Event)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// Close detaches the page. Work already posted continues in the background.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.transport.Close()
	<-c.done
	return err
}
