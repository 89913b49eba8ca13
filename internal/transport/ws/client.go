package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mmcdole/kinosync/internal/domain"
)

// ErrClosed is returned when sending on a closed connection.
var ErrClosed = errors.New("websocket connection closed")

// Conn is the page side of a websocket connection. It implements page.Transport.
type Conn struct {
	conn   *websocket.Conn
	events chan domain.Event
	logger *slog.Logger

	writeMu sync.Mutex
	closed  bool
	done    chan struct{}
}

// Dial attaches to the background service at url (ws://host/ws).
func Dial(ctx context.Context, url string, logger *slog.Logger) (*Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(maxMessageSize)

	c := &Conn{
		conn:   conn,
		events: make(chan domain.Event, eventBuffer),
		logger: logger,
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// readLoop feeds Events until the socket ends, then closes it.
func (c *Conn) readLoop() {
	defer close(c.done)
	defer close(c.events)

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("background connection lost", "error", err)
			}
			return
		}

		var evt domain.Event
		if err := json.Unmarshal(raw, &evt); err != nil {
			c.logger.Debug("undecodable event dropped", "error", err)
			continue
		}
		c.events <- evt
	}
}

// Send writes cmd to the socket.
func (c *Conn) Send(ctx context.Context, cmd domain.Command) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed {
		return ErrClosed
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteJSON(cmd); err != nil {
		return fmt.Errorf("send %s: %w", cmd.Type, err)
	}
	return nil
}

// Events returns the event stream. It is closed when the connection ends.
func (c *Conn) Events() <-chan domain.Event { return c.events }

// Close says goodbye and waits for the read loop to end.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	if c.closed {
		c.writeMu.Unlock()
		<-c.done
		return nil
	}
	c.closed = true
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	c.writeMu.Unlock()

	select {
	case <-c.done:
	case <-time.After(writeWait):
	}
	err := c.conn.Close()
	<-c.done
	return err
}
