package tui

import (
	"sync"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mmcdole/kinosync/internal/domain"
)

// EventBridge adapts a page subscription to a channel for Bubble Tea.
type EventBridge struct {
	ch          chan domain.Event
	unsubscribe func()

	mu     sync.Mutex
	closed bool
}

// NewEventBridge subscribes to b and buffers up to size events.
func NewEventBridge(b Backend, size int) *EventBridge {
	br := &EventBridge{ch: make(chan domain.Event, size)}
	br.unsubscribe = b.Subscribe(br.deliver)
	return br
}

// deliver forwards evt without blocking the page pump. Events beyond the
// buffer are dropped; the dashboard refreshes on the next one it sees.
func (br *EventBridge) deliver(evt domain.Event) {
	br.mu.Lock()
	defer br.mu.Unlock()
	if br.closed {
		return
	}
	select {
	case br.ch <- evt:
	default:
	}
}

// Wait returns a command that yields the next event.
func (br *EventBridge) Wait() tea.Cmd {
	return func() tea.Msg {
		evt, ok := <-br.ch
		if !ok {
			return BridgeClosedMsg{}
		}
		return EventMsg{Event: evt}
	}
}

// Close unsubscribes and ends the stream.
func (br *EventBridge) Close() {
	br.unsubscribe()

	br.mu.Lock()
	defer br.mu.Unlock()
	if !br.closed {
		br.closed = true
		close(br.ch)
	}
}
