// Package connectivity tracks whether the remote API is reachable and fires
// deferred work when it becomes reachable again.
package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Monitor holds the current online state and notifies subscribers of changes.
type Monitor struct {
	mu     sync.RWMutex
	online bool
	subs   map[int]chan bool
	nextID int
	logger *slog.Logger
}

// NewMonitor creates a monitor with the given initial state.
func NewMonitor(online bool, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		online: online,
		subs:   make(map[int]chan bool),
		logger: logger,
	}
}

// Online reports the last known state. It can be wrong in either direction.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Set records a new state. Subscribers hear only about transitions.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.online == online {
		return
	}
	m.online = online
	m.logger.Info("connectivity changed", "online", online)

	for _, ch := range m.subs {
		// Keep only the latest state for slow subscribers.
		select {
		case <-ch:
		default:
		}
		ch <- online
	}
}

// Subscribe returns a channel of state transitions and a function to stop.
func (m *Monitor) Subscribe() (<-chan bool, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	ch := make(chan bool, 1)
	m.subs[id] = ch
	return ch, func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Prober drives a Monitor from periodic HTTP HEAD requests.
type Prober struct {
	client   *http.Client
	url      string
	interval time.Duration
	monitor  *Monitor
	logger   *slog.Logger
}

// NewProber creates a prober for url. A nil client gets one with a short timeout.
func NewProber(url string, interval time.Duration, monitor *Monitor, client *http.Client, logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Prober{client: client, url: url, interval: interval, monitor: monitor, logger: logger}
}

// Probe checks the endpoint once and updates the monitor. Any response below
// 500 counts as reachable.
func (p *Prober) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		p.logger.Error("bad probe url", "url", p.url, "error", err)
		return p.monitor.Online()
	}

	online := false
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("probe failed", "url", p.url, "error", err)
	} else {
		resp.Body.Close()
		online = resp.StatusCode < http.StatusInternalServerError
	}

	if ctx.Err() != nil {
		return p.monitor.Online()
	}
	p.monitor.Set(online)
	return online
}

// Run probes immediately and then every interval until ctx is done.
func (p *Prober) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}
