// Package connectivity tracks whether the server is believed reachable.
package connectivity

import (
	"context"
	"sync"
	"time"

	"histeeria-chatsync/internal/logging"

	"go.uber.org/zap"
)

// Pinger checks reachability of the server.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Monitor is an observable online flag. Listeners hear transitions only.
type Monitor struct {
	logger *zap.Logger

	mu        sync.Mutex
	online    bool
	listeners map[uint64]func(online bool)
	nextID    uint64
}

func NewMonitor(initial bool, logger *zap.Logger) *Monitor {
	return &Monitor{
		online:    initial,
		logger:    logging.OrNop(logger),
		listeners: make(map[uint64]func(bool)),
	}
}

func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set records the current state and notifies listeners if it changed.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	targets := make([]func(bool), 0, len(m.listeners))
	for _, l := range m.listeners {
		targets = append(targets, l)
	}
	m.mu.Unlock()

	m.logger.Info("Connectivity: changed", zap.Bool("online", online))
	for _, l := range targets {
		l(online)
	}
}

// Subscribe registers fn for transitions and returns a function removing it.
func (m *Monitor) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// Probe pings p every interval and updates the flag until ctx is done.
func (m *Monitor) Probe(ctx context.Context, p Pinger, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	check := func() {
		pctx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		err := p.Ping(pctx)
		if err != nil && ctx.Err() == nil {
			m.logger.Debug("Connectivity: probe failed", zap.Error(err))
		}
		if ctx.Err() == nil {
			m.Set(err == nil)
		}
	}

	check()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}
