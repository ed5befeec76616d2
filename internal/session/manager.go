package session

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/andresmejia3/faceauth/internal/store"
)

// Factory builds the analyzer for a new channel.
type Factory func(ctx context.Context, channel string) (Analyzer, error)

// Manager owns the channels of a process. All channels share one store.
type Manager struct {
	cfg     Config
	store   store.EnrollmentStore
	factory Factory
	logger  *slog.Logger

	mu       sync.Mutex
	channels map[string]*Channel
}

func NewManager(cfg Config, st store.EnrollmentStore, factory Factory, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		store:    st,
		factory:  factory,
		logger:   logger,
		channels: make(map[string]*Channel),
	}
}

// Channel returns the named channel, creating it on first use.
func (m *Manager) Channel(ctx context.Context, name string) (*Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ch, ok := m.channels[name]; ok {
		return ch, nil
	}
	a, err := m.factory(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("channel %s: %w", name, err)
	}
	ch := NewChannel(name, m.cfg, a, m.store, m.logger)
	m.channels[name] = ch
	m.logger.Debug("channel created", "channel", name)
	return ch, nil
}

// Lookup returns an existing channel.
func (m *Manager) Lookup(name string) (*Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// Names lists the channels in lexical order.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Close shuts down every channel.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, ch := range m.channels {
		ch.Close()
		delete(m.channels, name)
	}
}
