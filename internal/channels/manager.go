package channels

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// Manager owns the lifecycle of all registered channel adapters.
type Manager struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

// NewManager creates an empty channel manager.
// Channels are registered externally via RegisterChannel.
func NewManager() *Manager {
	return &Manager{channels: make(map[string]Channel)}
}

// RegisterChannel adds a channel. A channel with the same name is replaced.
func (m *Manager) RegisterChannel(channel Channel) {
	m.mu.Lock()
	m.channels[channel.Name()] = channel
	m.mu.Unlock()
}

func (m *Manager) UnregisterChannel(name string) {
	m.mu.Lock()
	delete(m.channels, name)
	m.mu.Unlock()
}

// GetChannel returns a channel by name.
func (m *Manager) GetChannel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// Channels returns the registered channels sorted by name.
func (m *Manager) Channels() []Channel {
	m.mu.RLock()
	out := make([]Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		out = append(out, ch)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// StartAll starts every registered channel. A channel that fails to start
// is logged and skipped; the others keep running.
func (m *Manager) StartAll(ctx context.Context) error {
	chans := m.Channels()
	if len(chans) == 0 {
		slog.Warn("no channels enabled")
		return nil
	}
	for _, ch := range chans {
		slog.Info("starting channel", "channel", ch.Name())
		if err := ch.Start(ctx); err != nil {
			slog.Error("failed to start channel", "channel", ch.Name(), "error", err)
		}
	}
	return nil
}

// StopAll gracefully stops all channels.
func (m *Manager) StopAll(ctx context.Context) error {
	for _, ch := range m.Channels() {
		if !ch.IsRunning() {
			continue
		}
		slog.Info("stopping channel", "channel", ch.Name())
		if err := ch.Stop(ctx); err != nil {
			slog.Error("error stopping channel", "channel", ch.Name(), "error", err)
		}
	}
	return nil
}

// Status reports per-channel running state for the status method.
func (m *Manager) Status() map[string]bool {
	out := make(map[string]bool)
	for _, ch := range m.Channels() {
		out[ch.Name()] = ch.IsRunning()
	}
	return out
}
