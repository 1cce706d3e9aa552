package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/video-system/go-capture-encoder/internal/metrics"
)

// Manager orchestrates multiple capture channels
type Manager struct {
	cfg      *Config
	channels map[string]*Channel
	logger   *slog.Logger

	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a channel manager. m may be nil.
func NewManager(cfg *Config, m *metrics.Metrics, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}

	mgr := &Manager{
		cfg:      cfg,
		channels: make(map[string]*Channel),
		logger:   logger,
	}

	for _, chCfg := range cfg.ChannelConfigs() {
		ch, err := NewChannel(chCfg, ChannelOptions{Metrics: m, Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("create channel %s: %w", chCfg.ID, err)
		}
		mgr.channels[chCfg.ID] = ch
		logger.Info("Channel configured", "channel", chCfg.ID, "input", chCfg.Input.Type, "codec", chCfg.Encode.Codec)
	}

	return mgr, nil
}

// Start starts all channels. A channel that fails to start is logged and
// skipped; Start only fails when no channel could start.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	m.logger.Info("Starting channels", "count", len(m.channels))

	var result *multierror.Error
	started := 0
	for _, id := range m.ListChannels() {
		if err := m.channels[id].Start(m.ctx); err != nil {
			m.logger.Warn("Failed to start channel", "channel", id, "error", err)
			result = multierror.Append(result, fmt.Errorf("channel %s: %w", id, err))
			continue
		}
		started++
	}

	if started == 0 && result != nil {
		return result.ErrorOrNil()
	}
	return nil
}

// Stop stops all channels
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()

	var result *multierror.Error
	for _, id := range m.ListChannels() {
		if err := m.channels[id].Stop(); err != nil {
			result = multierror.Append(result, fmt.Errorf("channel %s: %w", id, err))
		}
	}
	m.logger.Info("All channels stopped")
	return result.ErrorOrNil()
}

// Wait blocks until the context passed to Start is cancelled
func (m *Manager) Wait() {
	m.mu.RLock()
	ctx := m.ctx
	m.mu.RUnlock()
	<-ctx.Done()
}

// GetChannel returns a channel by ID
func (m *Manager) GetChannel(id string) (*Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[id]
	return ch, ok
}

// ListChannels returns all channel IDs in sorted order
func (m *Manager) ListChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.channels))
	for id := range m.channels {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GetAllStatuses returns status for all channels
func (m *Manager) GetAllStatuses() map[string]ChannelStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make(map[string]ChannelStatus, len(m.channels))
	for id, ch := range m.channels {
		statuses[id] = ch.GetStatus()
	}
	return statuses
}

// ChannelCount returns the number of configured channels
func (m *Manager) ChannelCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.channels)
}

// IsRecording returns true if any channel is currently capturing
func (m *Manager) IsRecording() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, ch := range m.channels {
		if ch.IsRecording() {
			return true
		}
	}
	return false
}

// GetError returns the first channel error (by ID), or nil if no errors
func (m *Manager) GetError() error {
	for _, id := range m.ListChannels() {
		ch, _ := m.GetChannel(id)
		if err := ch.Err(); err != nil {
			return fmt.Errorf("channel %s: %w", id, err)
		}
	}
	return nil
}
