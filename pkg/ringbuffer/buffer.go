package ringbuffer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/video-system/go-capture-encoder/pkg/output"
)

// Config holds ring buffer configuration
type Config struct {
	Capacity  int           // Max units kept (e.g., 300)
	Duration  time.Duration // How long to keep units (e.g., 30s); 0 keeps by capacity only
	Path      string        // Directory for the index written on Stop (optional)
	ChannelID string        // Channel identifier
	Logger    *slog.Logger
}

// Buffer keeps copies of the most recent encoded units of one channel.
// It is an output.Sink, so it can sit behind a Tee next to the real sink.
type Buffer struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.RWMutex
	units      map[int]*Unit // sequence -> unit
	firstSeq   int
	lastSeq    int
	bytes      int64
	configUnit *Unit // latest codec config
	startTime  time.Time

	cancel   context.CancelFunc
	loopDone chan struct{}
}

// Unit is a stored copy of an encoded unit
type Unit struct {
	Sequence int       `json:"sequence"`
	PTS      int64     `json:"pts_us"`
	Size     int       `json:"size_bytes"`
	KeyFrame bool      `json:"key_frame"`
	Config   bool      `json:"config"`
	Received time.Time `json:"received"`
	Data     []byte    `json:"-"`
}

// New creates a new ring buffer
func New(cfg Config) (*Buffer, error) {
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("ring buffer capacity must be positive, got %d", cfg.Capacity)
	}
	if cfg.Path != "" {
		if err := os.MkdirAll(cfg.Path, 0755); err != nil {
			return nil, fmt.Errorf("create buffer path: %w", err)
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Buffer{
		cfg:       cfg,
		logger:    logger,
		units:     make(map[int]*Unit),
		startTime: time.Now(),
	}, nil
}

// Start starts the age-based cleanup loop
func (b *Buffer) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cancel != nil {
		return fmt.Errorf("ring buffer already started")
	}
	b.startTime = time.Now()
	if b.cfg.Duration > 0 {
		ctx, cancel := context.WithCancel(ctx)
		b.cancel = cancel
		b.loopDone = make(chan struct{})
		go b.cleanupLoop(ctx, b.loopDone)
	} else {
		b.cancel = func() {}
	}

	b.logger.Info("Ring buffer started", "capacity", b.cfg.Capacity, "duration", b.cfg.Duration)
	return nil
}

// Stop stops the cleanup loop and writes the unit index
func (b *Buffer) Stop() {
	b.mu.Lock()
	cancel, done := b.cancel, b.loopDone
	b.cancel, b.loopDone = nil, nil
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	b.saveIndex()
	b.logger.Info("Ring buffer stopped")
}

// OnEncodedUnit stores a copy of unit. It implements output.Sink.
func (b *Buffer) OnEncodedUnit(unit output.EncodedUnit) error {
	c := unit.Clone()
	u := &Unit{
		PTS:      c.PTS,
		Size:     c.Size,
		KeyFrame: c.IsKeyFrame(),
		Config:   c.IsConfig(),
		Received: time.Now(),
		Data:     c.Data,
	}
	b.Add(u)
	return nil
}

// Add appends a unit, assigning its sequence number and evicting the
// oldest units beyond capacity.
func (b *Buffer) Add(u *Unit) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastSeq++
	u.Sequence = b.lastSeq
	if b.firstSeq == 0 {
		b.firstSeq = u.Sequence
	}
	b.units[u.Sequence] = u
	b.bytes += int64(u.Size)
	if u.Config {
		b.configUnit = u
	}

	for len(b.units) > b.cfg.Capacity {
		b.removeLocked(b.firstSeq)
	}
}

func (b *Buffer) removeLocked(seq int) {
	if u, ok := b.units[seq]; ok {
		b.bytes -= int64(u.Size)
		delete(b.units, seq)
	}
	if seq == b.firstSeq {
		b.firstSeq++
		for b.firstSeq <= b.lastSeq {
			if _, ok := b.units[b.firstSeq]; ok {
				break
			}
			b.firstSeq++
		}
		if len(b.units) == 0 {
			b.firstSeq = 0
		}
	}
}

// ConfigUnit returns the latest codec-config unit, which a decoder needs
// before any stored picture.
func (b *Buffer) ConfigUnit() (*Unit, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.configUnit, b.configUnit != nil
}

// GetStatus returns the current buffer status
func (b *Buffer) GetStatus() BufferStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var oldestPTS, newestPTS int64
	if u, ok := b.units[b.firstSeq]; ok {
		oldestPTS = u.PTS
	}
	if u, ok := b.units[b.lastSeq]; ok {
		newestPTS = u.PTS
	}

	health := float64(len(b.units)) / float64(b.cfg.Capacity)
	if health > 1 {
		health = 1
	}

	return BufferStatus{
		Health:    health,
		OldestPTS: oldestPTS,
		NewestPTS: newestPTS,
		UnitCount: len(b.units),
		Bytes:     b.bytes,
		FirstSeq:  b.firstSeq,
		LastSeq:   b.lastSeq,
		HasConfig: b.configUnit != nil,
		ChannelID: b.cfg.ChannelID,
	}
}

// GetUnit returns a unit by sequence number
func (b *Buffer) GetUnit(seq int) (*Unit, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	u, ok := b.units[seq]
	return u, ok
}

// GetUnitsInRange returns units with startPTS <= PTS < endPTS in order
func (b *Buffer) GetUnitsInRange(startPTS, endPTS int64) []*Unit {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []*Unit
	if b.firstSeq == 0 {
		return result
	}
	for seq := b.firstSeq; seq <= b.lastSeq; seq++ {
		u, ok := b.units[seq]
		if !ok {
			continue
		}
		if u.PTS >= startPTS && u.PTS < endPTS {
			result = append(result, u)
		}
	}
	return result
}

// Recent returns up to n of the newest units, oldest first
func (b *Buffer) Recent(n int) []*Unit {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n <= 0 || b.firstSeq == 0 {
		return nil
	}
	from := b.lastSeq - n + 1
	if from < b.firstSeq {
		from = b.firstSeq
	}
	result := make([]*Unit, 0, b.lastSeq-from+1)
	for seq := from; seq <= b.lastSeq; seq++ {
		if u, ok := b.units[seq]; ok {
			result = append(result, u)
		}
	}
	return result
}

// cleanupLoop removes old units until ctx is done
func (b *Buffer) cleanupLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	interval := b.cfg.Duration / 4
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.cleanup(time.Now())
		}
	}
}

// cleanup removes units received before now-Duration
func (b *Buffer) cleanup(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := now.Add(-b.cfg.Duration)
	removed := 0
	for b.firstSeq != 0 {
		u, ok := b.units[b.firstSeq]
		if !ok || !u.Received.Before(cutoff) {
			break
		}
		b.removeLocked(b.firstSeq)
		removed++
	}

	if removed > 0 {
		b.logger.Debug("Buffer cleanup", "removed", removed, "kept", len(b.units))
	}
}

// saveIndex writes the metadata of the stored units to Path/index.json
func (b *Buffer) saveIndex() {
	if b.cfg.Path == "" {
		return
	}

	b.mu.RLock()
	index := struct {
		ChannelID string    `json:"channel_id"`
		StartTime time.Time `json:"start_time"`
		Units     []*Unit   `json:"units"`
	}{
		ChannelID: b.cfg.ChannelID,
		StartTime: b.startTime,
	}
	if b.firstSeq != 0 {
		for seq := b.firstSeq; seq <= b.lastSeq; seq++ {
			if u, ok := b.units[seq]; ok {
				index.Units = append(index.Units, u)
			}
		}
	}
	b.mu.RUnlock()

	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		b.logger.Warn("Failed to encode buffer index", "error", err)
		return
	}
	if err := os.WriteFile(filepath.Join(b.cfg.Path, "index.json"), data, 0644); err != nil {
		b.logger.Warn("Failed to write buffer index", "error", err)
	}
}

// BufferStatus represents the ring buffer state
type BufferStatus struct {
	Health    float64 `json:"health"`
	OldestPTS int64   `json:"oldest_pts_us"`
	NewestPTS int64   `json:"newest_pts_us"`
	UnitCount int     `json:"unit_count"`
	Bytes     int64   `json:"bytes"`
	FirstSeq  int     `json:"first_seq"`
	LastSeq   int     `json:"last_seq"`
	HasConfig bool    `json:"has_config"`
	ChannelID string  `json:"channel_id"`
}
