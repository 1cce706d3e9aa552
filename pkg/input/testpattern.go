package input

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

func init() {
	Register("testpattern", func() Source { return NewTestPattern() })
}

// TestPattern renders moving luma bars into a single reused frame buffer at
// a fixed frame rate.
type TestPattern struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	buf     []byte
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	now func() time.Time
}

// NewTestPattern creates an unopened test pattern source.
func NewTestPattern() *TestPattern {
	return &TestPattern{
		log: slog.Default(),
		now: time.Now,
	}
}

// SetLogger replaces the source logger.
func (tp *TestPattern) SetLogger(l *slog.Logger) {
	tp.log = l
}

func (tp *TestPattern) Name() string { return "testpattern" }
func (tp *TestPattern) Type() string { return "synthetic" }

// Open validates the configuration and allocates the frame buffer.
func (tp *TestPattern) Open(cfg Config) error {
	if cfg.Geometry.TotalSize <= 0 {
		return fmt.Errorf("%w: empty frame layout", ErrInvalidGeometry)
	}
	if cfg.Framerate <= 0 {
		cfg.Framerate = 15
	}

	tp.mu.Lock()
	defer tp.mu.Unlock()
	tp.cfg = cfg
	tp.buf = make([]byte, cfg.Geometry.TotalSize)
	return nil
}

// Start begins frame delivery on a dedicated goroutine.
func (tp *TestPattern) Start(ctx context.Context, cb FrameCallback) error {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if tp.buf == nil {
		return fmt.Errorf("test pattern not opened")
	}
	if tp.running {
		return fmt.Errorf("test pattern already running")
	}

	ctx, tp.cancel = context.WithCancel(ctx)
	tp.done = make(chan struct{})
	tp.running = true

	go tp.loop(ctx, cb)
	return nil
}

func (tp *TestPattern) loop(ctx context.Context, cb FrameCallback) {
	defer close(tp.done)

	interval := time.Second / time.Duration(tp.cfg.Framerate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	tp.log.Info("test pattern started",
		"resolution", tp.cfg.Geometry.Resolution(),
		"format", tp.cfg.Format.String(),
		"fps", tp.cfg.Framerate)

	var seq int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		tp.render(seq)
		cb(&Frame{
			Data:     tp.buf,
			Arrival:  tp.now(),
			Sequence: seq,
		})
		seq++
	}
}

// render draws vertical bars that scroll one step per frame. Chroma is mid-grey.
func (tp *TestPattern) render(seq int64) {
	g := tp.cfg.Geometry
	luma := tp.buf[:g.LumaSize()]
	shift := int(seq * 4)
	for y := 0; y < g.Height; y++ {
		row := luma[y*g.LumaStride : y*g.LumaStride+g.LumaStride]
		for x := range row {
			row[x] = byte(((x + shift) / 32 % 8) * 32)
		}
	}
	chroma := tp.buf[g.LumaSize():]
	for i := range chroma {
		chroma[i] = 128
	}
}

// Close stops delivery and waits for the capture goroutine to exit.
func (tp *TestPattern) Close() error {
	tp.mu.Lock()
	if !tp.running {
		tp.mu.Unlock()
		return nil
	}
	tp.running = false
	tp.cancel()
	done := tp.done
	tp.mu.Unlock()

	<-done
	tp.log.Info("test pattern stopped")
	return nil
}
