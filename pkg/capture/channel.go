package capture

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/video-system/go-capture-encoder/internal/metrics"
	"github.com/video-system/go-capture-encoder/pkg/encode"
	"github.com/video-system/go-capture-encoder/pkg/input"
	"github.com/video-system/go-capture-encoder/pkg/output"
	"github.com/video-system/go-capture-encoder/pkg/ringbuffer"
)

// Channel is one capture-to-encode pipeline: a frame source feeding an
// encoder session through a pump, with encoded units going to the
// configured output and the ring buffer.
type Channel struct {
	id      string
	cfg     ChannelConfig
	buffer  *ringbuffer.Buffer
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu        sync.RWMutex
	isRunning bool
	source    input.Source
	session   *encode.Session
	pump      *Pump
	device    string
	geometry  input.Geometry
	closers   []io.Closer
	startedAt time.Time
	cancel    context.CancelFunc

	// errMu is separate from mu: the fatal path runs on the source
	// goroutine, which Stop waits for while holding mu.
	errMu sync.Mutex
	err   error
	gen   int // incremented by each Start
}

// ChannelOptions holds the shared dependencies of a channel
type ChannelOptions struct {
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// NewChannel creates a new capture channel
func NewChannel(cfg ChannelConfig, opts ChannelOptions) (*Channel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("channel", cfg.ID)

	// Channel gets its own subdirectory
	var bufferPath string
	if cfg.Buffer.Path != "" {
		bufferPath = filepath.Join(cfg.Buffer.Path, cfg.ID)
	}
	capacity := cfg.Buffer.Units
	if capacity == 0 {
		capacity = 300
	}
	buffer, err := ringbuffer.New(ringbuffer.Config{
		Capacity:  capacity,
		Duration:  cfg.Buffer.Duration,
		Path:      bufferPath,
		ChannelID: cfg.ID,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create ring buffer for channel %s: %w", cfg.ID, err)
	}

	return &Channel{
		id:      cfg.ID,
		cfg:     cfg,
		buffer:  buffer,
		metrics: opts.Metrics,
		logger:  logger,
	}, nil
}

// ID returns the channel identifier
func (ch *Channel) ID() string {
	return ch.id
}

// Start negotiates the input format, brings up the encoder session and
// starts the frame source. On error nothing is left running.
func (ch *Channel) Start(ctx context.Context) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.isRunning {
		return fmt.Errorf("channel %s already running", ch.id)
	}
	ch.errMu.Lock()
	ch.err = nil
	ch.gen++
	gen := ch.gen
	ch.errMu.Unlock()

	factory, name, format, err := ch.selectEncoder(ctx)
	if err != nil {
		return err
	}
	w, h, err := input.ParseResolution(ch.cfg.Input.Resolution)
	if err != nil {
		return err
	}
	geo, err := input.ComputeGeometry(w, h, format)
	if err != nil {
		return err
	}

	device, err := factory.New()
	if err != nil {
		return fmt.Errorf("create encoder %s: %w", name, err)
	}
	session := encode.NewSession(device, ch.logger)
	err = session.Configure(encode.Config{
		Mime:             ch.cfg.Encode.Codec,
		Format:           format,
		Width:            w,
		Height:           h,
		BitrateBps:       ch.cfg.Encode.Bitrate,
		FrameRate:        ch.cfg.Encode.Framerate,
		KeyFrameInterval: ch.cfg.Encode.KeyFrameInterval,
	})
	if err == nil {
		err = session.Start()
	}
	if err != nil {
		session.Release()
		return fmt.Errorf("start encoder %s: %w", name, err)
	}

	sink, closers, err := ch.buildSink()
	if err != nil {
		session.Release()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	if err := ch.buffer.Start(ctx); err != nil {
		cancel()
		closeAll(closers)
		session.Release()
		return fmt.Errorf("start buffer: %w", err)
	}

	pump := NewPump(PumpConfig{
		Channel:      ch.id,
		Session:      session,
		Geometry:     geo,
		Sink:         sink,
		InputTimeout: ch.cfg.Encode.InputTimeout,
		Metrics:      ch.metrics,
		Logger:       ch.logger,
		OnFatal:      func(err error) { ch.fail(gen, "encoder", err) },
	})

	source, err := ch.openSource(geo, gen)
	if err == nil {
		if err = source.Start(ctx, pump.OnFrame); err != nil {
			source.Close()
		}
	}
	if err != nil {
		cancel()
		pump.Close()
		ch.buffer.Stop()
		closeAll(closers)
		return fmt.Errorf("start input %s: %w", ch.cfg.Input.Type, err)
	}

	ch.source = source
	ch.session = session
	ch.pump = pump
	ch.device = device.Name()
	ch.geometry = geo
	ch.closers = closers
	ch.cancel = cancel
	ch.startedAt = time.Now()
	ch.isRunning = true
	if ch.metrics != nil {
		ch.metrics.RecordSessionStart()
	}

	ch.logger.Info("Channel started",
		"input", ch.cfg.Input.Type,
		"encoder", device.Name(),
		"codec", ch.cfg.Encode.Codec,
		"format", format.String(),
		"resolution", geo.Resolution(),
		"frame_size", geo.TotalSize,
		"session", session.ID)
	return nil
}

// selectEncoder resolves the encoder factory and the raw input format.
// An explicit encode type restricts negotiation to that encoder.
func (ch *Channel) selectEncoder(ctx context.Context) (encode.Factory, string, input.PixelFormat, error) {
	mime := ch.cfg.Encode.Codec

	format := input.FormatUnknown
	if ch.cfg.Input.Format != "" {
		format, _ = input.FormatByName(ch.cfg.Input.Format)
	}

	var (
		factory encode.Factory
		name    = ch.cfg.Encode.Type
		err     error
	)
	if name != "" {
		f, ok := encode.Get(name)
		if !ok {
			return nil, "", 0, fmt.Errorf("%w: unknown encoder %q", encode.ErrNoCompatibleEncoder, name)
		}
		factory = f
		if format == input.FormatUnknown {
			info, err := f.Info(ctx)
			if err != nil {
				return nil, "", 0, fmt.Errorf("%w: %s: %v", encode.ErrNoCompatibleEncoder, name, err)
			}
			if format, err = encode.SelectFormat([]encode.CodecInfo{info}, mime); err != nil {
				return nil, "", 0, err
			}
		}
	} else {
		if format == input.FormatUnknown {
			if format, err = encode.NegotiateFormat(ctx, mime); err != nil {
				return nil, "", 0, err
			}
		}
		if name, factory, err = encode.EncoderFor(ctx, mime, format); err != nil {
			return nil, "", 0, err
		}
	}

	if s, ok := factory.(encode.Sizer); ok {
		factory = s.WithSlots(ch.cfg.Encode.InputSlots, ch.cfg.Encode.OutputSlots)
	}
	return factory, name, format, nil
}

func (ch *Channel) openSource(geo input.Geometry, gen int) (input.Source, error) {
	source, ok := input.Get(ch.cfg.Input.Type)
	if !ok {
		return nil, fmt.Errorf("unknown input type: %s", ch.cfg.Input.Type)
	}
	if l, ok := source.(interface{ SetLogger(*slog.Logger) }); ok {
		l.SetLogger(ch.logger)
	}
	if n, ok := source.(input.ErrorNotifier); ok {
		n.OnError(func(err error) { ch.fail(gen, "input", err) })
	}
	err := source.Open(input.Config{
		Device:    ch.cfg.Input.Device,
		Geometry:  geo,
		Framerate: ch.cfg.Input.Framerate,
		Format:    geo.Format,
	})
	if err != nil {
		return nil, err
	}
	return source, nil
}

// buildSink assembles the output sink and the ring buffer behind a Tee
func (ch *Channel) buildSink() (output.Sink, []io.Closer, error) {
	out := ch.cfg.Output
	switch out.Type {
	case "file":
		fs, err := output.NewFileSink(out.Path)
		if err != nil {
			return nil, nil, err
		}
		return output.Tee{fs, ch.buffer}, []io.Closer{fs}, nil
	case "rtp":
		rs, conn, err := output.DialRTP(out.Address, output.RTPConfig{
			PayloadType: out.PayloadType,
			MTU:         out.MTU,
		})
		if err != nil {
			return nil, nil, err
		}
		return output.Tee{rs, ch.buffer}, []io.Closer{conn}, nil
	default:
		return ch.buffer, nil, nil
	}
}

// fail records the error that ended run gen and stops the channel. It is
// called on the source goroutine, which Stop waits for, so the stop runs
// on its own goroutine. Errors from an earlier run are ignored.
func (ch *Channel) fail(gen int, cause string, err error) {
	ch.errMu.Lock()
	if gen != ch.gen || ch.err != nil {
		ch.errMu.Unlock()
		return
	}
	ch.err = err
	ch.errMu.Unlock()

	// encoder failures are counted by the pump
	if cause == "input" && ch.metrics != nil {
		ch.metrics.RecordFailure(ch.id, "capture")
	}
	ch.logger.Error("Channel stopping after "+cause+" failure", "error", err)
	go func() {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		ch.errMu.Lock()
		current := gen == ch.gen
		ch.errMu.Unlock()
		if current {
			ch.stopLocked()
		}
	}()
}

// Stop stops the source first, then tears down the pump, the session and
// the outputs.
func (ch *Channel) Stop() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.stopLocked()
}

func (ch *Channel) stopLocked() error {
	if !ch.isRunning {
		return nil
	}

	var result *multierror.Error
	if err := ch.source.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close input: %w", err))
	}
	if ch.cancel != nil {
		ch.cancel()
	}
	if err := ch.pump.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close encoder: %w", err))
	}
	ch.buffer.Stop()
	if err := closeAll(ch.closers); err != nil {
		result = multierror.Append(result, err)
	}

	ch.closers = nil
	ch.isRunning = false
	if ch.metrics != nil {
		ch.metrics.RecordSessionStop()
	}

	stats := ch.pump.Stats()
	ch.logger.Info("Channel stopped",
		"frames", stats.FramesReceived,
		"submitted", stats.FramesSubmitted,
		"dropped", stats.FramesDropped,
		"units", stats.UnitsEmitted)
	return result.ErrorOrNil()
}

func closeAll(closers []io.Closer) error {
	var result *multierror.Error
	for _, c := range closers {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close output: %w", err))
		}
	}
	return result.ErrorOrNil()
}

// GetStatus returns the channel status
func (ch *Channel) GetStatus() ChannelStatus {
	err := ch.Err()

	ch.mu.RLock()
	defer ch.mu.RUnlock()

	st := ChannelStatus{
		ChannelID:   ch.id,
		IsRunning:   ch.isRunning,
		IsCapturing: ch.isRunning && err == nil,
		Input:       ch.cfg.Input.Type,
		Codec:       ch.cfg.Encode.Codec,
		Encoder:     ch.device,
		Buffer:      ch.buffer.GetStatus(),
	}
	if ch.session != nil {
		st.SessionID = ch.session.ID
		st.SessionState = ch.session.State().String()
		st.Format = ch.geometry.Format.String()
		st.Resolution = ch.geometry.Resolution()
		st.FrameSize = ch.geometry.TotalSize
		st.StartedAt = ch.startedAt
	}
	if ch.pump != nil {
		st.Stats = ch.pump.Stats()
	}
	if err != nil {
		st.Error = err.Error()
	}
	return st
}

// Stats returns the pump counters of the current or last session
func (ch *Channel) Stats() Stats {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	if ch.pump == nil {
		return Stats{}
	}
	return ch.pump.Stats()
}

// Units returns metadata of the n most recent encoded units
func (ch *Channel) Units(n int) []*ringbuffer.Unit {
	return ch.buffer.Recent(n)
}

// IsRecording returns true if the channel is actively capturing
func (ch *Channel) IsRecording() bool {
	if ch.Err() != nil {
		return false
	}
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.isRunning
}

// Err returns the fatal error that stopped the channel, if any
func (ch *Channel) Err() error {
	ch.errMu.Lock()
	defer ch.errMu.Unlock()
	return ch.err
}

// ChannelStatus represents the status of a channel
type ChannelStatus struct {
	ChannelID    string                  `json:"channel_id"`
	IsRunning    bool                    `json:"is_running"`
	IsCapturing  bool                    `json:"is_capturing"`
	Input        string                  `json:"input"`
	Codec        string                  `json:"codec"`
	Encoder      string                  `json:"encoder,omitempty"`
	SessionID    string                  `json:"session_id,omitempty"`
	SessionState string                  `json:"session_state,omitempty"`
	Format       string                  `json:"format,omitempty"`
	Resolution   string                  `json:"resolution,omitempty"`
	FrameSize    int                     `json:"frame_size,omitempty"`
	StartedAt    time.Time               `json:"started_at,omitzero"`
	Stats        Stats                   `json:"stats"`
	Buffer       ringbuffer.BufferStatus `json:"buffer"`
	Error        string                  `json:"error,omitempty"`
}
