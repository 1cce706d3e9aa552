package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/video-system/go-capture-encoder/internal/metrics"
	"github.com/video-system/go-capture-encoder/pkg/encode"
	"github.com/video-system/go-capture-encoder/pkg/input"
	"github.com/video-system/go-capture-encoder/pkg/output"
)

var (
	// ErrFrameLength is returned for a raw frame whose length differs from
	// the negotiated geometry. The frame is skipped; the session goes on.
	ErrFrameLength = errors.New("raw frame length mismatch")
	// ErrPumpClosed is returned for frames arriving after Close.
	ErrPumpClosed = errors.New("pump closed")
)

// Stats are the pump's running counters.
type Stats struct {
	FramesReceived  int64 `json:"frames_received"`
	FramesSubmitted int64 `json:"frames_submitted"`
	FramesDropped   int64 `json:"frames_dropped"`
	FramesRejected  int64 `json:"frames_rejected"`
	UnitsEmitted    int64 `json:"units_emitted"`
	BytesEmitted    int64 `json:"bytes_emitted"`
	SinkErrors      int64 `json:"sink_errors"`
	LastPTS         int64 `json:"last_pts_us"`
}

// PumpConfig wires a pump to a running session.
type PumpConfig struct {
	Channel      string
	Session      *encode.Session
	Geometry     input.Geometry
	Sink         output.Sink
	InputTimeout time.Duration // wait for a free input slot; 0 polls
	Metrics      *metrics.Metrics
	Logger       *slog.Logger

	// OnFatal is called once, after the cycle that hit a fatal session
	// error has finished. It runs on the frame source's goroutine.
	OnFatal func(err error)
}

// Pump moves raw frames into an encoder session and drains every ready
// encoded unit to the sink. One cycle runs per frame; cycles and Close are
// serialized so nothing touches the device after it is released.
type Pump struct {
	channel  string
	session  *encode.Session
	geometry input.Geometry
	sink     output.Sink
	timeout  time.Duration
	metrics  *metrics.Metrics
	logger   *slog.Logger
	onFatal  func(error)

	mu     sync.Mutex
	pacer  Pacer
	stats  Stats
	err    error
	closed bool
}

// NewPump creates a pump for a session that is already running.
func NewPump(cfg PumpConfig) *Pump {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sink := cfg.Sink
	if sink == nil {
		sink = output.Discard
	}
	return &Pump{
		channel:  cfg.Channel,
		session:  cfg.Session,
		geometry: cfg.Geometry,
		sink:     sink,
		timeout:  cfg.InputTimeout,
		metrics:  cfg.Metrics,
		logger:   logger.With("session", cfg.Session.ID),
		onFatal:  cfg.OnFatal,
	}
}

// OnFrame runs one pump cycle. It matches input.FrameCallback.
func (p *Pump) OnFrame(frame *input.Frame) {
	err := p.Process(frame.Data, frame.Arrival)
	if err == nil || !encode.IsFatal(err) {
		return
	}

	p.mu.Lock()
	notify := p.onFatal
	p.onFatal = nil
	p.mu.Unlock()
	if notify != nil {
		notify(err)
	}
}

// Process runs one pump cycle for a raw frame that arrived at arrival.
// A dropped frame is not an error. Once a fatal error occurred every call
// returns it.
func (p *Pump) Process(data []byte, arrival time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return p.err
	}
	if p.closed {
		return ErrPumpClosed
	}

	start := time.Now()
	p.stats.FramesReceived++
	if p.metrics != nil {
		p.metrics.RecordFrame(p.channel)
		defer func() { p.metrics.RecordCycle(p.channel, time.Since(start).Seconds()) }()
	}

	// a rejected frame still drains output that became ready meanwhile
	err := p.submit(data, arrival)
	if err != nil && !errors.Is(err, ErrFrameLength) {
		return err
	}
	if derr := p.drain(); derr != nil {
		return derr
	}
	return err
}

func (p *Pump) submit(data []byte, arrival time.Time) error {
	if len(data) != p.geometry.TotalSize {
		p.stats.FramesRejected++
		if p.metrics != nil {
			p.metrics.RecordDrop(p.channel, "bad_length")
		}
		p.logger.Warn("Rejected raw frame", "length", len(data), "expected", p.geometry.TotalSize)
		return fmt.Errorf("%w: got %d bytes, want %d", ErrFrameLength, len(data), p.geometry.TotalSize)
	}

	index, ok, err := p.session.DequeueInputSlot(p.timeout)
	if err != nil {
		return p.fail(err)
	}
	if !ok {
		p.stats.FramesDropped++
		if p.metrics != nil {
			p.metrics.RecordDrop(p.channel, "no_slot")
		}
		p.logger.Debug("No free input slot, frame dropped")
		return nil
	}

	region, err := p.session.InputRegion(index)
	if err != nil {
		return p.fail(err)
	}
	if len(region) != p.geometry.TotalSize {
		p.logger.Error("Input slot does not match frame geometry",
			"slot", index,
			"capacity", len(region),
			"expected", p.geometry.TotalSize,
			"resolution", p.geometry.Resolution(),
			"format", p.geometry.Format.String())
		return p.fail(fmt.Errorf("%w: slot %d holds %d bytes, frame is %d",
			encode.ErrSlotSizeMismatch, index, len(region), p.geometry.TotalSize))
	}
	copy(region, data)

	pts := p.pacer.Next(arrival)
	if err := p.session.SubmitInputSlot(index, p.geometry.TotalSize, pts, 0); err != nil {
		return p.fail(err)
	}

	p.stats.FramesSubmitted++
	p.stats.LastPTS = pts
	if p.metrics != nil {
		p.metrics.RecordSubmit(p.channel, pts)
	}
	return nil
}

// drain forwards ready units until the device reports none.
func (p *Pump) drain() error {
	for {
		index, unit, ok, err := p.session.DequeueOutputSlot(0)
		if err != nil {
			return p.fail(err)
		}
		if !ok {
			return nil
		}

		if err := p.sink.OnEncodedUnit(unit); err != nil {
			p.stats.SinkErrors++
			if p.metrics != nil {
				p.metrics.RecordSinkError(p.channel)
			}
			p.logger.Warn("Sink error", "pts", unit.PTS, "size", unit.Size, "error", err)
		}
		p.stats.UnitsEmitted++
		p.stats.BytesEmitted += int64(unit.Size)
		if p.metrics != nil {
			p.metrics.RecordUnit(p.channel, unit.Size, unit.IsConfig(), unit.IsKeyFrame())
		}

		if err := p.session.ReleaseOutputSlot(index); err != nil {
			return p.fail(err)
		}
	}
}

func (p *Pump) fail(err error) error {
	if !encode.IsFatal(err) {
		return err
	}
	// errors raised by the session already stopped it
	err = p.session.Fail(err)
	p.err = err
	if p.metrics != nil {
		p.metrics.RecordFailure(p.channel, errorKind(err))
	}
	p.logger.Error("Pump stopped", "error", err, "stats", p.stats)
	return err
}

// Stats returns a snapshot of the counters.
func (p *Pump) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Err returns the fatal error that stopped the pump, if any.
func (p *Pump) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Close waits for an in-flight cycle, then stops and releases the session.
// Frames arriving afterwards are refused.
func (p *Pump) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	var result *multierror.Error
	if err := p.session.Stop(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := p.session.Release(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, encode.ErrSlotSizeMismatch):
		return "slot_size_mismatch"
	case errors.Is(err, encode.ErrSlotOwnership):
		return "slot_ownership"
	case errors.Is(err, encode.ErrDeviceFailure):
		return "device_failure"
	default:
		return "other"
	}
}
