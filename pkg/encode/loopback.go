package encode

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sync"
	"time"

	"github.com/video-system/go-capture-encoder/pkg/input"
	"github.com/video-system/go-capture-encoder/pkg/output"
)

func init() {
	Register("loopback", LoopbackFactory{Options: LoopbackOptions{EmitConfig: true}})
}

// LoopbackOptions configures a loopback device.
type LoopbackOptions struct {
	InputSlots  int  // default 4
	OutputSlots int  // default 4
	Batch       int  // inputs per emitted unit, default 1
	EmitConfig  bool // emit a codec-config unit before the first picture
	FailAfter   int  // fail the Nth submission; 0 never fails
}

func (o LoopbackOptions) withDefaults() LoopbackOptions {
	if o.InputSlots <= 0 {
		o.InputSlots = 4
	}
	if o.OutputSlots <= 0 {
		o.OutputSlots = 4
	}
	if o.Batch <= 0 {
		o.Batch = 1
	}
	return o
}

// LoopbackFactory creates loopback devices.
type LoopbackFactory struct {
	Options LoopbackOptions
}

// Info implements Factory.
func (f LoopbackFactory) Info(ctx context.Context) (CodecInfo, error) {
	formats := []input.PixelFormat{input.FormatYUV420Planar, input.FormatYUV420SemiPlanar}
	return CodecInfo{
		Name:      "loopback",
		IsEncoder: true,
		Types:     []string{MimeAVC, MimeHEVC},
		ColorFormats: map[string][]input.PixelFormat{
			MimeAVC:  formats,
			MimeHEVC: formats,
		},
	}, nil
}

// WithSlots implements Sizer.
func (f LoopbackFactory) WithSlots(inputSlots, outputSlots int) Factory {
	if inputSlots > 0 {
		f.Options.InputSlots = inputSlots
	}
	if outputSlots > 0 {
		f.Options.OutputSlots = outputSlots
	}
	return f
}

// New implements Factory.
func (f LoopbackFactory) New() (Device, error) {
	return NewLoopback(f.Options), nil
}

const loopbackOutputSize = 4096

type pendingUnit struct {
	data  []byte
	pts   int64
	flags output.Flags
}

// Loopback is a deterministic in-process device. Every Batch submitted
// inputs produce one Annex-B unit stamped with the first input's timestamp.
// Input slots are consumed synchronously, so they are free again as soon as
// QueueInputBuffer returns.
type Loopback struct {
	opts LoopbackOptions

	mu        sync.Mutex
	config    Config
	slotSize  int
	running   bool
	released  bool
	inBufs    [][]byte
	outBufs   [][]byte
	freeIn    []int
	inFreed   chan struct{}
	freeOut   []int
	pending   []pendingUnit
	batch     int
	batchPTS  int64
	batchSum  uint32
	frames    int
	units     int
	lastKey   int
	submitted int
	sentConf  bool
}

// NewLoopback creates a loopback device.
func NewLoopback(opts LoopbackOptions) *Loopback {
	return &Loopback{opts: opts.withDefaults(), inFreed: make(chan struct{}, 1)}
}

func (l *Loopback) Name() string { return "loopback" }

// Configure implements Device.
func (l *Loopback) Configure(cfg Config) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.released {
		return fmt.Errorf("%w: device released", ErrInvalidState)
	}
	if cfg.Format != input.FormatYUV420Planar && cfg.Format != input.FormatYUV420SemiPlanar {
		return fmt.Errorf("%w: color format %s", ErrUnsupportedConfig, cfg.Format)
	}
	geo, err := input.ComputeGeometry(cfg.Width, cfg.Height, cfg.Format)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedConfig, err)
	}
	l.config = cfg
	l.slotSize = geo.TotalSize
	return nil
}

// Start implements Device.
func (l *Loopback) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.slotSize == 0 {
		return fmt.Errorf("%w: not configured", ErrInvalidState)
	}
	l.inBufs = make([][]byte, l.opts.InputSlots)
	l.freeIn = l.freeIn[:0]
	for i := range l.inBufs {
		l.inBufs[i] = make([]byte, l.slotSize)
		l.freeIn = append(l.freeIn, i)
	}
	l.outBufs = make([][]byte, l.opts.OutputSlots)
	l.freeOut = l.freeOut[:0]
	for i := range l.outBufs {
		l.outBufs[i] = make([]byte, loopbackOutputSize)
		l.freeOut = append(l.freeOut, i)
	}
	l.pending = nil
	l.batch = 0
	l.frames, l.units, l.submitted = 0, 0, 0
	l.sentConf = false
	l.running = true
	return nil
}

// Stop implements Device.
func (l *Loopback) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.running = false
	l.pending = nil
	l.wakeInputLocked()
	return nil
}

// Release implements Device.
func (l *Loopback) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.running = false
	l.released = true
	l.wakeInputLocked()
	l.inBufs, l.outBufs = nil, nil
	return nil
}

func (l *Loopback) InputBuffer(index int) []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index < 0 || index >= len(l.inBufs) {
		return nil
	}
	return l.inBufs[index]
}

func (l *Loopback) OutputBuffer(index int) []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index < 0 || index >= len(l.outBufs) {
		return nil
	}
	return l.outBufs[index]
}

func (l *Loopback) InputSlots() int  { return l.opts.InputSlots }
func (l *Loopback) OutputSlots() int { return l.opts.OutputSlots }

// DequeueInputBuffer implements Device. Slots are free again once
// submitted, so it only waits while the client holds all of them.
func (l *Loopback) DequeueInputBuffer(timeout time.Duration) (int, bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		l.mu.Lock()
		if !l.running {
			l.mu.Unlock()
			return -1, false, fmt.Errorf("loopback not running")
		}
		if len(l.freeIn) > 0 {
			idx := l.freeIn[0]
			l.freeIn = l.freeIn[1:]
			l.mu.Unlock()
			return idx, true, nil
		}
		l.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return -1, false, nil
		}
		select {
		case <-l.inFreed:
		case <-time.After(remaining):
		}
	}
}

func (l *Loopback) wakeInputLocked() {
	select {
	case l.inFreed <- struct{}{}:
	default:
	}
}

// QueueInputBuffer implements Device.
func (l *Loopback) QueueInputBuffer(index, offset, size int, ptsMicros int64, flags output.Flags) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.running {
		return fmt.Errorf("loopback not running")
	}
	if index < 0 || index >= len(l.inBufs) {
		return fmt.Errorf("input slot %d out of range", index)
	}
	if offset != 0 || size != l.slotSize {
		return fmt.Errorf("%w: input slot %d got %d bytes at %d, want %d",
			ErrSlotSizeMismatch, index, size, offset, l.slotSize)
	}

	l.submitted++
	if l.opts.FailAfter > 0 && l.submitted >= l.opts.FailAfter {
		l.running = false
		return fmt.Errorf("%w: injected failure at submission %d", ErrDeviceFailure, l.submitted)
	}

	if l.batch == 0 {
		l.batchPTS = ptsMicros
		l.batchSum = 0
	}
	l.batchSum = crc32.Update(l.batchSum, crc32.IEEETable, l.inBufs[index][offset:offset+size])
	l.batch++
	l.frames++
	l.freeIn = append(l.freeIn, index)
	l.wakeInputLocked()

	if l.batch >= l.opts.Batch || flags&output.FlagEndOfStream != 0 {
		l.emitLocked(flags & output.FlagEndOfStream)
	}
	return nil
}

func (l *Loopback) emitLocked(eos output.Flags) {
	if l.opts.EmitConfig && !l.sentConf {
		l.pending = append(l.pending, pendingUnit{
			data:  []byte{0, 0, 0, 1, 0x67, 0x42, 0xC0, 0x1E, 0, 0, 0, 1, 0x68, 0xCE, 0x3C, 0x80},
			pts:   l.batchPTS,
			flags: output.FlagCodecConfig,
		})
		l.sentConf = true
	}

	first := l.frames - l.batch
	flags := eos
	nalType := byte(0x41)
	if l.units == 0 || first-l.lastKey >= l.config.KeyFrameFrames() {
		flags |= output.FlagKeyFrame
		nalType = 0x65
		l.lastKey = first
	}

	data := make([]byte, 0, 16)
	data = append(data, 0, 0, 0, 1, nalType)
	data = binary.BigEndian.AppendUint32(data, uint32(l.batch))
	data = binary.BigEndian.AppendUint32(data, l.batchSum)

	l.pending = append(l.pending, pendingUnit{data: data, pts: l.batchPTS, flags: flags})
	l.units++
	l.batch = 0
}

// DequeueOutputBuffer implements Device. It never waits.
func (l *Loopback) DequeueOutputBuffer(timeout time.Duration) (int, BufferInfo, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.running {
		return -1, BufferInfo{}, false, fmt.Errorf("loopback not running")
	}
	if len(l.pending) == 0 || len(l.freeOut) == 0 {
		return -1, BufferInfo{}, false, nil
	}

	u := l.pending[0]
	l.pending = l.pending[1:]
	idx := l.freeOut[0]
	l.freeOut = l.freeOut[1:]

	n := copy(l.outBufs[idx], u.data)
	return idx, BufferInfo{Offset: 0, Size: n, PTSMicros: u.pts, Flags: u.flags}, true, nil
}

// ReleaseOutputBuffer implements Device.
func (l *Loopback) ReleaseOutputBuffer(index int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if index < 0 || index >= len(l.outBufs) {
		return fmt.Errorf("output slot %d out of range", index)
	}
	for _, f := range l.freeOut {
		if f == index {
			return fmt.Errorf("%w: output slot %d released twice", ErrSlotOwnership, index)
		}
	}
	l.freeOut = append(l.freeOut, index)
	return nil
}
