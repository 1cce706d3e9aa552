package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/Eyevinn/mp4ff/avc"

	"github.com/video-system/go-capture-encoder/pkg/encode"
	"github.com/video-system/go-capture-encoder/pkg/input"
	"github.com/video-system/go-capture-encoder/pkg/output"
)

func init() {
	encode.Register("ffmpeg", NewFactory("libx264"))
}

// formats the geometry layout can describe for ffmpeg rawvideo input
var deviceFormats = []input.PixelFormat{input.FormatYUV420Planar, input.FormatYUV420SemiPlanar}

// Factory creates ffmpeg-backed encoder devices. The capability probe runs
// once and is cached.
type Factory struct {
	Encoder string
	Options DeviceOptions

	mu     sync.Mutex
	probed bool
	info   encode.CodecInfo
	err    error
}

// NewFactory creates a factory for an ffmpeg H.264 encoder such as libx264.
func NewFactory(encoder string) *Factory {
	return &Factory{Encoder: encoder}
}

// Info implements encode.Factory.
func (f *Factory) Info(ctx context.Context) (encode.CodecInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.probed {
		return f.info, f.err
	}

	f.info, f.err = f.probe(ctx)
	f.probed = true
	return f.info, f.err
}

func (f *Factory) probe(ctx context.Context) (encode.CodecInfo, error) {
	ff, err := New()
	if err != nil {
		return encode.CodecInfo{}, err
	}
	names, err := ff.EncoderPixelFormats(ctx, f.Encoder)
	if err != nil {
		return encode.CodecInfo{}, err
	}

	var formats []input.PixelFormat
	for _, name := range names {
		if pf, ok := input.FormatByName(name); ok && slices.Contains(deviceFormats, pf) {
			formats = append(formats, pf)
		}
	}

	logger := f.Options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	version, err := ff.Version(ctx)
	if err != nil {
		version = "unknown"
	}
	logger.Info("FFmpeg encoder probed",
		"encoder", f.Encoder,
		"version", version,
		"path", ff.binaryPath,
		"formats", len(formats))

	return encode.CodecInfo{
		Name:         f.Encoder,
		IsEncoder:    true,
		Types:        []string{encode.MimeAVC},
		ColorFormats: map[string][]input.PixelFormat{encode.MimeAVC: formats},
	}, nil
}

// WithSlots implements encode.Sizer. The returned factory probes again.
func (f *Factory) WithSlots(inputSlots, outputSlots int) encode.Factory {
	opts := f.Options
	if inputSlots > 0 {
		opts.InputSlots = inputSlots
	}
	if outputSlots > 0 {
		opts.OutputSlots = outputSlots
	}
	return &Factory{Encoder: f.Encoder, Options: opts}
}

// New implements encode.Factory.
func (f *Factory) New() (encode.Device, error) {
	ff, err := New()
	if err != nil {
		return nil, err
	}
	opts := f.Options
	opts.Encoder = f.Encoder
	return NewDevice(ff, opts), nil
}

// DeviceOptions configures an ffmpeg encoder device
type DeviceOptions struct {
	Encoder     string // libx264 (default)
	Preset      string // ultrafast (default)
	InputSlots  int    // default 4
	OutputSlots int    // default 8
	Logger      *slog.Logger
}

type deviceUnit struct {
	data  []byte
	pts   int64
	flags output.Flags
}

// Device is an encode.Device backed by an ffmpeg subprocess reading
// rawvideo on stdin and writing an H.264 Annex-B stream on stdout.
//
// Submitted slots are written to ffmpeg by a writer goroutine and become
// free again once written, so a slow encoder exhausts the input slots
// instead of blocking the caller. Output access units are split on AUD.
// B-frames are disabled, so units come out in submission order and take
// their timestamps from a FIFO of submitted ones.
type Device struct {
	ff     *FFmpeg
	opts   DeviceOptions
	logger *slog.Logger

	mu       sync.Mutex
	cfg      encode.Config
	geo      input.Geometry
	proc     *process
	running  bool
	stopping bool
	err      error

	inBufs  [][]byte
	freeIn  []int
	inFreed chan struct{}
	writeCh chan int
	ptsFIFO []int64
	lastPTS int64

	outBufs [][]byte
	freeOut []int
	pending []deviceUnit
	ready   chan struct{}

	wg sync.WaitGroup
}

// NewDevice creates an unconfigured device
func NewDevice(ff *FFmpeg, opts DeviceOptions) *Device {
	if opts.Encoder == "" {
		opts.Encoder = "libx264"
	}
	if opts.Preset == "" {
		opts.Preset = "ultrafast"
	}
	if opts.InputSlots <= 0 {
		opts.InputSlots = 4
	}
	if opts.OutputSlots <= 0 {
		opts.OutputSlots = 8
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Device{
		ff:      ff,
		opts:    opts,
		logger:  logger.With("encoder", opts.Encoder),
		ready:   make(chan struct{}, 1),
		inFreed: make(chan struct{}, 1),
	}
}

func (d *Device) Name() string { return "ffmpeg/" + d.opts.Encoder }

// Configure implements encode.Device.
func (d *Device) Configure(cfg encode.Config) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return fmt.Errorf("%w: device running", encode.ErrInvalidState)
	}
	if cfg.Mime != encode.MimeAVC {
		return fmt.Errorf("%w: codec %s", encode.ErrUnsupportedConfig, cfg.Mime)
	}
	if !slices.Contains(deviceFormats, cfg.Format) {
		return fmt.Errorf("%w: color format %s", encode.ErrUnsupportedConfig, cfg.Format)
	}
	geo, err := input.ComputeGeometry(cfg.Width, cfg.Height, cfg.Format)
	if err != nil {
		return fmt.Errorf("%w: %v", encode.ErrUnsupportedConfig, err)
	}
	d.cfg = cfg
	d.geo = geo
	return nil
}

// buildArgs builds FFmpeg arguments for rawvideo -> H.264 elementary stream
func (d *Device) buildArgs() []string {
	gop := strconv.Itoa(d.cfg.KeyFrameFrames())
	bitrate := strconv.Itoa(d.cfg.BitrateBps)

	return []string{
		"-hide_banner",
		"-loglevel", "error",

		// Input
		"-f", "rawvideo",
		"-pix_fmt", d.cfg.Format.String(),
		"-s", d.geo.Resolution(),
		"-r", strconv.Itoa(d.cfg.FrameRate),
		"-i", "pipe:0",

		// Video encoding
		"-c:v", d.opts.Encoder,
		"-preset", d.opts.Preset,
		"-tune", "zerolatency",
		"-b:v", bitrate,
		"-maxrate", bitrate,
		"-bufsize", bitrate,
		"-g", gop,
		"-keyint_min", gop,
		"-sc_threshold", "0", // Disable scene change detection for consistent GOPs
		"-bf", "0",
		"-bsf:v", "h264_metadata=aud=insert",

		// Annex-B output
		"-f", "h264",
		"pipe:1",
	}
}

// Start implements encode.Device.
func (d *Device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.geo.TotalSize == 0 {
		return fmt.Errorf("%w: not configured", encode.ErrInvalidState)
	}
	if d.running {
		return fmt.Errorf("%w: already running", encode.ErrInvalidState)
	}

	proc, err := d.ff.start(d.buildArgs(), true, d.logger)
	if err != nil {
		return err
	}

	d.inBufs = make([][]byte, d.opts.InputSlots)
	d.freeIn = d.freeIn[:0]
	for i := range d.inBufs {
		d.inBufs[i] = make([]byte, d.geo.TotalSize)
		d.freeIn = append(d.freeIn, i)
	}
	d.outBufs = make([][]byte, d.opts.OutputSlots)
	d.freeOut = d.freeOut[:0]
	for i := range d.outBufs {
		d.outBufs[i] = make([]byte, 64*1024)
		d.freeOut = append(d.freeOut, i)
	}
	d.writeCh = make(chan int, d.opts.InputSlots)
	d.ptsFIFO = nil
	d.pending = nil
	d.err = nil
	d.proc = proc
	d.running = true
	d.stopping = false

	d.wg.Add(2)
	go d.writeLoop(proc.stdin, d.writeCh)
	go d.readLoop(proc)

	d.logger.Info("FFmpeg encoder started",
		"resolution", d.geo.Resolution(),
		"pix_fmt", d.cfg.Format.String(),
		"bitrate", d.cfg.BitrateBps,
		"gop", d.cfg.KeyFrameFrames())
	return nil
}

// Stop implements encode.Device. Pending output is discarded.
func (d *Device) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.stopping = true
	proc := d.proc
	close(d.writeCh)
	d.mu.Unlock()
	d.wakeInput()

	err := proc.stop(5 * time.Second)
	d.wg.Wait()

	d.mu.Lock()
	d.pending = nil
	d.proc = nil
	d.mu.Unlock()

	var exitErr *exec.ExitError
	if err != nil && !(errors.As(err, &exitErr) && exitErr.ExitCode() == 255) {
		// 255 is ffmpeg's exit status after SIGINT
		return fmt.Errorf("ffmpeg exit: %w", err)
	}
	return nil
}

// Release implements encode.Device.
func (d *Device) Release() error {
	err := d.Stop()
	d.mu.Lock()
	d.inBufs, d.outBufs = nil, nil
	d.mu.Unlock()
	return err
}

func (d *Device) InputBuffer(index int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if index < 0 || index >= len(d.inBufs) {
		return nil
	}
	return d.inBufs[index]
}

func (d *Device) OutputBuffer(index int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if index < 0 || index >= len(d.outBufs) {
		return nil
	}
	return d.outBufs[index]
}

func (d *Device) InputSlots() int  { return d.opts.InputSlots }
func (d *Device) OutputSlots() int { return d.opts.OutputSlots }

func (d *Device) checkLocked() error {
	if d.err != nil {
		return d.err
	}
	if !d.running {
		return fmt.Errorf("%w: device not running", encode.ErrInvalidState)
	}
	return nil
}

// DequeueInputBuffer implements encode.Device. Slots free up
// asynchronously as the writer drains them, so it waits up to timeout.
func (d *Device) DequeueInputBuffer(timeout time.Duration) (int, bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		d.mu.Lock()
		if err := d.checkLocked(); err != nil {
			d.mu.Unlock()
			return -1, false, err
		}
		if len(d.freeIn) > 0 {
			idx := d.freeIn[0]
			d.freeIn = d.freeIn[1:]
			d.mu.Unlock()
			return idx, true, nil
		}
		d.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return -1, false, nil
		}
		select {
		case <-d.inFreed:
		case <-time.After(remaining):
		}
	}
}

// releaseInput returns a written input slot to the free list.
func (d *Device) releaseInput(idx int) {
	d.mu.Lock()
	d.freeIn = append(d.freeIn, idx)
	d.mu.Unlock()
	d.wakeInput()
}

func (d *Device) wakeInput() {
	select {
	case d.inFreed <- struct{}{}:
	default:
	}
}

// QueueInputBuffer implements encode.Device.
func (d *Device) QueueInputBuffer(index, offset, size int, ptsMicros int64, flags output.Flags) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.checkLocked(); err != nil {
		return err
	}
	if index < 0 || index >= len(d.inBufs) {
		return fmt.Errorf("input slot %d out of range", index)
	}
	if offset != 0 || size != d.geo.TotalSize {
		return fmt.Errorf("%w: input slot %d got %d bytes at %d, want %d",
			encode.ErrSlotSizeMismatch, index, size, offset, d.geo.TotalSize)
	}

	d.ptsFIFO = append(d.ptsFIFO, ptsMicros)
	// never blocks: at most InputSlots indices are in flight
	d.writeCh <- index
	return nil
}

// writeLoop converts submitted slots to ffmpeg's packed layout and writes
// them to stdin. Closing ch closes stdin.
func (d *Device) writeLoop(stdin io.WriteCloser, ch <-chan int) {
	defer d.wg.Done()

	packed := d.geo.IsPacked()
	scratch := make([]byte, d.geo.PackedSize())
	failed := false

	for idx := range ch {
		d.mu.Lock()
		src := d.inBufs[idx]
		d.mu.Unlock()

		if !failed {
			frame := src
			if !packed {
				d.geo.Unpad(scratch, src)
				frame = scratch
			}
			if _, err := stdin.Write(frame); err != nil {
				failed = true
				d.fail(fmt.Errorf("write frame: %w", err))
			}
		}

		d.releaseInput(idx)
	}
}

// readLoop splits stdout into access units until ffmpeg exits.
func (d *Device) readLoop(proc *process) {
	defer d.wg.Done()

	var stream []byte
	buf := make([]byte, 64*1024)
	for {
		n, err := proc.stdout.Read(buf)
		if n > 0 {
			stream = append(stream, buf[:n]...)
			var units [][]byte
			units, stream = splitAccessUnits(stream, false)
			for _, au := range units {
				d.emit(au)
			}
		}
		if err != nil {
			break
		}
	}
	units, _ := splitAccessUnits(stream, true)
	for _, au := range units {
		d.emit(au)
	}

	exitErr := proc.wait()

	d.mu.Lock()
	stopping := d.stopping
	d.mu.Unlock()
	if !stopping {
		d.fail(fmt.Errorf("ffmpeg exited while running: %v", exitErr))
	}
}

// emit turns one access unit into a config unit (SPS/PPS, if present) and a
// picture unit, and queues them for output.
func (d *Device) emit(au []byte) {
	var config, picture [][]byte
	key := false
	for _, nalu := range avc.ExtractNalusFromByteStream(au) {
		if len(nalu) == 0 {
			continue
		}
		switch avc.GetNaluType(nalu[0]) {
		case avc.NALU_AUD:
		case avc.NALU_SPS:
			d.logSPS(nalu)
			config = append(config, nalu)
		case avc.NALU_PPS:
			config = append(config, nalu)
		case avc.NALU_IDR:
			key = true
			picture = append(picture, nalu)
		default:
			picture = append(picture, nalu)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	pts := d.lastPTS
	if len(picture) > 0 && len(d.ptsFIFO) > 0 {
		pts = d.ptsFIFO[0]
		d.ptsFIFO = d.ptsFIFO[1:]
	}
	d.lastPTS = pts

	if len(config) > 0 {
		d.pending = append(d.pending, deviceUnit{data: annexB(config), pts: pts, flags: output.FlagCodecConfig})
	}
	if len(picture) > 0 {
		var flags output.Flags
		if key {
			flags = output.FlagKeyFrame
		}
		d.pending = append(d.pending, deviceUnit{data: annexB(picture), pts: pts, flags: flags})
	}
	d.signalLocked()
}

func (d *Device) logSPS(nalu []byte) {
	sps, err := avc.ParseSPSNALUnit(nalu, false)
	if err != nil {
		d.logger.Warn("Unparsable SPS", "error", err)
		return
	}
	d.logger.Debug("SPS", "profile", sps.Profile, "level", sps.Level, "width", sps.Width, "height", sps.Height)
}

func (d *Device) signalLocked() {
	select {
	case d.ready <- struct{}{}:
	default:
	}
}

// fail records an asynchronous device failure
func (d *Device) fail(cause error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err == nil && !d.stopping {
		d.err = fmt.Errorf("%w: %v", encode.ErrDeviceFailure, cause)
		d.logger.Error("FFmpeg encoder failed", "error", cause)
	}
	d.signalLocked()
	d.wakeInput()
}

// DequeueOutputBuffer implements encode.Device. Units already produced are
// delivered before a failure is reported.
func (d *Device) DequeueOutputBuffer(timeout time.Duration) (int, encode.BufferInfo, bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		d.mu.Lock()
		if len(d.pending) > 0 && len(d.freeOut) > 0 {
			idx, info := d.popLocked()
			d.mu.Unlock()
			return idx, info, true, nil
		}
		if err := d.checkLocked(); err != nil {
			d.mu.Unlock()
			return -1, encode.BufferInfo{}, false, err
		}
		d.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return -1, encode.BufferInfo{}, false, nil
		}
		select {
		case <-d.ready:
		case <-time.After(remaining):
		}
	}
}

func (d *Device) popLocked() (int, encode.BufferInfo) {
	u := d.pending[0]
	d.pending = d.pending[1:]
	idx := d.freeOut[0]
	d.freeOut = d.freeOut[1:]

	if len(u.data) > len(d.outBufs[idx]) {
		d.outBufs[idx] = make([]byte, 2*len(u.data))
	}
	n := copy(d.outBufs[idx], u.data)
	return idx, encode.BufferInfo{Offset: 0, Size: n, PTSMicros: u.pts, Flags: u.flags}
}

// ReleaseOutputBuffer implements encode.Device.
func (d *Device) ReleaseOutputBuffer(index int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if index < 0 || index >= len(d.outBufs) {
		return fmt.Errorf("output slot %d out of range", index)
	}
	if slices.Contains(d.freeOut, index) {
		return fmt.Errorf("%w: output slot %d released twice", encode.ErrSlotOwnership, index)
	}
	d.freeOut = append(d.freeOut, index)
	d.signalLocked()
	return nil
}

var (
	startCode = []byte{0, 0, 0, 1}
	audCode3  = []byte{0, 0, 1, 9}
)

// splitAccessUnits cuts an Annex-B stream at access unit delimiters. The
// bytes after the last delimiter stay in rest unless final is set.
func splitAccessUnits(stream []byte, final bool) (units [][]byte, rest []byte) {
	var starts []int
	for i := 0; ; {
		j := bytes.Index(stream[i:], audCode3)
		if j < 0 {
			break
		}
		pos := i + j
		if pos > 0 && stream[pos-1] == 0 {
			pos-- // 4-byte start code
		}
		starts = append(starts, pos)
		i += j + len(audCode3)
	}

	if len(starts) == 0 {
		if final && len(stream) > 0 {
			return [][]byte{stream}, nil
		}
		return nil, stream
	}

	// anything before the first delimiter belongs to no complete unit
	if starts[0] > 0 {
		units = append(units, stream[:starts[0]])
	}
	for k := 0; k+1 < len(starts); k++ {
		units = append(units, stream[starts[k]:starts[k+1]])
	}

	last := stream[starts[len(starts)-1]:]
	if final {
		units = append(units, last)
		return units, nil
	}
	// copy so the caller's buffer can be reused
	return units, append([]byte(nil), last...)
}

func annexB(nalus [][]byte) []byte {
	size := 0
	for _, n := range nalus {
		size += len(startCode) + len(n)
	}
	out := make([]byte, 0, size)
	for _, n := range nalus {
		out = append(out, startCode...)
		out = append(out, n...)
	}
	return out
}
