package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/video-system/go-capture-encoder/pkg/input"
)

// source kinds handled through ffmpeg demuxers
var sourceKinds = []string{
	"file", "srt", "rtsp", "rtmp",
	"screen", "avfoundation", "v4l2", "dshow", "decklink",
}

func init() {
	for _, kind := range sourceKinds {
		input.Register(kind, func() input.Source { return NewSource(kind, nil) })
	}
}

// Source captures raw frames through an ffmpeg subprocess that decodes and
// scales any ffmpeg input to rawvideo in the configured geometry.
type Source struct {
	kind   string
	logger *slog.Logger

	mu      sync.Mutex
	ff      *FFmpeg
	cfg     input.Config
	args    []string
	proc    *process
	cancel  context.CancelFunc
	done    chan struct{}
	onError func(error)
}

// NewSource creates a source of the given kind (see sourceKinds)
func NewSource(kind string, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{kind: kind, logger: logger.With("source", kind)}
}

// SetLogger replaces the source logger.
func (s *Source) SetLogger(l *slog.Logger) {
	s.logger = l.With("source", s.kind)
}

// OnError implements input.ErrorNotifier.
func (s *Source) OnError(fn func(err error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = fn
}

func (s *Source) Name() string { return "ffmpeg-" + s.kind }
func (s *Source) Type() string { return s.kind }

// Open implements input.Source
func (s *Source) Open(cfg input.Config) error {
	if cfg.Geometry.TotalSize == 0 {
		return fmt.Errorf("%w: empty frame layout", input.ErrInvalidGeometry)
	}
	if cfg.Framerate <= 0 {
		cfg.Framerate = 15
	}
	src, format, err := inputSpec(s.kind, cfg.Device)
	if err != nil {
		return err
	}
	ff, err := New()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ff = ff
	s.cfg = cfg
	s.args = buildCaptureArgs(s.kind, src, format, cfg)
	return nil
}

// inputSpec maps a source kind and device string to an ffmpeg input and
// an optional forced input format
func inputSpec(kind, device string) (src, format string, err error) {
	switch kind {
	case "file", "srt", "rtsp", "rtmp":
		// Device is a path or full URL; ffmpeg detects the format
		if device == "" {
			return "", "", fmt.Errorf("%s input requires a device", kind)
		}
		return device, "", nil
	case "screen":
		return "0:none", "avfoundation", nil
	case "avfoundation", "v4l2", "dshow", "decklink":
		if device == "" {
			return "", "", fmt.Errorf("%s input requires a device", kind)
		}
		return device, kind, nil
	default:
		return "", "", fmt.Errorf("unknown input type: %s", kind)
	}
}

func buildCaptureArgs(kind, src, format string, cfg input.Config) []string {
	fps := strconv.Itoa(cfg.Framerate)
	args := []string{"-hide_banner", "-loglevel", "error"}

	switch kind {
	case "file":
		// pace a file like a live source and loop it
		args = append(args, "-re", "-stream_loop", "-1")
	case "avfoundation", "v4l2", "dshow", "screen":
		args = append(args, "-framerate", fps)
	}
	if format != "" {
		args = append(args, "-f", format)
	}

	return append(args,
		"-i", src,
		"-an",
		"-vf", fmt.Sprintf("scale=%d:%d", cfg.Geometry.Width, cfg.Geometry.Height),
		"-r", fps,
		"-pix_fmt", cfg.Geometry.Format.String(),
		"-f", "rawvideo",
		"pipe:1",
	)
}

// Start implements input.Source
func (s *Source) Start(ctx context.Context, cb input.FrameCallback) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.args == nil {
		return fmt.Errorf("source %s not opened", s.kind)
	}
	if s.done != nil {
		return fmt.Errorf("source %s already started", s.kind)
	}

	s.logInputInfo(ctx)

	proc, err := s.ff.start(s.args, false, s.logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	s.proc = proc
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.readLoop(ctx, proc, cb, s.done)
	go func() {
		<-ctx.Done()
		proc.stop(5 * time.Second)
	}()

	s.logger.Info("Capture started", "device", s.cfg.Device, "resolution", s.cfg.Geometry.Resolution())
	return nil
}

// logInputInfo reports the native format of file and network inputs
func (s *Source) logInputInfo(ctx context.Context) {
	switch s.kind {
	case "file", "rtsp", "srt", "rtmp":
	default:
		return
	}
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	info, err := s.ff.ProbeInput(probeCtx, s.cfg.Device)
	if err != nil {
		if !errors.Is(err, ErrNoProbe) {
			s.logger.Warn("Probe failed", "device", s.cfg.Device, "error", err)
		}
		return
	}
	native, ok := info.Format()
	s.logger.Info("Input probed",
		"resolution", info.Resolution(),
		"framerate", info.Framerate,
		"codec", info.Codec,
		"pix_fmt", info.PixelFmt,
		"converted", !ok || native != s.cfg.Geometry.Format || info.Resolution() != s.cfg.Geometry.Resolution())
}

// readLoop reads packed frames, re-pads them into the geometry layout in
// one reused buffer and hands them to cb
func (s *Source) readLoop(ctx context.Context, proc *process, cb input.FrameCallback, done chan struct{}) {
	defer close(done)

	geo := s.cfg.Geometry
	frame := &input.Frame{Data: make([]byte, geo.TotalSize)}
	packed := geo.IsPacked()
	scratch := frame.Data
	if !packed {
		scratch = make([]byte, geo.PackedSize())
	}

	var readErr error
	for {
		if _, err := io.ReadFull(proc.stdout, scratch); err != nil {
			readErr = err
			break
		}
		if ctx.Err() != nil {
			break
		}
		if !packed {
			geo.Pad(frame.Data, scratch)
		}

		frame.Arrival = time.Now()
		frame.Sequence++
		cb(frame)
	}

	waitErr := proc.wait()
	if ctx.Err() != nil {
		return
	}

	// the exit status says more than the EOF that preceded it
	cause := readErr
	if waitErr != nil {
		cause = waitErr
	}
	err := fmt.Errorf("%w: %s after %d frames: %v", input.ErrCaptureEnded, s.kind, frame.Sequence, cause)
	s.logger.Warn("Capture ended", "error", cause, "frames", frame.Sequence)

	s.mu.Lock()
	notify := s.onError
	s.onError = nil
	s.mu.Unlock()
	if notify != nil {
		notify(err)
	}
}

// Close implements input.Source. It waits for the capture goroutine.
func (s *Source) Close() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}
