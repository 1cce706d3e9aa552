package encode

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/video-system/go-capture-encoder/pkg/input"
	"github.com/video-system/go-capture-encoder/pkg/output"
)

// Codec MIME types
const (
	MimeAVC  = "video/avc"
	MimeHEVC = "video/hevc"
)

// Device is an opaque stateful encoder exposing a slot-array buffer protocol.
// Hardware codecs, software codecs and test doubles all implement it.
//
// Dequeue calls never block longer than timeout; a zero timeout polls.
// ok=false with a nil error means nothing is available right now.
type Device interface {
	Name() string

	// Lifecycle
	Configure(cfg Config) error
	Start() error
	Stop() error
	Release() error

	// Slot regions, valid between Start and Stop.
	InputBuffer(index int) []byte
	OutputBuffer(index int) []byte
	InputSlots() int
	OutputSlots() int

	// Buffer protocol
	DequeueInputBuffer(timeout time.Duration) (index int, ok bool, err error)
	QueueInputBuffer(index, offset, size int, ptsMicros int64, flags output.Flags) error
	DequeueOutputBuffer(timeout time.Duration) (index int, info BufferInfo, ok bool, err error)
	ReleaseOutputBuffer(index int) error
}

// BufferInfo describes the data a device placed in an output slot.
type BufferInfo struct {
	Offset    int
	Size      int
	PTSMicros int64
	Flags     output.Flags
}

// Config holds encoder configuration. It is fixed once a session starts.
type Config struct {
	Mime             string
	Format           input.PixelFormat
	Width            int
	Height           int
	BitrateBps       int
	FrameRate        int
	KeyFrameInterval time.Duration
}

// Validate checks the fields every device needs.
func (c Config) Validate() error {
	switch {
	case c.Mime == "":
		return fmt.Errorf("%w: codec type required", ErrUnsupportedConfig)
	case c.Width <= 0 || c.Height <= 0:
		return fmt.Errorf("%w: resolution %dx%d", ErrUnsupportedConfig, c.Width, c.Height)
	case c.BitrateBps <= 0:
		return fmt.Errorf("%w: bitrate %d", ErrUnsupportedConfig, c.BitrateBps)
	case c.FrameRate <= 0:
		return fmt.Errorf("%w: frame rate %d", ErrUnsupportedConfig, c.FrameRate)
	case !c.Format.InYUVRange():
		return fmt.Errorf("%w: color format %s", ErrUnsupportedConfig, c.Format)
	}
	return nil
}

// KeyFrameFrames is the key-frame interval expressed in frames.
func (c Config) KeyFrameFrames() int {
	n := int(c.KeyFrameInterval.Seconds() * float64(c.FrameRate))
	if n < 1 {
		n = 1
	}
	return n
}

// CodecInfo describes one available codec implementation.
type CodecInfo struct {
	Name         string
	IsEncoder    bool
	Types        []string
	ColorFormats map[string][]input.PixelFormat // by MIME type
}

// Supports reports whether the codec handles mime (case-insensitive).
func (ci CodecInfo) Supports(mime string) bool {
	for _, t := range ci.Types {
		if strings.EqualFold(t, mime) {
			return true
		}
	}
	return false
}

// FormatsFor returns the raw-input formats advertised for mime.
func (ci CodecInfo) FormatsFor(mime string) []input.PixelFormat {
	for t, formats := range ci.ColorFormats {
		if strings.EqualFold(t, mime) {
			return formats
		}
	}
	return nil
}

// Factory creates devices of one implementation.
type Factory interface {
	Info(ctx context.Context) (CodecInfo, error)
	New() (Device, error)
}

// Sizer is implemented by factories whose devices take slot counts.
// Zero keeps the device default.
type Sizer interface {
	WithSlots(inputSlots, outputSlots int) Factory
}

var (
	registryMu sync.RWMutex
	// Registry holds registered encoder plugins
	Registry = make(map[string]Factory)
)

// Register registers an encoder plugin
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	Registry[name] = factory
}

// Get returns an encoder plugin by name
func Get(name string) (Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	factory, ok := Registry[name]
	return factory, ok
}

// ListCodecs returns the codec info of every registered plugin, ordered by
// registry name. Plugins whose probe fails are skipped.
func ListCodecs(ctx context.Context) []CodecInfo {
	entries := registered(ctx)
	infos := make([]CodecInfo, len(entries))
	for i, e := range entries {
		infos[i] = e.info
	}
	return infos
}

type entry struct {
	info    CodecInfo
	factory Factory
}

func registered(ctx context.Context) []entry {
	registryMu.RLock()
	names := make([]string, 0, len(Registry))
	factories := make(map[string]Factory, len(Registry))
	for name, f := range Registry {
		names = append(names, name)
		factories[name] = f
	}
	registryMu.RUnlock()

	sort.Strings(names)
	entries := make([]entry, 0, len(names))
	for _, name := range names {
		info, err := factories[name].Info(ctx)
		if err != nil {
			continue
		}
		info.Name = name
		entries = append(entries, entry{info: info, factory: factories[name]})
	}
	return entries
}

// CreateEncoderByType returns a new device from the first encoder (by name)
// that supports mime and advertises format for it.
func CreateEncoderByType(ctx context.Context, mime string, format input.PixelFormat) (Device, error) {
	_, factory, err := EncoderFor(ctx, mime, format)
	if err != nil {
		return nil, err
	}
	return factory.New()
}

// EncoderFor returns the name and factory of the first encoder (by name)
// that supports mime and advertises format for it.
func EncoderFor(ctx context.Context, mime string, format input.PixelFormat) (string, Factory, error) {
	for _, e := range registered(ctx) {
		if !e.info.IsEncoder || !e.info.Supports(mime) {
			continue
		}
		if !slices.Contains(e.info.FormatsFor(mime), format) {
			continue
		}
		return e.info.Name, e.factory, nil
	}
	return "", nil, fmt.Errorf("%w: %s with %s", ErrNoCompatibleEncoder, mime, format)
}
