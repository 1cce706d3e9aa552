package input

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Source is the interface for raw frame sources.
// Frames are pushed to the callback from a goroutine owned by the source,
// never from the caller of Start.
type Source interface {
	// Metadata
	Name() string
	Type() string

	// Lifecycle
	Open(config Config) error
	Close() error

	// Capture. Start returns once delivery has begun; the callback runs on
	// the source's capture goroutine until ctx is cancelled or Close is called.
	Start(ctx context.Context, cb FrameCallback) error
}

// ErrCaptureEnded is reported when a source stops delivering frames on its
// own, for example because its capture process exited.
var ErrCaptureEnded = errors.New("capture ended")

// ErrorNotifier is implemented by sources whose capture can end without
// Close being called. fn is called at most once, from the capture goroutine.
type ErrorNotifier interface {
	OnError(fn func(err error))
}

// FrameCallback receives one raw frame. The frame's Data is owned by the
// source and may be overwritten as soon as the callback returns.
type FrameCallback func(frame *Frame)

// Config holds input configuration
type Config struct {
	Device    string
	Geometry  Geometry
	Framerate int
	Format    PixelFormat
}

// Frame represents a captured raw frame laid out per its Geometry.
type Frame struct {
	Data     []byte
	Arrival  time.Time
	Sequence int64
}

// Registry holds registered input plugins
var Registry = make(map[string]func() Source)

// Register registers an input plugin
func Register(name string, factory func() Source) {
	Registry[name] = factory
}

// Get returns an input plugin by name
func Get(name string) (Source, bool) {
	factory, ok := Registry[name]
	if !ok {
		return nil, false
	}
	return factory(), true
}

// Names returns the registered input plugin names in sorted order.
func Names() []string {
	names := make([]string, 0, len(Registry))
	for name := range Registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseResolution parses a "WIDTHxHEIGHT" string.
func ParseResolution(s string) (int, int, error) {
	var w, h int
	if n, err := fmt.Sscanf(s, "%dx%d", &w, &h); err != nil || n != 2 {
		return 0, 0, fmt.Errorf("%w: resolution %q", ErrInvalidGeometry, s)
	}
	if w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("%w: resolution %q", ErrInvalidGeometry, s)
	}
	return w, h, nil
}
