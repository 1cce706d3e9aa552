package output

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileSink writes the elementary stream to a file as-is. For H.264 and
// H.265 devices that is an Annex-B byte stream playable with ffplay.
type FileSink struct {
	mu    sync.Mutex
	path  string
	f     *os.File
	w     *bufio.Writer
	units int64
	bytes int64
}

// NewFileSink creates (or truncates) the output file.
func NewFileSink(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create output file: %w", err)
	}
	return &FileSink{
		path: path,
		f:    f,
		w:    bufio.NewWriterSize(f, 256*1024),
	}, nil
}

// OnEncodedUnit implements Sink.
func (s *FileSink) OnEncodedUnit(unit EncodedUnit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return fmt.Errorf("file sink %s closed", s.path)
	}
	n, err := s.w.Write(unit.Data)
	s.bytes += int64(n)
	if err != nil {
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	s.units++
	return nil
}

// Path returns the output file path.
func (s *FileSink) Path() string {
	return s.path
}

// Written returns the number of units and bytes written so far.
func (s *FileSink) Written() (units, bytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.units, s.bytes
}

// Close flushes and closes the file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	flushErr := s.w.Flush()
	closeErr := s.f.Close()
	s.f = nil
	if flushErr != nil {
		return fmt.Errorf("flush %s: %w", s.path, flushErr)
	}
	return closeErr
}
