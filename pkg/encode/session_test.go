package encode

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/video-system/go-capture-encoder/pkg/input"
	"github.com/video-system/go-capture-encoder/pkg/output"
)

func testConfig() Config {
	return Config{
		Mime:             MimeAVC,
		Format:           input.FormatYUV420Planar,
		Width:            64,
		Height:           48,
		BitrateBps:       125000,
		FrameRate:        15,
		KeyFrameInterval: 5 * time.Second,
	}
}

func startSession(t *testing.T, opts LoopbackOptions) *Session {
	t.Helper()
	s := NewSession(NewLoopback(opts), nil)
	if err := s.Configure(testConfig()); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Release() })
	return s
}

func submitFrame(t *testing.T, s *Session, pts int64) {
	t.Helper()
	idx, ok, err := s.DequeueInputSlot(0)
	if err != nil || !ok {
		t.Fatalf("DequeueInputSlot() = %d, %v, %v", idx, ok, err)
	}
	region, err := s.InputRegion(idx)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SubmitInputSlot(idx, len(region), pts, 0); err != nil {
		t.Fatalf("SubmitInputSlot() error = %v", err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	s := NewSession(NewLoopback(LoopbackOptions{}), nil)
	if s.ID == "" {
		t.Error("session has no id")
	}
	if err := s.Start(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Start() before Configure error = %v", err)
	}
	if err := s.Configure(testConfig()); err != nil {
		t.Fatal(err)
	}
	if err := s.Configure(testConfig()); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second Configure() error = %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	if s.State() != StateRunning {
		t.Fatalf("State() = %s", s.State())
	}

	// nothing submitted yet
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
	if _, _, err := s.DequeueInputSlot(0); !errors.Is(err, ErrInvalidState) {
		t.Errorf("DequeueInputSlot() after Stop error = %v", err)
	}
	if err := s.Release(); err != nil {
		t.Fatal(err)
	}
	if err := s.Release(); err != nil {
		t.Errorf("second Release() error = %v", err)
	}
	if s.State() != StateReleased {
		t.Errorf("State() = %s", s.State())
	}
}

func TestSessionConfigureRejects(t *testing.T) {
	bad := testConfig()
	bad.Format = input.FormatYUV422Planar
	s := NewSession(NewLoopback(LoopbackOptions{}), nil)
	if err := s.Configure(bad); !errors.Is(err, ErrUnsupportedConfig) {
		t.Errorf("device rejection error = %v", err)
	}

	bad = testConfig()
	bad.BitrateBps = 0
	if err := s.Configure(bad); !errors.Is(err, ErrUnsupportedConfig) {
		t.Errorf("zero bitrate error = %v", err)
	}
	if s.State() != StateIdle {
		t.Errorf("State() = %s, want idle", s.State())
	}
}

func TestSessionBatchedOutput(t *testing.T) {
	s := startSession(t, LoopbackOptions{Batch: 2, EmitConfig: true})

	submitFrame(t, s, 0)
	if _, _, ok, err := s.DequeueOutputSlot(0); ok || err != nil {
		t.Fatalf("output after one frame: ok=%v err=%v", ok, err)
	}
	submitFrame(t, s, 33000)

	idx, unit, ok, err := s.DequeueOutputSlot(0)
	if err != nil || !ok {
		t.Fatalf("DequeueOutputSlot() = %v, %v", ok, err)
	}
	if !unit.IsConfig() {
		t.Errorf("first unit flags = %b, want codec config", unit.Flags)
	}
	if err := s.ReleaseOutputSlot(idx); err != nil {
		t.Fatal(err)
	}

	idx, unit, ok, err = s.DequeueOutputSlot(0)
	if err != nil || !ok {
		t.Fatalf("DequeueOutputSlot() = %v, %v", ok, err)
	}
	if unit.PTS != 0 || !unit.IsKeyFrame() {
		t.Errorf("picture unit pts=%d flags=%b", unit.PTS, unit.Flags)
	}
	if unit.Size != len(unit.Data) || !bytes.HasPrefix(unit.Data, []byte{0, 0, 0, 1, 0x65}) {
		t.Errorf("picture unit data = %x", unit.Data)
	}
	if in, out := s.SlotCounts(); in != 0 || out != 1 {
		t.Errorf("SlotCounts() = %d, %d", in, out)
	}
	if err := s.ReleaseOutputSlot(idx); err != nil {
		t.Fatal(err)
	}

	if _, _, ok, _ := s.DequeueOutputSlot(0); ok {
		t.Error("drain should be empty")
	}
}

func TestSessionDoubleReleaseIsFatal(t *testing.T) {
	s := startSession(t, LoopbackOptions{})
	submitFrame(t, s, 0)

	idx, _, ok, err := s.DequeueOutputSlot(0)
	if err != nil || !ok {
		t.Fatal("no output")
	}
	if err := s.ReleaseOutputSlot(idx); err != nil {
		t.Fatal(err)
	}
	err = s.ReleaseOutputSlot(idx)
	if !errors.Is(err, ErrSlotOwnership) || !IsFatal(err) {
		t.Errorf("double release error = %v", err)
	}
	if s.State() != StateStopped {
		t.Errorf("State() = %s, want stopped", s.State())
	}
	if !errors.Is(s.Err(), ErrSlotOwnership) {
		t.Errorf("Err() = %v", s.Err())
	}
}

func TestSessionDeviceFailureStops(t *testing.T) {
	s := startSession(t, LoopbackOptions{FailAfter: 2})
	submitFrame(t, s, 0)

	idx, ok, err := s.DequeueInputSlot(0)
	if err != nil || !ok {
		t.Fatal("no input slot")
	}
	region, _ := s.InputRegion(idx)
	err = s.SubmitInputSlot(idx, len(region), 1000, 0)
	if !errors.Is(err, ErrDeviceFailure) || !IsFatal(err) {
		t.Fatalf("SubmitInputSlot() error = %v", err)
	}
	if s.State() != StateStopped {
		t.Errorf("State() = %s, want stopped", s.State())
	}
	if _, _, _, err := s.DequeueOutputSlot(0); !errors.Is(err, ErrInvalidState) {
		t.Errorf("DequeueOutputSlot() after failure error = %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("Stop() after failure error = %v", err)
	}
}

func TestSessionSizeMismatchIsFatal(t *testing.T) {
	s := startSession(t, LoopbackOptions{})
	idx, _, _ := s.DequeueInputSlot(0)
	region, _ := s.InputRegion(idx)

	err := s.SubmitInputSlot(idx, len(region)-1, 0, output.Flags(0))
	if !errors.Is(err, ErrSlotSizeMismatch) || !IsFatal(err) {
		t.Errorf("SubmitInputSlot() error = %v", err)
	}
	if s.State() != StateStopped {
		t.Errorf("State() = %s", s.State())
	}
}

func TestLoopbackOutputBackpressure(t *testing.T) {
	s := startSession(t, LoopbackOptions{InputSlots: 2, OutputSlots: 1})
	submitFrame(t, s, 0)
	submitFrame(t, s, 10)

	idx, unit, ok, _ := s.DequeueOutputSlot(0)
	if !ok || unit.PTS != 0 {
		t.Fatalf("first unit ok=%v pts=%d", ok, unit.PTS)
	}
	// the only output slot is held, so the second unit waits
	if _, _, ok, _ := s.DequeueOutputSlot(0); ok {
		t.Fatal("second unit delivered while the slot is held")
	}
	if err := s.ReleaseOutputSlot(idx); err != nil {
		t.Fatal(err)
	}
	if _, unit, ok, _ := s.DequeueOutputSlot(0); !ok || unit.PTS != 10 {
		t.Errorf("second unit ok=%v pts=%d", ok, unit.PTS)
	}
}

func TestLoopbackInputTimeout(t *testing.T) {
	l := NewLoopback(LoopbackOptions{InputSlots: 1})
	if err := l.Configure(testConfig()); err != nil {
		t.Fatal(err)
	}
	if err := l.Start(); err != nil {
		t.Fatal(err)
	}
	defer l.Release()

	idx, ok, err := l.DequeueInputBuffer(0)
	if err != nil || !ok {
		t.Fatalf("DequeueInputBuffer(0) = %d, %v, %v", idx, ok, err)
	}

	start := time.Now()
	if _, ok, _ := l.DequeueInputBuffer(30 * time.Millisecond); ok {
		t.Fatal("DequeueInputBuffer() returned a held slot")
	}
	if waited := time.Since(start); waited < 30*time.Millisecond {
		t.Errorf("DequeueInputBuffer(30ms) returned after %v", waited)
	}

	size := len(l.InputBuffer(idx))
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = l.QueueInputBuffer(idx, 0, size, 0, 0)
	}()
	got, ok, err := l.DequeueInputBuffer(2 * time.Second)
	if err != nil || !ok || got != idx {
		t.Fatalf("DequeueInputBuffer(2s) = %d, %v, %v", got, ok, err)
	}
}
