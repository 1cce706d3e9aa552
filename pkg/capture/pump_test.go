package capture

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/video-system/go-capture-encoder/internal/metrics"
	"github.com/video-system/go-capture-encoder/pkg/encode"
	"github.com/video-system/go-capture-encoder/pkg/input"
	"github.com/video-system/go-capture-encoder/pkg/output"
)

func runningSession(t *testing.T, dev encode.Device, width, height int) (*encode.Session, input.Geometry) {
	t.Helper()
	geo, err := input.ComputeGeometry(width, height, input.FormatYUV420Planar)
	if err != nil {
		t.Fatal(err)
	}
	s := encode.NewSession(dev, nil)
	err = s.Configure(encode.Config{
		Mime:             encode.MimeAVC,
		Format:           geo.Format,
		Width:            width,
		Height:           height,
		BitrateBps:       125000,
		FrameRate:        15,
		KeyFrameInterval: 5 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	return s, geo
}

type collectSink struct {
	units []output.EncodedUnit
}

func (c *collectSink) OnEncodedUnit(u output.EncodedUnit) error {
	c.units = append(c.units, u.Clone())
	return nil
}

// stuckDevice hands out its single input slot once and never again.
type stuckDevice struct {
	*encode.Loopback
	given bool
}

func (d *stuckDevice) DequeueInputBuffer(timeout time.Duration) (int, bool, error) {
	if d.given {
		return -1, false, nil
	}
	d.given = true
	return d.Loopback.DequeueInputBuffer(timeout)
}

// auditDevice checks the output protocol and records submitted lengths.
type auditDevice struct {
	encode.Device
	held       map[int]bool
	violations int
	dequeued   int
	released   int
	lengths    map[int]int
}

func newAuditDevice(dev encode.Device) *auditDevice {
	return &auditDevice{Device: dev, held: make(map[int]bool), lengths: make(map[int]int)}
}

func (d *auditDevice) QueueInputBuffer(index, offset, size int, pts int64, flags output.Flags) error {
	d.lengths[size]++
	return d.Device.QueueInputBuffer(index, offset, size, pts, flags)
}

func (d *auditDevice) DequeueOutputBuffer(timeout time.Duration) (int, encode.BufferInfo, bool, error) {
	idx, info, ok, err := d.Device.DequeueOutputBuffer(timeout)
	if ok {
		if d.held[idx] {
			d.violations++
		}
		d.held[idx] = true
		d.dequeued++
	}
	return idx, info, ok, err
}

func (d *auditDevice) ReleaseOutputBuffer(index int) error {
	if !d.held[index] {
		d.violations++
	}
	delete(d.held, index)
	d.released++
	return d.Device.ReleaseOutputBuffer(index)
}

// lateDevice reports its output one dequeue late, like a device encoding
// on its own thread.
type lateDevice struct {
	*encode.Loopback
	hide bool
}

func (d *lateDevice) QueueInputBuffer(index, offset, size int, pts int64, flags output.Flags) error {
	d.hide = true
	return d.Loopback.QueueInputBuffer(index, offset, size, pts, flags)
}

func (d *lateDevice) DequeueOutputBuffer(timeout time.Duration) (int, encode.BufferInfo, bool, error) {
	if d.hide {
		d.hide = false
		return -1, encode.BufferInfo{}, false, nil
	}
	return d.Loopback.DequeueOutputBuffer(timeout)
}

// shortSlotDevice exposes input regions one byte shorter than configured.
type shortSlotDevice struct {
	*encode.Loopback
}

func (d shortSlotDevice) InputBuffer(index int) []byte {
	b := d.Loopback.InputBuffer(index)
	return b[:len(b)-1]
}

func TestPumpEndToEnd(t *testing.T) {
	session, geo := runningSession(t, encode.NewLoopback(encode.LoopbackOptions{Batch: 2}), 640, 480)
	if geo.TotalSize != 460800 {
		t.Fatalf("TotalSize = %d", geo.TotalSize)
	}
	sink := &collectSink{}
	pump := NewPump(PumpConfig{Channel: "cam", Session: session, Geometry: geo, Sink: sink})
	defer pump.Close()

	frame := make([]byte, geo.TotalSize)
	base := time.Now()
	for i := 0; i < 30; i++ {
		frame[0] = byte(i)
		if err := pump.Process(frame, base.Add(time.Duration(i)*33*time.Millisecond)); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
	}

	if len(sink.units) != 15 {
		t.Fatalf("sink got %d units, want 15", len(sink.units))
	}
	for i, u := range sink.units {
		want := int64(i * 2 * 33000)
		if u.PTS != want {
			t.Errorf("unit %d pts = %d, want %d", i, u.PTS, want)
		}
		if i > 0 && u.PTS < sink.units[i-1].PTS {
			t.Errorf("unit %d pts %d decreases", i, u.PTS)
		}
	}
	if !sink.units[0].IsKeyFrame() {
		t.Error("first unit should be a key frame")
	}

	stats := pump.Stats()
	if stats.FramesReceived != 30 || stats.FramesSubmitted != 30 || stats.FramesDropped != 0 {
		t.Errorf("Stats() = %+v", stats)
	}
	if stats.UnitsEmitted != 15 || stats.LastPTS != 29*33000 {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestPumpDropsWhenNoInputSlot(t *testing.T) {
	dev := &stuckDevice{Loopback: encode.NewLoopback(encode.LoopbackOptions{InputSlots: 1})}
	session, geo := runningSession(t, dev, 32, 16)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	pump := NewPump(PumpConfig{Channel: "cam", Session: session, Geometry: geo, Metrics: m})
	defer pump.Close()

	frame := make([]byte, geo.TotalSize)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			if err := pump.Process(frame, time.Now()); err != nil {
				t.Errorf("frame %d: %v", i, err)
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pump blocked on a full device")
	}

	stats := pump.Stats()
	if stats.FramesSubmitted != 1 || stats.FramesDropped != 4 {
		t.Errorf("submitted=%d dropped=%d, want 1 and 4", stats.FramesSubmitted, stats.FramesDropped)
	}
	if got := testutil.ToFloat64(m.FramesDropped.WithLabelValues("cam", "no_slot")); got != 4 {
		t.Errorf("dropped metric = %v", got)
	}
}

func TestPumpReleasesEveryOutputSlot(t *testing.T) {
	audit := newAuditDevice(encode.NewLoopback(encode.LoopbackOptions{
		InputSlots:  3,
		OutputSlots: 2,
		Batch:       3,
		EmitConfig:  true,
	}))
	session, geo := runningSession(t, audit, 48, 32)
	pump := NewPump(PumpConfig{Session: session, Geometry: geo})
	defer pump.Close()

	frame := make([]byte, geo.TotalSize)
	base := time.Now()
	for i := 0; i < 10000; i++ {
		if err := pump.Process(frame, base.Add(time.Duration(i)*time.Millisecond)); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
	}

	if audit.violations != 0 {
		t.Errorf("%d protocol violations", audit.violations)
	}
	if audit.dequeued != audit.released || len(audit.held) != 0 {
		t.Errorf("dequeued=%d released=%d held=%d", audit.dequeued, audit.released, len(audit.held))
	}
	// 3333 pictures plus one config unit
	if audit.dequeued != 3334 {
		t.Errorf("dequeued = %d, want 3334", audit.dequeued)
	}
	if len(audit.lengths) != 1 || audit.lengths[geo.TotalSize] != 10000 {
		t.Errorf("submitted lengths = %v, want only %d", audit.lengths, geo.TotalSize)
	}
	if in, out := session.SlotCounts(); in != 0 || out != 0 {
		t.Errorf("client still holds %d input and %d output slots", in, out)
	}
}

func TestPumpRejectsWrongFrameLength(t *testing.T) {
	session, geo := runningSession(t, encode.NewLoopback(encode.LoopbackOptions{}), 32, 16)
	sink := &collectSink{}
	pump := NewPump(PumpConfig{Session: session, Geometry: geo, Sink: sink})
	defer pump.Close()

	err := pump.Process(make([]byte, geo.TotalSize+1), time.Now())
	if !errors.Is(err, ErrFrameLength) {
		t.Fatalf("Process() error = %v", err)
	}
	if err := pump.Process(make([]byte, geo.TotalSize), time.Now()); err != nil {
		t.Fatalf("pump should keep running: %v", err)
	}
	stats := pump.Stats()
	if stats.FramesRejected != 1 || stats.FramesSubmitted != 1 || len(sink.units) != 1 {
		t.Errorf("Stats() = %+v, units = %d", stats, len(sink.units))
	}
}

func TestPumpDrainsAfterRejectedFrame(t *testing.T) {
	dev := &lateDevice{Loopback: encode.NewLoopback(encode.LoopbackOptions{})}
	session, geo := runningSession(t, dev, 32, 16)
	sink := &collectSink{}
	pump := NewPump(PumpConfig{Session: session, Geometry: geo, Sink: sink})
	defer pump.Close()

	if err := pump.Process(make([]byte, geo.TotalSize), time.Now()); err != nil {
		t.Fatal(err)
	}
	if len(sink.units) != 0 {
		t.Fatalf("sink got %d units before the device reported any", len(sink.units))
	}

	err := pump.Process(make([]byte, 3), time.Now())
	if !errors.Is(err, ErrFrameLength) {
		t.Fatalf("Process() error = %v", err)
	}
	if len(sink.units) != 1 {
		t.Errorf("sink got %d units after rejected frame, want 1", len(sink.units))
	}
	if stats := pump.Stats(); stats.FramesRejected != 1 || stats.UnitsEmitted != 1 {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestPumpSlotSizeMismatchIsFatal(t *testing.T) {
	dev := shortSlotDevice{encode.NewLoopback(encode.LoopbackOptions{})}
	session, geo := runningSession(t, dev, 32, 16)

	var fatal []error
	pump := NewPump(PumpConfig{
		Session:  session,
		Geometry: geo,
		OnFatal:  func(err error) { fatal = append(fatal, err) },
	})
	defer pump.Close()

	frame := &input.Frame{Data: make([]byte, geo.TotalSize), Arrival: time.Now()}
	pump.OnFrame(frame)
	pump.OnFrame(frame)

	if !errors.Is(pump.Err(), encode.ErrSlotSizeMismatch) {
		t.Fatalf("Err() = %v", pump.Err())
	}
	if len(fatal) != 1 {
		t.Errorf("OnFatal called %d times, want 1", len(fatal))
	}
	if session.State() != encode.StateStopped {
		t.Errorf("session state = %s, want stopped", session.State())
	}
	if pump.Stats().FramesSubmitted != 0 {
		t.Error("no frame may be submitted into a mismatched slot")
	}
}

func TestPumpDeviceFailureStopsSession(t *testing.T) {
	session, geo := runningSession(t, encode.NewLoopback(encode.LoopbackOptions{FailAfter: 3}), 32, 16)
	pump := NewPump(PumpConfig{Session: session, Geometry: geo})
	defer pump.Close()

	frame := make([]byte, geo.TotalSize)
	var err error
	for i := 0; i < 5 && err == nil; i++ {
		err = pump.Process(frame, time.Now())
	}
	if !errors.Is(err, encode.ErrDeviceFailure) {
		t.Fatalf("Process() error = %v", err)
	}
	if err := pump.Process(frame, time.Now()); !errors.Is(err, encode.ErrDeviceFailure) {
		t.Errorf("pump retried after failure: %v", err)
	}
	if got := pump.Stats().FramesSubmitted; got != 2 {
		t.Errorf("FramesSubmitted = %d, want 2", got)
	}
}

func TestPumpCloseDuringCycles(t *testing.T) {
	session, geo := runningSession(t, encode.NewLoopback(encode.LoopbackOptions{Batch: 2}), 32, 16)
	var mu sync.Mutex
	var got [][]byte
	sink := output.SinkFunc(func(u output.EncodedUnit) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, bytes.Clone(u.Data))
		return nil
	})
	pump := NewPump(PumpConfig{Session: session, Geometry: geo, Sink: sink})

	frame := make([]byte, geo.TotalSize)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			if err := pump.Process(frame, time.Now()); err != nil {
				if !errors.Is(err, ErrPumpClosed) {
					t.Errorf("Process() error = %v", err)
				}
				return
			}
		}
	}()

	time.Sleep(10 * time.Millisecond)
	if err := pump.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	wg.Wait()

	if session.State() != encode.StateReleased {
		t.Errorf("session state = %s", session.State())
	}
	if err := pump.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestPumpCountsSinkErrors(t *testing.T) {
	session, geo := runningSession(t, encode.NewLoopback(encode.LoopbackOptions{}), 32, 16)
	sink := output.SinkFunc(func(output.EncodedUnit) error { return errors.New("disk full") })
	pump := NewPump(PumpConfig{Session: session, Geometry: geo, Sink: sink})
	defer pump.Close()

	for i := 0; i < 3; i++ {
		if err := pump.Process(make([]byte, geo.TotalSize), time.Now()); err != nil {
			t.Fatal(err)
		}
	}
	if s := pump.Stats(); s.SinkErrors != 3 || s.UnitsEmitted != 3 {
		t.Errorf("Stats() = %+v", s)
	}
	if in, out := session.SlotCounts(); in != 0 || out != 0 {
		t.Errorf("slots held after sink errors: %d, %d", in, out)
	}
}
