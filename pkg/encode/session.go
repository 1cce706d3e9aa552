package encode

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/video-system/go-capture-encoder/pkg/output"
)

// State is the lifecycle state of a Session.
type State int

const (
	StateIdle State = iota
	StateConfigured
	StateRunning
	StateStopped
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConfigured:
		return "configured"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateReleased:
		return "released"
	default:
		return "unknown"
	}
}

// Session owns one encoder device and exposes its buffer protocol with
// slot ownership checks. A session that hit a fatal error stays Stopped;
// create a new one to recover.
type Session struct {
	ID string

	mu     sync.Mutex
	device Device
	state  State
	config Config
	in     *SlotTable
	out    *SlotTable
	err    error
	logger *slog.Logger
}

// NewSession wraps device in an Idle session.
func NewSession(device Device, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	return &Session{
		ID:     id,
		device: device,
		state:  StateIdle,
		in:     NewSlotTable("input", 0),
		out:    NewSlotTable("output", 0),
		logger: logger.With("session", id, "device", device.Name()),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Config returns the configuration applied by Configure.
func (s *Session) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

// Err returns the fatal error that stopped the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// SlotCounts reports how many input and output slots the client holds.
func (s *Session) SlotCounts() (inputHeld, outputHeld int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.in.Count(SlotOwnedByClient), s.out.Count(SlotOwnedByClient)
}

func (s *Session) requireLocked(want State) error {
	if s.state != want {
		return fmt.Errorf("%w: %s, want %s", ErrInvalidState, s.state, want)
	}
	return nil
}

// Configure applies cfg to the device. Idle -> Configured.
func (s *Session) Configure(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireLocked(StateIdle); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := s.device.Configure(cfg); err != nil {
		if errors.Is(err, ErrUnsupportedConfig) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrUnsupportedConfig, err)
	}

	s.config = cfg
	s.state = StateConfigured
	s.logger.Info("Encoder configured",
		"mime", cfg.Mime,
		"format", cfg.Format.String(),
		"resolution", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"bitrate", cfg.BitrateBps,
		"framerate", cfg.FrameRate,
		"keyframe_interval", cfg.KeyFrameInterval)
	return nil
}

// Start starts the device and builds the slot tables. Configured -> Running.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireLocked(StateConfigured); err != nil {
		return err
	}
	if err := s.device.Start(); err != nil {
		return s.failLocked(err)
	}

	s.in = NewSlotTable("input", s.device.InputSlots())
	s.out = NewSlotTable("output", s.device.OutputSlots())
	s.state = StateRunning
	s.logger.Info("Encoder started", "input_slots", s.in.Len(), "output_slots", s.out.Len())
	return nil
}

// Stop stops the device. Safe to call before any frame was submitted and
// after a fatal error already stopped the session.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateStopped:
		return nil
	case StateConfigured:
		s.state = StateStopped
		return nil
	case StateRunning:
	default:
		return fmt.Errorf("%w: stop in %s", ErrInvalidState, s.state)
	}

	err := s.device.Stop()
	s.invalidateLocked()
	s.state = StateStopped
	if err != nil {
		return fmt.Errorf("%w: stop: %v", ErrDeviceFailure, err)
	}
	s.logger.Info("Encoder stopped")
	return nil
}

// Release stops the session if needed and releases the device. Calling it
// again is a no-op. All slot regions are invalid afterwards.
func (s *Session) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateReleased {
		return nil
	}

	var result *multierror.Error
	if s.state == StateRunning {
		if err := s.device.Stop(); err != nil {
			result = multierror.Append(result, fmt.Errorf("stop: %w", err))
		}
	}
	if err := s.device.Release(); err != nil {
		result = multierror.Append(result, fmt.Errorf("release: %w", err))
	}

	s.invalidateLocked()
	s.state = StateReleased
	s.logger.Debug("Encoder released")
	return result.ErrorOrNil()
}

// DequeueInputSlot asks the device for a free input slot, waiting at most
// timeout. ok is false when none is free; that is not an error.
func (s *Session) DequeueInputSlot(timeout time.Duration) (index int, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireLocked(StateRunning); err != nil {
		return -1, false, err
	}
	index, ok, err = s.device.DequeueInputBuffer(timeout)
	if err != nil {
		return -1, false, s.failLocked(err)
	}
	if !ok {
		return -1, false, nil
	}
	if err := s.in.AcquireInput(index); err != nil {
		return -1, false, s.failLocked(err)
	}
	return index, true, nil
}

// InputRegion returns the memory region of an input slot the client holds.
func (s *Session) InputRegion(index int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireLocked(StateRunning); err != nil {
		return nil, err
	}
	if st := s.in.State(index); st != SlotOwnedByClient {
		return nil, s.failLocked(fmt.Errorf("%w: input slot %d is %s", ErrSlotOwnership, index, st))
	}
	return s.device.InputBuffer(index), nil
}

// SubmitInputSlot hands length bytes of input slot index to the device
// with presentation timestamp ptsMicros.
func (s *Session) SubmitInputSlot(index, length int, ptsMicros int64, flags output.Flags) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireLocked(StateRunning); err != nil {
		return err
	}
	if err := s.in.Submit(index); err != nil {
		return s.failLocked(err)
	}
	if err := s.device.QueueInputBuffer(index, 0, length, ptsMicros, flags); err != nil {
		return s.failLocked(err)
	}
	return nil
}

// DequeueOutputSlot polls for a completed unit, waiting at most timeout.
// The returned unit views the slot region and is valid until
// ReleaseOutputSlot(index). ok is false when nothing is ready.
func (s *Session) DequeueOutputSlot(timeout time.Duration) (index int, unit output.EncodedUnit, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireLocked(StateRunning); err != nil {
		return -1, output.EncodedUnit{}, false, err
	}
	index, info, ok, err := s.device.DequeueOutputBuffer(timeout)
	if err != nil {
		return -1, output.EncodedUnit{}, false, s.failLocked(err)
	}
	if !ok {
		return -1, output.EncodedUnit{}, false, nil
	}
	if err := s.out.AcquireOutput(index); err != nil {
		return -1, output.EncodedUnit{}, false, s.failLocked(err)
	}

	region := s.device.OutputBuffer(index)
	if info.Offset < 0 || info.Size < 0 || info.Offset+info.Size > len(region) {
		return -1, output.EncodedUnit{}, false, s.failLocked(fmt.Errorf(
			"%w: output slot %d reports [%d:%d] of %d bytes",
			ErrDeviceFailure, index, info.Offset, info.Offset+info.Size, len(region)))
	}

	unit = output.EncodedUnit{
		Data:   region[info.Offset : info.Offset+info.Size],
		Offset: info.Offset,
		Size:   info.Size,
		PTS:    info.PTSMicros,
		Flags:  info.Flags,
	}
	return index, unit, true, nil
}

// ReleaseOutputSlot gives a dequeued output slot back to the device.
// It must be called exactly once per dequeued slot.
func (s *Session) ReleaseOutputSlot(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireLocked(StateRunning); err != nil {
		return err
	}
	if err := s.out.Release(index); err != nil {
		return s.failLocked(err)
	}
	if err := s.device.ReleaseOutputBuffer(index); err != nil {
		return s.failLocked(err)
	}
	return nil
}

// Fail stops a running session because of a fatal error the caller
// detected, such as a slot that does not fit the frame geometry.
func (s *Session) Fail(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		if s.err != nil {
			return s.err
		}
		return err
	}
	return s.failLocked(err)
}

// failLocked forces the session to Stopped after a fatal error. Errors that
// are not already a fatal kind are reported as device failures.
func (s *Session) failLocked(cause error) error {
	err := cause
	if !IsFatal(err) {
		err = fmt.Errorf("%w: %v", ErrDeviceFailure, cause)
	}

	if s.state == StateRunning {
		if stopErr := s.device.Stop(); stopErr != nil {
			s.logger.Warn("Device stop after failure", "error", stopErr)
		}
	}
	s.invalidateLocked()
	if s.state != StateReleased {
		s.state = StateStopped
	}
	if s.err == nil {
		s.err = err
	}

	s.logger.Error("Encoder session failed", "error", err)
	return err
}

func (s *Session) invalidateLocked() {
	s.in.Reset()
	s.out.Reset()
}
