package output

import (
	"github.com/hashicorp/go-multierror"
)

// Sink receives finished encoded units from the pump's drain loop.
//
// OnEncodedUnit is called synchronously and must not block for long. The
// unit's Data is a view into an encoder slot that is released right after
// the call returns: copy it to keep it.
type Sink interface {
	OnEncodedUnit(unit EncodedUnit) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(unit EncodedUnit) error

// OnEncodedUnit calls f(unit).
func (f SinkFunc) OnEncodedUnit(unit EncodedUnit) error {
	return f(unit)
}

// Flags describe an encoded unit.
type Flags uint32

const (
	FlagKeyFrame    Flags = 1 << 0
	FlagCodecConfig Flags = 1 << 1
	FlagEndOfStream Flags = 1 << 2
)

// EncodedUnit is one unit of the elementary stream.
type EncodedUnit struct {
	Data   []byte // view into the output slot: region[Offset:Offset+Size]
	Offset int
	Size   int
	PTS    int64 // microseconds since session start
	Flags  Flags
}

// IsConfig reports whether the unit carries codec configuration
// (parameter sets) rather than picture data.
func (u EncodedUnit) IsConfig() bool {
	return u.Flags&FlagCodecConfig != 0
}

// IsKeyFrame reports whether the unit is independently decodable.
func (u EncodedUnit) IsKeyFrame() bool {
	return u.Flags&FlagKeyFrame != 0
}

// Clone copies the payload so the unit outlives its slot.
func (u EncodedUnit) Clone() EncodedUnit {
	data := make([]byte, len(u.Data))
	copy(data, u.Data)
	u.Data = data
	u.Offset = 0
	return u
}

// Tee fans each unit out to every sink in order. All sinks see the unit
// even if an earlier one fails; errors are combined.
type Tee []Sink

// OnEncodedUnit implements Sink.
func (t Tee) OnEncodedUnit(unit EncodedUnit) error {
	var result *multierror.Error
	for _, s := range t {
		if err := s.OnEncodedUnit(unit); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Discard drops every unit.
var Discard Sink = SinkFunc(func(EncodedUnit) error { return nil })
