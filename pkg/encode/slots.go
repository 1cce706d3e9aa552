package encode

import "fmt"

// SlotState is the ownership state of one device buffer slot.
type SlotState int

const (
	SlotFree SlotState = iota
	SlotOwnedByClient
	SlotOwnedByDevice
)

func (s SlotState) String() string {
	switch s {
	case SlotFree:
		return "free"
	case SlotOwnedByClient:
		return "client"
	case SlotOwnedByDevice:
		return "device"
	default:
		return "unknown"
	}
}

// SlotTable tracks ownership of a device's fixed slot array.
//
// Input slots cycle Free -> Client (dequeue) -> Device (submit). A device
// hands a submitted slot back by returning its index from a later dequeue,
// so Device -> Client is also a valid dequeue.
//
// Output slots cycle Free -> Client (dequeue) -> Free (release). Dequeuing
// a slot the client still holds means it was never released.
//
// The table is not safe for concurrent use; Session serializes access.
type SlotTable struct {
	kind   string
	states []SlotState
}

// NewSlotTable creates a table of n free slots.
func NewSlotTable(kind string, n int) *SlotTable {
	return &SlotTable{kind: kind, states: make([]SlotState, n)}
}

// Len returns the number of slots.
func (t *SlotTable) Len() int {
	return len(t.states)
}

// State returns the state of slot i.
func (t *SlotTable) State(i int) SlotState {
	if i < 0 || i >= len(t.states) {
		return SlotFree
	}
	return t.states[i]
}

// Count returns how many slots are in state s.
func (t *SlotTable) Count(s SlotState) int {
	n := 0
	for _, st := range t.states {
		if st == s {
			n++
		}
	}
	return n
}

func (t *SlotTable) check(i int) error {
	if i < 0 || i >= len(t.states) {
		return fmt.Errorf("%w: %s slot %d out of range [0,%d)", ErrSlotOwnership, t.kind, i, len(t.states))
	}
	return nil
}

func (t *SlotTable) move(i int, to SlotState, from ...SlotState) error {
	if err := t.check(i); err != nil {
		return err
	}
	cur := t.states[i]
	for _, f := range from {
		if cur == f {
			t.states[i] = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s slot %d is %s, cannot become %s", ErrSlotOwnership, t.kind, i, cur, to)
}

// AcquireInput marks input slot i as held by the client.
func (t *SlotTable) AcquireInput(i int) error {
	return t.move(i, SlotOwnedByClient, SlotFree, SlotOwnedByDevice)
}

// Submit hands input slot i to the device.
func (t *SlotTable) Submit(i int) error {
	return t.move(i, SlotOwnedByDevice, SlotOwnedByClient)
}

// AcquireOutput marks output slot i as held by the client.
func (t *SlotTable) AcquireOutput(i int) error {
	return t.move(i, SlotOwnedByClient, SlotFree)
}

// Release returns output slot i to the free pool.
func (t *SlotTable) Release(i int) error {
	return t.move(i, SlotFree, SlotOwnedByClient)
}

// Reset frees every slot. Used when the device invalidates its slot array.
func (t *SlotTable) Reset() {
	for i := range t.states {
		t.states[i] = SlotFree
	}
}
