package encode

import (
	"errors"
	"testing"
)

func TestSlotTableInputCycle(t *testing.T) {
	st := NewSlotTable("input", 2)

	if err := st.AcquireInput(0); err != nil {
		t.Fatal(err)
	}
	if err := st.AcquireInput(0); !errors.Is(err, ErrSlotOwnership) {
		t.Errorf("double acquire error = %v", err)
	}
	if err := st.Submit(1); !errors.Is(err, ErrSlotOwnership) {
		t.Errorf("submit of free slot error = %v", err)
	}
	if err := st.Submit(0); err != nil {
		t.Fatal(err)
	}
	if st.State(0) != SlotOwnedByDevice {
		t.Errorf("state = %s, want device", st.State(0))
	}
	// the device hands a consumed slot back through dequeue
	if err := st.AcquireInput(0); err != nil {
		t.Errorf("reacquire from device error = %v", err)
	}
}

func TestSlotTableOutputCycle(t *testing.T) {
	st := NewSlotTable("output", 3)

	if err := st.Release(1); !errors.Is(err, ErrSlotOwnership) {
		t.Errorf("release of free slot error = %v", err)
	}
	if err := st.AcquireOutput(1); err != nil {
		t.Fatal(err)
	}
	if err := st.AcquireOutput(1); !errors.Is(err, ErrSlotOwnership) {
		t.Errorf("dequeue of unreleased slot error = %v", err)
	}
	if got := st.Count(SlotOwnedByClient); got != 1 {
		t.Errorf("Count(client) = %d", got)
	}
	if err := st.Release(1); err != nil {
		t.Fatal(err)
	}
	if err := st.Release(1); !errors.Is(err, ErrSlotOwnership) {
		t.Errorf("double release error = %v", err)
	}
}

func TestSlotTableBoundsAndReset(t *testing.T) {
	st := NewSlotTable("output", 2)
	for _, i := range []int{-1, 2} {
		if err := st.AcquireOutput(i); !errors.Is(err, ErrSlotOwnership) {
			t.Errorf("AcquireOutput(%d) error = %v", i, err)
		}
	}

	_ = st.AcquireOutput(0)
	_ = st.AcquireOutput(1)
	st.Reset()
	if st.Count(SlotFree) != 2 {
		t.Errorf("after Reset free = %d", st.Count(SlotFree))
	}
}
