package capture

import (
	"math/rand"
	"testing"
	"time"
)

func TestPacerAnchorsAtFirstFrame(t *testing.T) {
	var p Pacer
	base := time.Unix(1700000000, 0)

	tests := []struct {
		offset time.Duration
		want   int64
	}{
		{0, 0},
		{33 * time.Millisecond, 33000},
		{66 * time.Millisecond, 66000},
		{66 * time.Millisecond, 66000},  // repeated arrival
		{50 * time.Millisecond, 66001},  // clock stepped back
		{40 * time.Millisecond, 66002},  // still behind
		{60 * time.Millisecond, 66002},  // forward again but below last output
		{100 * time.Millisecond, 100000},
	}
	for i, tt := range tests {
		if got := p.Next(base.Add(tt.offset)); got != tt.want {
			t.Errorf("step %d: Next(+%v) = %d, want %d", i, tt.offset, got, tt.want)
		}
	}
	if p.Last() != 100000 {
		t.Errorf("Last() = %d", p.Last())
	}
}

func TestPacerNeverDecreases(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	base := time.Now()

	for run := 0; run < 20; run++ {
		var p Pacer
		prev := int64(-1)
		for i := 0; i < 1000; i++ {
			arrival := base.Add(time.Duration(rng.Int63n(int64(5 * time.Second))))
			got := p.Next(arrival)
			if got < prev {
				t.Fatalf("run %d step %d: %d after %d", run, i, got, prev)
			}
			prev = got
		}
	}
}
