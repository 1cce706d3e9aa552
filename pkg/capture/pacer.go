package capture

import "time"

// Pacer turns frame arrival times into presentation timestamps in
// microseconds since the first frame. Output never decreases: an arrival
// earlier than the previous one yields previous+1.
type Pacer struct {
	started     bool
	anchor      time.Time
	lastArrival time.Time
	last        int64
}

// Next returns the timestamp for a frame that arrived at arrival.
func (p *Pacer) Next(arrival time.Time) int64 {
	if !p.started {
		p.started = true
		p.anchor = arrival
		p.lastArrival = arrival
		p.last = 0
		return 0
	}

	var ts int64
	if arrival.Before(p.lastArrival) {
		ts = p.last + 1
	} else {
		ts = arrival.Sub(p.anchor).Microseconds()
		if ts < p.last {
			ts = p.last
		}
	}
	p.lastArrival = arrival
	p.last = ts
	return ts
}

// Last returns the most recent timestamp, or 0 before the first frame.
func (p *Pacer) Last() int64 {
	return p.last
}
