package common

import (
	"time"
)

// Epoch numbers a configuration generation of a context. Epochs only grow.
type Epoch uint64

// PhysicalTime is wall time in milliseconds since the Unix epoch, as reported
// by the injected clock.
type PhysicalTime uint64

// TimeFrom converts a time.Time.
func TimeFrom(t time.Time) PhysicalTime {
	ms := t.UnixMilli()
	if ms < 0 {
		return 0
	}
	return PhysicalTime(ms)
}

// Time converts back to a time.Time in UTC.
func (p PhysicalTime) Time() time.Time {
	return time.UnixMilli(int64(p)).UTC()
}

// Add returns p shifted by d, rounded down to the millisecond.
func (p PhysicalTime) Add(d time.Duration) PhysicalTime {
	return p + PhysicalTime(d.Milliseconds())
}

func (p PhysicalTime) String() string {
	return p.Time().Format(time.RFC3339Nano)
}
