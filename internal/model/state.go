package model

import "time"

// RangeState is the lifecycle state of a tracked position.
type RangeState int

const (
	InRange RangeState = iota
	OutOfRange
	Closing
	Closed
)

func (s RangeState) String() string {
	switch s {
	case InRange:
		return "in_range"
	case OutOfRange:
		return "out_of_range"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// StateOf derives the state of a live position from its record. A nil
// record means the position is not tracked yet and is treated as in range.
func StateOf(rec *PositionRecord) RangeState {
	if rec != nil && rec.OutOfRangeSince != nil {
		return OutOfRange
	}
	return InRange
}

// ToleranceExpired reports whether an out-of-range marker has aged past
// the tolerance window. A zero tolerance always expires.
func ToleranceExpired(since *time.Time, tolerance time.Duration, now time.Time) bool {
	if tolerance <= 0 {
		return true
	}
	if since == nil {
		return false
	}
	return !now.Before(since.Add(tolerance))
}
