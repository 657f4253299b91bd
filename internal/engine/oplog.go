package engine

import "go.mongodb.org/mongo-driver/bson/primitive"

// OplogTimestamp is a (seconds, counter) pair with lexicographic ordering,
// read from the engine's oplog, most-recent entry first.
type OplogTimestamp struct {
	Seconds uint32
	Counter uint32
}

// Compare returns -1, 0, or 1 as t is less than, equal to, or greater than
// other, comparing Seconds first and Counter as the tiebreaker.
func (t OplogTimestamp) Compare(other OplogTimestamp) int {
	switch {
	case t.Seconds < other.Seconds:
		return -1
	case t.Seconds > other.Seconds:
		return 1
	case t.Counter < other.Counter:
		return -1
	case t.Counter > other.Counter:
		return 1
	default:
		return 0
	}
}

// GreaterThan reports whether t is strictly greater than other.
func (t OplogTimestamp) GreaterThan(other OplogTimestamp) bool {
	return t.Compare(other) > 0
}

func fromPrimitiveTimestamp(ts primitive.Timestamp) OplogTimestamp {
	return OplogTimestamp{Seconds: ts.T, Counter: ts.I}
}
