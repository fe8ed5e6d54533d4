package fetcher

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// OpTime is the logical cursor position into the remote oplog: a
// (timestamp, term) pair with a total order derived first from timestamp,
// then from term.
type OpTime struct {
	Timestamp primitive.Timestamp
	Term      int64
}

// Compare returns -1, 0 or 1 as ot is less than, equal to, or greater than
// other, ordering first by Timestamp then by Term.
func (ot OpTime) Compare(other OpTime) int {
	if c := primitive.CompareTimestamp(ot.Timestamp, other.Timestamp); c != 0 {
		return c
	}
	switch {
	case ot.Term < other.Term:
		return -1
	case ot.Term > other.Term:
		return 1
	default:
		return 0
	}
}

// Less reports whether ot strictly precedes other.
func (ot OpTime) Less(other OpTime) bool { return ot.Compare(other) < 0 }

// Equal reports whether ot and other carry the same timestamp and term.
func (ot OpTime) Equal(other OpTime) bool { return ot.Compare(other) == 0 }

// IsZero reports whether ot is the zero value.
func (ot OpTime) IsZero() bool {
	return ot.Timestamp.T == 0 && ot.Timestamp.I == 0 && ot.Term == 0
}

func (ot OpTime) String() string {
	return fmt.Sprintf("{ts: %d:%d, t: %d}", ot.Timestamp.T, ot.Timestamp.I, ot.Term)
}

// optimeFromDoc extracts the OpTime recorded in an oplog entry's "ts"/"t"
// fields, looked up on the raw BSON without a full unmarshal.
func optimeFromDoc(doc Document) (OpTime, bool) {
	tsVal := doc.Lookup("ts")
	t, i, ok := tsVal.TimestampOK()
	if !ok {
		return OpTime{}, false
	}
	var term int64
	if tVal, err := doc.LookupErr("t"); err == nil {
		if n, ok := tVal.Int64OK(); ok {
			term = n
		} else if n32, ok := tVal.Int32OK(); ok {
			term = int64(n32)
		}
	}
	return OpTime{Timestamp: primitive.Timestamp{T: t, I: i}, Term: term}, true
}
