package binlog

import "fmt"

// StreamPosition identifies a point in a binlog stream, either by
// file+offset (always available) or, once a GTID_EVENT/ANONYMOUS_GTID_EVENT
// has been observed, by the set of GTIDs applied so far.
//
// A StreamPosition is a snapshot: advancing the stream does not mutate a
// StreamPosition returned earlier.
type StreamPosition struct {
	File string
	Pos  uint32
	GTID GtidState
}

func (p StreamPosition) String() string {
	if len(p.GTID.sets) > 0 {
		return fmt.Sprintf("%s:%d@%s", p.File, p.Pos, p.GTID.String())
	}
	return fmt.Sprintf("%s:%d", p.File, p.Pos)
}

// clone returns a StreamPosition that shares no mutable state with p.
func (p StreamPosition) clone() StreamPosition {
	p.GTID = p.GTID.clone()
	return p
}
