package binlog

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// GtidEvent is emitted once per transaction in GTID mode and names the
// transaction identifier the following statements/row events belong to.
//
// https://dev.mysql.com/doc/internals/en/gtid-event.html
type GtidEvent struct {
	CommitFlag     bool
	SourceUUID     uuid.UUID
	TransactionID  int64
	HasClock       bool // LastCommitted/SequenceNumber populated
	LastCommitted  int64
	SequenceNumber int64
}

func (e *GtidEvent) decode(r *reader) error {
	e.CommitFlag = r.int1() != 0
	sid := r.bytes(16)
	if r.err != nil {
		return r.err
	}
	copy(e.SourceUUID[:], sid)
	e.TransactionID = int64(r.int8())
	if r.err != nil {
		return r.err
	}
	if r.more() {
		ltType := r.int1()
		if r.err != nil {
			return r.err
		}
		if ltType == 2 && r.more() {
			e.HasClock = true
			e.LastCommitted = int64(r.int8())
			e.SequenceNumber = int64(r.int8())
		}
	}
	// any trailing bytes (commit timestamps, transaction length on 8.0.14+)
	// are not interpreted by this core.
	r.bytesEOF()
	return r.err
}

// gtid returns the Gtid this event names.
func (e *GtidEvent) gtid() Gtid {
	return Gtid{SourceUUID: e.SourceUUID, TransactionID: e.TransactionID}
}

// AnonymousGtidEvent has the identical wire layout as GtidEvent: a server
// running without gtid_mode still tags each transaction with a
// server_uuid:transaction_id pair for internal bookkeeping, it is just not
// a stable cross-restart identity.
type AnonymousGtidEvent struct {
	GtidEvent
}

func (e *AnonymousGtidEvent) decode(r *reader) error {
	return e.GtidEvent.decode(r)
}

// PreviousGtidsEvent carries the GTID set already present in the binlog
// file before the first event, used so a consumer starting mid-stream
// knows what has already been applied.
//
// https://dev.mysql.com/doc/internals/en/previous-gtids-event.html
type PreviousGtidsEvent struct {
	Set GtidState
}

func (e *PreviousGtidsEvent) decode(r *reader) error {
	e.Set = GtidState{sets: make(map[uuid.UUID][]gtidInterval)}
	nSids := r.int8()
	if r.err != nil {
		return r.err
	}
	for i := uint64(0); i < nSids; i++ {
		sid := r.bytes(16)
		if r.err != nil {
			return r.err
		}
		var id uuid.UUID
		copy(id[:], sid)
		nIntervals := r.int8()
		if r.err != nil {
			return r.err
		}
		for j := uint64(0); j < nIntervals; j++ {
			start := int64(r.int8())
			end := int64(r.int8())
			if r.err != nil {
				return r.err
			}
			e.Set.sets[id] = append(e.Set.sets[id], gtidInterval{start, end})
		}
	}
	return r.err
}

// Gtid names a single transaction: the source server's UUID plus the
// monotonically increasing sequence number that server assigned it.
type Gtid struct {
	SourceUUID    uuid.UUID
	TransactionID int64
}

func (g Gtid) String() string {
	return fmt.Sprintf("%s:%d", g.SourceUUID, g.TransactionID)
}

// gtidInterval is a half-open-on-the-right-in-MySQL's-own-terms range of
// transaction ids, stored here as [Start,End) to make merging simple; it is
// rendered back to MySQL's inclusive Start-(End-1) notation in String.
type gtidInterval struct {
	Start, End int64
}

// GtidState is the set of GTIDs a stream has observed or (via
// PreviousGtidsEvent) already applied before the current file. It is the
// GTID-based analogue of a file+offset StreamPosition.
type GtidState struct {
	sets map[uuid.UUID][]gtidInterval
}

// Add records gtid as applied, merging it into any adjacent interval.
func (s *GtidState) Add(g Gtid) {
	if s.sets == nil {
		s.sets = make(map[uuid.UUID][]gtidInterval)
	}
	ivs := s.sets[g.SourceUUID]
	for i := range ivs {
		if g.TransactionID >= ivs[i].Start && g.TransactionID < ivs[i].End {
			return // already recorded
		}
		if g.TransactionID == ivs[i].End {
			ivs[i].End++
			s.sets[g.SourceUUID] = ivs
			return
		}
		if g.TransactionID == ivs[i].Start-1 {
			ivs[i].Start--
			s.sets[g.SourceUUID] = ivs
			return
		}
	}
	s.sets[g.SourceUUID] = append(ivs, gtidInterval{g.TransactionID, g.TransactionID + 1})
}

// Contains reports whether gtid has already been applied.
func (s GtidState) Contains(g Gtid) bool {
	for _, iv := range s.sets[g.SourceUUID] {
		if g.TransactionID >= iv.Start && g.TransactionID < iv.End {
			return true
		}
	}
	return false
}

func (s GtidState) clone() GtidState {
	if s.sets == nil {
		return GtidState{}
	}
	out := make(map[uuid.UUID][]gtidInterval, len(s.sets))
	for k, v := range s.sets {
		out[k] = append([]gtidInterval(nil), v...)
	}
	return GtidState{sets: out}
}

// String renders the set in MySQL's own GTID-set notation:
// uuid:1-5:7-9,uuid2:1-2
func (s GtidState) String() string {
	uuids := make([]uuid.UUID, 0, len(s.sets))
	for id := range s.sets {
		uuids = append(uuids, id)
	}
	sort.Slice(uuids, func(i, j int) bool { return uuids[i].String() < uuids[j].String() })

	var parts []string
	for _, id := range uuids {
		ivs := append([]gtidInterval(nil), s.sets[id]...)
		sort.Slice(ivs, func(i, j int) bool { return ivs[i].Start < ivs[j].Start })
		var ranges []string
		for _, iv := range ivs {
			if iv.End-iv.Start == 1 {
				ranges = append(ranges, fmt.Sprintf("%d", iv.Start))
			} else {
				ranges = append(ranges, fmt.Sprintf("%d-%d", iv.Start, iv.End-1))
			}
		}
		parts = append(parts, fmt.Sprintf("%s:%s", id, strings.Join(ranges, ":")))
	}
	return strings.Join(parts, ",")
}
