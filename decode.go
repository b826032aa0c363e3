package binlog

import "hash/crc32"

// nextEvent decodes one EventHeader plus its body from r, dispatching on
// the header's EventType the way spec's event-header-and-body decoder
// (component B) requires. It maintains r's rolling context (fde, tme,
// tmeCache, binlogFile/binlogPos) so callers only ever need to call this
// once per event.
func nextEvent(r *reader) (Event, error) {
	// The hash runs unconditionally, even before the first
	// FormatDescriptionEvent has told us whether checksums are in play:
	// FormatDescriptionEvent.decode is the one piece of code that knows how
	// to derive r.checksum from event_size alone (see its doc comment), and
	// by the time it does, the CRC must already cover the bytes decoded so
	// far. Events after the first one inherit r.checksum from the FDE, so
	// bodyLen below already excludes the trailer for them.
	if r.hash == nil {
		r.hash = crc32.NewIEEE()
	} else {
		r.hash.Reset()
	}

	h := EventHeader{}
	if err := h.decode(r); err != nil {
		return Event{}, err
	}

	if h.EventType == FORMAT_DESCRIPTION_EVENT {
		r.checksum = 0 // FormatDescriptionEvent.decode derives it afresh
	}
	headerLen := uint32(13)
	if r.fde.BinlogVersion > 1 {
		headerLen = 19
	}
	bodyLen := int(h.EventSize) - int(headerLen) - r.checksum
	if bodyLen < 0 {
		return Event{}, newErrf(KindTruncated, nil, "event_size %d too small for header+checksum", h.EventSize)
	}
	r.limit = bodyLen

	if h.NextPos != 0 {
		r.binlogPos = h.NextPos
	}

	data, err := decodeEventBody(r, h.EventType, h.EventSize)
	if err != nil {
		return Event{}, err
	}

	if err := verifyChecksum(r); err != nil {
		return Event{}, err
	}
	r.limit = -1
	return Event{h, data}, nil
}

func decodeEventBody(r *reader, typ EventType, eventSize uint32) (interface{}, error) {
	switch typ {
	case FORMAT_DESCRIPTION_EVENT:
		fde := FormatDescriptionEvent{}
		err := fde.decode(r, eventSize)
		r.fde = fde
		return fde, err
	case STOP_EVENT:
		return StopEvent{}, nil
	case ROTATE_EVENT:
		re := RotateEvent{}
		err := re.decode(r)
		if err == nil {
			r.binlogFile, r.binlogPos = re.NextBinlog, uint32(re.Position)
			r.tmeCache.reset()
		}
		return re, err
	case TABLE_MAP_EVENT:
		tme := TableMapEvent{}
		err := tme.decode(r)
		if err == nil {
			r.tmeCache.put(&tme)
		}
		r.tme = &tme
		return tme, err
	case WRITE_ROWS_EVENTv0, WRITE_ROWS_EVENTv1, WRITE_ROWS_EVENTv2,
		UPDATE_ROWS_EVENTv0, UPDATE_ROWS_EVENTv1, UPDATE_ROWS_EVENTv2,
		DELETE_ROWS_EVENTv0, DELETE_ROWS_EVENTv1, DELETE_ROWS_EVENTv2:
		r.re = RowsEvent{}
		err := r.re.decode(r, typ)
		return r.re, err
	case QUERY_EVENT:
		qe := QueryEvent{}
		err := qe.decode(r)
		return qe, err
	case XID_EVENT:
		xe := XidEvent{}
		err := xe.decode(r)
		return xe, err
	case GTID_EVENT:
		ge := GtidEvent{}
		err := ge.decode(r)
		return ge, err
	case ANONYMOUS_GTID_EVENT:
		ge := AnonymousGtidEvent{}
		err := ge.decode(r)
		return ge, err
	case PREVIOUS_GTIDS_EVENT:
		pe := PreviousGtidsEvent{}
		err := pe.decode(r)
		return pe, err
	case INTVAR_EVENT:
		ie := IntVarEvent{}
		err := ie.decode(r)
		return ie, err
	case RAND_EVENT:
		re := RandEvent{}
		err := re.decode(r)
		return re, err
	case USER_VAR_EVENT:
		ue := UserVarEvent{}
		err := ue.decode(r)
		return ue, err
	case INCIDENT_EVENT:
		ie := IncidentEvent{}
		err := ie.decode(r)
		return ie, err
	case ROWS_QUERY_EVENT:
		rqe := RowsQueryEvent{}
		err := rqe.decode(r)
		return rqe, err
	case HEARTBEAT_EVENT:
		return HeartbeatEvent{}, nil
	case IGNORABLE_EVENT:
		r.drain()
		return UnknownEvent{Type: typ}, r.err
	default:
		r.drain()
		return UnknownEvent{Type: typ}, r.err
	}
}

// verifyChecksum reads the trailing CRC32 appended to the event body and
// compares it against the hash accumulated while reading the header and
// body. reader.skip (reader.go) feeds r.hash; nextEvent resets it.
func verifyChecksum(r *reader) error {
	if r.checksum == 0 {
		return nil // binlog_checksum=NONE: no trailing bytes to read
	}
	got := r.hash.Sum32()
	r.limit += r.checksum
	want := r.int4()
	if r.err != nil {
		return r.err
	}
	if got != want {
		return newErrf(KindChecksumMismatch, nil, "checksum mismatch: computed 0x%08x, wire 0x%08x", got, want)
	}
	return nil
}
