package binlog

import (
	"time"

	"go.uber.org/zap"
)

// StreamReader is the single entry point for consuming a sequence of
// binlog events, whether they arrive over the replication wire protocol
// (Client) or are read back from files on disk (FileStreamSource). It owns
// the FormatDescriptionEvent, the current StreamPosition, the running
// GtidState, and the TableMapEvent cache — everything a RowsEvent needs to
// decode its row images against.
//
// A StreamReader is not safe for concurrent use: events within one binlog
// file are not independent of each other (a RowsEvent depends on the most
// recent TableMapEvent, a QueryEvent may depend on session state set by a
// preceding one), so exactly one goroutine drives NextEvent/NextRow at a
// time. See spec's Concurrency & Resource Model.
type StreamReader struct {
	r   *reader
	log *zap.Logger
	met *Metrics
}

// newStreamReader wraps r (already positioned at the start of an event
// stream) as a StreamReader. log and met may be nil.
func newStreamReader(r *reader, log *zap.Logger, met *Metrics) *StreamReader {
	if log == nil {
		log = zap.NewNop()
	}
	return &StreamReader{r: r, log: log, met: met}
}

// NextEvent decodes the next Event from the stream. It returns io.EOF (via
// the underlying error) only when the source is exhausted in a way the
// caller should treat as a clean stop; any protocol or decode failure is a
// *Error with a non-KindUnknown Kind.
func (sr *StreamReader) NextEvent() (Event, error) {
	ev, err := nextEvent(sr.r)
	if err != nil {
		if sr.met != nil {
			sr.met.decodeErrors.WithLabelValues(ErrorKind(err).String()).Inc()
		}
		sr.log.Debug("binlog: decode failed", kindField(ErrorKind(err)), zap.Error(err))
		return Event{}, err
	}
	sr.observe(ev)
	if sr.met != nil {
		sr.met.eventsDecoded.WithLabelValues(ev.Header.EventType.String()).Inc()
		sr.met.tableMapCacheSize.Set(float64(sr.r.tmeCache.Len()))
		sr.met.ObserveLag(time.Since(time.Unix(int64(ev.Header.Timestamp), 0)).Seconds())
	}
	return ev, nil
}

// observe folds GTID-bearing events into the running GtidState so
// Position() reflects them without the caller having to special-case GTID
// mode.
func (sr *StreamReader) observe(ev Event) {
	switch d := ev.Data.(type) {
	case GtidEvent:
		sr.r.gtid.Add(d.gtid())
	case AnonymousGtidEvent:
		sr.r.gtid.Add(d.gtid())
	case PreviousGtidsEvent:
		sr.r.gtid = d.Set
	}
}

// NextRow decodes the next row image within the RowsEvent most recently
// returned by NextEvent. It returns io.EOF once all rows in that event have
// been consumed.
func (sr *StreamReader) NextRow() (values, valuesBeforeUpdate []interface{}, err error) {
	return nextRow(sr.r)
}

// Position snapshots the stream's current file+offset and GTID state.
func (sr *StreamReader) Position() StreamPosition {
	return StreamPosition{File: sr.r.binlogFile, Pos: sr.r.binlogPos, GTID: sr.r.gtid.clone()}
}

// FormatDescription returns the FormatDescriptionEvent the stream has
// established (the zero value before the first one arrives).
func (sr *StreamReader) FormatDescription() FormatDescriptionEvent {
	return sr.r.fde
}
