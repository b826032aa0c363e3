package binlog

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"net"
	"reflect"
	"testing"

	"go.uber.org/zap"
)

// fixtureBuilder assembles a sequence of binlog events byte-for-byte, the
// way a real binlog file would lay them out: a FormatDescriptionEvent
// first, establishing binlog_version and (via event_size) the checksum
// trailer width every later event must carry, followed by whatever events
// the test wants to exercise.
type fixtureBuilder struct {
	buf      bytes.Buffer
	checksum bool // whether events after the FDE carry a CRC32 trailer
}

const fixtureServerID = 1

func newFixture(checksum bool) *fixtureBuilder {
	return &fixtureBuilder{checksum: checksum}
}

func (b *fixtureBuilder) le32(v uint32) []byte {
	p := make([]byte, 4)
	binary.LittleEndian.PutUint32(p, v)
	return p
}

func (b *fixtureBuilder) le16(v uint16) []byte {
	p := make([]byte, 2)
	binary.LittleEndian.PutUint16(p, v)
	return p
}

// formatDescription appends the FDE that must open every fixture, using the
// same 19-byte header as every later event: callers of this builder always
// read it through a reader pre-seeded with r.fde.BinlogVersion=4 (as
// local.go's file-replay path does), so EventHeader.decode already treats
// binlog_version as known by the time it decodes the FDE's own header.
func (b *fixtureBuilder) formatDescription() *fixtureBuilder {
	var body bytes.Buffer
	body.Write(b.le16(4)) // binlog_version
	sv := make([]byte, 50)
	copy(sv, "8.0.30-fixture")
	body.Write(sv)
	body.Write(b.le32(0)) // create_timestamp
	body.WriteByte(19)    // event_header_length

	// event_type_header_lengths: must be at least 15 bytes so the decoder's
	// self-referential "FDE body size" read (index FORMAT_DESCRIPTION_EVENT-1)
	// lands inside it.
	headerLens := make([]byte, 15)
	fmeSize := byte(2 + 50 + 4 + 1 + len(headerLens))
	headerLens[FORMAT_DESCRIPTION_EVENT-1] = fmeSize
	body.Write(headerLens)

	if b.checksum {
		body.WriteByte(1) // CRC32
	} else {
		body.WriteByte(0) // NONE
	}

	eventSize := uint32(19 + body.Len())
	if b.checksum {
		eventSize += 4
	}
	header := make([]byte, 19)
	copy(header[0:4], b.le32(0))
	header[4] = byte(FORMAT_DESCRIPTION_EVENT)
	copy(header[5:9], b.le32(fixtureServerID))
	copy(header[9:13], b.le32(eventSize))
	copy(header[13:17], b.le32(0))
	copy(header[17:19], b.le16(0))

	full := append(header, body.Bytes()...)
	b.appendChecksummed(full)
	return b
}

// event appends one post-FDE event: a 19-byte header followed by body,
// followed by a CRC32 trailer if the fixture was built with checksum=true.
func (b *fixtureBuilder) event(typ EventType, nextPos uint32, body []byte) *fixtureBuilder {
	eventSize := uint32(19 + len(body))
	if b.checksum {
		eventSize += 4
	}
	header := make([]byte, 19)
	copy(header[0:4], b.le32(0))
	header[4] = byte(typ)
	copy(header[5:9], b.le32(fixtureServerID))
	copy(header[9:13], b.le32(eventSize))
	copy(header[13:17], b.le32(nextPos))
	copy(header[17:19], b.le16(0))

	full := append(header, body...)
	b.appendChecksummed(full)
	return b
}

func (b *fixtureBuilder) appendChecksummed(headerAndBody []byte) {
	b.buf.Write(headerAndBody)
	if b.checksum {
		sum := crc32.ChecksumIEEE(headerAndBody)
		b.buf.Write(b.le32(sum))
	}
}

func (b *fixtureBuilder) rotate(nextBinlog string, pos uint64) *fixtureBuilder {
	var body bytes.Buffer
	p := make([]byte, 8)
	binary.LittleEndian.PutUint64(p, pos)
	body.Write(p)
	body.WriteString(nextBinlog)
	return b.event(ROTATE_EVENT, 4, body.Bytes())
}

func (b *fixtureBuilder) xid(id uint64) *fixtureBuilder {
	p := make([]byte, 8)
	binary.LittleEndian.PutUint64(p, id)
	return b.event(XID_EVENT, 0, p)
}

func (b *fixtureBuilder) stop() *fixtureBuilder {
	return b.event(STOP_EVENT, 0, nil)
}

// tableMap appends a TABLE_MAP_EVENT for a table with only fixed-width
// numeric columns (TypeLong), enough to exercise WRITE_ROWS_v2 decoding
// without dragging in the extended-metadata TLV parsing.
func (b *fixtureBuilder) tableMap(tableID uint64, schema, table string, numCols int) *fixtureBuilder {
	var body bytes.Buffer
	tid := make([]byte, 8)
	binary.LittleEndian.PutUint64(tid, tableID)
	body.Write(tid[:6])
	body.Write(b.le16(0)) // flags
	body.WriteByte(byte(len(schema)))
	body.WriteString(schema)
	body.WriteByte(0)
	body.WriteByte(byte(len(table)))
	body.WriteString(table)
	body.WriteByte(0)
	body.WriteByte(byte(numCols)) // column_count (intN, <251)
	for i := 0; i < numCols; i++ {
		body.WriteByte(byte(TypeLong))
	}
	body.WriteByte(0) // meta_length (intN): TypeLong columns carry no per-column meta byte
	nullBytes := (numCols + 7) / 8
	body.Write(make([]byte, nullBytes)) // nullability bitmap: all NOT NULL
	return b.event(TABLE_MAP_EVENT, 0, body.Bytes())
}

// writeRowsV2 appends a WRITE_ROWS_EVENTv2 with one row of int32 values, all
// columns present.
func (b *fixtureBuilder) writeRowsV2(tableID uint64, values []int32) *fixtureBuilder {
	var body bytes.Buffer
	tid := make([]byte, 8)
	binary.LittleEndian.PutUint64(tid, tableID)
	body.Write(tid[:6])
	body.Write(b.le16(0)) // flags
	body.Write(b.le16(2)) // extra_data_length (just itself, no payload)
	body.WriteByte(byte(len(values)))
	nullBytes := (len(values) + 7) / 8
	body.Write(allSetBitmap(len(values))) // columns-present bitmap: all present
	body.Write(make([]byte, nullBytes))   // null-value bitmap: none null
	for _, v := range values {
		p := make([]byte, 4)
		binary.LittleEndian.PutUint32(p, uint32(v))
		body.Write(p)
	}
	return b.event(WRITE_ROWS_EVENTv2, 0, body.Bytes())
}

func (b *fixtureBuilder) bytes() []byte {
	return b.buf.Bytes()
}

// allSetBitmap builds a presence/nullability bitmap with the first n bits
// set, the size nullBitmap.isTrue expects: ceil(n/8) bytes.
func allSetBitmap(n int) []byte {
	buf := make([]byte, (n+7)/8)
	for i := 0; i < n; i++ {
		buf[i/8] |= 1 << uint(i%8)
	}
	return buf
}

func newScenarioReader(raw []byte) *reader {
	r := newFileReader(bytes.NewReader(raw))
	r.fde = FormatDescriptionEvent{BinlogVersion: 4}
	return r
}

// Scenario 1: a table_map + single-row write_rows_v2 + xid + stop sequence
// decodes to the expected event types, table identity, and row values; see
// spec.md §8 scenario 1 (table_id=90, schema "test", table "int_table").
func TestScenario1_WriteRowsDecode(t *testing.T) {
	const tableID = 90
	values := []int32{1, 11, 111, 1111, 11111, 1}

	fx := newFixture(false).
		formatDescription().
		tableMap(tableID, "test", "int_table", len(values)).
		writeRowsV2(tableID, values).
		xid(14).
		stop()

	sr := newStreamReader(newScenarioReader(fx.bytes()), nil, nil)

	var gotTypes []EventType
	var sawRow bool
	for {
		ev, err := sr.NextEvent()
		if err != nil {
			t.Fatalf("NextEvent: %v", err)
		}
		gotTypes = append(gotTypes, ev.Header.EventType)
		if ev.Header.EventType == STOP_EVENT {
			break
		}
		if ev.Header.EventType == TABLE_MAP_EVENT {
			tme := ev.Data.(TableMapEvent)
			if tme.SchemaName != "test" || tme.TableName != "int_table" || len(tme.Columns) != 6 {
				t.Fatalf("table map = %+v, want test.int_table with 6 columns", tme)
			}
		}
		if ev.Header.EventType.IsWriteRows() {
			row, _, err := sr.NextRow()
			if err != nil {
				t.Fatalf("NextRow: %v", err)
			}
			if len(row) != len(values) {
				t.Fatalf("row len = %d, want %d", len(row), len(values))
			}
			for i, v := range values {
				if row[i].(int32) != v {
					t.Fatalf("row[%d] = %v, want %d", i, row[i], v)
				}
			}
			sawRow = true
		}
		if ev.Header.EventType == XID_EVENT && ev.Data.(XidEvent).XID != 14 {
			t.Fatalf("xid = %d, want 14", ev.Data.(XidEvent).XID)
		}
	}
	want := []EventType{FORMAT_DESCRIPTION_EVENT, TABLE_MAP_EVENT, WRITE_ROWS_EVENTv2, XID_EVENT, STOP_EVENT}
	if len(gotTypes) != len(want) {
		t.Fatalf("event sequence = %v, want %v", gotTypes, want)
	}
	for i := range want {
		if gotTypes[i] != want[i] {
			t.Fatalf("event[%d] = %s, want %s", i, gotTypes[i], want[i])
		}
	}
	if !sawRow {
		t.Fatal("never decoded the write_rows row")
	}
}

// Scenario 2: a WRITE_ROWS_v2 body truncated by one byte surfaces
// KindTruncated, and the stream position recorded before the read does not
// advance past the truncated event.
func TestScenario2_TruncatedWriteRows(t *testing.T) {
	const tableID = 90
	fx := newFixture(false).
		formatDescription().
		tableMap(tableID, "test", "int_table", 1).
		writeRowsV2(tableID, []int32{1})
	raw := fx.bytes()
	raw = raw[:len(raw)-1] // drop the last byte of the write_rows body

	sr := newStreamReader(newScenarioReader(raw), nil, nil)
	if _, err := sr.NextEvent(); err != nil { // FDE
		t.Fatalf("NextEvent (FDE): %v", err)
	}
	if _, err := sr.NextEvent(); err != nil { // TABLE_MAP
		t.Fatalf("NextEvent (TABLE_MAP): %v", err)
	}
	before := sr.Position()
	// RowsEvent.decode only consumes the header and the columns-present
	// bitmap; the row values are read lazily by NextRow, which is where the
	// dropped trailing byte actually surfaces.
	if _, err := sr.NextEvent(); err != nil { // WRITE_ROWS header
		t.Fatalf("NextEvent (WRITE_ROWS): %v", err)
	}
	_, _, err := sr.NextRow()
	if ErrorKind(err) != KindTruncated {
		t.Fatalf("err kind = %s, want %s (err=%v)", ErrorKind(err), KindTruncated, err)
	}
	after := sr.Position()
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("position changed on truncated read: before=%+v after=%+v", before, after)
	}
}

// Scenario 3: a row event referencing a table_id with no preceding
// TABLE_MAP_EVENT returns KindUnknownTableID.
func TestScenario3_UnknownTableID(t *testing.T) {
	fx := newFixture(false).
		formatDescription().
		writeRowsV2(999, []int32{1})

	sr := newStreamReader(newScenarioReader(fx.bytes()), nil, nil)
	if _, err := sr.NextEvent(); err != nil { // FDE
		t.Fatalf("NextEvent (FDE): %v", err)
	}
	_, err := sr.NextEvent()
	if ErrorKind(err) != KindUnknownTableID {
		t.Fatalf("err kind = %s, want %s (err=%v)", ErrorKind(err), KindUnknownTableID, err)
	}
}

// Scenario 4: an FDE advertising CRC32 plus an event whose trailing 4 bytes
// don't match CRC32(event[:len-4]) returns KindChecksumMismatch.
func TestScenario4_ChecksumMismatch(t *testing.T) {
	fx := newFixture(true).
		formatDescription().
		xid(14)
	raw := fx.bytes()
	raw[len(raw)-1] ^= 0xff // corrupt one byte of the trailing CRC32

	sr := newStreamReader(newScenarioReader(raw), nil, nil)
	if _, err := sr.NextEvent(); err != nil { // FDE (its own checksum is untouched)
		t.Fatalf("NextEvent (FDE): %v", err)
	}
	_, err := sr.NextEvent()
	if ErrorKind(err) != KindChecksumMismatch {
		t.Fatalf("err kind = %s, want %s (err=%v)", ErrorKind(err), KindChecksumMismatch, err)
	}
}

// Scenario 6: a ROTATE_EVENT clears the table-map cache and resets
// StreamPosition to the new file at log_pos 4, regardless of what table
// definitions were cached beforehand.
func TestScenario6_RotateResetsCacheAndPosition(t *testing.T) {
	const tableID = 90
	fx := newFixture(false).
		formatDescription().
		tableMap(tableID, "test", "int_table", 1).
		rotate("binlog.000063", 4)

	r := newScenarioReader(fx.bytes())
	r.binlogFile = "binlog.000018"
	sr := newStreamReader(r, nil, nil)

	if _, err := sr.NextEvent(); err != nil { // FDE
		t.Fatalf("NextEvent (FDE): %v", err)
	}
	if _, err := sr.NextEvent(); err != nil { // TABLE_MAP
		t.Fatalf("NextEvent (TABLE_MAP): %v", err)
	}
	if r.tmeCache.Len() != 1 {
		t.Fatalf("tmeCache.Len() = %d before rotate, want 1", r.tmeCache.Len())
	}
	if _, err := sr.NextEvent(); err != nil { // ROTATE
		t.Fatalf("NextEvent (ROTATE): %v", err)
	}
	if r.tmeCache.Len() != 0 {
		t.Fatalf("tmeCache.Len() = %d after rotate, want 0", r.tmeCache.Len())
	}
	pos := sr.Position()
	if pos.File != "binlog.000063" || pos.Pos != 4 {
		t.Fatalf("position = %+v, want file=binlog.000063 pos=4", pos)
	}
}

// --- Scenario 5: caching_sha2_password fast-auth and full-auth ---

func rawPacket(seq byte, payload []byte) []byte {
	n := len(payload)
	return append([]byte{byte(n), byte(n >> 8), byte(n >> 16), seq}, payload...)
}

func readRawPacket(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	h := make([]byte, 4)
	if _, err := io.ReadFull(conn, h); err != nil {
		t.Fatalf("reading packet header: %v", err)
	}
	n := int(h[0]) | int(h[1])<<8 | int(h[2])<<16
	payload := make([]byte, n)
	if _, err := io.ReadFull(conn, payload); err != nil {
		t.Fatalf("reading packet payload: %v", err)
	}
	return payload
}

// writeHandshakeV10 writes the server's initial greeting advertising
// pluginName, with a 20-byte auth scramble split 8/12 across the fixed and
// variable parts of the packet the way a real mysqld handshake does.
func writeHandshakeV10(t *testing.T, conn net.Conn, pluginName string) {
	t.Helper()
	const capabilities = uint32(CLIENT_LONG_PASSWORD | CLIENT_PROTOCOL_41 | CLIENT_TRANSACTIONS |
		CLIENT_SECURE_CONNECTION | CLIENT_PLUGIN_AUTH)

	var body bytes.Buffer
	body.WriteByte(10) // protocol version
	body.WriteString("8.0.30-fixture")
	body.WriteByte(0)
	body.Write([]byte{1, 0, 0, 0}) // connection id
	body.WriteString("12345678")   // auth-plugin-data-part-1 (8 bytes)
	body.WriteByte(0)              // filler
	body.WriteByte(byte(capabilities))
	body.WriteByte(byte(capabilities >> 8))
	body.WriteByte(0x21) // character set
	body.WriteByte(2)    // status flags lo
	body.WriteByte(0)    // status flags hi
	body.WriteByte(byte(capabilities >> 16))
	body.WriteByte(byte(capabilities >> 24))
	body.WriteByte(21)                // auth-plugin-data-length (8+13)
	body.Write(make([]byte, 10))      // reserved
	body.WriteString("1234567890123") // auth-plugin-data-part-2 (13 bytes)
	body.WriteString(pluginName)
	body.WriteByte(0)

	if _, err := conn.Write(rawPacket(0, body.Bytes())); err != nil {
		t.Fatalf("writing handshake: %v", err)
	}
}

func writeOKPacket(t *testing.T, conn net.Conn, seq byte) {
	t.Helper()
	payload := []byte{okMarker, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00}
	if _, err := conn.Write(rawPacket(seq, payload)); err != nil {
		t.Fatalf("writing OK packet: %v", err)
	}
}

func writeAuthMoreData(t *testing.T, conn net.Conn, seq byte, tag byte) {
	t.Helper()
	payload := []byte{0x01, tag}
	if _, err := conn.Write(rawPacket(seq, payload)); err != nil {
		t.Fatalf("writing authMoreData: %v", err)
	}
}

func lenencString(s string) []byte {
	return append([]byte{byte(len(s))}, []byte(s)...)
}

// writeVersionQueryResult answers the `select version()` text resultset
// Authenticate issues right after the auth handshake completes.
func writeVersionQueryResult(t *testing.T, conn net.Conn, version string) {
	t.Helper()
	seq := byte(1)
	write := func(payload []byte) {
		conn.Write(rawPacket(seq, payload))
		seq++
	}
	write([]byte{0x01}) // column count = 1

	var col bytes.Buffer
	col.Write(lenencString("def"))
	col.Write(lenencString(""))
	col.Write(lenencString(""))
	col.Write(lenencString(""))
	col.Write(lenencString("version()"))
	col.Write(lenencString(""))
	col.WriteByte(0x0c)
	col.WriteByte(0x21)
	col.WriteByte(0x00)
	col.Write([]byte{0, 0, 0, 0})
	col.WriteByte(0xfd)
	col.Write([]byte{0, 0})
	col.WriteByte(0)
	col.Write([]byte{0, 0})
	write(col.Bytes())

	write([]byte{eofMarker, 0, 0, 0, 0}) // EOF after column defs
	write(lenencString(version))         // one row
	write([]byte{eofMarker, 0, 0, 0, 0}) // EOF after rows
}

// pipeDial performs the client-side handshake read that Dial would, against
// a net.Pipe connection instead of a real TCP dial.
func pipeDial(t *testing.T, conn net.Conn) *Client {
	t.Helper()
	c := &Client{conn: conn, log: zap.NewNop(), state: StateDisconnected}
	r := newReader(conn, &c.seq)
	hs := handshake{}
	if err := hs.parse(r); err != nil {
		t.Fatalf("parsing handshake: %v", err)
	}
	c.hs = hs
	c.state = StateGreeted
	return c
}

func TestScenario5_CachingSha2FastAuthSuccess(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	go func() {
		writeHandshakeV10(t, serverConn, "caching_sha2_password")
		readRawPacket(t, serverConn) // client's handshake response
		writeAuthMoreData(t, serverConn, 2, 0x03)
		writeOKPacket(t, serverConn, 3)
		readRawPacket(t, serverConn) // COM_QUERY select version()
		writeVersionQueryResult(t, serverConn, "8.0.30-fixture")
	}()

	c := pipeDial(t, clientConn)
	if err := c.Authenticate("repl", "secret"); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if c.state != StateAuthOk {
		t.Fatalf("state = %s, want %s", c.state, StateAuthOk)
	}
}

func TestScenario5_CachingSha2FullAuthUnsupported(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	go func() {
		writeHandshakeV10(t, serverConn, "caching_sha2_password")
		readRawPacket(t, serverConn) // client's handshake response
		writeAuthMoreData(t, serverConn, 2, 0x04)
	}()

	c := pipeDial(t, clientConn)
	err := c.Authenticate("repl", "secret")
	if ErrorKind(err) != KindUnsupportedAuth {
		t.Fatalf("err kind = %s, want %s (err=%v)", ErrorKind(err), KindUnsupportedAuth, err)
	}
	if c.state != StateFailed {
		t.Fatalf("state = %s, want %s", c.state, StateFailed)
	}
}
