package binlog

import "io"

// queryResponse holds one of: okPacket, *resultSet.
//
// https://dev.mysql.com/doc/internals/en/com-query-response.html
type queryResponse interface{}

// queryRows runs q as a text query and collects every row it returns. Used
// internally for the introspection statements (SHOW MASTER STATUS, SHOW
// BINARY LOGS, SET @master_heartbeat_period, ...) the Client issues outside
// of the binlog dump stream itself.
func (c *Client) queryRows(q string) ([][]interface{}, error) {
	resp, err := c.query(q)
	if err != nil {
		return nil, err
	}
	rs, ok := resp.(*resultSet)
	if !ok {
		return nil, nil
	}
	return rs.rows()
}

func (c *Client) query(q string) (queryResponse, error) {
	c.seq = 0
	w := newWriter(c.conn, &c.seq)
	if err := w.query(q); err != nil {
		return nil, newErr(KindIOOther, "sending query", err)
	}
	r := newReader(c.conn, &c.seq)
	b, err := r.peek()
	if err != nil {
		return nil, newErr(KindIOOther, "reading query response", err)
	}
	switch b {
	case okMarker:
		ok := okPacket{}
		if err := ok.decode(r, c.hs.capabilityFlags); err != nil {
			return nil, err
		}
		return ok, nil
	case errMarker:
		ep := errPacket{}
		if err := ep.decode(r, c.hs.capabilityFlags); err != nil {
			return nil, err
		}
		return nil, ep.asError()
	default:
		rs := resultSet{}
		if err := rs.decode(r, c.hs.capabilityFlags); err != nil {
			return nil, err
		}
		return &rs, nil
	}
}

// https://dev.mysql.com/doc/internals/en/packet-OK_Packet.html
type okPacket struct {
	affectedRows uint64
	lastInsertID uint64
	statusFlags  uint16
	warnings     uint16
	info         string
}

func (p *okPacket) decode(r *reader, capabilities uint32) error {
	header := r.int1()
	if r.err != nil {
		return r.err
	}
	if header != okMarker {
		return newErrf(KindProtocolViolation, nil, "okPacket: got header 0x%02x, want 0x%02x", header, okMarker)
	}
	p.affectedRows = r.intN()
	p.lastInsertID = r.intN()
	if capabilities&CLIENT_PROTOCOL_41 != 0 {
		p.statusFlags = r.int2()
		p.warnings = r.int2()
	}
	p.info = r.stringEOF()
	return r.err
}

// columnDef is a column definition in a resultSet.
//
// https://dev.mysql.com/doc/internals/en/com-query-response.html#column-definition
type columnDef struct {
	schema       string
	table        string
	orgTable     string
	name         string
	orgName      string
	charset      uint16
	columnLength uint32
	typ          uint8
	flags        uint16
	decimals     uint8
}

func (cd *columnDef) decode(r *reader, capabilities uint32) error {
	if capabilities&CLIENT_PROTOCOL_41 == 0 {
		return newErr(KindUnsupportedType, "Protocol::ColumnDefinition320 not supported", nil)
	}
	_ = r.stringN() // catalog, always "def"
	cd.schema = r.stringN()
	cd.table = r.stringN()
	cd.orgTable = r.stringN()
	cd.name = r.stringN()
	cd.orgName = r.stringN()
	_ = r.intN() // length of the fixed fields below, always 0x0c
	cd.charset = r.int2()
	cd.columnLength = r.int4()
	cd.typ = r.int1()
	cd.flags = r.int2()
	cd.decimals = r.int1()
	r.skip(2) // filler
	return r.err
}

// resultSet is a COM_QUERY text resultset: a column-count packet, one
// columnDef packet per column, an EOF, then row packets terminated by an
// EOF or ERR packet.
//
// https://dev.mysql.com/doc/internals/en/com-query-response.html#text-resultset
type resultSet struct {
	r            *reader
	capabilities uint32
	columnDefs   []columnDef
}

func (rs *resultSet) decode(r *reader, capabilities uint32) error {
	rs.r, rs.capabilities = r, capabilities

	ncol := r.intN()
	if r.err != nil {
		return r.err
	}
	if r.more() {
		return newErr(KindProtocolViolation, "unexpected trailing bytes after column count", nil)
	}

	for i := uint64(0); i < ncol; i++ {
		r.rd.(*packetReader).reset()
		cd := columnDef{}
		if err := cd.decode(r, capabilities); err != nil {
			return err
		}
		if r.more() {
			return newErr(KindProtocolViolation, "unexpected trailing bytes after column definition", nil)
		}
		rs.columnDefs = append(rs.columnDefs, cd)
	}

	r.rd.(*packetReader).reset()
	eof := eofPacket{}
	return eof.decode(r, capabilities)
}

// null represents a SQL NULL value in a resultSet row.
type null struct{}

func (rs *resultSet) nextRow() ([]interface{}, error) {
	r := rs.r
	r.rd.(*packetReader).reset()
	b, err := r.peek()
	if err != nil {
		return nil, err
	}
	switch b {
	case eofMarker:
		eof := eofPacket{}
		if err := eof.decode(r, rs.capabilities); err != nil {
			return nil, err
		}
		return nil, io.EOF
	case errMarker:
		ep := errPacket{}
		if err := ep.decode(r, rs.capabilities); err != nil {
			return nil, err
		}
		return nil, ep.asError()
	default:
		row := make([]interface{}, len(rs.columnDefs))
		for i := range row {
			b, err := r.peek()
			if err != nil {
				return nil, err
			}
			if b == 0xfb {
				r.skip(1)
				row[i] = null{}
			} else {
				row[i] = r.stringN()
				if r.err != nil {
					return nil, r.err
				}
			}
		}
		return row, nil
	}
}

func (rs *resultSet) rows() ([][]interface{}, error) {
	var rows [][]interface{}
	for {
		row, err := rs.nextRow()
		if err == io.EOF {
			return rows, nil
		} else if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
}
