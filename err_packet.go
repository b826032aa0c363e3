package binlog

// https://dev.mysql.com/doc/internals/en/packet-ERR_Packet.html
const (
	errMarker = 0xFF
	okMarker  = 0x00
)

type errPacket struct {
	errorCode      uint16
	sqlStateMarker string
	sqlState       string
	errorMessage   string
}

func (e *errPacket) decode(r *reader, capabilities uint32) error {
	header := r.int1()
	if r.err != nil {
		return r.err
	}
	if header != errMarker {
		return newErrf(KindProtocolViolation, nil, "errPacket: got header 0x%02x, want 0x%02x", header, errMarker)
	}
	e.errorCode = r.int2()
	if capabilities&CLIENT_PROTOCOL_41 != 0 {
		e.sqlStateMarker = r.string(1)
		e.sqlState = r.string(5)
	}
	e.errorMessage = r.stringEOF()
	return r.err
}

func (e *errPacket) asError() error {
	return newErrf(KindProtocolViolation, nil, "server error %d (%s): %s", e.errorCode, e.sqlState, e.errorMessage)
}
