package binlog

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path"
)

// fileMagic prefixes every relay file so FileStreamSource can distinguish
// a real relay file from a stray one, the same convention MySQL itself
// uses for its own binlog files (0xfe 'b' 'i' 'n').
var fileMagic = []byte{0xfe, 'b', 'i', 'n'}

// Relay copies the raw binlog event stream into dir, one file per
// ROTATE_EVENT, maintaining a binlog.index manifest FileStreamSource can
// tail. This realizes spec §4.8's disk-relay supplement: it does not
// decode events beyond inspecting their header, so it keeps up with a
// server regardless of how expensive downstream decoding is.
//
// Relay blocks until the dump stream ends or errors; callers that want to
// relay indefinitely should pass a non-zero serverID to RequestBinlog (see
// Client.RequestBinlog) so the server keeps the connection open instead of
// closing it once caught up.
func (c *Client) Relay(dir string) error {
	if err := c.requireState(StateDumping); err != nil {
		return err
	}
	fi, err := os.Stat(dir)
	if err != nil {
		return newErr(KindIOOther, "stat relay dir", err)
	}
	if !fi.IsDir() {
		return newErrf(KindConfigInvalid, nil, "%q is not a directory", dir)
	}
	v, err := c.binlogVersion()
	if err != nil {
		return err
	}

	var f *os.File
	defer func() {
		if f != nil {
			_ = f.Close()
		}
	}()

	header := make([]byte, 14) // OK-byte(1) + event header(13, binlog_version<=1) up to 19
	if v > 1 {
		header = make([]byte, 20)
	}
	for {
		r := &packetReader{rd: c.conn, seq: &c.seq}
		if _, err := io.ReadFull(r, header); err != nil {
			return newErr(KindIOOther, "reading relay packet header", err)
		}
		switch header[0] {
		case errMarker:
			rest, _ := io.ReadAll(r)
			buf := append(append([]byte(nil), header[1:]...), rest...)
			if len(buf) < 2 {
				return newErr(KindProtocolViolation, "truncated ERR packet", nil)
			}
			buf = buf[2:] // error_code
			if c.hs.capabilityFlags&CLIENT_PROTOCOL_41 != 0 {
				if len(buf) < 6 {
					return newErr(KindProtocolViolation, "truncated ERR packet", nil)
				}
				buf = buf[6:] // sql_state_marker, sql_state
			}
			return newErr(KindProtocolViolation, string(buf), nil)
		case eofMarker:
			return nil
		case okMarker:
			// handled below
		default:
			return newErrf(KindProtocolViolation, nil, "relay: got 0x%02x, want OK-byte", header[0])
		}

		eventType := EventType(header[5])
		eventSize := binary.LittleEndian.Uint32(header[10:14])
		bodyRemaining := int64(eventSize) - int64(len(header)-1)

		switch eventType {
		case ROTATE_EVENT:
			lr := io.LimitReader(r, bodyRemaining)
			body, err := io.ReadAll(lr)
			if err != nil {
				return newErr(KindIOOther, "reading rotate event body", err)
			}
			name := string(body)
			if v > 1 {
				// position(8) precedes the name; a trailing checksum (if
				// enabled) follows it and is stripped here, as
				// RotateEvent.decode leaves it out of the name too.
				if len(body) < 8+c.checksum {
					return newErr(KindTruncated, "rotate event body too small", nil)
				}
				name = string(body[8 : len(body)-c.checksum])
			}
			if f != nil {
				if err := f.Close(); err != nil {
					return newErr(KindIOOther, "closing relay file", err)
				}
			}
			f, err = createRelayFile(dir, name)
			if err != nil {
				return err
			}
		default:
			if f == nil {
				return newErr(KindProtocolViolation, "relay: event received before first ROTATE_EVENT named a file", nil)
			}
			if _, err := f.Write(header[1:]); err != nil {
				return newErr(KindIOOther, "writing relay event header", err)
			}
			if _, err := io.CopyN(f, r, bodyRemaining); err != nil {
				return newErr(KindIOOther, "writing relay event body", err)
			}
		}
	}
}

func createRelayFile(dir, name string) (*os.File, error) {
	f, err := os.Create(path.Join(dir, name))
	if err != nil {
		return nil, newErr(KindIOOther, "creating relay file", err)
	}
	if _, err := f.Write(fileMagic); err != nil {
		_ = f.Close()
		return nil, newErr(KindIOOther, "writing relay file header", err)
	}
	if err := appendIndexLine(path.Join(dir, "binlog.index"), name); err != nil {
		_ = f.Close()
		return nil, err
	}
	return f, nil
}

func appendIndexLine(indexFile, name string) error {
	f, err := os.OpenFile(indexFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0666)
	if err != nil {
		return newErr(KindIOOther, "opening binlog.index", err)
	}
	if _, err := fmt.Fprintln(f, name); err != nil {
		_ = f.Close()
		return newErr(KindIOOther, "appending to binlog.index", err)
	}
	return f.Close()
}

// lastRelayPosition scans dir's most recent relay file to find the
// position Relay should resume from after a restart: the offset just past
// the last complete event record.
func lastRelayPosition(dir string) (file string, pos uint32, err error) {
	idx, err := os.Open(path.Join(dir, "binlog.index"))
	if err != nil {
		return "", 0, newErr(KindIOOther, "opening binlog.index", err)
	}
	defer idx.Close()
	scan := bufio.NewScanner(idx)
	var last string
	for scan.Scan() {
		last = scan.Text()
	}
	if err := scan.Err(); err != nil {
		return "", 0, newErr(KindIOOther, "scanning binlog.index", err)
	}
	if last == "" {
		return "", 0, newErr(KindProtocolViolation, "binlog.index is empty", nil)
	}

	f, err := os.Open(path.Join(dir, last))
	if err != nil {
		return "", 0, newErr(KindIOOther, "opening last relay file", err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return "", 0, newErr(KindIOOther, "stat last relay file", err)
	}
	if _, err := f.Seek(int64(len(fileMagic)), io.SeekStart); err != nil {
		return "", 0, newErr(KindIOOther, "seeking past relay file header", err)
	}
	pos = uint32(len(fileMagic))

	buf := make([]byte, 13)
	for {
		if _, err := io.ReadFull(f, buf); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return last, pos, nil
			}
			return "", 0, newErr(KindIOOther, "scanning relay file", err)
		}
		eventSize := binary.LittleEndian.Uint32(buf[9:13])
		if int64(pos)+int64(eventSize) > fi.Size() {
			return last, pos, nil // partial record at the tail
		}
		if _, err := f.Seek(int64(eventSize)-13, io.SeekCurrent); err != nil {
			return "", 0, newErr(KindIOOther, "seeking relay file", err)
		}
		pos += eventSize
	}
}
