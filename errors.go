package binlog

import (
	"errors"
	"fmt"

	pingcaperrors "github.com/pingcap/errors"
)

// Kind classifies the failure modes this package's operations can produce.
type Kind uint8

const (
	// KindUnknown is the zero value; never returned by this package.
	KindUnknown Kind = iota
	// KindTruncated means a read needed more bytes than the current event
	// or packet boundary had available.
	KindTruncated
	// KindUnsupportedType means a column type code has no decoder.
	KindUnsupportedType
	// KindUnsupportedEvent names an event type this core does not
	// implement. The event decoder does not return it: such events decode
	// to UnknownEvent and the stream continues.
	KindUnsupportedEvent
	// KindUnknownTableID means a Rows event referenced a table_id with no
	// preceding TableMapEvent in the cache (or one cleared by a Rotate).
	KindUnknownTableID
	// KindChecksumMismatch means the trailing CRC32 did not match the
	// event body.
	KindChecksumMismatch
	// KindProtocolViolation means the wire protocol was not followed by
	// the peer (bad marker byte, malformed packet, auth switch twice...).
	KindProtocolViolation
	// KindUnsupportedAuth means the server asked for an auth mechanism or
	// sub-step (RSA public key exchange, TLS upgrade) this core does not
	// implement.
	KindUnsupportedAuth
	// KindAuthFailed means the server rejected the supplied credentials.
	KindAuthFailed
	// KindIOTimeout wraps a timeout from the underlying connection.
	KindIOTimeout
	// KindIOClosed means the underlying connection was closed, by either
	// side, while an operation was in flight.
	KindIOClosed
	// KindIOOther wraps any other I/O failure.
	KindIOOther
	// KindConfigInvalid means a configuration file or value failed
	// validation before any connection was attempted.
	KindConfigInvalid
)

func (k Kind) String() string {
	switch k {
	case KindTruncated:
		return "truncated"
	case KindUnsupportedType:
		return "unsupported_type"
	case KindUnsupportedEvent:
		return "unsupported_event"
	case KindUnknownTableID:
		return "unknown_table_id"
	case KindChecksumMismatch:
		return "checksum_mismatch"
	case KindProtocolViolation:
		return "protocol_violation"
	case KindUnsupportedAuth:
		return "unsupported_auth"
	case KindAuthFailed:
		return "auth_failed"
	case KindIOTimeout:
		return "io_timeout"
	case KindIOClosed:
		return "io_closed"
	case KindIOOther:
		return "io_other"
	case KindConfigInvalid:
		return "config_invalid"
	default:
		return "unknown"
	}
}

// Error is the concrete error type this package's operations return for the
// failures they classify. A read error from the underlying connection
// during event or row decoding, and the io.EOF that ends a stream, are
// returned as they are, and ErrorKind reports KindUnknown for them.
// Callers inspect the failure mode with ErrorKind, not type assertions or
// string matching.
type Error struct {
	Kind Kind
	Msg  string
	Err  error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("binlog: %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("binlog: %s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, msg string, cause error) error {
	if cause != nil {
		cause = pingcaperrors.Trace(cause)
	}
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

func newErrf(kind Kind, cause error, format string, args ...interface{}) error {
	return newErr(kind, fmt.Sprintf(format, args...), cause)
}

// ErrorKind returns the Kind carried by err, or KindUnknown if err is nil or
// was not produced by this package.
func ErrorKind(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindUnknown
}
