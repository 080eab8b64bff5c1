package binlog

import "github.com/pkg/errors"

// BadStream is returned by ByteCursor/BitCursor operations that would read
// or peek past the end of the underlying buffer.
type BadStream struct {
	Op  string
	Pos int
	Len int
}

func (e *BadStream) Error() string {
	return errors.Errorf("binlog: %s at pos %d exceeds buffer of length %d", e.Op, e.Pos, e.Len).Error()
}

// ProtocolError indicates the binlog stream violated an invariant the
// decoder relies on: a header field out of range (a common_header_len below
// 19, a TableMap metadata block longer than its column count allows), an
// empty Rotate file name, a Rows event with zero column width. A Rows event
// referencing an unknown table id is reported by cdc.TableDiffError, and
// checksums are stripped without being verified.
type ProtocolError struct {
	msg   string
	cause error
}

func (e *ProtocolError) Error() string {
	if e.cause != nil {
		return "binlog: protocol error: " + e.msg + ": " + e.cause.Error()
	}
	return "binlog: protocol error: " + e.msg
}

func (e *ProtocolError) Unwrap() error { return e.cause }

func newProtocolError(msg string, cause error) error {
	return &ProtocolError{msg: msg, cause: cause}
}

func protocolErrorf(format string, args ...interface{}) error {
	return &ProtocolError{msg: errors.Errorf(format, args...).Error()}
}

// TransportError wraps a failure from the underlying byte source: a dropped
// TCP connection, a truncated binlog file, an authentication failure.
type TransportError struct {
	msg   string
	cause error
}

func (e *TransportError) Error() string {
	if e.cause != nil {
		return "binlog: transport error: " + e.msg + ": " + e.cause.Error()
	}
	return "binlog: transport error: " + e.msg
}

func (e *TransportError) Unwrap() error { return e.cause }

func newTransportError(msg string, cause error) error {
	return &TransportError{msg: msg, cause: cause}
}

