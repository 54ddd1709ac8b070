package http

import "github.com/pkg/errors"

// Terminal parse errors. Once the parser fails with one of these it stays
// failed; every later Feed returns the same error.
var (
	ErrBadStartLine = errors.New("start line is malformed")
	ErrBadHeader    = errors.New("header field is malformed or conflicting")
	ErrBadChunk     = errors.New("chunked framing is malformed")

	// ErrLengthRequired means a request carried neither Content-Length
	// nor Transfer-Encoding while its method requires a body.
	ErrLengthRequired = errors.New("message length cannot be determined")

	ErrStartLineTooLong = errors.New("start line length exceeds limit")
	ErrFieldLineTooLong = errors.New("field line length exceeds limit")

	// ErrUnexpectedEndOfStream is reported by [Parser.Close] when the
	// stream ends in the middle of a message.
	ErrUnexpectedEndOfStream = errors.New("stream ended before message completed")
)
