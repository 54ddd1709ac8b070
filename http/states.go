package http

// State identifies where the parser is inside the current message.
type State uint8

const (
	StateAwaitStartLine State = iota + 1
	StateAwaitHeaders
	StateAwaitBodyLengthKnown
	StateAwaitBodyChunked
	StateAwaitBodyUntilClose
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAwaitStartLine:
		return "await-start-line"
	case StateAwaitHeaders:
		return "await-headers"
	case StateAwaitBodyLengthKnown:
		return "await-body-length-known"
	case StateAwaitBodyChunked:
		return "await-body-chunked"
	case StateAwaitBodyUntilClose:
		return "await-body-until-close"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

type EventKind uint8

const (
	// EventStartLine carries the parsed request or status line.
	EventStartLine EventKind = iota + 1
	// EventHeader carries one parsed header field.
	EventHeader
	// EventBodyChunk carries a run of decoded body bytes.
	EventBodyChunk
	// EventEnd marks a completed message and carries it assembled.
	EventEnd
)

func (k EventKind) String() string {
	switch k {
	case EventStartLine:
		return "start-line"
	case EventHeader:
		return "header"
	case EventBodyChunk:
		return "body-chunk"
	case EventEnd:
		return "end"
	}
	return "unknown"
}

// Event is one unit of parser output. Which fields are set depends on
// Kind and on whether the parser reads requests or responses.
type Event struct {
	Kind EventKind

	// Set on EventStartLine.
	RequestLine *RequestLine
	StatusLine  *StatusLine

	// Set on EventHeader.
	Field Field

	// Set on EventBodyChunk. The slice is owned by the receiver and
	// stays valid after the next Feed.
	Body []byte

	// Set on EventEnd.
	Request  *Request
	Response *Response
}
