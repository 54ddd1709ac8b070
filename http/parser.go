package http

import (
	"bytes"
	"io"
	"strconv"
	"strings"

	"github.com/xth/brynet/util/rule"

	"github.com/indigo-web/utils/uf"
	"github.com/pkg/errors"
)

type ParserOptions struct {
	// MaxStartLineLength bounds the request/status line length,
	// excluding the terminator. 0 means unbounded.
	MaxStartLineLength uint

	// MaxFieldLineLength bounds header, trailer and chunk-size lines.
	// 0 means unbounded.
	MaxFieldLineLength uint

	// RequireLengthMethods lists request methods that are rejected with
	// ErrLengthRequired when the message carries neither Content-Length
	// nor Transfer-Encoding.
	RequireLengthMethods []string

	// Headers configures the header bags the parser builds.
	Headers HeadersOptions
}

var DefaultParserOptions = ParserOptions{
	MaxStartLineLength:   8192,
	MaxFieldLineLength:   8192,
	RequireLengthMethods: []string{MethodPost, MethodPut, MethodPatch},
	Headers:              DefaultHeadersOptions,
}

// Parser is an incremental HTTP/1.x message parser. Feed it byte chunks
// of any size; it emits events as message parts complete and suspends
// when it runs out of input. The final events are the same no matter how
// the input is split.
//
// After a message completes the parser accepts the next one on the same
// stream. A parse failure is terminal: every later Feed reports it.
type Parser struct {
	opts       ParserOptions
	isResponse bool

	state  State
	err    error
	closed bool

	buf []byte // unconsumed input tail

	reqLine      RequestLine
	statLine     StatusLine
	headers      *Headers
	bodyAcc      []byte
	remaining    uint64
	chunk        *ChunkDecoder
	expectNoBody bool
}

type RequestParser struct{ Parser }

func NewRequestParser(opts ParserOptions) *RequestParser {
	return &RequestParser{Parser{opts: opts, state: StateAwaitStartLine}}
}

type ResponseParser struct{ Parser }

func NewResponseParser(opts ParserOptions) *ResponseParser {
	return &ResponseParser{Parser{opts: opts, isResponse: true, state: StateAwaitStartLine}}
}

// ExpectNoBody marks the next message as header-only regardless of its
// framing headers, the way a response to HEAD is. Cleared once that
// message completes.
func (p *ResponseParser) ExpectNoBody() { p.expectNoBody = true }

func (p *Parser) State() State { return p.state }

var ErrParserClosed = errors.New("parser is closed")

// Feed consumes data and returns the events it completed. Incomplete
// trailing input is buffered for the next call; data itself is not
// retained. A non-nil error is terminal, though events emitted before
// the failure are still returned.
func (p *Parser) Feed(data []byte) ([]Event, error) {
	if p.err != nil {
		return nil, p.err
	}
	if p.closed {
		return nil, ErrParserClosed
	}

	b := data
	if len(p.buf) > 0 {
		p.buf = append(p.buf, data...)
		b = p.buf
	}

	events, rest, err := p.run(b)
	if err != nil {
		p.fail(err)
		return events, err
	}

	if len(rest) > 0 {
		// rest may alias either buf or data; append keeps our own copy.
		p.buf = append(p.buf[:0], rest...)
	} else if p.buf != nil {
		p.buf = p.buf[:0]
	}

	return events, nil
}

// Close signals end of stream. A message being read until close is
// completed and returned; a stream ending between messages is fine;
// anything else is a truncated message.
func (p *Parser) Close() ([]Event, error) {
	if p.err != nil {
		return nil, p.err
	}
	if p.closed {
		return nil, nil
	}
	p.closed = true

	switch {
	case p.state == StateAwaitBodyUntilClose:
		ev := p.finishMessage()
		return []Event{*ev}, nil

	case p.state == StateDone,
		p.state == StateAwaitStartLine && len(p.buf) == 0:
		return nil, nil

	default:
		p.fail(ErrUnexpectedEndOfStream)
		return nil, p.err
	}
}

func (p *Parser) fail(err error) {
	p.err = err
	p.state = StateFailed
	p.buf = nil
}

func (p *Parser) run(b []byte) (events []Event, rest []byte, err error) {
	for {
		if p.state == StateDone {
			if len(b) == 0 {
				return events, b, nil
			}
			// Next message on the same stream.
			p.reset()
		}

		switch p.state {
		case StateAwaitStartLine:
			line, n, ok, cerr := cutLine(b, p.opts.MaxStartLineLength)
			if cerr != nil {
				if errors.Is(cerr, errLineTooLong) {
					return events, b, ErrStartLineTooLong
				}
				return events, b, errors.Wrap(ErrBadStartLine, cerr.Error())
			}
			if !ok {
				return events, b, nil
			}
			b = b[n:]

			// Empty lines before the start line are tolerated.
			// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-2.2-6
			if len(line) == 0 {
				continue
			}

			ev, serr := p.startLine(line)
			if serr != nil {
				return events, b, serr
			}
			events = append(events, ev)

		case StateAwaitHeaders:
			line, n, ok, cerr := cutLine(b, p.opts.MaxFieldLineLength)
			if cerr != nil {
				if errors.Is(cerr, errLineTooLong) {
					return events, b, ErrFieldLineTooLong
				}
				return events, b, errors.Wrap(ErrBadHeader, cerr.Error())
			}
			if !ok {
				return events, b, nil
			}
			b = b[n:]

			if len(line) == 0 {
				// Header section is over; pick the body mode.
				ev, herr := p.finishHeaders()
				if herr != nil {
					return events, b, herr
				}
				if ev != nil {
					events = append(events, *ev)
				}
				continue
			}

			field, ferr := ParseField(line)
			if ferr != nil {
				return events, b, errors.Wrap(ErrBadHeader, ferr.Error())
			}
			p.headers.addParsed(field)
			events = append(events, Event{Kind: EventHeader, Field: field})

		case StateAwaitBodyLengthKnown:
			if len(b) == 0 {
				return events, b, nil
			}

			take := uint64(len(b))
			if take > p.remaining {
				take = p.remaining
			}
			events = append(events, p.bodyChunk(b[:take]))
			p.remaining -= take
			b = b[take:]

			if p.remaining == 0 {
				events = append(events, *p.finishMessage())
			}

		case StateAwaitBodyChunked:
			data, n, done, cerr := p.chunk.Next(b)
			if cerr != nil {
				return events, b, cerr
			}
			if len(data) > 0 {
				events = append(events, p.bodyChunk(data))
			}
			b = b[n:]

			if done {
				events = append(events, *p.finishMessage())
				continue
			}
			if n == 0 {
				return events, b, nil
			}

		case StateAwaitBodyUntilClose:
			if len(b) == 0 {
				return events, b, nil
			}
			events = append(events, p.bodyChunk(b))
			b = b[len(b):]
		}
	}
}

func (p *Parser) startLine(line []byte) (Event, error) {
	ev := Event{Kind: EventStartLine}

	if p.isResponse {
		statLine, err := parseStatusLine(line)
		if err != nil {
			return ev, errors.Wrap(ErrBadStartLine, err.Error())
		}
		p.statLine = statLine
		ev.StatusLine = &statLine
	} else {
		reqLine, err := parseRequestLine(line)
		if err != nil {
			return ev, errors.Wrap(ErrBadStartLine, err.Error())
		}
		p.reqLine = reqLine
		ev.RequestLine = &reqLine
	}

	p.headers = NewHeaders(p.opts.Headers)
	p.state = StateAwaitHeaders

	return ev, nil
}

// finishHeaders inspects the received headers and decides how the body
// is framed. It returns a non-nil event when the message is already
// complete (no body follows).
func (p *Parser) finishHeaders() (*Event, error) {
	te := p.headers.TokenList("Transfer-Encoding")
	cl := p.headers.Values("Content-Length")

	// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-6.1-15
	if len(te) > 0 && len(cl) > 0 {
		return nil, errors.Wrap(ErrBadHeader, "both Content-Length and Transfer-Encoding present")
	}

	if p.isResponse && (p.expectNoBody || bodilessStatus(p.statLine.StatusCode)) {
		return p.finishMessage(), nil
	}

	if len(te) > 0 {
		if strings.EqualFold(te[len(te)-1], "chunked") {
			p.chunk = NewChunkDecoder(p.opts.MaxFieldLineLength, p.opts.Headers)
			p.state = StateAwaitBodyChunked
			return nil, nil
		}

		// Final coding isn't chunked: the body length is unknowable.
		// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-6.3-2.4
		if p.isResponse {
			p.state = StateAwaitBodyUntilClose
			return nil, nil
		}
		return nil, errors.Wrap(ErrBadHeader, "request body length cannot be determined")
	}

	if len(cl) > 0 {
		length, err := parseContentLength(cl)
		if err != nil {
			return nil, err
		}
		if length == 0 {
			return p.finishMessage(), nil
		}

		p.remaining = length
		p.state = StateAwaitBodyLengthKnown
		return nil, nil
	}

	if p.isResponse {
		p.state = StateAwaitBodyUntilClose
		return nil, nil
	}

	for _, m := range p.opts.RequireLengthMethods {
		if m == p.reqLine.Method {
			return nil, ErrLengthRequired
		}
	}

	return p.finishMessage(), nil
}

func (p *Parser) finishMessage() *Event {
	ev := &Event{Kind: EventEnd}

	var trailers *Headers
	if p.chunk != nil {
		trailers = p.chunk.Trailers()
	}

	if p.isResponse {
		ev.Response = &Response{
			StatusLine: p.statLine,
			Headers:    p.headers,
			Body:       p.bodyAcc,
			Trailers:   trailers,
		}
	} else {
		ev.Request = &Request{
			RequestLine: p.reqLine,
			Headers:     p.headers,
			Body:        p.bodyAcc,
			Trailers:    trailers,
		}
	}

	p.state = StateDone
	p.expectNoBody = false

	return ev
}

// bodyChunk copies data into the body accumulator and returns an event
// aliasing the copy, so it survives buffer reuse by the caller.
func (p *Parser) bodyChunk(data []byte) Event {
	start := len(p.bodyAcc)
	p.bodyAcc = append(p.bodyAcc, data...)
	owned := p.bodyAcc[start:len(p.bodyAcc):len(p.bodyAcc)]
	return Event{Kind: EventBodyChunk, Body: owned}
}

func (p *Parser) reset() {
	p.state = StateAwaitStartLine
	p.reqLine = RequestLine{}
	p.statLine = StatusLine{}
	p.headers = nil
	p.bodyAcc = nil
	p.remaining = 0
	p.chunk = nil
}

var (
	errLineTooLong = errors.New("line length exceeds limit")
	errMissingCR   = errors.New("missing CR before LF")
)

// cutLine cuts the first CRLF terminated line off b. ok is false when b
// holds no complete line yet. limit > 0 bounds the line length
// (terminator excluded) and fails as early as possible, so the caller
// never buffers much more than limit bytes.
func cutLine(b []byte, limit uint) (line []byte, n int, ok bool, err error) {
	i := bytes.IndexByte(b, rule.LF)
	if i == -1 {
		// Even if CRLF arrived right now the line would be len(b)-1 long.
		if limit > 0 && uint(len(b)) > limit+1 {
			return nil, 0, false, errLineTooLong
		}
		return nil, 0, false, nil
	}

	if i == 0 || b[i-1] != rule.CR {
		return nil, 0, false, errMissingCR
	}

	if limit > 0 && uint(i-1) > limit {
		return nil, 0, false, errLineTooLong
	}

	return b[:i-1], i + 1, true, nil
}

func parseRequestLine(line []byte) (RequestLine, error) {
	parts := bytes.Split(line, []byte{rule.SP})
	if len(parts) != 3 {
		return RequestLine{}, errors.New("request line is malformed")
	}

	if !rule.IsValidToken(uf.B2S(parts[0])) {
		return RequestLine{}, errors.New("method is not a valid token")
	}

	if len(parts[1]) == 0 {
		return RequestLine{}, errors.New("request target should not be empty")
	}

	ver, err := ParseVersion(parts[2])
	if err != nil {
		return RequestLine{}, errors.Wrap(err, "parsing version")
	}

	return RequestLine{
		Method:  string(parts[0]),
		Target:  string(parts[1]),
		Version: ver,
	}, nil
}

func parseStatusLine(line []byte) (StatusLine, error) {
	parts := bytes.SplitN(line, []byte{rule.SP}, 3)
	if len(parts) < 2 {
		return StatusLine{}, errors.New("status line is malformed")
	}

	ver, err := ParseVersion(parts[0])
	if err != nil {
		return StatusLine{}, errors.Wrap(err, "parsing version")
	}

	codeRaw := uf.B2S(parts[1])
	code, err := strconv.ParseUint(codeRaw, 10, 64)
	if err != nil || len(codeRaw) != 3 {
		return StatusLine{}, errors.Errorf("status code is malformed: %q", codeRaw)
	}

	// reason-phrase is optional.
	var reason string
	if len(parts) == 3 {
		reason = string(parts[2])
	}

	return StatusLine{
		Version:      ver,
		StatusCode:   uint(code),
		ReasonPhrase: reason,
	}, nil
}

func parseContentLength(values []string) (uint64, error) {
	// Repeated identical values are tolerated, anything else conflicts.
	// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-8.6-13
	for _, v := range values[1:] {
		if v != values[0] {
			return 0, errors.Wrap(ErrBadHeader, "conflicting Content-Length values")
		}
	}

	n, err := strconv.ParseUint(values[0], 10, 64)
	if err != nil {
		return 0, errors.Wrap(ErrBadHeader, "Content-Length is not a valid non-negative integer")
	}

	return n, nil
}

// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-6.3-2.1
func bodilessStatus(code uint) bool {
	return code/100 == 1 || code == 204 || code == 304
}

// ReadRequest reads one complete request out of r using a fresh parser.
// A stream that ends cleanly before any request starts returns io.EOF.
func ReadRequest(r io.Reader, opts ParserOptions) (Request, error) {
	p := NewRequestParser(opts)

	end, err := pump(r, &p.Parser)
	if err != nil {
		return Request{}, err
	}
	if end == nil {
		return Request{}, io.EOF
	}

	return *end.Request, nil
}

// ReadResponse reads one complete response out of r using a fresh
// parser. A stream that ends cleanly before any response starts returns
// io.EOF.
func ReadResponse(r io.Reader, opts ParserOptions) (Response, error) {
	p := NewResponseParser(opts)

	end, err := pump(r, &p.Parser)
	if err != nil {
		return Response{}, err
	}
	if end == nil {
		return Response{}, io.EOF
	}

	return *end.Response, nil
}

// pump feeds r into p until one message completes or the stream ends.
func pump(r io.Reader, p *Parser) (end *Event, err error) {
	buf := make([]byte, 4096)
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			events, err := p.Feed(buf[:n])
			if err != nil {
				return nil, err
			}
			if ev := endEvent(events); ev != nil {
				return ev, nil
			}
		}

		if rerr != nil {
			if rerr != io.EOF {
				return nil, errors.Wrap(rerr, "reading")
			}

			events, err := p.Close()
			if err != nil {
				return nil, err
			}
			return endEvent(events), nil
		}
	}
}

func endEvent(events []Event) *Event {
	for i := range events {
		if events[i].Kind == EventEnd {
			return &events[i]
		}
	}
	return nil
}
