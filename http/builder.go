package http

import (
	"bytes"
	"strconv"

	"github.com/xth/brynet/http/status"
	"github.com/xth/brynet/util/rule"

	"github.com/pkg/errors"
)

type BuilderOptions struct {
	Headers HeadersOptions
	Encode  EncodeOptions
}

var DefaultBuilderOptions = BuilderOptions{
	Headers: DefaultHeadersOptions,
	Encode:  DefaultEncodeOptions,
}

// Build-time framing errors. Everything else is rejected when the field
// is set, so a builder fed consistent input never fails.
var (
	ErrFramingConflict = errors.New("Content-Length conflicts with chunked transfer")
	ErrLengthMismatch  = errors.New("explicit Content-Length does not match body length")
)

// RequestBuilder assembles a request into transmittable bytes.
// The zero-ish defaults are a bodiless "GET / HTTP/1.1".
type RequestBuilder struct {
	line    RequestLine
	query   *Query
	headers *Headers
	body    []byte
	chunked bool
	opts    BuilderOptions
}

func NewRequestBuilder(opts BuilderOptions) *RequestBuilder {
	return &RequestBuilder{
		line:    RequestLine{Method: MethodGet, Target: "/", Version: V11},
		headers: NewHeaders(opts.Headers),
		opts:    opts,
	}
}

func (b *RequestBuilder) SetMethod(method string) error {
	if !rule.IsValidToken(method) {
		return ErrInvalidFieldName
	}
	b.line.Method = method
	return nil
}

func (b *RequestBuilder) SetTarget(target string) { b.line.Target = target }

func (b *RequestBuilder) SetVersion(ver Version) { b.line.Version = ver }

// SetQuery attaches a query appended to the target as "?query" at build
// time, if it is non-empty.
func (b *RequestBuilder) SetQuery(q *Query) { b.query = q }

// AddHeader appends a field, keeping previously added same-name fields.
func (b *RequestBuilder) AddHeader(name, value string) error {
	return b.headers.Add(name, value)
}

// SetHeader replaces all fields with the name by a single one.
func (b *RequestBuilder) SetHeader(name, value string) error {
	return b.headers.Set(name, value)
}

func (b *RequestBuilder) SetHost(host string) error {
	return b.headers.Set("Host", host)
}

func (b *RequestBuilder) SetCookie(cookie string) error {
	return b.headers.Set("Cookie", cookie)
}

func (b *RequestBuilder) SetContentType(contentType string) error {
	return b.headers.Set("Content-Type", contentType)
}

// SetBody sets the in-memory body. Content-Length is derived at build
// time unless explicit framing headers were set.
func (b *RequestBuilder) SetBody(body []byte) { b.body = body }

// SetChunked switches the body to chunked transfer coding. With a body
// set, Build emits it as a single chunk plus the terminal chunk. Without
// one, Build emits only the head and the caller streams the body, e.g.
// through transfer.ChunkedWriter.
func (b *RequestBuilder) SetChunked() { b.chunked = true }

// Build assembles the request. The returned bytes are a fresh copy,
// unaffected by later builder mutation, and Build can be called again.
func (b *RequestBuilder) Build() ([]byte, error) {
	line := b.line
	if line.Target == "" {
		line.Target = "/"
	}
	if b.query != nil && b.query.Len() > 0 {
		line.Target += "?" + b.query.String()
	}

	headers, body, err := buildFraming(b.headers, b.body, b.chunked)
	if err != nil {
		return nil, err
	}

	req := Request{RequestLine: line, Headers: headers, Body: body}

	buf := bytes.NewBuffer(nil)
	if err := NewRequestEncoder(buf, b.opts.Encode).Encode(req); err != nil {
		return nil, errors.Wrap(err, "encoding request")
	}

	return buf.Bytes(), nil
}

// ResponseBuilder assembles a response into transmittable bytes.
// The defaults are a bodiless "HTTP/1.1 200 OK".
type ResponseBuilder struct {
	line    StatusLine
	reason  string
	headers *Headers
	body    []byte
	chunked bool
	opts    BuilderOptions
}

func NewResponseBuilder(opts BuilderOptions) *ResponseBuilder {
	return &ResponseBuilder{
		line:    StatusLine{Version: V11, StatusCode: status.OK.Code},
		headers: NewHeaders(opts.Headers),
		opts:    opts,
	}
}

// SetStatus sets the status code. The reason phrase is derived from the
// status table at build time unless SetReason overrides it.
func (b *ResponseBuilder) SetStatus(code uint) { b.line.StatusCode = code }

func (b *ResponseBuilder) SetReason(reason string) { b.reason = reason }

func (b *ResponseBuilder) SetVersion(ver Version) { b.line.Version = ver }

func (b *ResponseBuilder) AddHeader(name, value string) error {
	return b.headers.Add(name, value)
}

func (b *ResponseBuilder) SetHeader(name, value string) error {
	return b.headers.Set(name, value)
}

func (b *ResponseBuilder) SetContentType(contentType string) error {
	return b.headers.Set("Content-Type", contentType)
}

// SetKeepAlive sets the Connection header to "Keep-Alive" or "Close".
func (b *ResponseBuilder) SetKeepAlive(keepAlive bool) error {
	value := "Keep-Alive"
	if !keepAlive {
		value = "Close"
	}
	return b.headers.Set("Connection", value)
}

func (b *ResponseBuilder) SetBody(body []byte) { b.body = body }

// SetChunked behaves like [RequestBuilder.SetChunked].
func (b *ResponseBuilder) SetChunked() { b.chunked = true }

// Build assembles the response. The returned bytes are a fresh copy,
// unaffected by later builder mutation, and Build can be called again.
func (b *ResponseBuilder) Build() ([]byte, error) {
	line := b.line
	line.ReasonPhrase = b.reason
	if line.ReasonPhrase == "" {
		line.ReasonPhrase = status.ReasonFor(line.StatusCode)
	}

	headers, body, err := buildFraming(b.headers, b.body, b.chunked)
	if err != nil {
		return nil, err
	}

	resp := Response{StatusLine: line, Headers: headers, Body: body}

	buf := bytes.NewBuffer(nil)
	if err := NewResponseEncoder(buf, b.opts.Encode).Encode(resp); err != nil {
		return nil, errors.Wrap(err, "encoding response")
	}

	return buf.Bytes(), nil
}

// buildFraming derives body framing headers on a clone of headers, so
// the builder itself stays untouched and Build is repeatable.
func buildFraming(headers *Headers, body []byte, chunked bool) (*Headers, []byte, error) {
	clone := headers.Clone()

	explicitCL, hasCL := clone.Get("Content-Length")
	chunked = chunked || clone.HasToken("Transfer-Encoding", "chunked")

	if chunked {
		if hasCL {
			return nil, nil, ErrFramingConflict
		}
		if !clone.Has("Transfer-Encoding") {
			if err := clone.Set("Transfer-Encoding", "chunked"); err != nil {
				return nil, nil, err
			}
		}

		if len(body) == 0 {
			// Head-only build; the body is streamed by the caller.
			return clone, nil, nil
		}

		framed := AppendChunk(nil, body)
		framed = AppendLastChunk(framed, nil)
		return clone, framed, nil
	}

	if hasCL {
		if clone.Has("Transfer-Encoding") {
			return nil, nil, ErrFramingConflict
		}
		if explicitCL != strconv.Itoa(len(body)) {
			return nil, nil, ErrLengthMismatch
		}
		return clone, body, nil
	}

	if clone.Has("Transfer-Encoding") {
		// Explicit non-chunked coding: the caller owns the framing.
		return clone, body, nil
	}

	if len(body) > 0 {
		if err := clone.Set("Content-Length", strconv.Itoa(len(body))); err != nil {
			return nil, nil, err
		}
	}

	return clone, body, nil
}
