package http

import (
	"bytes"
	"strconv"

	"github.com/xth/brynet/util/rule"

	"github.com/indigo-web/utils/uf"
	"github.com/pkg/errors"
)

// Common request methods.
const (
	MethodGet     = "GET"
	MethodHead    = "HEAD"
	MethodPost    = "POST"
	MethodPut     = "PUT"
	MethodPatch   = "PATCH"
	MethodDelete  = "DELETE"
	MethodOptions = "OPTIONS"
	MethodTrace   = "TRACE"
)

// TimeFormat is the layout for HTTP dates (IMF-fixdate). Times must be
// in UTC before formatting.
//
// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-5.6.7
const TimeFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

// [Major, Minor]
type Version [2]uint

// V11 is the version spoken by this package unless told otherwise.
var V11 = Version{1, 1}

// ParseVersion parses http version text(e.g. "HTTP/1.1") into [Version].
func ParseVersion(b []byte) (Version, error) {
	prefix := []byte("HTTP/")
	if !bytes.HasPrefix(b, prefix) {
		return Version{}, errors.Errorf("http version prefix not found: %s", b)
	}

	// Get major and minor version.
	first, second, found := bytes.Cut(b[len(prefix):], []byte{'.'})
	if !found {
		return Version{}, errors.Errorf("dot seperator not found on version: %s", b)
	}

	major, err1 := strconv.ParseUint(string(first), 10, 64)
	minor, err2 := strconv.ParseUint(string(second), 10, 64)
	if err1 != nil || err2 != nil {
		return Version{}, errors.Errorf("http version is not convertable to int: %s", b)
	}

	return Version{uint(major), uint(minor)}, nil
}

func (ver Version) Text() []byte {
	buf := bytes.NewBuffer(nil)
	buf.Write([]byte("HTTP/"))
	buf.Write([]byte(strconv.FormatUint(uint64(ver[0]), 10)))
	buf.Write([]byte{'.'})
	buf.Write([]byte(strconv.FormatUint(uint64(ver[1]), 10)))
	return buf.Bytes()
}

func (ver Version) String() string { return string(ver.Text()) }

// Field is a single header field. Name is kept in canonical form
// (see [Headers]); Value is kept as given, with surrounding OWS trimmed.
type Field struct{ Name, Value string }

// ParseField parses a raw field line into [Field].
// The name is validated as a token and canonicalized; the value may not
// contain bare CR, LF or NUL.
func ParseField(fieldLine []byte) (Field, error) {
	name, value, found := bytes.Cut(fieldLine, []byte{':'})
	if !found {
		return Field{}, errors.Errorf("colon seperator not found on field line: %q", string(fieldLine))
	}

	// No whitespace is allowed between field name and colon.
	// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-5.1-2
	for _, c := range rule.OWS {
		if bytes.HasSuffix(name, []byte{c}) {
			return Field{}, errors.New("field name has trailing whitespace")
		}
	}

	if !rule.IsValidToken(uf.B2S(name)) {
		return Field{}, errors.Errorf("field name is not a valid token: %q", string(name))
	}

	// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-5.1-3
	for _, c := range rule.OWS {
		value = bytes.Trim(value, string([]byte{c}))
	}

	if !rule.IsValidFieldValue(uf.B2S(value)) {
		return Field{}, errors.Errorf("field value contains prohibited characters: %q", string(value))
	}

	canonicalizeFieldName(name)

	return Field{Name: string(name), Value: string(value)}, nil
}

func (f *Field) Text() []byte {
	buf := bytes.NewBuffer(nil)
	buf.Write([]byte(f.Name))
	buf.Write([]byte(": "))
	buf.Write([]byte(f.Value))
	return buf.Bytes()
}

type RequestLine struct {
	Method  string
	Target  string
	Version Version
}

type StatusLine struct {
	Version      Version
	StatusCode   uint
	ReasonPhrase string
}

// Request is a fully assembled request message.
type Request struct {
	RequestLine
	Headers *Headers

	Body []byte
	// Trailers holds fields received after a chunked body. Nil otherwise.
	Trailers *Headers
}

// Response is a fully assembled response message.
type Response struct {
	StatusLine
	Headers *Headers

	Body []byte
	// Trailers holds fields received after a chunked body. Nil otherwise.
	Trailers *Headers
}
